// Package auth carries the authentication contracts the server consults
// before dispatching protected operations, plus the bundled validators.
package auth

import (
	"context"
	"crypto/subtle"

	"github.com/localserve/mcpd/protocol"
)

// Credential locations for HTTP-carried requests.
const (
	HeaderAPIKey = "X-MCP-API-Key"
	QueryAPIKey  = "api_key"
)

// Principal is the authenticated caller after successful validation.
type Principal interface {
	// Subject returns the principal's unique identifier.
	Subject() string
	// Claims returns the raw claims carried by the credential.
	Claims() map[string]interface{}
}

// TokenValidator validates a presented credential and resolves it to a
// Principal. Validation failures return *protocol.Error with the
// unauthorized code so the handler can surface them directly.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

// PermissionChecker authorizes a principal for a specific method. A nil
// return grants access.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, principal Principal, method string, params interface{}) error
}

type principalKeyType struct{}

var principalKey = principalKeyType{}

// ContextWithPrincipal embeds the principal in the request context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the principal set by the auth hook.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// AllowAll grants every authenticated principal access to every method.
type AllowAll struct{}

func (AllowAll) CheckPermission(_ context.Context, principal Principal, _ string, _ interface{}) error {
	if principal == nil {
		return protocol.NewUnauthorized("no authenticated principal")
	}
	return nil
}

var _ PermissionChecker = AllowAll{}

// staticPrincipal backs validators whose credential carries no claims.
type staticPrincipal struct {
	subject string
}

func (p staticPrincipal) Subject() string                { return p.subject }
func (p staticPrincipal) Claims() map[string]interface{} { return nil }

// APIKeyValidator checks a shared secret in constant time.
type APIKeyValidator struct {
	key []byte
}

// NewAPIKeyValidator creates a validator for the configured key.
func NewAPIKeyValidator(key string) *APIKeyValidator {
	return &APIKeyValidator{key: []byte(key)}
}

// Validate compares the presented key against the configured one.
func (v *APIKeyValidator) Validate(presented string) error {
	if subtle.ConstantTimeCompare(v.key, []byte(presented)) != 1 {
		return protocol.NewUnauthorized("invalid API key")
	}
	return nil
}

// ValidateToken implements TokenValidator over the shared key.
func (v *APIKeyValidator) ValidateToken(_ context.Context, token string) (Principal, error) {
	if err := v.Validate(token); err != nil {
		return nil, err
	}
	return staticPrincipal{subject: "api-key"}, nil
}

var _ TokenValidator = (*APIKeyValidator)(nil)
