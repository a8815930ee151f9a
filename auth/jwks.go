package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/localserve/mcpd/protocol"
)

// JWKSConfig configures the JWKS-backed JWT validator.
type JWKSConfig struct {
	// URL of the JSON Web Key Set endpoint. Required.
	URL string
	// Issuer is the required 'iss' claim value when non-empty.
	Issuer string
	// Audience is the required 'aud' claim value when non-empty.
	Audience string
	// ClockSkew is the leeway applied to exp/nbf validation.
	ClockSkew time.Duration
	// RefreshInterval is how often the key set is re-fetched. Default 1h.
	RefreshInterval time.Duration
}

// JWKSValidator validates bearer JWTs against keys published at a JWKS
// endpoint, with automatic key rotation via the cached key set.
type JWKSValidator struct {
	config JWKSConfig
	cache  *jwk.Cache
}

// NewJWKSValidator builds the validator and performs the initial key fetch
// so misconfiguration fails at startup rather than on the first request.
func NewJWKSValidator(ctx context.Context, config JWKSConfig, client *http.Client) (*JWKSValidator, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("auth: JWKS URL is required")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(config.URL, jwk.WithMinRefreshInterval(config.RefreshInterval), jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("auth: failed to register JWKS URL %s: %w", config.URL, err)
	}
	if _, err := cache.Refresh(ctx, config.URL); err != nil {
		return nil, fmt.Errorf("auth: initial JWKS fetch from %s failed: %w", config.URL, err)
	}

	return &JWKSValidator{config: config, cache: cache}, nil
}

type jwtPrincipal struct {
	claims jwt.MapClaims
}

func (p *jwtPrincipal) Subject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

func (p *jwtPrincipal) Claims() map[string]interface{} {
	return p.claims
}

// ValidateToken implements TokenValidator.
func (v *JWKSValidator) ValidateToken(ctx context.Context, tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"})}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}
	if v.config.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(v.config.ClockSkew))
	}

	token, err := jwt.Parse(tokenString, v.keyFor(ctx), opts...)
	if err != nil {
		return nil, protocol.NewUnauthorized(fmt.Sprintf("token rejected: %v", err))
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, protocol.NewUnauthorized("unexpected token claims format")
	}
	return &jwtPrincipal{claims: claims}, nil
}

// keyFor resolves the signing key named by the token's kid header. A miss
// triggers one cache refresh to pick up freshly rotated keys.
func (v *JWKSValidator) keyFor(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}

		keySet, err := v.cache.Get(ctx, v.config.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to load JWKS from %s: %w", v.config.URL, err)
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			if keySet, err = v.cache.Refresh(ctx, v.config.URL); err != nil {
				return nil, fmt.Errorf("kid %q not in JWKS and refresh failed: %w", kid, err)
			}
			if key, found = keySet.LookupKeyID(kid); !found {
				return nil, fmt.Errorf("kid %q not found in JWKS at %s", kid, v.config.URL)
			}
		}

		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("failed to materialize key %q: %w", kid, err)
		}
		return raw, nil
	}
}

var _ TokenValidator = (*JWKSValidator)(nil)
