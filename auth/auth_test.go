package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localserve/mcpd/protocol"
)

func TestAPIKeyValidator(t *testing.T) {
	v := NewAPIKeyValidator("sekrit")

	assert.NoError(t, v.Validate("sekrit"))

	err := v.Validate("wrong")
	require.Error(t, err)
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeUnauthorized, pe.Code)

	assert.Error(t, v.Validate(""))
}

func TestAPIKeyValidatorAsTokenValidator(t *testing.T) {
	v := NewAPIKeyValidator("sekrit")

	principal, err := v.ValidateToken(context.Background(), "sekrit")
	require.NoError(t, err)
	assert.Equal(t, "api-key", principal.Subject())
	assert.Nil(t, principal.Claims())

	_, err = v.ValidateToken(context.Background(), "wrong")
	assert.Error(t, err)
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := ContextWithPrincipal(context.Background(), staticPrincipal{subject: "alice"})
	principal, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", principal.Subject())
}

func TestAllowAll(t *testing.T) {
	checker := AllowAll{}
	ctx := context.Background()

	assert.NoError(t, checker.CheckPermission(ctx, staticPrincipal{subject: "x"}, "tools/call", nil))

	err := checker.CheckPermission(ctx, nil, "tools/call", nil)
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeUnauthorized, pe.Code)
}
