package auth

import (
	"context"
	"testing"

	"github.com/agentuity/go-common/authentication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAll(t *testing.T) {
	identity, err := AllowAll.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", identity.Subject)

	_, err = AllowAll.Validate(context.Background(), "Bearer whatever")
	assert.NoError(t, err)
}

func TestSharedSecret(t *testing.T) {
	validator := NewSharedSecret("s3cret")

	token, err := authentication.NewBearerToken("s3cret")
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		identity, err := validator.Validate(context.Background(), "Bearer "+token)
		require.NoError(t, err)
		assert.Equal(t, "shared-secret", identity.Subject)
	})

	t.Run("bare token without scheme", func(t *testing.T) {
		_, err := validator.Validate(context.Background(), token)
		assert.NoError(t, err)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := validator.Validate(context.Background(), "")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := authentication.NewBearerToken("different")
		require.NoError(t, err)
		_, err = validator.Validate(context.Background(), "Bearer "+other)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := validator.Validate(context.Background(), "Bearer nope")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})
}
