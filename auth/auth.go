// Package auth defines the credential validator the transport consults. The
// relay consumes validation results; it never enforces authorization policy.
package auth

import (
	"context"
	"strings"

	"github.com/agentuity/go-common/authentication"
	"github.com/cockroachdb/errors"
)

// ErrInvalidCredential is returned when a credential is rejected.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Scopes  []string
}

// Validator receives an opaque credential and returns the identity it proves,
// or rejects it.
type Validator interface {
	Validate(ctx context.Context, credential string) (Identity, error)
}

type allowAll struct{}

func (allowAll) Validate(ctx context.Context, credential string) (Identity, error) {
	return Identity{Subject: "anonymous"}, nil
}

// AllowAll accepts every credential, including an empty one. It is the
// default when no validator is configured.
var AllowAll Validator = allowAll{}

type sharedSecret struct {
	secret string
}

// NewSharedSecret returns a Validator that accepts bearer tokens minted with
// authentication.NewBearerToken against the given shared secret.
func NewSharedSecret(secret string) Validator {
	return &sharedSecret{secret: secret}
}

func (v *sharedSecret) Validate(ctx context.Context, credential string) (Identity, error) {
	token := strings.TrimPrefix(credential, "Bearer ")
	if token == "" {
		return Identity{}, errors.Wrap(ErrInvalidCredential, "missing bearer token")
	}
	if err := authentication.ValidateToken(v.secret, token); err != nil {
		return Identity{}, errors.Wrap(ErrInvalidCredential, err.Error())
	}
	return Identity{Subject: "shared-secret"}, nil
}
