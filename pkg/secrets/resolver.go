// Package secrets defines the abstract secret-resolution collaborator used
// by the signing service. Provider-specific retrieval (environment, vault,
// KMS) lives behind the single-method Resolver interface; this package ships
// an environment-backed implementation and a static one for tests.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretUnavailable is returned when a required secret cannot be resolved.
var ErrSecretUnavailable = errors.New("secrets: secret unavailable")

// Resolver resolves a named secret to its value.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// EnvResolver resolves secrets from environment variables, optionally
// applying a prefix (e.g. "VERIGROUND_").
type EnvResolver struct {
	Prefix string
}

func (r EnvResolver) Resolve(ctx context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(r.Prefix + name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretUnavailable, name)
	}
	return v, nil
}

// Static is a map-backed Resolver for tests and local development.
type Static map[string]string

func (s Static) Resolve(ctx context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretUnavailable, name)
	}
	return v, nil
}

// Status classifies the health of one required secret.
type Status string

const (
	StatusOK      Status = "OK"
	StatusMissing Status = "MISSING"
	StatusInvalid Status = "INVALID"
)

// placeholders are values that must never be accepted as real key material.
var placeholders = map[string]struct{}{
	"changeme":    {},
	"change-me":   {},
	"replace-me":  {},
	"placeholder": {},
	"dev-secret":  {},
	"insecure":    {},
	"secret":      {},
	"todo":        {},
}

// IsPlaceholder reports whether v is a known placeholder value.
func IsPlaceholder(v string) bool {
	_, ok := placeholders[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// Health resolves each required secret and classifies it. Values are never
// included in the result; this feeds the non-sensitive status surface.
func Health(ctx context.Context, r Resolver, required []string) map[string]Status {
	out := make(map[string]Status, len(required))
	for _, name := range required {
		v, err := r.Resolve(ctx, name)
		switch {
		case err != nil:
			out[name] = StatusMissing
		case strings.TrimSpace(v) == "" || IsPlaceholder(v):
			out[name] = StatusInvalid
		default:
			out[name] = StatusOK
		}
	}
	return out
}
