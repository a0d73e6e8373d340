// Package methodology governs the versioned computation-method descriptors
// that every MRV export is bound to. At most one version is ACTIVE at any
// time; the canonical hash of a descriptor is recomputed for binding checks
// during verification.
package methodology

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
)

// Status of a methodology version.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusDeprecated Status = "DEPRECATED"
)

var (
	// ErrAlreadyActive is returned when activating a version while another is ACTIVE.
	ErrAlreadyActive = errors.New("methodology: another version is already active")
	// ErrNotConfigured is returned when no version is ACTIVE.
	ErrNotConfigured = errors.New("methodology: no active version configured")
	// ErrVersionNotFound is returned for an unknown version.
	ErrVersionNotFound = errors.New("methodology: version not found")
	// ErrCountryFactorNotConfigured is returned when a region has no emission factor.
	ErrCountryFactorNotConfigured = errors.New("methodology: country factor not configured")
)

// Version is a governed descriptor of the computation method in force.
type Version struct {
	Version              string    `json:"version"`
	Status               Status    `json:"status"`
	BaselineReference    string    `json:"baseline_reference"`
	FactorTableReference string    `json:"factor_table_reference"`
	GeographicScope      []string  `json:"geographic_scope,omitempty"`
	EligibilityExpr      string    `json:"eligibility_expr,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Validate checks the descriptor, including semver well-formedness.
func (v Version) Validate() error {
	if _, err := semver.NewVersion(v.Version); err != nil {
		return fmt.Errorf("methodology: version %q is not valid semver: %w", v.Version, err)
	}
	if v.BaselineReference == "" {
		return errors.New("methodology: baseline_reference is required")
	}
	if v.FactorTableReference == "" {
		return errors.New("methodology: factor_table_reference is required")
	}
	return nil
}

// descriptor returns the hashed fields. Lifecycle state and timestamps are
// excluded so deprecating a version later does not break the binding hash
// of exports created while it was active.
func (v Version) descriptor() map[string]interface{} {
	scope := v.GeographicScope
	if scope == nil {
		scope = []string{}
	}
	return map[string]interface{}{
		"version":                v.Version,
		"baseline_reference":     v.BaselineReference,
		"factor_table_reference": v.FactorTableReference,
		"geographic_scope":       scope,
		"eligibility_expr":       v.EligibilityExpr,
	}
}

// Hash computes the canonical hash of the descriptor.
func (v Version) Hash() (string, error) {
	return canonicalize.CanonicalHash(v.descriptor())
}

// Registry stores methodology versions and enforces the single-ACTIVE invariant.
type Registry interface {
	// Register adds a new version in DEPRECATED state.
	Register(ctx context.Context, v Version) error
	// Activate marks a version ACTIVE; rejected with ErrAlreadyActive while
	// a different version holds that status.
	Activate(ctx context.Context, version string) error
	// Deprecate retires a version, clearing the way for a successor.
	Deprecate(ctx context.Context, version string) error
	// ResolveActive returns the single ACTIVE version.
	ResolveActive(ctx context.Context) (Version, error)
	// Get returns a version by identifier.
	Get(ctx context.Context, version string) (Version, error)
	// List returns all versions in ascending semver order.
	List(ctx context.Context) ([]Version, error)
}

// HashOf recomputes the canonical descriptor hash of a registered version,
// for methodology binding checks.
func HashOf(ctx context.Context, r Registry, version string) (string, error) {
	v, err := r.Get(ctx, version)
	if err != nil {
		return "", err
	}
	return v.Hash()
}

// sortVersions orders by semver ascending; callers guarantee validity via Register.
func sortVersions(versions []Version) {
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0; j-- {
			a, errA := semver.NewVersion(versions[j-1].Version)
			b, errB := semver.NewVersion(versions[j].Version)
			if errA != nil || errB != nil || !a.GreaterThan(b) {
				break
			}
			versions[j-1], versions[j] = versions[j], versions[j-1]
		}
	}
}
