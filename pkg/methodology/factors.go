package methodology

import (
	"context"
	"fmt"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
)

// FactorTable maps a country/region code to its emission factor.
type FactorTable map[string]canonicalize.Decimal

// Factor resolves the factor for a region.
func (t FactorTable) Factor(region string) (canonicalize.Decimal, error) {
	f, ok := t[region]
	if !ok {
		return canonicalize.Decimal{}, fmt.Errorf("%w: %s", ErrCountryFactorNotConfigured, region)
	}
	return f, nil
}

// FactorSource resolves a methodology's factor table reference to its table.
type FactorSource interface {
	Factors(ctx context.Context, reference string) (FactorTable, error)
}

// StaticFactorSource serves factor tables from memory, keyed by reference.
type StaticFactorSource map[string]FactorTable

func (s StaticFactorSource) Factors(ctx context.Context, reference string) (FactorTable, error) {
	t, ok := s[reference]
	if !ok {
		return nil, fmt.Errorf("%w: factor table %s", ErrCountryFactorNotConfigured, reference)
	}
	return t, nil
}
