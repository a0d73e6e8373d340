package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
	"github.com/Haldane-Systems/veriground/core/pkg/methodology"
)

// FactorProfile is a published emission factor table loaded from YAML.
// The Reference is what methodology versions point at via their
// factor_table_reference attribute.
type FactorProfile struct {
	Name      string            `yaml:"name" json:"name"`
	Reference string            `yaml:"reference" json:"reference"`
	Source    string            `yaml:"source,omitempty" json:"source,omitempty"`
	Vintage   string            `yaml:"vintage,omitempty" json:"vintage,omitempty"`
	Unit      string            `yaml:"unit,omitempty" json:"unit,omitempty"`
	Factors   map[string]string `yaml:"factors" json:"factors"`
}

// Table converts the profile's string factors into a resolved factor table.
func (p *FactorProfile) Table() (methodology.FactorTable, error) {
	table := make(methodology.FactorTable, len(p.Factors))
	for region, raw := range p.Factors {
		d, err := canonicalize.ParseDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("profile %q: factor %s: %w", p.Reference, region, err)
		}
		table[region] = d
	}
	return table, nil
}

// LoadFactorProfile loads a single profile YAML by reference.
// It searches the profiles directory for factors_<reference>.yaml, with
// path separators in the reference mapped to dashes.
func LoadFactorProfile(profilesDir, reference string) (*FactorProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("factors_%s.yaml", fileSlug(reference)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load factor profile %q: %w", reference, err)
	}

	var profile FactorProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse factor profile %q: %w", reference, err)
	}

	if profile.Reference == "" {
		profile.Reference = reference
	}

	return &profile, nil
}

// LoadAllFactorProfiles loads every factors_*.yaml in the profiles directory.
func LoadAllFactorProfiles(profilesDir string) (map[string]*FactorProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "factors_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*FactorProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile FactorProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Reference == "" {
			base := filepath.Base(path)
			profile.Reference = strings.TrimSuffix(strings.TrimPrefix(base, "factors_"), ".yaml")
		}

		profiles[profile.Reference] = &profile
	}

	return profiles, nil
}

func fileSlug(reference string) string {
	return strings.NewReplacer("/", "-", "\\", "-").Replace(reference)
}

// ProfileFactorSource resolves factor table references against profiles
// loaded from disk at startup.
type ProfileFactorSource struct {
	tables map[string]methodology.FactorTable
}

// NewProfileFactorSource resolves every loaded profile into its table.
func NewProfileFactorSource(profiles map[string]*FactorProfile) (*ProfileFactorSource, error) {
	tables := make(map[string]methodology.FactorTable, len(profiles))
	for ref, p := range profiles {
		table, err := p.Table()
		if err != nil {
			return nil, err
		}
		tables[ref] = table
	}
	return &ProfileFactorSource{tables: tables}, nil
}

// Factors implements methodology.FactorSource.
func (s *ProfileFactorSource) Factors(ctx context.Context, reference string) (methodology.FactorTable, error) {
	table, ok := s.tables[reference]
	if !ok {
		return nil, fmt.Errorf("%w: factor table %s", methodology.ErrCountryFactorNotConfigured, reference)
	}
	return table, nil
}

// References lists the loaded factor table references.
func (s *ProfileFactorSource) References() []string {
	refs := make([]string, 0, len(s.tables))
	for ref := range s.tables {
		refs = append(refs, ref)
	}
	return refs
}
