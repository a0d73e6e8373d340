package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Haldane-Systems/veriground/core/pkg/methodology"
)

const gridProfileYAML = `name: "European grid intensity 2024"
reference: "factors/grid-2024"
source: "ember-climate.org"
vintage: "2024"
unit: "kgCO2e/kWh"
factors:
  DE: "0.420000"
  FR: "0.056000"
  PL: "0.662000"
`

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFactorProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "factors_factors-grid-2024.yaml", gridProfileYAML)

	profile, err := LoadFactorProfile(dir, "factors/grid-2024")
	if err != nil {
		t.Fatalf("LoadFactorProfile: %v", err)
	}
	if profile.Reference != "factors/grid-2024" {
		t.Errorf("Reference = %q", profile.Reference)
	}
	if profile.Unit != "kgCO2e/kWh" {
		t.Errorf("Unit = %q", profile.Unit)
	}

	table, err := profile.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	f, err := table.Factor("DE")
	if err != nil {
		t.Fatalf("Factor: %v", err)
	}
	if f.String() != "0.420000" {
		t.Errorf("DE factor = %s", f)
	}
}

func TestLoadFactorProfile_Missing(t *testing.T) {
	if _, err := LoadFactorProfile(t.TempDir(), "factors/none"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestProfileFactorSource(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "factors_factors-grid-2024.yaml", gridProfileYAML)

	profiles, err := LoadAllFactorProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllFactorProfiles: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("loaded %d profiles", len(profiles))
	}

	source, err := NewProfileFactorSource(profiles)
	if err != nil {
		t.Fatalf("NewProfileFactorSource: %v", err)
	}

	table, err := source.Factors(context.Background(), "factors/grid-2024")
	if err != nil {
		t.Fatalf("Factors: %v", err)
	}
	if _, err := table.Factor("FR"); err != nil {
		t.Errorf("FR factor: %v", err)
	}

	_, err = source.Factors(context.Background(), "factors/unknown")
	if !errors.Is(err, methodology.ErrCountryFactorNotConfigured) {
		t.Errorf("unknown reference error = %v", err)
	}
}

func TestFactorProfile_BadDecimal(t *testing.T) {
	p := &FactorProfile{Reference: "factors/x", Factors: map[string]string{"DE": "abc"}}
	if _, err := p.Table(); err == nil {
		t.Fatal("expected parse error")
	}
}
