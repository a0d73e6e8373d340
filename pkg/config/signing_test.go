package config

import (
	"strings"
	"testing"

	"github.com/Haldane-Systems/veriground/core/pkg/signing"
)

func TestSigningFromEnv_Production(t *testing.T) {
	t.Setenv("SIGNING_MODE", "production")
	t.Setenv("SIGNING_HMAC_KEYS", "v1=VG_HMAC_V1, v2=VG_HMAC_V2")
	t.Setenv("SIGNING_HMAC_ACTIVE", "v2")
	t.Setenv("SIGNING_ED25519_KEYS", "v1=VG_ED_V1")
	t.Setenv("SIGNING_ED25519_ACTIVE", "v1")

	cfg, err := SigningFromEnv()
	if err != nil {
		t.Fatalf("SigningFromEnv: %v", err)
	}
	if cfg.Mode != signing.ModeProduction {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.HMACSecrets["v2"] != "VG_HMAC_V2" {
		t.Errorf("HMACSecrets = %v", cfg.HMACSecrets)
	}
	if cfg.ActiveHMACVersion != "v2" {
		t.Errorf("ActiveHMACVersion = %q", cfg.ActiveHMACVersion)
	}
}

func TestSigningFromEnv_DevelopmentDefaults(t *testing.T) {
	t.Setenv("SIGNING_MODE", "development")

	cfg, err := SigningFromEnv()
	if err != nil {
		t.Fatalf("SigningFromEnv: %v", err)
	}
	if cfg.ActiveHMACVersion != "v1" || cfg.ActiveEd25519Version != "v1" {
		t.Errorf("active versions = %q/%q", cfg.ActiveHMACVersion, cfg.ActiveEd25519Version)
	}
}

func TestSigningFromEnv_ProductionRequiresActive(t *testing.T) {
	t.Setenv("SIGNING_MODE", "production")
	t.Setenv("SIGNING_HMAC_KEYS", "v1=VG_HMAC_V1")
	t.Setenv("SIGNING_ED25519_KEYS", "v1=VG_ED_V1")

	if _, err := SigningFromEnv(); err == nil {
		t.Fatal("expected error for missing active versions")
	}
}

func TestSigningFromEnv_ActiveNotInMap(t *testing.T) {
	t.Setenv("SIGNING_MODE", "production")
	t.Setenv("SIGNING_HMAC_KEYS", "v1=VG_HMAC_V1")
	t.Setenv("SIGNING_HMAC_ACTIVE", "v9")
	t.Setenv("SIGNING_ED25519_KEYS", "v1=VG_ED_V1")
	t.Setenv("SIGNING_ED25519_ACTIVE", "v1")

	_, err := SigningFromEnv()
	if err == nil || !strings.Contains(err.Error(), "v9") {
		t.Fatalf("err = %v", err)
	}
}

func TestSigningFromEnv_MalformedMap(t *testing.T) {
	t.Setenv("SIGNING_HMAC_KEYS", "v1:VG_HMAC_V1")

	if _, err := SigningFromEnv(); err == nil {
		t.Fatal("expected error for malformed version map")
	}
}
