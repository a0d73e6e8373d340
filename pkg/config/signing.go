package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Haldane-Systems/veriground/core/pkg/signing"
)

// SigningFromEnv builds the signing key-version configuration from the
// environment. Version maps use the form "v1=SECRET_NAME,v2=OTHER_NAME";
// the values are secret NAMES resolved through the secrets resolver, never
// key material itself.
//
//   - SIGNING_MODE: "production" (default) or "development"
//   - SIGNING_HMAC_KEYS, SIGNING_HMAC_ACTIVE
//   - SIGNING_ED25519_KEYS, SIGNING_ED25519_ACTIVE
func SigningFromEnv() (signing.Config, error) {
	mode := signing.Mode(envOr("SIGNING_MODE", string(signing.ModeProduction)))
	switch mode {
	case signing.ModeProduction, signing.ModeDevelopment:
	default:
		return signing.Config{}, fmt.Errorf("config: unknown SIGNING_MODE %q", mode)
	}

	hmacKeys, err := parseVersionMap(os.Getenv("SIGNING_HMAC_KEYS"), "SIGNING_HMAC_KEYS")
	if err != nil {
		return signing.Config{}, err
	}
	edKeys, err := parseVersionMap(os.Getenv("SIGNING_ED25519_KEYS"), "SIGNING_ED25519_KEYS")
	if err != nil {
		return signing.Config{}, err
	}

	cfg := signing.Config{
		Mode:                 mode,
		HMACSecrets:          hmacKeys,
		ActiveHMACVersion:    os.Getenv("SIGNING_HMAC_ACTIVE"),
		Ed25519Secrets:       edKeys,
		ActiveEd25519Version: os.Getenv("SIGNING_ED25519_ACTIVE"),
	}

	// Development gets a usable single-version default so a bare
	// environment still boots with ephemeral keys.
	if mode == signing.ModeDevelopment {
		if len(cfg.HMACSecrets) == 0 {
			cfg.HMACSecrets = map[string]string{"v1": "VG_HMAC_KEY_V1"}
			cfg.ActiveHMACVersion = "v1"
		}
		if len(cfg.Ed25519Secrets) == 0 {
			cfg.Ed25519Secrets = map[string]string{"v1": "VG_ED25519_SEED_V1"}
			cfg.ActiveEd25519Version = "v1"
		}
	}

	if cfg.ActiveHMACVersion == "" || cfg.ActiveEd25519Version == "" {
		return signing.Config{}, fmt.Errorf("config: SIGNING_HMAC_ACTIVE and SIGNING_ED25519_ACTIVE are required")
	}
	if _, ok := cfg.HMACSecrets[cfg.ActiveHMACVersion]; !ok {
		return signing.Config{}, fmt.Errorf("config: active hmac version %q not in SIGNING_HMAC_KEYS", cfg.ActiveHMACVersion)
	}
	if _, ok := cfg.Ed25519Secrets[cfg.ActiveEd25519Version]; !ok {
		return signing.Config{}, fmt.Errorf("config: active ed25519 version %q not in SIGNING_ED25519_KEYS", cfg.ActiveEd25519Version)
	}

	return cfg, nil
}

func parseVersionMap(raw, envName string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		version, name, ok := strings.Cut(pair, "=")
		if !ok || version == "" || name == "" {
			return nil, fmt.Errorf("config: malformed %s entry %q (want version=SECRET_NAME)", envName, pair)
		}
		out[strings.TrimSpace(version)] = strings.TrimSpace(name)
	}
	return out, nil
}
