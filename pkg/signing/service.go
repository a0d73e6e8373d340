// Package signing maintains the two independent signature planes of the
// impact ledger: HMAC-SHA256 over versioned shared secrets for cheap
// internal verification, and Ed25519 for public, secret-free verification.
// Both planes are always applied together, never one in place of the other.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/Haldane-Systems/veriground/core/pkg/secrets"
)

// Mode selects the runtime posture of the service.
type Mode string

const (
	// ModeProduction refuses to construct with missing, malformed, or
	// placeholder key material (fail-closed).
	ModeProduction Mode = "production"
	// ModeDevelopment may generate ephemeral keys for absent material.
	ModeDevelopment Mode = "development"
)

// Purpose scopes an HMAC subkey to one artifact family so a signature over
// a ledger record can never be replayed as one over an export.
type Purpose string

const (
	PurposeImpactRecord Purpose = "impact-record"
	PurposeMRVExport    Purpose = "mrv-export"
)

const hkdfInfoPrefix = "veriground/hmac/"

// minHMACKeyBytes is the smallest accepted HMAC root key.
const minHMACKeyBytes = 16

var (
	// ErrInvalidSignature indicates a definitive signature mismatch.
	// Verification failures are never retried.
	ErrInvalidSignature = errors.New("signing: invalid signature")
	// ErrUnknownKeyVersion indicates the declared key version is not in the keyring.
	ErrUnknownKeyVersion = errors.New("signing: unknown key version")
)

// SignatureSet carries both signature planes over one content hash.
type SignatureSet struct {
	ContentHash       string `json:"content_hash"`
	HMACSignature     string `json:"hmac_signature"`
	HMACKeyVersion    string `json:"hmac_key_version"`
	Ed25519Signature  string `json:"ed25519_signature"`
	Ed25519KeyVersion string `json:"ed25519_key_version"`
}

// Outcome reports per-plane verification results, including which keyring
// version actually matched (a fallback match is recorded, never silent).
type Outcome struct {
	HMACValid             bool   `json:"hmac_valid"`
	HMACMatchedVersion    string `json:"hmac_matched_version,omitempty"`
	Ed25519Valid          bool   `json:"ed25519_valid"`
	Ed25519MatchedVersion string `json:"ed25519_matched_version,omitempty"`
}

// Config maps key versions to secret names resolved through the abstract
// secret-resolution collaborator.
type Config struct {
	Mode Mode
	// HMACSecrets maps hmac key version -> secret name.
	HMACSecrets       map[string]string
	ActiveHMACVersion string
	// Ed25519Secrets maps ed25519 key version -> secret name. Secret values
	// are hex-encoded 32-byte seeds.
	Ed25519Secrets       map[string]string
	ActiveEd25519Version string
}

// RequiredSecrets lists every secret name the configuration references,
// for the administrative status surface.
func (c Config) RequiredSecrets() []string {
	names := make([]string, 0, len(c.HMACSecrets)+len(c.Ed25519Secrets))
	for _, n := range c.HMACSecrets {
		names = append(names, n)
	}
	for _, n := range c.Ed25519Secrets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Service signs content hashes on both planes and verifies them against
// immutable versioned keyrings built once at construction.
type Service struct {
	mode       Mode
	hmacKeys   map[string][]byte
	activeHMAC string
	edPriv     map[string]ed25519.PrivateKey
	activeEd   string
	public     PublicKeyring
	logger     *slog.Logger
}

// New builds the service, resolving all key material up front. In
// production mode any missing, malformed, or placeholder secret aborts
// construction; signing never falls back to an insecure default.
func New(ctx context.Context, cfg Config, resolver secrets.Resolver, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		mode:       cfg.Mode,
		hmacKeys:   make(map[string][]byte),
		activeHMAC: cfg.ActiveHMACVersion,
		edPriv:     make(map[string]ed25519.PrivateKey),
		activeEd:   cfg.ActiveEd25519Version,
		public:     PublicKeyring{keys: make(map[string]ed25519.PublicKey)},
		logger:     logger.With("component", "signing"),
	}

	for version, name := range cfg.HMACSecrets {
		key, err := resolveHMACKey(ctx, resolver, name)
		if err != nil {
			if cfg.Mode == ModeProduction {
				return nil, fmt.Errorf("signing: hmac key %s (secret %s): %w", version, name, err)
			}
			s.logger.Warn("generating ephemeral hmac key for development", "version", version, "reason", err)
			key = make([]byte, 32)
			if _, err := io.ReadFull(rand.Reader, key); err != nil {
				return nil, fmt.Errorf("signing: ephemeral hmac key: %w", err)
			}
		}
		s.hmacKeys[version] = key
	}
	if _, ok := s.hmacKeys[s.activeHMAC]; !ok {
		return nil, fmt.Errorf("signing: active hmac key version %q is not configured", s.activeHMAC)
	}

	for version, name := range cfg.Ed25519Secrets {
		priv, err := resolveEd25519Key(ctx, resolver, name)
		if err != nil {
			if cfg.Mode == ModeProduction {
				return nil, fmt.Errorf("signing: ed25519 key %s (secret %s): %w", version, name, err)
			}
			s.logger.Warn("generating ephemeral ed25519 key for development", "version", version, "reason", err)
			_, priv, err = ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("signing: ephemeral ed25519 key: %w", err)
			}
		}
		s.edPriv[version] = priv
		s.public.keys[version] = priv.Public().(ed25519.PublicKey)
	}
	if _, ok := s.edPriv[s.activeEd]; !ok {
		return nil, fmt.Errorf("signing: active ed25519 key version %q is not configured", s.activeEd)
	}
	s.public.activeVersion = s.activeEd

	return s, nil
}

func resolveHMACKey(ctx context.Context, resolver secrets.Resolver, name string) ([]byte, error) {
	value, err := resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: empty value", secrets.ErrSecretUnavailable)
	}
	if secrets.IsPlaceholder(value) {
		return nil, fmt.Errorf("%w: placeholder value", secrets.ErrSecretUnavailable)
	}

	// Hex-encoded keys are decoded; anything else is used as raw bytes.
	key := []byte(value)
	if decoded, err := hex.DecodeString(value); err == nil {
		key = decoded
	}
	if len(key) < minHMACKeyBytes {
		return nil, fmt.Errorf("hmac key too short: %d bytes (minimum %d)", len(key), minHMACKeyBytes)
	}
	return key, nil
}

func resolveEd25519Key(ctx context.Context, resolver secrets.Resolver, name string) (ed25519.PrivateKey, error) {
	value, err := resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	value = strings.TrimSpace(value)
	if secrets.IsPlaceholder(value) {
		return nil, fmt.Errorf("%w: placeholder value", secrets.ErrSecretUnavailable)
	}
	seed, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("ed25519 seed is not valid hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign computes both signature planes over a content hash.
func (s *Service) Sign(hash []byte, purpose Purpose) (SignatureSet, error) {
	if len(hash) == 0 {
		return SignatureSet{}, errors.New("signing: empty content hash")
	}

	subkey, err := s.purposeKey(s.activeHMAC, purpose)
	if err != nil {
		return SignatureSet{}, err
	}
	mac := hmac.New(sha256.New, subkey)
	mac.Write(hash)

	return SignatureSet{
		ContentHash:       hex.EncodeToString(hash),
		HMACSignature:     hex.EncodeToString(mac.Sum(nil)),
		HMACKeyVersion:    s.activeHMAC,
		Ed25519Signature:  hex.EncodeToString(ed25519.Sign(s.edPriv[s.activeEd], hash)),
		Ed25519KeyVersion: s.activeEd,
	}, nil
}

// Verify checks both planes. The declared key version is attempted first;
// the remaining keyring is scanned in deterministic order only as a
// bootstrapping/migration fallback, and the version that matched is
// recorded in the outcome.
func (s *Service) Verify(hash []byte, set SignatureSet, purpose Purpose) Outcome {
	out := Outcome{}

	sig, err := hex.DecodeString(set.HMACSignature)
	if err == nil {
		for _, version := range s.candidateVersions(s.hmacKeys, set.HMACKeyVersion) {
			subkey, kerr := s.purposeKey(version, purpose)
			if kerr != nil {
				continue
			}
			mac := hmac.New(sha256.New, subkey)
			mac.Write(hash)
			if hmac.Equal(mac.Sum(nil), sig) {
				out.HMACValid = true
				out.HMACMatchedVersion = version
				break
			}
		}
	}

	edOut := s.public.Verify(hash, set.Ed25519Signature, set.Ed25519KeyVersion)
	out.Ed25519Valid = edOut.Ed25519Valid
	out.Ed25519MatchedVersion = edOut.Ed25519MatchedVersion
	return out
}

// purposeKey derives the purpose-scoped HMAC subkey from a root key version.
func (s *Service) purposeKey(version string, purpose Purpose) ([]byte, error) {
	root, ok := s.hmacKeys[version]
	if !ok {
		return nil, fmt.Errorf("%w: hmac %s", ErrUnknownKeyVersion, version)
	}
	r := hkdf.New(sha256.New, root, nil, []byte(hkdfInfoPrefix+string(purpose)))
	subkey := make([]byte, 32)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("signing: hkdf derivation failed: %w", err)
	}
	return subkey, nil
}

// candidateVersions orders keyring versions for verification: the declared
// version first, then the rest sorted for deterministic scanning.
func (s *Service) candidateVersions(keys map[string][]byte, declared string) []string {
	ordered := make([]string, 0, len(keys))
	if _, ok := keys[declared]; ok {
		ordered = append(ordered, declared)
	}
	rest := make([]string, 0, len(keys))
	for v := range keys {
		if v != declared {
			rest = append(rest, v)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// PublicKeys returns the Ed25519 public keyring, sufficient for a verifier
// holding no shared secret.
func (s *Service) PublicKeys() PublicKeyring {
	return s.public
}

// PublicKeyDescriptor describes the active Ed25519 public key for the
// stable distribution endpoint.
type PublicKeyDescriptor struct {
	PublicKey          string `json:"public_key"`
	FingerprintSHA256  string `json:"fingerprint_sha256"`
	SignatureAlgorithm string `json:"signature_algorithm"`
	KeyVersion         string `json:"key_version"`
	Encoding           string `json:"encoding"`
}

// PublicKeyDescriptor returns the wire descriptor of the active public key.
func (s *Service) PublicKeyDescriptor() PublicKeyDescriptor {
	pub := s.public.keys[s.activeEd]
	fingerprint := sha256.Sum256(pub)
	return PublicKeyDescriptor{
		PublicKey:          base64.StdEncoding.EncodeToString(pub),
		FingerprintSHA256:  hex.EncodeToString(fingerprint[:]),
		SignatureAlgorithm: "Ed25519",
		KeyVersion:         s.activeEd,
		Encoding:           "base64",
	}
}

// SignAttestation issues a compact JWS (EdDSA) over the given claims with
// the active key version in the kid header.
func (s *Service) SignAttestation(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.activeEd
	signed, err := token.SignedString(s.edPriv[s.activeEd])
	if err != nil {
		return "", fmt.Errorf("signing: attestation token: %w", err)
	}
	return signed, nil
}

// AttestationKeyFunc returns the key lookup for attestation verification,
// resolving the kid header against the public keyring.
func (s *Service) AttestationKeyFunc() jwt.Keyfunc {
	return s.public.KeyFunc()
}
