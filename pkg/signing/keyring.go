package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/golang-jwt/jwt/v5"
)

// PublicKeyring is an immutable version -> Ed25519 public key mapping.
// It is all a verifier needs for the asymmetric branch; no shared secret
// ever crosses this boundary.
type PublicKeyring struct {
	keys          map[string]ed25519.PublicKey
	activeVersion string
}

// NewPublicKeyring builds a keyring from hex-encoded public keys, for
// verifiers constructed away from the signing service (e.g. from the
// public-key distribution endpoint).
func NewPublicKeyring(hexKeys map[string]string, activeVersion string) (PublicKeyring, error) {
	kr := PublicKeyring{keys: make(map[string]ed25519.PublicKey, len(hexKeys)), activeVersion: activeVersion}
	for version, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return PublicKeyring{}, fmt.Errorf("signing: public key %s: %w", version, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return PublicKeyring{}, fmt.Errorf("signing: public key %s: invalid size %d", version, len(raw))
		}
		kr.keys[version] = ed25519.PublicKey(raw)
	}
	if _, ok := kr.keys[activeVersion]; !ok {
		return PublicKeyring{}, fmt.Errorf("%w: active %s", ErrUnknownKeyVersion, activeVersion)
	}
	return kr, nil
}

// ActiveVersion returns the version signing currently uses.
func (k PublicKeyring) ActiveVersion() string {
	return k.activeVersion
}

// Versions lists the known key versions in sorted order.
func (k PublicKeyring) Versions() []string {
	out := make([]string, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Verify checks an Ed25519 signature, trying the declared version first and
// then the rest of the ring in sorted order. The matched version is
// reported; a fallback match is never silent.
func (k PublicKeyring) Verify(hash []byte, sigHex, declaredVersion string) Outcome {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Outcome{}
	}

	candidates := make([]string, 0, len(k.keys))
	if _, ok := k.keys[declaredVersion]; ok {
		candidates = append(candidates, declaredVersion)
	}
	for _, v := range k.Versions() {
		if v != declaredVersion {
			candidates = append(candidates, v)
		}
	}

	for _, version := range candidates {
		if ed25519.Verify(k.keys[version], hash, sig) {
			return Outcome{Ed25519Valid: true, Ed25519MatchedVersion: version}
		}
	}
	return Outcome{}
}

// KeyFunc resolves a JWS kid header against the keyring, restricted to EdDSA.
func (k PublicKeyring) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("signing: unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("signing: missing kid in token header")
		}
		key, exists := k.keys[kid]
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKeyVersion, kid)
		}
		return key, nil
	}
}
