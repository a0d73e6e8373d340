package export

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Haldane-Systems/veriground/core/pkg/signing"
)

const attestationIssuer = "veriground"

// AttestationClaims is the JWT claim set bound to one MRV export.
type AttestationClaims struct {
	jwt.RegisteredClaims
	VerificationHash   string `json:"verification_hash"`
	MethodologyVersion string `json:"methodology_version"`
	PeriodStart        string `json:"period_start"`
	PeriodEnd          string `json:"period_end"`
}

// AttestationToken issues a compact EdDSA JWS over an export, carrying the
// export hash and methodology version so a relying party can pin what was
// attested without fetching the export first.
func AttestationToken(signer *signing.Service, exp MRVExport, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AttestationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    attestationIssuer,
			Subject:   exp.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		VerificationHash:   exp.VerificationHash,
		MethodologyVersion: exp.MethodologyVersion,
		PeriodStart:        exp.PeriodStart.UTC().Format(time.RFC3339Nano),
		PeriodEnd:          exp.PeriodEnd.UTC().Format(time.RFC3339Nano),
	}
	return signer.SignAttestation(claims)
}

// ParseAttestation validates a token against the public keyring and returns
// its claims.
func ParseAttestation(token string, keyFunc jwt.Keyfunc) (AttestationClaims, error) {
	var claims AttestationClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(attestationIssuer))
	if err != nil {
		return AttestationClaims{}, fmt.Errorf("export: attestation: %w", err)
	}
	if !parsed.Valid {
		return AttestationClaims{}, fmt.Errorf("export: attestation token is not valid")
	}
	return claims, nil
}
