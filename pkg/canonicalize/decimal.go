package canonicalize

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// QuantizeScale is the fixed number of fractional digits every measured or
// derived quantity is normalized to before canonical serialization. "1.5"
// and "1.50" both canonicalize to "1.500000".
const QuantizeScale = 6

// decimalPattern matches valid decimal strings: ^[+-]?[0-9]+(\.[0-9]+)?$
var decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)

// Decimal is an exact decimal quantity. It is constructed only from a string
// form, so binary floating point can never enter a measured quantity.
// The zero value is 0.
type Decimal struct {
	rat *big.Rat
}

// ParseDecimal parses and validates a decimal string.
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return Decimal{}, fmt.Errorf("decimal: invalid format %q (must match ^[+-]?[0-9]+(\\.[0-9]+)?$)", s)
	}
	rat := new(big.Rat)
	if _, ok := rat.SetString(s); !ok {
		return Decimal{}, fmt.Errorf("decimal: could not parse %q as rational", s)
	}
	return Decimal{rat: rat}, nil
}

// MustDecimal parses s or panics. For constants and tests.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Decimal) value() *big.Rat {
	if d.rat == nil {
		return new(big.Rat)
	}
	return d.rat
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Add(d.value(), o.value())}
}

// Mul returns d * o.
func (d Decimal) Mul(o Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Mul(d.value(), o.value())}
}

// Cmp compares d and o, returning -1, 0 or +1.
func (d Decimal) Cmp(o Decimal) int {
	return d.value().Cmp(o.value())
}

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool {
	return d.value().Sign() == 0
}

// String returns the canonical fixed-scale form (QuantizeScale fractional
// digits, HALF_EVEN rounding, negative zero normalized to zero).
func (d Decimal) String() string {
	return formatFixed(d.value(), QuantizeScale)
}

// MarshalJSON encodes the decimal as a canonical fixed-scale JSON string.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts only a JSON string; bare JSON numbers are rejected
// so a float64 produced upstream can never round-trip into a quantity.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("decimal: quantity must be a JSON string, got %s", s)
	}
	parsed, err := ParseDecimal(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// formatFixed renders rat with exactly scale fractional digits using
// HALF_EVEN rounding.
func formatFixed(rat *big.Rat, scale int) string {
	neg := rat.Sign() < 0
	abs := new(big.Rat).Abs(rat)

	// Scale to an integer representation: abs * 10^scale.
	scaleFactor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	scaled := new(big.Rat).Mul(abs, new(big.Rat).SetInt(scaleFactor))

	intPart := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	remainder := new(big.Int).Rem(scaled.Num(), scaled.Denom())

	if remainder.Sign() != 0 {
		// HALF_EVEN: round up when remainder > half, or == half and intPart odd.
		twice := new(big.Int).Lsh(remainder, 1)
		cmp := twice.Cmp(scaled.Denom())
		if cmp > 0 || (cmp == 0 && intPart.Bit(0) == 1) {
			intPart.Add(intPart, big.NewInt(1))
		}
	}

	digits := intPart.String()
	for len(digits) <= scale {
		digits = "0" + digits
	}
	whole := digits[:len(digits)-scale]
	frac := digits[len(digits)-scale:]

	out := whole
	if scale > 0 {
		out = whole + "." + frac
	}
	// Negative zero normalizes to zero.
	if neg && intPart.Sign() != 0 {
		out = "-" + out
	}
	return out
}
