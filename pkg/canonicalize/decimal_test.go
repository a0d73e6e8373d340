package canonicalize_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
)

func TestParseDecimal_Valid(t *testing.T) {
	cases := map[string]string{
		"1.5":       "1.500000",
		"1.50":      "1.500000",
		"10.5":      "10.500000",
		"0":         "0.000000",
		"-0":        "0.000000",
		"-0.000":    "0.000000",
		"-2.25":     "-2.250000",
		"003.14":    "3.140000",
		"1.9999995": "2.000000", // HALF_EVEN at the quantization boundary
		"1.0000005": "1.000000", // ties round to even
		"1.0000015": "1.000002",
	}
	for in, want := range cases {
		d, err := canonicalize.ParseDecimal(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, d.String(), "input %q", in)
	}
}

func TestParseDecimal_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.", ".5", "1e5", "0x10", "1,5", "NaN"} {
		_, err := canonicalize.ParseDecimal(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestDecimal_EquivalentFormsCanonicalizeIdentically(t *testing.T) {
	a := canonicalize.MustDecimal("1.5")
	b := canonicalize.MustDecimal("1.50")

	ja, err := canonicalize.JCS(map[string]interface{}{"q": a})
	require.NoError(t, err)
	jb, err := canonicalize.JCS(map[string]interface{}{"q": b})
	require.NoError(t, err)

	assert.Equal(t, ja, jb)
	assert.Equal(t, 0, a.Cmp(b))
}

func TestDecimal_Arithmetic(t *testing.T) {
	a := canonicalize.MustDecimal("10.5")
	b := canonicalize.MustDecimal("0.25")

	assert.Equal(t, "10.750000", a.Add(b).String())
	assert.Equal(t, "2.625000", a.Mul(b).String())
	assert.Equal(t, 1, a.Cmp(b))
	assert.True(t, canonicalize.Decimal{}.IsZero())
}

func TestDecimal_UnmarshalRejectsNumbers(t *testing.T) {
	var d canonicalize.Decimal
	require.NoError(t, json.Unmarshal([]byte(`"10.5"`), &d))
	assert.Equal(t, "10.500000", d.String())

	// A bare JSON number would have passed through float64; refuse it.
	assert.Error(t, json.Unmarshal([]byte(`10.5`), &d))
}
