package coefkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFormatting(t *testing.T) {
	tests := []struct {
		name   string
		triple Triple
		want   string
	}{
		{
			name:   "scalar triple",
			triple: Triple{Mode: ModeScalar, X: 0.002, Y: 0.002, Z: 0.002},
			want:   "scalar:x=0.002000,y=0.002000,z=0.002000",
		},
		{
			name:   "empty mode falls back to legacy",
			triple: Triple{X: 0.0001, Y: 0, Z: 0.0083},
			want:   "legacy:x=0.000100,y=0.000000,z=0.008300",
		},
		{
			name:   "mode is lowercased",
			triple: Triple{Mode: "Scalar", X: 0, Y: 0, Z: 0},
			want:   "scalar:x=0.000000,y=0.000000,z=0.000000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.triple.Key())
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := Triple{Mode: ModeScalar, X: 0.0042, Y: 0.0001, Z: 0.0083}
	parsed, ok := Parse(orig.Key())
	require.True(t, ok)
	assert.Equal(t, ModeScalar, parsed.Mode)
	assert.InDelta(t, orig.X, parsed.X, 1e-6)
	assert.InDelta(t, orig.Y, parsed.Y, 1e-6)
	assert.InDelta(t, orig.Z, parsed.Z, 1e-6)
	assert.Equal(t, orig.Key(), parsed.Key())
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"missing axis", "scalar:x=0.001,y=0.001"},
		{"garbage value", "scalar:x=abc,y=0.001,z=0.001"},
		{"no assignments", "scalar:xyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse(tt.key)
			assert.False(t, ok)
		})
	}
}

func TestParseWithoutMode(t *testing.T) {
	parsed, ok := Parse("x=0.001000,y=0.002000,z=0.003000")
	require.True(t, ok)
	assert.Equal(t, "", parsed.Mode)
	assert.InDelta(t, 0.002, parsed.Y, 1e-9)
}

func TestQuantize(t *testing.T) {
	assert.InDelta(t, 0.0042, Quantize(0.00421, 0.0001), 1e-12)
	assert.InDelta(t, 0.0042, Quantize(0.00415, 0.0001), 1e-12)
	assert.InDelta(t, 0.0, Quantize(0.00004, 0.0001), 1e-12)

	// Quantizing an already-quantized value is a no-op.
	q := Quantize(0.00378, 0.0001)
	assert.InDelta(t, q, Quantize(q, 0.0001), 1e-12)
}

func TestTripleQuantizeIdempotent(t *testing.T) {
	tr := Triple{Mode: ModeScalar, X: 0.00123, Y: 0.00456, Z: 0.00789}
	q1 := tr.Quantize(0.0001)
	q2 := q1.Quantize(0.0001)
	assert.Equal(t, q1.Key(), q2.Key())
}

func TestUnified(t *testing.T) {
	u := Unified(ModeScalar, 0.0031)
	assert.True(t, u.Unified(1e-9))
	assert.Equal(t, "scalar:x=0.003100,y=0.003100,z=0.003100", u.Key())

	mixed := Triple{Mode: ModeScalar, X: 0.003, Y: 0.003, Z: 0.004}
	assert.False(t, mixed.Unified(1e-9))
}

func TestTag(t *testing.T) {
	assert.Equal(t, "0.002", Tag(0.002))
	assert.Equal(t, "0.0001", Tag(0.0001))
	assert.Equal(t, "0", Tag(0))
	assert.Equal(t, "0.005", Tag(0.005))
}
