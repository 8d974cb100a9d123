package attention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmoother_Direct(t *testing.T) {
	s := NewSmoother(SmoothingDirect)
	assert.Equal(t, 73.0, s.Step(73))
	assert.Equal(t, 12.0, s.Step(12))
	assert.Equal(t, 12, s.Rounded())
}

func TestSmoother_Exponential(t *testing.T) {
	s := NewSmoother(SmoothingExponential)

	assert.InDelta(t, 15, s.Step(100), 1e-9)
	assert.InDelta(t, 27.75, s.Step(100), 1e-9)

	steps := 0
	for s.Value() != 100 && steps < 200 {
		s.Step(100)
		steps++
	}
	require.Less(t, steps, 200)
	assert.Equal(t, 100.0, s.Value())
}

func TestSmoother_SnapsWithinHalfPoint(t *testing.T) {
	s := NewSmoother(SmoothingExponential)
	s.display = 49.6
	assert.Equal(t, 50.0, s.Step(50))

	s.Reset()
	assert.Equal(t, 0.0, s.Value())
}

func TestParseSmoothingPolicy(t *testing.T) {
	p, err := ParseSmoothingPolicy("direct")
	require.NoError(t, err)
	assert.Equal(t, SmoothingDirect, p)

	_, err = ParseSmoothingPolicy("cubic")
	assert.Error(t, err)
}
