package attention

import (
	"fmt"
	"math"
)

type SmoothingPolicy string

const (
	SmoothingDirect      SmoothingPolicy = "direct"
	SmoothingExponential SmoothingPolicy = "exponential"

	smoothingFactor = 0.15
	snapDistance    = 0.5
)

func ParseSmoothingPolicy(s string) (SmoothingPolicy, error) {
	switch SmoothingPolicy(s) {
	case SmoothingDirect, SmoothingExponential:
		return SmoothingPolicy(s), nil
	}
	return "", fmt.Errorf("unknown smoothing policy %q", s)
}

// Smoother turns the instantaneous score into the value shown to a viewer.
// Step is meant to be called once per display refresh.
type Smoother struct {
	policy  SmoothingPolicy
	display float64
}

func NewSmoother(policy SmoothingPolicy) *Smoother {
	return &Smoother{policy: policy}
}

func (s *Smoother) Step(score int) float64 {
	target := float64(score)
	if s.policy != SmoothingExponential {
		s.display = target
		return s.display
	}

	gap := target - s.display
	if math.Abs(gap) < snapDistance {
		s.display = target
	} else {
		s.display += gap * smoothingFactor
	}
	return s.display
}

func (s *Smoother) Value() float64 {
	return s.display
}

func (s *Smoother) Rounded() int {
	return int(math.Round(s.display))
}

func (s *Smoother) Reset() {
	s.display = 0
}
