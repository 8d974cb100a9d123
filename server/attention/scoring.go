package attention

import (
	"math"

	"github.com/san-kum/eyeq/server/models"
)

type ScreenWeights struct {
	Presence float64 `json:"presence"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
	Gaze     float64 `json:"gaze"`

	YawFull    float64 `json:"yaw_full"` // degrees
	YawZero    float64 `json:"yaw_zero"`
	PitchStart float64 `json:"pitch_start"` // pitch at which the bonus starts to accrue
	PitchFull  float64 `json:"pitch_full"`
	GazeFull   float64 `json:"gaze_full"`
	GazeZero   float64 `json:"gaze_zero"`
}

type ReadingWeights struct {
	Presence float64 `json:"presence"`
	EyesOpen float64 `json:"eyes_open"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`

	YawFull     float64 `json:"yaw_full"`
	YawZero     float64 `json:"yaw_zero"`
	PitchCenter float64 `json:"pitch_center"`
	PitchFull   float64 `json:"pitch_full"` // allowed distance from PitchCenter
	PitchZero   float64 `json:"pitch_zero"`

	// Seconds over which the presence points decay once the eyes close.
	ClosedGrace float64 `json:"closed_grace"`
}

// Weights is a named scoring profile.
type Weights struct {
	Name    string         `json:"name"`
	Screen  ScreenWeights  `json:"screen"`
	Reading ReadingWeights `json:"reading"`
}

// DefaultWeights is the canonical profile: phone override, eyes-closed decay
// in reading mode, 40/30/10/20 reading split.
var DefaultWeights = Weights{
	Name: "default",
	Screen: ScreenWeights{
		Presence:   40,
		Yaw:        20,
		Pitch:      10,
		Gaze:       30,
		YawFull:    10,
		YawZero:    20,
		PitchStart: -15,
		PitchFull:  0,
		GazeFull:   0.15,
		GazeZero:   0.4,
	},
	Reading: ReadingWeights{
		Presence:    40,
		EyesOpen:    30,
		Yaw:         10,
		Pitch:       20,
		YawFull:     10,
		YawZero:     25,
		PitchCenter: -15,
		PitchFull:   10,
		PitchZero:   25,
		ClosedGrace: 2,
	},
}

var profiles = map[string]Weights{
	DefaultWeights.Name: DefaultWeights,
}

// LookupWeights returns the profile registered under name.
func LookupWeights(name string) (Weights, bool) {
	w, ok := profiles[name]
	return w, ok
}

type Scorer struct {
	weights Weights
}

func NewScorer(weights Weights) *Scorer {
	return &Scorer{weights: weights}
}

func (s *Scorer) Weights() Weights {
	return s.weights
}

// Score maps one analysis to an integer in [0,100]. eyesClosedSeconds only
// matters in reading mode.
func (s *Scorer) Score(a models.FaceAnalysis, mode models.FocusMode, eyesClosedSeconds float64) int {
	if a.PhoneDetected || !a.FaceDetected {
		return 0
	}

	if mode == models.ModeReading {
		return s.scoreReading(a, eyesClosedSeconds)
	}
	return s.scoreScreen(a)
}

func (s *Scorer) scoreScreen(a models.FaceAnalysis) int {
	w := s.weights.Screen

	score := w.Presence
	score += w.Yaw * falloff(math.Abs(a.Yaw), w.YawFull, w.YawZero)
	score += w.Pitch * ramp(a.Pitch, w.PitchStart, w.PitchFull)
	if a.EyesOpen {
		score += w.Gaze * falloff(a.GazeDeviation, w.GazeFull, w.GazeZero)
	}

	return clampScore(score)
}

func (s *Scorer) scoreReading(a models.FaceAnalysis, eyesClosedSeconds float64) int {
	w := s.weights.Reading

	if !a.EyesOpen {
		remaining := 0.0
		if w.ClosedGrace > 0 {
			remaining = math.Max(0, 1-eyesClosedSeconds/w.ClosedGrace)
		}
		return clampScore(w.Presence * remaining)
	}

	score := w.Presence + w.EyesOpen
	score += w.Yaw * falloff(math.Abs(a.Yaw), w.YawFull, w.YawZero)
	score += w.Pitch * falloff(math.Abs(a.Pitch-w.PitchCenter), w.PitchFull, w.PitchZero)

	return clampScore(score)
}

// Score uses DefaultWeights.
func Score(a models.FaceAnalysis, mode models.FocusMode, eyesClosedSeconds float64) int {
	return defaultScorer.Score(a, mode, eyesClosedSeconds)
}

var defaultScorer = NewScorer(DefaultWeights)

// falloff is 1 up to full, 0 from zero on, linear in between.
func falloff(v, full, zero float64) float64 {
	if v <= full {
		return 1
	}
	if v >= zero {
		return 0
	}
	return 1 - (v-full)/(zero-full)
}

// ramp is 0 at start, 1 at full, clipped outside.
func ramp(v, start, full float64) float64 {
	if full == start {
		if v >= full {
			return 1
		}
		return 0
	}
	return clamp((v-start)/(full-start), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampScore(v float64) int {
	return int(math.Round(clamp(v, 0, 100)))
}
