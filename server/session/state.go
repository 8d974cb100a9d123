// Package session runs the per-session attention state machine.
package session

import (
	"math"
	"time"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/models"
)

// RefocusAfter is how long the score must stay below the presence threshold
// before the refocus alert latches.
const RefocusAfter = 5 * time.Second

// State is the mutable part of a session. Timers are kept as durations so
// repeated tick accumulation stays exact.
type State struct {
	Ticks   int64
	Average float64

	CurrentStreak        time.Duration
	LongestStreakSeconds int

	LowScoreTimer      time.Duration
	RefocusAlertActive bool

	EyesClosedTimer time.Duration

	LastScore    int
	LastAnalysis models.FaceAnalysis
}

// Scorer maps a merged analysis to a score; *attention.Scorer satisfies it.
type Scorer interface {
	Score(a models.FaceAnalysis, mode models.FocusMode, eyesClosedSeconds float64) int
}

type TickResult struct {
	Score        int
	AlertRaised  bool
	AlertCleared bool
}

// Tick advances the state by one interval using the latest merged analysis.
func (s *State) Tick(a models.FaceAnalysis, mode models.FocusMode, dt time.Duration, scorer Scorer) TickResult {
	if a.FaceDetected && !a.EyesOpen {
		s.EyesClosedTimer += dt
	} else {
		s.EyesClosedTimer = 0
	}

	score := scorer.Score(a, mode, s.EyesClosedTimer.Seconds())

	s.Ticks++
	s.Average += (float64(score) - s.Average) / float64(s.Ticks)

	if score >= attention.FocusedThreshold {
		s.CurrentStreak += dt
		if streak := int(math.Round(s.CurrentStreak.Seconds())); streak > s.LongestStreakSeconds {
			s.LongestStreakSeconds = streak
		}
	} else {
		s.CurrentStreak = 0
	}

	var res TickResult
	if score < attention.PresentThreshold {
		s.LowScoreTimer += dt
		if s.LowScoreTimer >= RefocusAfter && !s.RefocusAlertActive {
			s.RefocusAlertActive = true
			res.AlertRaised = true
		}
	} else {
		s.LowScoreTimer = 0
		if s.RefocusAlertActive {
			s.RefocusAlertActive = false
			res.AlertCleared = true
		}
	}

	s.LastScore = score
	s.LastAnalysis = a
	res.Score = score
	return res
}

func (s *State) CurrentStreakSeconds() float64 {
	return s.CurrentStreak.Seconds()
}

func (s *State) LowScoreTimerSeconds() float64 {
	return s.LowScoreTimer.Seconds()
}

func (s *State) EyesClosedTimerSeconds() float64 {
	return s.EyesClosedTimer.Seconds()
}
