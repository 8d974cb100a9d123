package session

import (
	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/models"
)

// View renders a snapshot for presentation. displayScore is the smoothed
// value; pass the raw score when no smoother is in use.
func (s Snapshot) View(displayScore int) models.AttentionState {
	st := s.State
	return models.AttentionState{
		SessionID:             s.ID,
		Active:                s.Active,
		Ready:                 s.Ready,
		Mode:                  s.Mode,
		Score:                 st.LastScore,
		DisplayScore:          displayScore,
		Label:                 attention.Label(st.LastScore),
		Color:                 attention.Color(st.LastScore),
		AverageAttention:      st.Average,
		SessionElapsedSeconds: s.ElapsedSeconds,
		CurrentStreakSeconds:  st.CurrentStreakSeconds(),
		LongestStreakSeconds:  st.LongestStreakSeconds,
		RefocusAlertActive:    st.RefocusAlertActive,
		Elapsed:               FormatElapsed(s.ElapsedSeconds),
		LongestStreak:         FormatStreak(st.LongestStreakSeconds),
		Ticks:                 st.Ticks,
		Debug:                 st.LastAnalysis,
	}
}
