package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/models"
)

func runLog(t *testing.T, log string, opts Options) (Summary, string) {
	t.Helper()
	records, err := ReadRecords(strings.NewReader(log))
	require.NoError(t, err)

	var out bytes.Buffer
	summary, err := Run(records, opts, &out, zap.NewNop())
	require.NoError(t, err)
	return summary, out.String()
}

func TestReadRecords(t *testing.T) {
	log := `{"t":1.0,"phone":true}

{"t":0.5,"analysis":{"face_detected":true,"eyes_open":true}}
{"t":0.5,"mode":"reading"}
`
	records, err := ReadRecords(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, 0.5, records[0].T)
	assert.NotNil(t, records[0].Analysis)
	assert.Equal(t, "reading", records[1].Mode, "ties keep file order")
	assert.Equal(t, 1.0, records[2].T)
}

func TestReadRecords_Errors(t *testing.T) {
	_, err := ReadRecords(strings.NewReader(`{"t":0}` + "\n" + `{not json}`))
	assert.ErrorContains(t, err, "line 2")

	_, err = ReadRecords(strings.NewReader(`{"t":-1}`))
	assert.ErrorContains(t, err, "invalid time")

	_, err = ReadRecords(strings.NewReader(`{"t":0,"mode":"driving"}`))
	assert.ErrorIs(t, err, models.ErrInvalidMode)
}

func TestRun_LastValueWins(t *testing.T) {
	log := `{"t":0.05,"analysis":{"face_detected":false,"gaze_deviation":1}}
{"t":0.10,"analysis":{"face_detected":true,"eyes_open":true}}
`
	summary, out := runLog(t, log, Options{TickInterval: 200 * time.Millisecond})

	assert.Equal(t, int64(1), summary.Ticks)
	assert.Equal(t, 100.0, summary.AverageAttention)
	assert.Contains(t, out, "score=100")
}

func TestRun_NothingBeforeFirstAnalysis(t *testing.T) {
	log := `{"t":0.0,"phone":false}
{"t":1.0,"analysis":{"face_detected":true,"eyes_open":true}}
`
	summary, _ := runLog(t, log, Options{TickInterval: 200 * time.Millisecond})
	// Ticks at 1.0 and 1.2 only.
	assert.Equal(t, int64(2), summary.Ticks)
}

func TestRun_RefocusAlert(t *testing.T) {
	log := `{"t":0,"keypoints":[]}
{"t":5.0,"keypoints":[]}
`
	summary, out := runLog(t, log, Options{TickInterval: 200 * time.Millisecond})

	assert.Equal(t, int64(26), summary.Ticks)
	assert.Equal(t, 1, summary.RefocusAlerts)
	assert.Equal(t, 0.0, summary.AverageAttention)
	assert.Equal(t, "00:05", summary.Elapsed)
	assert.Equal(t, 1, strings.Count(out, "REFOCUS"))
}

func TestRun_PhoneAndMode(t *testing.T) {
	log := `{"t":0,"analysis":{"face_detected":true,"eyes_open":true,"pitch":-15},"mode":"reading"}
{"t":0.4,"predictions":[{"class":"cell phone","score":0.9}]}
{"t":0.8,"phone":false,"mode":"screen"}
`
	_, out := runLog(t, log, Options{TickInterval: 200 * time.Millisecond})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)

	assert.Contains(t, lines[0], "reading score=100")
	assert.Contains(t, lines[1], "score=  0")
	assert.Contains(t, lines[2], "score=  0")
	assert.Contains(t, lines[3], "screen  score= 90")
}

func TestRun_JSONOutput(t *testing.T) {
	log := `{"t":0,"analysis":{"face_detected":true,"eyes_open":true}}
{"t":0.4,"analysis":{"face_detected":true,"eyes_open":true}}
`
	summary, out := runLog(t, log, Options{TickInterval: 200 * time.Millisecond, JSON: true})
	assert.Equal(t, int64(3), summary.Ticks)
	assert.Equal(t, 1, summary.LongestStreakSeconds)

	scanner := bufio.NewScanner(strings.NewReader(out))
	var states []models.AttentionState
	for scanner.Scan() {
		var st models.AttentionState
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &st))
		states = append(states, st)
	}
	require.Len(t, states, 3)
	assert.Equal(t, "Focused", states[2].Label)
	assert.InDelta(t, 0.6, states[2].CurrentStreakSeconds, 1e-9)
}

func TestRun_Empty(t *testing.T) {
	summary, out := runLog(t, "", Options{})
	assert.Equal(t, int64(0), summary.Ticks)
	assert.Empty(t, out)
}
