// Package replay drives the attention state machine from a recorded input
// log on a simulated clock, so a session can be reproduced exactly.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/models"
	"github.com/san-kum/eyeq/server/session"
)

const maxLineSize = 4 * 1024 * 1024

// Record is one line of a recording. T is seconds since the session started.
// Exactly one of Keypoints or Analysis is normally set; Phone, Predictions
// and Mode are optional and apply from T onwards.
type Record struct {
	T           float64                   `json:"t"`
	Keypoints   []models.Keypoint         `json:"keypoints,omitempty"`
	Analysis    *models.FaceAnalysis      `json:"analysis,omitempty"`
	Phone       *bool                     `json:"phone,omitempty"`
	Predictions []models.ObjectPrediction `json:"predictions,omitempty"`
	Mode        string                    `json:"mode,omitempty"`
}

type Options struct {
	TickInterval time.Duration
	Scorer       session.Scorer
	Mode         models.FocusMode
	Smoothing    attention.SmoothingPolicy
	JSON         bool
}

type Summary struct {
	Ticks                int64   `json:"ticks"`
	ElapsedSeconds       int     `json:"elapsed_seconds"`
	AverageAttention     float64 `json:"average_attention"`
	LongestStreakSeconds int     `json:"longest_streak_seconds"`
	RefocusAlerts        int     `json:"refocus_alerts"`
	Elapsed              string  `json:"elapsed"`
	LongestStreak        string  `json:"longest_streak"`
}

// ReadRecords parses a JSON-lines recording and orders it by time. Blank
// lines are skipped.
func ReadRecords(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.T < 0 || math.IsNaN(rec.T) {
			return nil, fmt.Errorf("line %d: invalid time %v", line, rec.T)
		}
		if rec.Mode != "" {
			if _, err := models.ParseFocusMode(rec.Mode); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recording: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].T < records[j].T })
	return records, nil
}

// Run replays records tick by tick. Every record whose time has passed by a
// tick is applied before it, later ones overwriting earlier ones.
func Run(records []Record, opts Options, out io.Writer, logger *zap.Logger) (Summary, error) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = session.DefaultConfig().TickInterval
	}
	if opts.Scorer == nil {
		opts.Scorer = attention.NewScorer(attention.DefaultWeights)
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeScreen
	}
	if opts.Smoothing == "" {
		opts.Smoothing = attention.SmoothingDirect
	}

	var (
		state    session.State
		latest   *models.FaceAnalysis
		phone    bool
		mode     = opts.Mode
		smoother = attention.NewSmoother(opts.Smoothing)
		alerts   int
		next     int
		encoder  = json.NewEncoder(out)
	)

	if len(records) == 0 {
		return summarize(&state, 0, alerts), nil
	}

	end := time.Duration(records[len(records)-1].T * float64(time.Second))
	for now := opts.TickInterval; now <= end+opts.TickInterval; now += opts.TickInterval {
		for next < len(records) && time.Duration(records[next].T*float64(time.Second)) <= now {
			rec := records[next]
			next++

			switch {
			case rec.Analysis != nil:
				a := *rec.Analysis
				latest = &a
			case rec.Keypoints != nil:
				a := attention.Analyze(rec.Keypoints)
				latest = &a
			}
			if rec.Phone != nil {
				phone = *rec.Phone
			} else if rec.Predictions != nil {
				phone = models.PhoneInPredictions(rec.Predictions)
			}
			if rec.Mode != "" {
				if m, err := models.ParseFocusMode(rec.Mode); err == nil {
					if m != mode {
						logger.Debug("Mode switch", zap.Duration("at", now), zap.String("mode", string(m)))
					}
					mode = m
				}
			}
		}

		if latest == nil {
			continue
		}

		a := *latest
		a.PhoneDetected = phone
		res := state.Tick(a, mode, opts.TickInterval, opts.Scorer)
		if res.AlertRaised {
			alerts++
		}
		smoother.Step(res.Score)

		elapsed := int(now / time.Second)
		if err := writeTick(out, encoder, opts.JSON, now, elapsed, mode, &state, res, smoother.Rounded()); err != nil {
			return Summary{}, err
		}
	}

	summary := summarize(&state, int(end/time.Second), alerts)
	logger.Info("Replay finished",
		zap.Int64("ticks", summary.Ticks),
		zap.Float64("average_attention", summary.AverageAttention),
		zap.Int("longest_streak_seconds", summary.LongestStreakSeconds),
		zap.Int("refocus_alerts", summary.RefocusAlerts))
	return summary, nil
}

func writeTick(out io.Writer, encoder *json.Encoder, asJSON bool, now time.Duration, elapsed int, mode models.FocusMode, state *session.State, res session.TickResult, display int) error {
	if asJSON {
		snap := session.Snapshot{
			Active:         true,
			Ready:          true,
			Mode:           mode,
			ElapsedSeconds: elapsed,
			State:          *state,
		}
		return encoder.Encode(snap.View(display))
	}

	alert := ""
	switch {
	case res.AlertRaised:
		alert = " REFOCUS"
	case state.RefocusAlertActive:
		alert = " refocus"
	}
	_, err := fmt.Fprintf(out, "%7.2fs %-7s score=%3d display=%3d %-11s avg=%5.1f streak=%5.1fs best=%s%s\n",
		now.Seconds(), mode, res.Score, display, attention.Label(res.Score),
		state.Average, state.CurrentStreakSeconds(), session.FormatStreak(state.LongestStreakSeconds), alert)
	return err
}

func summarize(state *session.State, elapsed, alerts int) Summary {
	return Summary{
		Ticks:                state.Ticks,
		ElapsedSeconds:       elapsed,
		AverageAttention:     state.Average,
		LongestStreakSeconds: state.LongestStreakSeconds,
		RefocusAlerts:        alerts,
		Elapsed:              session.FormatElapsed(elapsed),
		LongestStreak:        session.FormatStreak(state.LongestStreakSeconds),
	}
}
