package models

import (
	"errors"
	"fmt"
)

var ErrInvalidMode = errors.New("invalid focus mode")

type FocusMode string

const (
	ModeScreen  FocusMode = "screen"
	ModeReading FocusMode = "reading"
)

func ParseFocusMode(s string) (FocusMode, error) {
	switch FocusMode(s) {
	case ModeScreen, ModeReading:
		return FocusMode(s), nil
	case "":
		return ModeScreen, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Keypoint is one landmark. X and Y are normalized to the frame, Z is relative depth.
type Keypoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FaceAnalysis is the per-frame pose and gaze summary consumed by the scorer.
type FaceAnalysis struct {
	FaceDetected  bool    `json:"face_detected"`
	Yaw           float64 `json:"yaw"`
	Pitch         float64 `json:"pitch"`
	GazeDeviation float64 `json:"gaze_deviation"`
	EyesOpen      bool    `json:"eyes_open"`
	PhoneDetected bool    `json:"phone_detected"`
}

// NoFace is the canonical analysis for frames without a usable face.
var NoFace = FaceAnalysis{
	FaceDetected:  false,
	Yaw:           0,
	Pitch:         0,
	GazeDeviation: 1,
	EyesOpen:      false,
}

type ObjectPrediction struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

const (
	PhoneClass          = "cell phone"
	PhoneScoreThreshold = 0.3
)

// PhoneInPredictions reports whether any prediction is a phone above the detector threshold.
func PhoneInPredictions(predictions []ObjectPrediction) bool {
	for _, p := range predictions {
		if p.Class == PhoneClass && p.Score > PhoneScoreThreshold {
			return true
		}
	}
	return false
}

type FrameRequest struct {
	ImageData []byte `json:"image_data"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"session_id"`
}

// InferenceResult is what the remote landmark service returns for one frame.
type InferenceResult struct {
	Keypoints      []Keypoint         `json:"keypoints"`
	Predictions    []ObjectPrediction `json:"predictions"`
	ProcessingTime float64            `json:"processing_time"`
	ModelVersion   string             `json:"model_version"`
}

// AttentionState is the presentation-facing view of a session.
type AttentionState struct {
	SessionID             string       `json:"session_id"`
	Active                bool         `json:"active"`
	Ready                 bool         `json:"ready"`
	Mode                  FocusMode    `json:"mode"`
	Score                 int          `json:"score"`
	DisplayScore          int          `json:"display_score"`
	Label                 string       `json:"label"`
	Color                 string       `json:"color"`
	AverageAttention      float64      `json:"average_attention"`
	SessionElapsedSeconds int          `json:"session_elapsed_seconds"`
	CurrentStreakSeconds  float64      `json:"current_streak_seconds"`
	LongestStreakSeconds  int          `json:"longest_streak_seconds"`
	RefocusAlertActive    bool         `json:"refocus_alert_active"`
	Elapsed               string       `json:"elapsed"`
	LongestStreak         string       `json:"longest_streak"`
	Ticks                 int64        `json:"ticks"`
	Debug                 FaceAnalysis `json:"debug"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
