package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/san-kum/eyeq/server/models"
	"github.com/san-kum/eyeq/server/processor"
	"github.com/san-kum/eyeq/server/session"
)

var ErrFramesDisabled = errors.New("frame analysis is disabled")

type ModePayload struct {
	Mode string `json:"mode"`
}

// LandmarksPayload carries raw face-mesh output. An empty list means the
// detector found no face.
type LandmarksPayload struct {
	Keypoints []models.Keypoint `json:"keypoints"`
}

// PhonePayload accepts either a ready verdict or the raw detector predictions.
type PhonePayload struct {
	Detected    *bool                     `json:"detected,omitempty"`
	Predictions []models.ObjectPrediction `json:"predictions,omitempty"`
}

func (p PhonePayload) Phone() bool {
	if p.Detected != nil {
		return *p.Detected
	}
	return models.PhoneInPredictions(p.Predictions)
}

type FramePayload struct {
	ImageData string `json:"image_data" binding:"required"`
	Timestamp int64  `json:"timestamp"`
}

// extractImageData decodes a data URL ("data:image/jpeg;base64,...") or bare base64.
func extractImageData(dataURL string) ([]byte, error) {
	payload := dataURL
	if strings.HasPrefix(dataURL, "data:") {
		_, after, found := strings.Cut(dataURL, ",")
		if !found {
			return nil, fmt.Errorf("invalid data URL format")
		}
		payload = after
	}

	imageData, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	if len(imageData) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return imageData, nil
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.APIError{Code: code, Message: message})
}

// respondFailure maps domain errors to HTTP statuses.
func respondFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(c, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrSessionLimit):
		respondError(c, http.StatusServiceUnavailable, "session_limit", err.Error())
	case errors.Is(err, session.ErrManagerClosed):
		respondError(c, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, session.ErrSessionActive):
		respondError(c, http.StatusConflict, "session_active", err.Error())
	case errors.Is(err, models.ErrInvalidMode):
		respondError(c, http.StatusBadRequest, "invalid_mode", err.Error())
	case errors.Is(err, processor.ErrFrameSuperseded):
		respondError(c, http.StatusConflict, "frame_superseded", err.Error())
	case errors.Is(err, processor.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, "queue_full", err.Error())
	case errors.Is(err, ErrFramesDisabled), errors.Is(err, processor.ErrQueueStopped):
		respondError(c, http.StatusServiceUnavailable, "frames_unavailable", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
