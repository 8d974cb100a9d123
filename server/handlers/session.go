package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/middleware"
	"github.com/san-kum/eyeq/server/models"
	"github.com/san-kum/eyeq/server/processor"
	"github.com/san-kum/eyeq/server/session"
)

// ModelStatus reports on the remote landmark service; *ml.Client satisfies it.
type ModelStatus interface {
	Healthy() bool
	GetModelInfo(ctx context.Context) (map[string]any, error)
}

// SessionTokens mints tokens scoped to one session; *middleware.AuthMiddleware
// satisfies it.
type SessionTokens interface {
	IssueSessionToken(sessionID string, ttl time.Duration) (string, error)
}

// SessionHandler serves the REST surface over the session manager.
type SessionHandler struct {
	manager   *session.Manager
	processor *processor.FrameProcessor
	model     ModelStatus
	logger    *zap.Logger
	startTime time.Time

	tokens   SessionTokens
	tokenTTL time.Duration
}

func NewSessionHandler(manager *session.Manager, frames *processor.FrameProcessor, model ModelStatus, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		manager:   manager,
		processor: frames,
		model:     model,
		logger:    logger,
		startTime: time.Now(),
	}
}

// WithSessionTokens makes CreateSession return a token for the new session
// in the X-Session-Token header.
func (h *SessionHandler) WithSessionTokens(tokens SessionTokens, ttl time.Duration) *SessionHandler {
	h.tokens = tokens
	h.tokenTTL = ttl
	return h
}

// Register mounts the routes. Routes that drive one session (stop, mode and
// every input) run behind scoped, typically a token check and a per-session
// rate limit.
func (h *SessionHandler) Register(group *gin.RouterGroup, scoped ...gin.HandlerFunc) {
	group.POST("/sessions", h.CreateSession)
	group.GET("/sessions", h.ListSessions)
	group.GET("/sessions/:id", h.GetSession)
	group.GET("/stats", h.GetStats)
	group.GET("/health", h.Health)

	own := group.Group("/sessions/:id", scoped...)
	own.DELETE("", h.StopSession)
	own.PUT("/mode", h.SetMode)
	own.POST("/landmarks", h.PublishLandmarks)
	own.POST("/analysis", h.PublishAnalysis)
	own.POST("/phone", h.PublishPhone)
	own.POST("/frame", h.ProcessFrame)
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var payload ModePayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
			return
		}
	}

	mode, err := h.manager.ResolveMode(payload.Mode)
	if err != nil {
		respondFailure(c, err)
		return
	}

	engine, err := h.manager.Create(mode)
	if err != nil {
		h.logger.Warn("Failed to create session", zap.Error(err))
		respondFailure(c, err)
		return
	}

	if h.tokens != nil {
		token, err := h.tokens.IssueSessionToken(engine.ID(), h.tokenTTL)
		if err != nil {
			_, _ = h.manager.Stop(engine.ID())
			respondFailure(c, fmt.Errorf("failed to issue session token: %w", err))
			return
		}
		c.Header(middleware.SessionTokenHeader, token)
	}

	snap := engine.Snapshot()
	c.JSON(http.StatusCreated, snap.View(snap.State.LastScore))
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	snapshots := h.manager.List()
	views := make([]models.AttentionState, 0, len(snapshots))
	for _, snap := range snapshots {
		views = append(views, snap.View(snap.State.LastScore))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	snap := engine.Snapshot()
	c.JSON(http.StatusOK, snap.View(snap.State.LastScore))
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	final, err := h.manager.Stop(c.Param("id"))
	if err != nil {
		respondFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, final.View(final.State.LastScore))
}

func (h *SessionHandler) SetMode(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}

	var payload ModePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	mode, err := models.ParseFocusMode(payload.Mode)
	if err != nil {
		respondFailure(c, err)
		return
	}

	engine.SetMode(mode)
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

func (h *SessionHandler) PublishLandmarks(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}

	var payload LandmarksPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}

	c.JSON(http.StatusAccepted, engine.PublishKeypoints(payload.Keypoints))
}

func (h *SessionHandler) PublishAnalysis(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}

	var analysis models.FaceAnalysis
	if err := c.ShouldBindJSON(&analysis); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}

	engine.PublishAnalysis(analysis)
	c.Status(http.StatusAccepted)
}

func (h *SessionHandler) PublishPhone(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}

	var payload PhonePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}

	detected := payload.Phone()
	engine.SetPhoneDetected(detected)
	c.JSON(http.StatusAccepted, gin.H{"phone_detected": detected})
}

func (h *SessionHandler) ProcessFrame(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	if h.processor == nil {
		respondFailure(c, ErrFramesDisabled)
		return
	}

	var payload FramePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}

	imageData, err := extractImageData(payload.ImageData)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_image", err.Error())
		return
	}

	startTime := time.Now()
	result, err := h.processor.ProcessFrame(c.Request.Context(), engine, &models.FrameRequest{
		ImageData: imageData,
		Timestamp: payload.Timestamp,
		SessionID: engine.ID(),
	})
	if err != nil {
		h.logger.Error("Frame processing failed",
			zap.Error(err),
			zap.String("session_id", engine.ID()),
			zap.String("client_ip", c.ClientIP()))
		respondFailure(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis":        result.Analysis,
		"phone_detected":  result.Phone,
		"cached":          result.Cached,
		"stale":           result.Stale,
		"processing_time": time.Since(startTime).Milliseconds(),
	})
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	response := gin.H{
		"sessions":       h.manager.Count(),
		"uptime_seconds": time.Since(h.startTime).Seconds(),
	}

	if h.processor != nil {
		response["processor"] = h.processor.GetStats()
		if cacheStats, err := h.processor.GetCacheStats(); err == nil {
			response["cache"] = cacheStats
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *SessionHandler) Health(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "eyeq",
		"sessions":  h.manager.Count(),
	}
	if h.model != nil {
		response["ml_healthy"] = h.model.Healthy()
	}
	c.JSON(http.StatusOK, response)
}

func (h *SessionHandler) engine(c *gin.Context) (*session.Engine, bool) {
	engine, err := h.manager.Get(c.Param("id"))
	if err != nil {
		respondFailure(c, err)
		return nil, false
	}
	return engine, true
}
