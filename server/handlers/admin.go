package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/middleware"
	"github.com/san-kum/eyeq/server/models"
	"github.com/san-kum/eyeq/server/session"
)

// AdminHandler exposes operator views. Routes are expected behind
// RequireAuth and RequireRole(middleware.RoleAdmin).
type AdminHandler struct {
	sessions *SessionHandler
	limiter  *middleware.RateLimiter
	logger   *zap.Logger
}

func NewAdminHandler(sessions *SessionHandler, limiter *middleware.RateLimiter, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		limiter:  limiter,
		logger:   logger,
	}
}

func (h *AdminHandler) Register(group *gin.RouterGroup) {
	group.GET("/sessions", h.ListSessions)
	group.DELETE("/sessions", h.StopAll)
	group.GET("/stats", h.GetStats)
	group.GET("/model", h.GetModelInfo)
}

type adminSession struct {
	models.AttentionState
	LowScoreSeconds   float64 `json:"low_score_seconds"`
	EyesClosedSeconds float64 `json:"eyes_closed_seconds"`
	StartedAt         int64   `json:"started_at"`
}

func (h *AdminHandler) ListSessions(c *gin.Context) {
	snapshots := h.sessions.manager.List()
	out := make([]adminSession, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, adminView(snap))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

func (h *AdminHandler) StopAll(c *gin.Context) {
	snapshots := h.sessions.manager.List()
	stopped := 0
	for _, snap := range snapshots {
		if _, err := h.sessions.manager.Stop(snap.ID); err == nil {
			stopped++
		}
	}
	operator := ""
	if claims, ok := middleware.ClaimsFrom(c); ok {
		operator = claims.Subject
	}
	h.logger.Info("Admin stopped all sessions",
		zap.Int("count", stopped),
		zap.String("operator", operator))
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (h *AdminHandler) GetStats(c *gin.Context) {
	response := gin.H{
		"sessions": h.sessions.manager.Count(),
	}
	if h.limiter != nil {
		response["rate_limiter"] = h.limiter.Stats()
	}
	if h.sessions.processor != nil {
		response["processor"] = h.sessions.processor.GetStats()
		if cacheStats, err := h.sessions.processor.GetCacheStats(); err == nil {
			response["cache"] = cacheStats
		}
	}
	if h.sessions.model != nil {
		response["ml_healthy"] = h.sessions.model.Healthy()
	}
	c.JSON(http.StatusOK, response)
}

func (h *AdminHandler) GetModelInfo(c *gin.Context) {
	if h.sessions.model == nil {
		respondFailure(c, ErrFramesDisabled)
		return
	}

	info, err := h.sessions.model.GetModelInfo(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to fetch model info", zap.Error(err))
		respondError(c, http.StatusBadGateway, "model_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, info)
}

func adminView(snap session.Snapshot) adminSession {
	return adminSession{
		AttentionState:    snap.View(snap.State.LastScore),
		LowScoreSeconds:   snap.State.LowScoreTimerSeconds(),
		EyesClosedSeconds: snap.State.EyesClosedTimerSeconds(),
		StartedAt:         snap.StartedAt.Unix(),
	}
}
