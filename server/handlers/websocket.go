package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/middleware"
	"github.com/san-kum/eyeq/server/models"
	"github.com/san-kum/eyeq/server/processor"
	"github.com/san-kum/eyeq/server/session"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 10 * 1024 * 1024
)

type WebSocketHandler struct {
	manager        *session.Manager
	processor      *processor.FrameProcessor
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	displayRefresh time.Duration
	smoothing      attention.SmoothingPolicy
}

type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type WebSocketConfig struct {
	AllowedOrigins []string
	DisplayRefresh time.Duration
	Smoothing      attention.SmoothingPolicy
}

func NewWebSocketHandler(manager *session.Manager, frames *processor.FrameProcessor, cfg WebSocketConfig, logger *zap.Logger) *WebSocketHandler {
	if cfg.DisplayRefresh <= 0 {
		cfg.DisplayRefresh = 100 * time.Millisecond
	}
	if cfg.Smoothing == "" {
		cfg.Smoothing = attention.SmoothingExponential
	}

	return &WebSocketHandler{
		manager:        manager,
		processor:      frames,
		logger:         logger,
		displayRefresh: cfg.DisplayRefresh,
		smoothing:      cfg.Smoothing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(cfg.AllowedOrigins, origin)
			},
		},
	}
}

// client is one websocket connection. At most one session is bound to it;
// the session ends when the connection does.
type client struct {
	h      *WebSocketHandler
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	engine   *session.Engine
	smoother *attention.Smoother
	last     models.AttentionState
	sent     bool

	done chan struct{}
	once sync.Once
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	cl := &client{
		h:        h,
		conn:     conn,
		logger:   h.logger.With(zap.String("client_ip", clientIP)),
		smoother: attention.NewSmoother(h.smoothing),
		done:     make(chan struct{}),
	}
	cl.logger.Info("WebSocket client connected")
	defer func() {
		cl.stopSession()
		cl.logger.Info("WebSocket client disconnected")
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go cl.pingRoutine()
	go cl.displayRoutine()
	defer cl.close()

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		cl.handleMessage(&message)
	}
}

func (cl *client) close() {
	cl.once.Do(func() { close(cl.done) })
}

func (cl *client) handleMessage(message *ClientMessage) {
	switch message.Type {
	case "start":
		cl.startSession(message)
	case "stop":
		cl.handleStop()
	case "landmarks":
		cl.withSession(func(engine *session.Engine) {
			var payload LandmarksPayload
			if !cl.decode(message, &payload) {
				return
			}
			engine.PublishKeypoints(payload.Keypoints)
		})
	case "analysis":
		cl.withSession(func(engine *session.Engine) {
			var analysis models.FaceAnalysis
			if !cl.decode(message, &analysis) {
				return
			}
			engine.PublishAnalysis(analysis)
		})
	case "phone", "detections":
		cl.withSession(func(engine *session.Engine) {
			var payload PhonePayload
			if !cl.decode(message, &payload) {
				return
			}
			engine.SetPhoneDetected(payload.Phone())
		})
	case "frame":
		cl.withSession(func(engine *session.Engine) {
			cl.processFrame(engine, message)
		})
	case "mode":
		cl.withSession(func(engine *session.Engine) {
			var payload ModePayload
			if !cl.decode(message, &payload) {
				return
			}
			mode, err := models.ParseFocusMode(payload.Mode)
			if err != nil {
				cl.sendError(err.Error())
				return
			}
			engine.SetMode(mode)
		})
	case "ping":
		cl.sendMessage("pong", map[string]any{"timestamp": time.Now().UnixMilli()})
	default:
		cl.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		cl.sendError("Unknown message type: " + message.Type)
	}
}

func (cl *client) decode(message *ClientMessage, dest any) bool {
	if len(message.Data) == 0 {
		cl.sendError("Missing data for " + message.Type)
		return false
	}
	if err := json.Unmarshal(message.Data, dest); err != nil {
		cl.logger.Debug("Invalid message payload", zap.String("type", message.Type), zap.Error(err))
		cl.sendError("Invalid data for " + message.Type)
		return false
	}
	return true
}

func (cl *client) currentEngine() *session.Engine {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.engine
}

func (cl *client) withSession(fn func(engine *session.Engine)) {
	engine := cl.currentEngine()
	if engine == nil {
		cl.sendError("No active session")
		return
	}
	fn(engine)
}

func (cl *client) startSession(message *ClientMessage) {
	var payload ModePayload
	if len(message.Data) > 0 && !cl.decode(message, &payload) {
		return
	}
	mode, err := cl.h.manager.ResolveMode(payload.Mode)
	if err != nil {
		cl.sendError(err.Error())
		return
	}

	cl.mu.Lock()
	if cl.engine != nil {
		cl.mu.Unlock()
		cl.sendError(session.ErrSessionActive.Error())
		return
	}
	engine, err := cl.h.manager.Create(mode)
	if err != nil {
		cl.mu.Unlock()
		cl.logger.Warn("Failed to start session", zap.Error(err))
		cl.sendError(err.Error())
		return
	}
	cl.engine = engine
	cl.smoother.Reset()
	cl.sent = false
	cl.mu.Unlock()

	snap := engine.Snapshot()
	cl.sendMessage("session_started", snap.View(0))
}

func (cl *client) handleStop() {
	final, ok := cl.stopSession()
	if !ok {
		cl.sendError("No active session")
		return
	}
	cl.sendMessage("session_stopped", final.View(final.State.LastScore))
}

// stopSession unbinds and ends the connection's session, if any.
func (cl *client) stopSession() (session.Snapshot, bool) {
	cl.mu.Lock()
	engine := cl.engine
	cl.engine = nil
	cl.smoother.Reset()
	cl.sent = false
	cl.mu.Unlock()

	if engine == nil {
		return session.Snapshot{}, false
	}

	final, err := cl.h.manager.Stop(engine.ID())
	if err != nil {
		// Already removed elsewhere, e.g. by an operator.
		final = engine.Snapshot()
		engine.Stop()
	}
	return final, true
}

func (cl *client) processFrame(engine *session.Engine, message *ClientMessage) {
	if cl.h.processor == nil {
		cl.sendError(ErrFramesDisabled.Error())
		return
	}

	var dataURL string
	if !cl.decode(message, &dataURL) {
		return
	}
	imageData, err := extractImageData(dataURL)
	if err != nil {
		cl.logger.Debug("Failed to extract image data", zap.Error(err))
		cl.sendError("Invalid image data format")
		return
	}

	err = cl.h.processor.Submit(engine, &models.FrameRequest{
		ImageData: imageData,
		Timestamp: message.Timestamp,
		SessionID: engine.ID(),
	})
	switch {
	case err == nil:
	case errors.Is(err, processor.ErrQueueFull):
		// Newer frames will follow; the session keeps its last analysis.
		cl.logger.Debug("Frame dropped", zap.String("session_id", engine.ID()))
	default:
		cl.sendError(err.Error())
	}
}

// displayRoutine steps the smoother at the display rate and pushes a state
// message whenever the rendered view changes.
func (cl *client) displayRoutine() {
	ticker := time.NewTicker(cl.h.displayRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if view, ok := cl.nextView(); ok {
				cl.sendMessage("state", view)
			}
		case <-cl.done:
			return
		}
	}
}

func (cl *client) nextView() (models.AttentionState, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.engine == nil {
		return models.AttentionState{}, false
	}

	snap := cl.engine.Snapshot()
	if !snap.Active {
		return models.AttentionState{}, false
	}
	if snap.Ready {
		cl.smoother.Step(snap.State.LastScore)
	}

	view := snap.View(cl.smoother.Rounded())
	if cl.sent && view == cl.last {
		return view, false
	}
	cl.last = view
	cl.sent = true
	return view, true
}

func (cl *client) sendMessage(messageType string, data any) {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()

	_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cl.conn.WriteJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		cl.logger.Debug("Failed to send WebSocket message", zap.String("type", messageType), zap.Error(err))
	}
}

func (cl *client) sendError(errorMsg string) {
	cl.sendMessage("error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (cl *client) pingRoutine() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.writeMu.Lock()
			err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			cl.writeMu.Unlock()
			if err != nil {
				cl.logger.Warn("Failed to send ping", zap.Error(err))
				_ = cl.conn.Close()
				return
			}
		case <-cl.done:
			return
		}
	}
}
