package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/models"
)

var (
	ErrSessionActive   = errors.New("session already active")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionLimit    = errors.New("session limit reached")
	ErrManagerClosed   = errors.New("session manager closed")
)

type Config struct {
	TickInterval  time.Duration
	ClockInterval time.Duration
	// DefaultMode is the mode a new engine starts in, and the mode used when
	// a session is created without one.
	DefaultMode models.FocusMode
}

func DefaultConfig() Config {
	return Config{
		TickInterval:  200 * time.Millisecond,
		ClockInterval: time.Second,
		DefaultMode:   models.ModeScreen,
	}
}

// Snapshot is an immutable copy of a session published after every tick.
type Snapshot struct {
	ID             string
	Active         bool
	Ready          bool
	Mode           models.FocusMode
	StartedAt      time.Time
	ElapsedSeconds int
	State          State
}

// Engine owns one session's SessionState and the two periodic tasks that
// drive it. Inference producers hand results over through single-value
// slots; only the tick goroutine reads them and mutates state.
type Engine struct {
	id     string
	cfg    Config
	scorer Scorer
	logger *zap.Logger
	now    func() time.Time

	latest  *atomic.Pointer[models.FaceAnalysis]
	phone   *atomic.Bool
	mode    *atomic.String
	elapsed *atomic.Int64
	running *atomic.Bool
	current *atomic.Pointer[Snapshot]

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        *conc.WaitGroup
	startedAt time.Time
	state     State
}

func NewEngine(id string, cfg Config, scorer Scorer, logger *zap.Logger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.ClockInterval <= 0 {
		cfg.ClockInterval = DefaultConfig().ClockInterval
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = models.ModeScreen
	}
	if scorer == nil {
		scorer = attention.NewScorer(attention.DefaultWeights)
	}

	e := &Engine{
		id:      id,
		cfg:     cfg,
		scorer:  scorer,
		logger:  logger.With(zap.String("session_id", id)),
		now:     time.Now,
		latest:  atomic.NewPointer[models.FaceAnalysis](nil),
		phone:   atomic.NewBool(false),
		mode:    atomic.NewString(string(cfg.DefaultMode)),
		elapsed: atomic.NewInt64(0),
		running: atomic.NewBool(false),
		current: atomic.NewPointer[Snapshot](nil),
	}
	e.publish(false)
	return e
}

func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) Active() bool {
	return e.running.Load()
}

// Start begins ticking. The parent context bounds the session's lifetime.
func (e *Engine) Start(parent context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return ErrSessionActive
	}

	e.resetLocked()
	e.startedAt = e.now()

	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	e.wg = conc.NewWaitGroup()
	e.running.Store(true)
	e.publish(true)

	e.wg.Go(func() { e.tickLoop(ctx) })
	e.wg.Go(func() { e.clockLoop(ctx) })

	e.logger.Info("Session started",
		zap.String("mode", string(e.Mode())),
		zap.Duration("tick_interval", e.cfg.TickInterval))
	return nil
}

// Stop halts both periodic tasks and only then resets state, so no tick can
// land on the fresh state.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return
	}

	e.running.Store(false)
	e.cancel()
	e.wg.Wait()

	final := e.Snapshot()
	e.resetLocked()

	e.logger.Info("Session stopped",
		zap.Int("elapsed_seconds", final.ElapsedSeconds),
		zap.Float64("average_attention", final.State.Average),
		zap.Int("longest_streak_seconds", final.State.LongestStreakSeconds),
		zap.Int64("ticks", final.State.Ticks))
}

func (e *Engine) resetLocked() {
	e.state = State{}
	e.startedAt = time.Time{}
	e.latest.Store(nil)
	e.phone.Store(false)
	e.elapsed.Store(0)
	e.publish(false)
}

// PublishAnalysis replaces the latest analysis. Ignored while stopped.
func (e *Engine) PublishAnalysis(a models.FaceAnalysis) {
	if !e.running.Load() {
		return
	}
	e.latest.Store(&a)
}

// PublishKeypoints runs the geometry analyzer and publishes the result.
// An empty slice means the detector found no face.
func (e *Engine) PublishKeypoints(keypoints []models.Keypoint) models.FaceAnalysis {
	a := attention.Analyze(keypoints)
	e.PublishAnalysis(a)
	return a
}

func (e *Engine) SetPhoneDetected(detected bool) {
	if !e.running.Load() {
		return
	}
	e.phone.Store(detected)
}

func (e *Engine) SetMode(mode models.FocusMode) {
	old := e.Mode()
	e.mode.Store(string(mode))
	if old != mode {
		e.logger.Info("Focus mode changed", zap.String("from", string(old)), zap.String("to", string(mode)))
	}
}

func (e *Engine) Mode() models.FocusMode {
	return models.FocusMode(e.mode.Load())
}

func (e *Engine) TickInterval() time.Duration {
	return e.cfg.TickInterval
}

// Snapshot returns the most recently published state with a current elapsed time.
func (e *Engine) Snapshot() Snapshot {
	snap := *e.current.Load()
	snap.Mode = e.Mode()
	snap.ElapsedSeconds = int(e.elapsed.Load())
	return snap
}

func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) clockLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ClockInterval)
	defer ticker.Stop()

	start := e.startedAt
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.elapsed.Store(int64(e.now().Sub(start) / time.Second))
		}
	}
}

func (e *Engine) tick() {
	latest := e.latest.Load()
	if latest == nil {
		return
	}

	a := *latest
	a.PhoneDetected = e.phone.Load()

	res := e.state.Tick(a, e.Mode(), e.cfg.TickInterval, e.scorer)
	switch {
	case res.AlertRaised:
		e.logger.Info("Refocus alert raised", zap.Float64("low_score_seconds", e.state.LowScoreTimerSeconds()))
	case res.AlertCleared:
		e.logger.Info("Refocus alert cleared", zap.Int("score", res.Score))
	}
	e.logger.Debug("Tick",
		zap.Int("score", res.Score),
		zap.Float64("yaw", a.Yaw),
		zap.Float64("pitch", a.Pitch),
		zap.Float64("gaze", a.GazeDeviation),
		zap.Bool("eyes_open", a.EyesOpen),
		zap.Bool("phone", a.PhoneDetected))

	e.publish(true)
}

func (e *Engine) publish(active bool) {
	e.current.Store(&Snapshot{
		ID:        e.id,
		Active:    active,
		Ready:     e.state.Ticks > 0,
		StartedAt: e.startedAt,
		State:     e.state,
	})
}
