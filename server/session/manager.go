package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/models"
)

// Manager is the registry of live sessions.
type Manager struct {
	cfg         Config
	scorer      Scorer
	logger      *zap.Logger
	maxSessions int

	ctx    context.Context
	cancel context.CancelFunc

	mutex    sync.RWMutex
	sessions map[string]*Engine
	closed   bool
	onStop   []func(id string)
}

func NewManager(cfg Config, scorer Scorer, maxSessions int, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		scorer:      scorer,
		logger:      logger,
		maxSessions: maxSessions,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Engine),
	}
}

// ResolveMode parses a client supplied mode, falling back to the configured
// default when it is empty.
func (m *Manager) ResolveMode(s string) (models.FocusMode, error) {
	if s == "" && m.cfg.DefaultMode != "" {
		return m.cfg.DefaultMode, nil
	}
	return models.ParseFocusMode(s)
}

// OnStop registers fn to run with the id of every session the manager ends.
// Register hooks before serving traffic.
func (m *Manager) OnStop(fn func(id string)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onStop = append(m.onStop, fn)
}

// Create starts a new session in the given mode.
func (m *Manager) Create(mode models.FocusMode) (*Engine, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, m.maxSessions)
	}

	cfg := m.cfg
	cfg.DefaultMode = mode
	engine := NewEngine(uuid.NewString(), cfg, m.scorer, m.logger)
	if err := engine.Start(m.ctx); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	m.sessions[engine.ID()] = engine
	return engine, nil
}

func (m *Manager) Get(id string) (*Engine, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	engine, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return engine, nil
}

// Stop ends a session and forgets it.
func (m *Manager) Stop(id string) (Snapshot, error) {
	m.mutex.Lock()
	engine, exists := m.sessions[id]
	delete(m.sessions, id)
	hooks := m.onStop
	m.mutex.Unlock()

	if !exists {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	final := engine.Snapshot()
	engine.Stop()
	runHooks(hooks, id)
	return final, nil
}

func runHooks(hooks []func(string), id string) {
	for _, fn := range hooks {
		fn(id)
	}
}

func (m *Manager) List() []Snapshot {
	m.mutex.RLock()
	snapshots := make([]Snapshot, 0, len(m.sessions))
	for _, engine := range m.sessions {
		snapshots = append(snapshots, engine.Snapshot())
	}
	m.mutex.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt.Before(snapshots[j].StartedAt)
	})
	return snapshots
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// StopAll ends every session concurrently and waits for them. The manager
// accepts no new sessions afterwards.
func (m *Manager) StopAll() {
	m.mutex.Lock()
	engines := m.sessions
	m.sessions = make(map[string]*Engine)
	m.closed = true
	hooks := m.onStop
	m.mutex.Unlock()

	var wg conc.WaitGroup
	for id, engine := range engines {
		id, engine := id, engine
		wg.Go(func() {
			engine.Stop()
			runHooks(hooks, id)
		})
	}
	wg.Wait()

	m.cancel()
	m.logger.Info("All sessions stopped", zap.Int("count", len(engines)))
}
