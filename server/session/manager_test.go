package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/models"
)

func newTestManager(t *testing.T, limit int) *Manager {
	t.Helper()
	m := NewManager(testConfig(), attention.NewScorer(attention.DefaultWeights), limit, zap.NewNop())
	t.Cleanup(m.StopAll)
	return m
}

func TestManager_CreateGetStop(t *testing.T) {
	m := newTestManager(t, 0)

	engine, err := m.Create(models.ModeReading)
	require.NoError(t, err)
	assert.NotEmpty(t, engine.ID())
	assert.True(t, engine.Active())
	assert.Equal(t, models.ModeReading, engine.Mode())

	got, err := m.Get(engine.ID())
	require.NoError(t, err)
	assert.Same(t, engine, got)
	assert.Equal(t, 1, m.Count())

	engine.PublishAnalysis(models.FaceAnalysis{FaceDetected: true, EyesOpen: true, Pitch: -15})
	waitTicks(t, engine, 2)

	final, err := m.Stop(engine.ID())
	require.NoError(t, err)
	assert.True(t, final.Active)
	assert.GreaterOrEqual(t, final.State.Ticks, int64(2))
	assert.Equal(t, 100, final.State.LastScore)

	assert.False(t, engine.Active())
	assert.Equal(t, 0, m.Count())

	_, err = m.Get(engine.ID())
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	_, err = m.Stop(engine.ID())
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestManager_SessionLimit(t *testing.T) {
	m := newTestManager(t, 2)

	_, err := m.Create(models.ModeScreen)
	require.NoError(t, err)
	second, err := m.Create(models.ModeScreen)
	require.NoError(t, err)

	_, err = m.Create(models.ModeScreen)
	assert.ErrorIs(t, err, ErrSessionLimit)
	assert.Equal(t, 2, m.Count())

	_, err = m.Stop(second.ID())
	require.NoError(t, err)
	_, err = m.Create(models.ModeScreen)
	assert.NoError(t, err)
}

func TestManager_ListOrderedByStart(t *testing.T) {
	m := newTestManager(t, 0)

	first, err := m.Create(models.ModeScreen)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Create(models.ModeReading)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID(), list[0].ID)
	assert.Equal(t, second.ID(), list[1].ID)
	assert.Equal(t, models.ModeReading, list[1].Mode)
}

func TestManager_StopAll(t *testing.T) {
	m := NewManager(testConfig(), nil, 0, zap.NewNop())

	engines := make([]*Engine, 0, 3)
	for i := 0; i < 3; i++ {
		engine, err := m.Create(models.ModeScreen)
		require.NoError(t, err)
		engine.PublishAnalysis(models.NoFace)
		engines = append(engines, engine)
	}

	m.StopAll()
	assert.Equal(t, 0, m.Count())
	for _, engine := range engines {
		assert.False(t, engine.Active())
		assert.Equal(t, State{}, engine.Snapshot().State)
	}
}

func TestManager_ResolveMode(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMode = models.ModeReading
	m := NewManager(cfg, nil, 0, zap.NewNop())
	t.Cleanup(m.StopAll)

	mode, err := m.ResolveMode("")
	require.NoError(t, err)
	assert.Equal(t, models.ModeReading, mode)

	mode, err = m.ResolveMode("screen")
	require.NoError(t, err)
	assert.Equal(t, models.ModeScreen, mode)

	_, err = m.ResolveMode("driving")
	assert.ErrorIs(t, err, models.ErrInvalidMode)
}

func TestManager_CreateAfterStopAll(t *testing.T) {
	m := NewManager(testConfig(), nil, 0, zap.NewNop())
	m.StopAll()

	engine, err := m.Create(models.ModeScreen)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Nil(t, engine)
	assert.Equal(t, 0, m.Count())
}

func TestManager_CreateStartsInRequestedMode(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewManager(testConfig(), nil, 0, zap.New(core))
	t.Cleanup(m.StopAll)

	engine, err := m.Create(models.ModeReading)
	require.NoError(t, err)
	assert.Equal(t, models.ModeReading, engine.Mode())
	assert.Equal(t, 0, logs.FilterMessage("Focus mode changed").Len())

	started := logs.FilterMessage("Session started").All()
	require.Len(t, started, 1)
	assert.Equal(t, "reading", started[0].ContextMap()["mode"])
}

func TestManager_OnStopHooks(t *testing.T) {
	m := NewManager(testConfig(), nil, 0, zap.NewNop())

	var (
		mu      sync.Mutex
		stopped []string
	)
	m.OnStop(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		stopped = append(stopped, id)
	})

	first, err := m.Create(models.ModeScreen)
	require.NoError(t, err)
	second, err := m.Create(models.ModeScreen)
	require.NoError(t, err)

	_, err = m.Stop(first.ID())
	require.NoError(t, err)
	_, err = m.Stop(first.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
	m.StopAll()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{first.ID(), second.ID()}, stopped)
}
