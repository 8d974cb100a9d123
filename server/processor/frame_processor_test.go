package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/cache"
	"github.com/san-kum/eyeq/server/models"
)

type fakeAnalyzer struct {
	calls   *atomic.Int32
	result  *models.InferenceResult
	err     error
	release chan struct{}
}

func newFakeAnalyzer(result *models.InferenceResult) *fakeAnalyzer {
	return &fakeAnalyzer{calls: atomic.NewInt32(0), result: result}
}

func (f *fakeAnalyzer) AnalyzeFrame(ctx context.Context, _ *models.FrameRequest) (*models.InferenceResult, error) {
	f.calls.Inc()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

type recordingSink struct {
	mu       sync.Mutex
	analyses []models.FaceAnalysis
	phone    bool
}

func (s *recordingSink) PublishAnalysis(a models.FaceAnalysis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses = append(s.analyses, a)
}

func (s *recordingSink) SetPhoneDetected(detected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phone = detected
}

func (s *recordingSink) snapshot() ([]models.FaceAnalysis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FaceAnalysis(nil), s.analyses...), s.phone
}

func newTestProcessor(t *testing.T, analyzer Analyzer, cfg ProcessorConfig) *FrameProcessor {
	t.Helper()
	fp := NewFrameProcessor(analyzer, cache.NewMemoryCache(16, time.Minute, zap.NewNop()), cfg, zap.NewNop())
	t.Cleanup(func() { _ = fp.Shutdown() })
	return fp
}

func TestProcessFrame_PublishesAnalysisAndPhone(t *testing.T) {
	analyzer := newFakeAnalyzer(&models.InferenceResult{
		Predictions: []models.ObjectPrediction{{Class: models.PhoneClass, Score: 0.6}},
	})
	fp := newTestProcessor(t, analyzer, ProcessorConfig{})
	sink := &recordingSink{}

	result, err := fp.ProcessFrame(context.Background(), sink, &models.FrameRequest{ImageData: []byte("f1")})
	require.NoError(t, err)

	assert.False(t, result.Analysis.FaceDetected, "no keypoints means no face")
	assert.True(t, result.Phone)
	assert.False(t, result.Cached)

	analyses, phone := sink.snapshot()
	require.Len(t, analyses, 1)
	assert.Equal(t, models.NoFace, analyses[0])
	assert.True(t, phone)
}

func TestProcessFrame_CachesIdenticalFrames(t *testing.T) {
	analyzer := newFakeAnalyzer(&models.InferenceResult{})
	fp := newTestProcessor(t, analyzer, ProcessorConfig{})
	sink := &recordingSink{}
	req := &models.FrameRequest{ImageData: []byte("same")}

	_, err := fp.ProcessFrame(context.Background(), sink, req)
	require.NoError(t, err)
	second, err := fp.ProcessFrame(context.Background(), sink, req)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), analyzer.calls.Load())

	analyses, _ := sink.snapshot()
	assert.Len(t, analyses, 2, "cached results are still delivered")

	stats := fp.GetStats()
	assert.Equal(t, int64(2), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestProcessFrame_AnalyzerError(t *testing.T) {
	analyzer := newFakeAnalyzer(nil)
	analyzer.err = errors.New("service down")
	fp := newTestProcessor(t, analyzer, ProcessorConfig{})
	sink := &recordingSink{}

	_, err := fp.ProcessFrame(context.Background(), sink, &models.FrameRequest{ImageData: []byte("x")})
	assert.EqualError(t, err, "service down")

	analyses, _ := sink.snapshot()
	assert.Empty(t, analyses, "failed inference leaves the slot untouched")
	assert.Equal(t, int64(1), fp.GetStats().FailedProcessed)
}

func TestSubmit_DropsWhenSaturated(t *testing.T) {
	analyzer := newFakeAnalyzer(&models.InferenceResult{})
	analyzer.release = make(chan struct{})
	fp := newTestProcessor(t, analyzer, ProcessorConfig{MaxQueueSize: 1, MaxWorkers: 1})
	sink := &recordingSink{}

	require.NoError(t, fp.Submit(sink, &models.FrameRequest{ImageData: []byte("a")}))
	require.Eventually(t, func() bool { return analyzer.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, fp.Submit(sink, &models.FrameRequest{ImageData: []byte("b")}))
	err := fp.Submit(sink, &models.FrameRequest{ImageData: []byte("c")})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), fp.GetStats().Dropped)

	close(analyzer.release)
	require.Eventually(t, func() bool {
		analyses, _ := sink.snapshot()
		return len(analyses) == 2
	}, time.Second, time.Millisecond)
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := NewProcessingQueue(1, 1, func(*QueueItem) { panic("bad frame") })
	defer func() { _ = q.Shutdown(time.Second) }()

	results := make(chan *ProcessingResult, 1)
	require.NoError(t, q.Enqueue(&QueueItem{ResultChan: results}))

	select {
	case res := <-results:
		assert.ErrorContains(t, res.Error, "bad frame")
	case <-time.After(time.Second):
		t.Fatal("no result after panic")
	}
}

func TestQueue_RejectsAfterShutdown(t *testing.T) {
	q := NewProcessingQueue(1, 1, func(*QueueItem) {})
	require.NoError(t, q.Shutdown(time.Second))
	assert.False(t, q.IsRunning())
	assert.ErrorIs(t, q.Enqueue(&QueueItem{}), ErrQueueStopped)
}

type scriptedAnalyzer struct {
	calls   *atomic.Int32
	hold    map[string]chan struct{}
	results map[string]*models.InferenceResult
}

func (a *scriptedAnalyzer) AnalyzeFrame(ctx context.Context, req *models.FrameRequest) (*models.InferenceResult, error) {
	a.calls.Inc()
	if wait, ok := a.hold[string(req.ImageData)]; ok {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.results[string(req.ImageData)], nil
}

func TestSubmit_OlderFrameNeverOverwritesNewer(t *testing.T) {
	release := make(chan struct{})
	analyzer := &scriptedAnalyzer{
		calls: atomic.NewInt32(0),
		hold:  map[string]chan struct{}{"old": release},
		results: map[string]*models.InferenceResult{
			"old": {},
			"new": {Keypoints: make([]models.Keypoint, 478)},
		},
	}
	fp := newTestProcessor(t, analyzer, ProcessorConfig{MaxWorkers: 2})
	sink := &recordingSink{}

	require.NoError(t, fp.Submit(sink, &models.FrameRequest{ImageData: []byte("old"), Timestamp: 1, SessionID: "s1"}))
	require.Eventually(t, func() bool { return analyzer.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, fp.Submit(sink, &models.FrameRequest{ImageData: []byte("new"), Timestamp: 2, SessionID: "s1"}))

	require.Eventually(t, func() bool {
		analyses, _ := sink.snapshot()
		return len(analyses) == 1
	}, time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return fp.GetStats().Stale == 1 }, time.Second, time.Millisecond)

	analyses, _ := sink.snapshot()
	require.Len(t, analyses, 1, "the late result of the older frame is discarded")
	assert.True(t, analyses[0].FaceDetected)
	assert.Equal(t, int64(2), fp.GetStats().SuccessfullyProcessed)
}

func TestProcessFrame_StaleResultIsReported(t *testing.T) {
	analyzer := &scriptedAnalyzer{
		calls: atomic.NewInt32(0),
		results: map[string]*models.InferenceResult{
			"a": {},
			"b": {},
		},
	}
	fp := newTestProcessor(t, analyzer, ProcessorConfig{})
	sink := &recordingSink{}

	first, err := fp.ProcessFrame(context.Background(), sink, &models.FrameRequest{ImageData: []byte("a"), Timestamp: 20, SessionID: "s1"})
	require.NoError(t, err)
	assert.False(t, first.Stale)

	late, err := fp.ProcessFrame(context.Background(), sink, &models.FrameRequest{ImageData: []byte("b"), Timestamp: 10, SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, late.Stale)

	other, err := fp.ProcessFrame(context.Background(), sink, &models.FrameRequest{ImageData: []byte("b"), Timestamp: 10, SessionID: "s2"})
	require.NoError(t, err)
	assert.True(t, other.Cached)
	assert.False(t, other.Stale, "ordering is tracked per session")

	fp.Release("s1")
	again, err := fp.ProcessFrame(context.Background(), sink, &models.FrameRequest{ImageData: []byte("a"), Timestamp: 5, SessionID: "s1"})
	require.NoError(t, err)
	assert.False(t, again.Stale, "a released session starts over")

	analyses, _ := sink.snapshot()
	assert.Len(t, analyses, 3)
}

func TestQueue_KeepsOnlyNewestFramePerSession(t *testing.T) {
	started := make(chan string, 4)
	release := make(chan struct{})
	q := NewProcessingQueue(4, 1, func(item *QueueItem) {
		started <- string(item.Request.ImageData)
		<-release
		item.reply(&ProcessingResult{})
	})
	defer func() { _ = q.Shutdown(time.Second) }()

	frame := func(data string) *QueueItem {
		return &QueueItem{
			Request:    &models.FrameRequest{ImageData: []byte(data), SessionID: "s1"},
			ResultChan: make(chan *ProcessingResult, 1),
		}
	}

	require.NoError(t, q.Enqueue(frame("a")))
	assert.Equal(t, "a", <-started)

	b, c := frame("b"), frame("c")
	require.NoError(t, q.Enqueue(b))
	require.NoError(t, q.Enqueue(c))
	assert.Equal(t, 1, q.GetQueueStats().Pending)

	select {
	case res := <-b.ResultChan:
		assert.ErrorIs(t, res.Error, ErrFrameSuperseded)
	case <-time.After(time.Second):
		t.Fatal("superseded frame got no reply")
	}

	close(release)
	assert.Equal(t, "c", <-started)
	assert.Equal(t, int64(1), q.GetQueueStats().Superseded)
}
