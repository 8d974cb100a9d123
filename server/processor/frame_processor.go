// Package processor turns camera frames into face analyses through the remote
// landmark service and hands the results to a session.
package processor

import (
	"context"
	"crypto/md5"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/cache"
	"github.com/san-kum/eyeq/server/models"
)

// Analyzer runs inference on one frame; *ml.Client satisfies it.
type Analyzer interface {
	AnalyzeFrame(ctx context.Context, request *models.FrameRequest) (*models.InferenceResult, error)
}

// Sink receives the latest detector outputs; *session.Engine satisfies it.
type Sink interface {
	PublishAnalysis(a models.FaceAnalysis)
	SetPhoneDetected(detected bool)
}

type FrameProcessor struct {
	analyzer Analyzer
	logger   *zap.Logger
	queue    *ProcessingQueue
	stats    *processorCounters
	config   ProcessorConfig
	cache    cache.Cache
	ctx      context.Context
	cancel   context.CancelFunc

	orderMu sync.Mutex
	order   map[string]*frameOrder
}

// frameOrder remembers the newest frame timestamp delivered to one session.
// mu is held across the check and the publish so deliveries cannot interleave.
type frameOrder struct {
	mu     sync.Mutex
	newest *atomic.Int64
}

type ProcessorStats struct {
	StartTime             time.Time  `json:"start_time"`
	TotalProcessed        int64      `json:"total_processed"`
	SuccessfullyProcessed int64      `json:"successfully_processed"`
	FailedProcessed       int64      `json:"failed_processed"`
	Dropped               int64      `json:"dropped"`
	Stale                 int64      `json:"stale"`
	CacheHits             int64      `json:"cache_hits"`
	AverageLatency        float64    `json:"average_latency_ms"`
	Queue                 QueueStats `json:"queue"`
}

type processorCounters struct {
	startTime  time.Time
	total      *atomic.Int64
	succeeded  *atomic.Int64
	failed     *atomic.Int64
	dropped    *atomic.Int64
	stale      *atomic.Int64
	cacheHits  *atomic.Int64
	avgLatency *atomic.Float64
}

type ProcessorConfig struct {
	MaxQueueSize      int           `json:"max_queue_size"`
	MaxWorkers        int           `json:"max_workers"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxQueueSize:      32,
		MaxWorkers:        2,
		ProcessingTimeout: 30 * time.Second,
	}
}

func NewFrameProcessor(analyzer Analyzer, resultCache cache.Cache, config ProcessorConfig, logger *zap.Logger) *FrameProcessor {
	defaults := DefaultProcessorConfig()
	if config.MaxQueueSize < 1 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}
	if config.MaxWorkers < 1 {
		config.MaxWorkers = defaults.MaxWorkers
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = defaults.ProcessingTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	processor := &FrameProcessor{
		analyzer: analyzer,
		logger:   logger,
		config:   config,
		cache:    resultCache,
		ctx:      ctx,
		cancel:   cancel,
		order:    make(map[string]*frameOrder),
		stats: &processorCounters{
			startTime:  time.Now(),
			total:      atomic.NewInt64(0),
			succeeded:  atomic.NewInt64(0),
			failed:     atomic.NewInt64(0),
			dropped:    atomic.NewInt64(0),
			stale:      atomic.NewInt64(0),
			cacheHits:  atomic.NewInt64(0),
			avgLatency: atomic.NewFloat64(0),
		},
	}

	processor.queue = NewProcessingQueue(config.MaxQueueSize, config.MaxWorkers, processor.processFrame)

	return processor
}

// Submit hands a frame to the worker pool and returns immediately. The result
// goes straight to sink unless a newer frame of the same session got there
// first; when the pool is saturated the frame is dropped.
func (fp *FrameProcessor) Submit(sink Sink, request *models.FrameRequest) error {
	fp.stats.total.Inc()
	stamp(request)

	key := fp.cacheKey(request)
	if result, ok := fp.lookup(key); ok {
		fp.deliver(sink, request, result)
		return nil
	}

	err := fp.queue.Enqueue(&QueueItem{
		Request:   request,
		Sink:      sink,
		CacheKey:  key,
		StartTime: time.Now(),
	})
	if err != nil {
		fp.stats.dropped.Inc()
		return err
	}
	return nil
}

// ProcessFrame is Submit that waits for the outcome.
func (fp *FrameProcessor) ProcessFrame(ctx context.Context, sink Sink, request *models.FrameRequest) (*ProcessingResult, error) {
	fp.stats.total.Inc()
	stamp(request)

	key := fp.cacheKey(request)
	if result, ok := fp.lookup(key); ok {
		result.Stale = !fp.deliver(sink, request, result)
		return result, nil
	}

	resultChan := make(chan *ProcessingResult, 1)
	err := fp.queue.Enqueue(&QueueItem{
		Request:    request,
		Sink:       sink,
		CacheKey:   key,
		ResultChan: resultChan,
		StartTime:  time.Now(),
	})
	if err != nil {
		fp.stats.dropped.Inc()
		return nil, err
	}

	timer := time.NewTimer(fp.config.ProcessingTimeout)
	defer timer.Stop()

	select {
	case result := <-resultChan:
		if result.Error != nil {
			return nil, result.Error
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("processing timeout")
	}
}

func (fp *FrameProcessor) processFrame(item *QueueItem) {
	inference, err := fp.analyzer.AnalyzeFrame(fp.ctx, item.Request)
	if err != nil {
		fp.stats.failed.Inc()
		fp.logger.Error("ML analysis failed",
			zap.String("session_id", item.Request.SessionID),
			zap.Error(err))
		item.reply(&ProcessingResult{Error: err})
		return
	}

	result := &ProcessingResult{
		Inference: inference,
		Analysis:  attention.Analyze(inference.Keypoints),
		Phone:     models.PhoneInPredictions(inference.Predictions),
	}

	fp.stats.succeeded.Inc()
	fp.updateLatencyStats(time.Since(item.StartTime))

	if fp.cache != nil {
		cached := *result
		if err := fp.cache.Set(fp.ctx, item.CacheKey, &cached); err != nil {
			fp.logger.Warn("Failed to cache result", zap.Error(err))
		}
	}

	result.Stale = !fp.deliver(item.Sink, item.Request, result)
	item.reply(result)
}

// stamp gives frames without a capture time their arrival time, so they
// still order against each other.
func stamp(request *models.FrameRequest) {
	if request.Timestamp == 0 {
		request.Timestamp = time.Now().UnixMilli()
	}
}

// deliver publishes result into sink unless the session has already seen a
// frame captured at or after this one. It reports false only for a stale
// result.
func (fp *FrameProcessor) deliver(sink Sink, request *models.FrameRequest, result *ProcessingResult) bool {
	if sink == nil {
		return true
	}

	if request.SessionID != "" {
		order := fp.orderFor(request.SessionID)
		order.mu.Lock()
		defer order.mu.Unlock()

		if request.Timestamp <= order.newest.Load() {
			fp.stats.stale.Inc()
			fp.logger.Debug("Discarding stale frame result",
				zap.String("session_id", request.SessionID),
				zap.Int64("timestamp", request.Timestamp),
				zap.Int64("newest", order.newest.Load()))
			return false
		}
		order.newest.Store(request.Timestamp)
	}

	sink.PublishAnalysis(result.Analysis)
	sink.SetPhoneDetected(result.Phone)
	return true
}

func (fp *FrameProcessor) orderFor(sessionID string) *frameOrder {
	fp.orderMu.Lock()
	defer fp.orderMu.Unlock()

	order, ok := fp.order[sessionID]
	if !ok {
		order = &frameOrder{newest: atomic.NewInt64(math.MinInt64)}
		fp.order[sessionID] = order
	}
	return order
}

// Release forgets a session's frame ordering once the session has ended.
func (fp *FrameProcessor) Release(sessionID string) {
	fp.orderMu.Lock()
	defer fp.orderMu.Unlock()
	delete(fp.order, sessionID)
}

func (fp *FrameProcessor) lookup(key string) (*ProcessingResult, bool) {
	if fp.cache == nil {
		return nil, false
	}

	value, err := fp.cache.Get(fp.ctx, key)
	if err != nil {
		return nil, false
	}
	cached, ok := value.(*ProcessingResult)
	if !ok {
		return nil, false
	}

	fp.stats.cacheHits.Inc()
	fp.stats.succeeded.Inc()
	fp.logger.Debug("Cache hit for frame", zap.String("key", key))

	hit := *cached
	hit.Cached = true
	hit.Stale = false
	return &hit, true
}

func (fp *FrameProcessor) cacheKey(request *models.FrameRequest) string {
	return cache.GenerateCacheKey("frame", generateFrameHash(request.ImageData))
}

func (fp *FrameProcessor) GetStats() ProcessorStats {
	return ProcessorStats{
		StartTime:             fp.stats.startTime,
		TotalProcessed:        fp.stats.total.Load(),
		SuccessfullyProcessed: fp.stats.succeeded.Load(),
		FailedProcessed:       fp.stats.failed.Load(),
		Dropped:               fp.stats.dropped.Load(),
		Stale:                 fp.stats.stale.Load(),
		CacheHits:             fp.stats.cacheHits.Load(),
		AverageLatency:        fp.stats.avgLatency.Load(),
		Queue:                 fp.queue.GetQueueStats(),
	}
}

func generateFrameHash(imageData []byte) string {
	return fmt.Sprintf("%x", md5.Sum(imageData))
}

func (fp *FrameProcessor) updateLatencyStats(latency time.Duration) {
	current := float64(latency.Microseconds()) / 1000

	for {
		old := fp.stats.avgLatency.Load()
		next := current
		if old != 0 {
			const alpha = 0.1
			next = alpha*current + (1-alpha)*old
		}
		if fp.stats.avgLatency.CompareAndSwap(old, next) {
			return
		}
	}
}

// Shutdown gracefully shuts down the frame processor
func (fp *FrameProcessor) Shutdown() error {
	fp.logger.Info("Shutting down frame processor...")

	fp.cancel()

	if err := fp.queue.Shutdown(30 * time.Second); err != nil {
		fp.logger.Error("Failed to shutdown queue", zap.Error(err))
		return err
	}

	if fp.cache != nil {
		if err := fp.cache.Close(); err != nil {
			fp.logger.Error("Failed to close cache", zap.Error(err))
			return err
		}
	}

	fp.logger.Info("Frame processor shutdown complete")
	return nil
}

func (fp *FrameProcessor) GetCacheStats() (*cache.CacheStats, error) {
	if fp.cache == nil {
		return nil, fmt.Errorf("cache not initialized")
	}

	return fp.cache.GetStats(fp.ctx)
}
