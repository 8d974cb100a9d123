package processor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"

	"github.com/san-kum/eyeq/server/models"
)

var (
	ErrQueueFull       = errors.New("processing queue full")
	ErrQueueStopped    = errors.New("processing queue stopped")
	ErrFrameSuperseded = errors.New("frame superseded by a newer one")
)

// ProcessingQueue holds at most one waiting frame per session. A frame for a
// session that already has one waiting replaces it, so workers always pick
// up the freshest image and a slow model never builds a backlog. Frames
// without a session are queued individually. Enqueue never blocks.
type ProcessingQueue struct {
	mu       sync.Mutex
	pending  map[string]*QueueItem
	ready    chan string
	running  bool
	shutdown chan struct{}

	workers    int
	workerFunc func(*QueueItem)
	wg         conc.WaitGroup

	anonymous  *atomic.Int64
	superseded *atomic.Int64
}

type QueueItem struct {
	Request    *models.FrameRequest
	Sink       Sink
	CacheKey   string
	ResultChan chan *ProcessingResult
	StartTime  time.Time
}

type ProcessingResult struct {
	Inference *models.InferenceResult
	Analysis  models.FaceAnalysis
	Phone     bool
	Cached    bool
	// Stale is set when a newer frame of the same session had already been
	// delivered, so this result was not published.
	Stale bool
	Error error
}

type QueueStats struct {
	Pending            int     `json:"pending"`
	MaxPending         int     `json:"max_pending"`
	Workers            int     `json:"workers"`
	Superseded         int64   `json:"superseded"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// NewProcessingQueue starts workers that each run workerFunc on one item at a
// time. maxPending bounds the number of sessions with a frame waiting.
func NewProcessingQueue(maxPending, workers int, workerFunc func(*QueueItem)) *ProcessingQueue {
	q := &ProcessingQueue{
		pending:    make(map[string]*QueueItem),
		ready:      make(chan string, maxPending),
		running:    true,
		shutdown:   make(chan struct{}),
		workers:    workers,
		workerFunc: workerFunc,
		anonymous:  atomic.NewInt64(0),
		superseded: atomic.NewInt64(0),
	}

	for i := 0; i < workers; i++ {
		q.wg.Go(q.worker)
	}
	return q
}

func (q *ProcessingQueue) key(item *QueueItem) string {
	if item.Request != nil && item.Request.SessionID != "" {
		return item.Request.SessionID
	}
	return fmt.Sprintf("#%d", q.anonymous.Inc())
}

func (q *ProcessingQueue) Enqueue(item *QueueItem) error {
	key := q.key(item)

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrQueueStopped
	}

	if old, ok := q.pending[key]; ok {
		q.pending[key] = item
		q.mu.Unlock()
		q.superseded.Inc()
		old.reply(&ProcessingResult{Error: ErrFrameSuperseded})
		return nil
	}

	if len(q.pending) >= cap(q.ready) {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.pending[key] = item
	// One key per pending entry, so this send always has room.
	q.ready <- key
	q.mu.Unlock()
	return nil
}

func (q *ProcessingQueue) worker() {
	for {
		select {
		case key := <-q.ready:
			if item := q.take(key); item != nil {
				q.run(item)
			}
		case <-q.shutdown:
			return
		}
	}
}

func (q *ProcessingQueue) take(key string) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.pending[key]
	delete(q.pending, key)
	return item
}

func (q *ProcessingQueue) run(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			item.reply(&ProcessingResult{Error: fmt.Errorf("worker panic: %v", r)})
		}
	}()

	q.workerFunc(item)
}

// reply delivers a result if anyone is waiting for it.
func (item *QueueItem) reply(result *ProcessingResult) {
	if item.ResultChan == nil {
		return
	}
	select {
	case item.ResultChan <- result:
	default:
	}
}

func (q *ProcessingQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Shutdown stops accepting frames, waits for in-flight work up to timeout
// and fails whatever was still waiting.
func (q *ProcessingQueue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.mu.Unlock()

	close(q.shutdown)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.drain()
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (q *ProcessingQueue) drain() int {
	q.mu.Lock()
	items := q.pending
	q.pending = make(map[string]*QueueItem)
	q.mu.Unlock()

	for _, item := range items {
		item.reply(&ProcessingResult{Error: ErrQueueStopped})
	}
	return len(items)
}

func (q *ProcessingQueue) GetQueueStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := len(q.pending)
	return QueueStats{
		Pending:            pending,
		MaxPending:         cap(q.ready),
		Workers:            q.workers,
		Superseded:         q.superseded.Load(),
		IsRunning:          q.running,
		UtilizationPercent: float64(pending) / float64(cap(q.ready)) * 100,
	}
}
