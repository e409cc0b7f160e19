// Package events batches usage events and writes them to storage in the
// background. Recording is fire-and-forget: callers never see write errors.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mealsense/internal/storage"
)

// Event names recorded by the pipeline.
const (
	AnalysisCompleted = "analysis_completed"
	AnalysisCacheHit  = "analysis_cache_hit"
	AnalysisFailed    = "analysis_failed"
	MealSaved         = "meal_saved"
	SaveBlocked       = "save_blocked"
)

// Sink persists a batch atomically. Implemented by storage.Store.
type Sink interface {
	InsertEvents(events []storage.Event) error
}

// Queue buffers events and flushes them when the batch reaches its size cap
// or the flush interval elapses, whichever comes first. A failed batch is
// put back for the next flush. No ordering is guaranteed across batches.
type Queue struct {
	sink       Sink
	maxBatch   int
	maxPending int
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending []storage.Event
	closed  bool

	flushMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewQueue creates a queue. maxBatch defaults to 20 and interval to 5s.
func NewQueue(sink Sink, maxBatch int, interval time.Duration) *Queue {
	if maxBatch <= 0 {
		maxBatch = 20
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Queue{
		sink:       sink,
		maxBatch:   maxBatch,
		maxPending: maxBatch * 50,
		interval:   interval,
		logger:     slog.Default(),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Start runs the flush loop until Shutdown is called or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
}

func (q *Queue) run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.wake:
		case <-ticker.C:
		}
		if err := q.FlushNow(); err != nil {
			q.logger.Warn("event flush failed, batch requeued", "error", err)
		}
	}
}

// Enqueue records an event. It never blocks on storage.
func (q *Queue) Enqueue(userID, name string, props map[string]any) {
	raw := "{}"
	if len(props) > 0 {
		b, err := json.Marshal(props)
		if err != nil {
			q.logger.Warn("dropping event with unencodable properties", "name", name, "error", err)
			return
		}
		raw = string(b)
	}
	e := storage.Event{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       name,
		Properties: raw,
		CreatedAt:  q.now().UTC(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("event queue closed, dropping event", "name", name)
		return
	}
	q.pending = append(q.pending, e)
	if over := len(q.pending) - q.maxPending; over > 0 {
		q.pending = q.pending[over:]
		q.logger.Warn("event queue full, dropped oldest events", "dropped", over)
	}
	full := len(q.pending) >= q.maxBatch
	q.mu.Unlock()

	if full {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of events waiting to be written.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// FlushNow writes everything pending in batches of at most maxBatch. On
// failure the unwritten events are put back and the error is returned.
func (q *Queue) FlushNow() error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for len(batch) > 0 {
		n := min(q.maxBatch, len(batch))
		if err := q.sink.InsertEvents(batch[:n]); err != nil {
			q.requeue(batch)
			return fmt.Errorf("writing %d events: %w", n, err)
		}
		batch = batch[n:]
	}
	return nil
}

func (q *Queue) requeue(batch []storage.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(batch, q.pending...)
	if over := len(q.pending) - q.maxPending; over > 0 {
		q.pending = q.pending[over:]
	}
}

// Shutdown stops the flush loop and drains what is pending. Events
// enqueued afterwards are dropped.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.FlushNow()
}
