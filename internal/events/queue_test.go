package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/mealsense/internal/storage"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]storage.Event
	failing bool
}

func (s *memSink) InsertEvents(events []storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("database is locked")
	}
	s.batches = append(s.batches, append([]storage.Event(nil), events...))
	return nil
}

func (s *memSink) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *memSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueue_FlushesOnSizeCap(t *testing.T) {
	sink := &memSink{}
	q := NewQueue(sink, 3, time.Hour)
	q.Start(context.Background())
	defer q.Shutdown(context.Background())

	for range 3 {
		q.Enqueue("u1", AnalysisCompleted, nil)
	}
	waitFor(t, func() bool { return sink.total() == 3 })
}

func TestQueue_FlushesOnInterval(t *testing.T) {
	sink := &memSink{}
	q := NewQueue(sink, 100, 20*time.Millisecond)
	q.Start(context.Background())
	defer q.Shutdown(context.Background())

	q.Enqueue("u1", MealSaved, map[string]any{"items": 2})
	waitFor(t, func() bool { return sink.total() == 1 })

	sink.mu.Lock()
	e := sink.batches[0][0]
	sink.mu.Unlock()
	var props map[string]any
	if err := json.Unmarshal([]byte(e.Properties), &props); err != nil {
		t.Fatalf("properties not JSON: %v", err)
	}
	if props["items"] != float64(2) {
		t.Errorf("properties = %v", props)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Errorf("event missing id or timestamp: %+v", e)
	}
}

func TestQueue_FlushNowSplitsBatches(t *testing.T) {
	sink := &memSink{}
	q := NewQueue(sink, 2, time.Hour)
	for range 5 {
		q.Enqueue("u1", AnalysisCompleted, nil)
	}
	if err := q.FlushNow(); err != nil {
		t.Fatal(err)
	}
	if len(sink.batches) != 3 {
		t.Errorf("got %d batches, want 3", len(sink.batches))
	}
	if q.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", q.Pending())
	}
}

func TestQueue_FailedFlushRequeues(t *testing.T) {
	sink := &memSink{failing: true}
	q := NewQueue(sink, 10, time.Hour)
	q.Enqueue("u1", AnalysisCompleted, nil)
	q.Enqueue("u1", AnalysisCacheHit, nil)

	if err := q.FlushNow(); err == nil {
		t.Fatal("expected flush error")
	}
	if q.Pending() != 2 {
		t.Fatalf("Pending after failure = %d, want 2", q.Pending())
	}

	sink.setFailing(false)
	if err := q.FlushNow(); err != nil {
		t.Fatal(err)
	}
	if sink.total() != 2 || q.Pending() != 0 {
		t.Errorf("after recovery: written %d, pending %d", sink.total(), q.Pending())
	}
}

func TestQueue_ShutdownDrains(t *testing.T) {
	sink := &memSink{}
	q := NewQueue(sink, 100, time.Hour)
	q.Start(context.Background())

	q.Enqueue("u1", AnalysisCompleted, nil)
	q.Enqueue("u2", SaveBlocked, nil)
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.total() != 2 {
		t.Errorf("written %d events on shutdown, want 2", sink.total())
	}

	q.Enqueue("u1", AnalysisCompleted, nil)
	if q.Pending() != 0 {
		t.Error("events enqueued after shutdown should be dropped")
	}
	if err := q.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
}

func TestQueue_BoundsPending(t *testing.T) {
	sink := &memSink{failing: true}
	q := NewQueue(sink, 1, time.Hour)
	for range q.maxPending + 10 {
		q.Enqueue("u1", AnalysisCompleted, nil)
	}
	if q.Pending() != q.maxPending {
		t.Errorf("Pending = %d, want cap %d", q.Pending(), q.maxPending)
	}
}

func TestQueue_WritesToStore(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	q := NewQueue(s, 10, time.Hour)
	q.Enqueue("u1", MealSaved, nil)
	q.Enqueue("u1", MealSaved, nil)
	if err := q.FlushNow(); err != nil {
		t.Fatal(err)
	}
	n, err := s.CountEvents(MealSaved)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountEvents = %d, want 2", n)
	}
}
