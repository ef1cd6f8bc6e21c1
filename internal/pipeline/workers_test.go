package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherForwardsAndDrains(t *testing.T) {
	next := &recordingNotifier{}
	d := NewDispatcher(4, next, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Publish(ctx, domain.Alert{ID: 1})
	waitFor(t, func() bool {
		next.mu.Lock()
		defer next.mu.Unlock()
		return len(next.alerts) == 1
	})

	cancel()
	<-done
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	next := &recordingNotifier{}
	d := NewDispatcher(1, next, nil)

	d.Publish(context.Background(), domain.Alert{ID: 1})
	d.Publish(context.Background(), domain.Alert{ID: 2})
	if len(d.ch) != 1 {
		t.Fatalf("queued = %d, want 1", len(d.ch))
	}

	// Run with an already cancelled ctx still drains the queue.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	if len(next.alerts) != 1 || next.alerts[0].ID != 1 {
		t.Fatalf("forwarded = %+v", next.alerts)
	}
}

type flakySink struct {
	mu      sync.Mutex
	fails   int
	calls   int
	written []store.AuditEntry
}

func (s *flakySink) BatchInsertAudit(_ context.Context, entries []store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fails > 0 {
		s.fails--
		return errors.New("copy failed")
	}
	s.written = append(s.written, entries...)
	return nil
}

func (s *flakySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func TestAuditWriterFlushesOnBatchSize(t *testing.T) {
	sink := &flakySink{}
	w := NewAuditWriter(sink, 10, 2, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(store.AuditEntry{Action: "a"})
	w.Enqueue(store.AuditEntry{Action: "b"})
	waitFor(t, func() bool { return sink.count() == 2 })
}

func TestAuditWriterRetriesOnce(t *testing.T) {
	sink := &flakySink{fails: 1}
	w := NewAuditWriter(sink, 10, 1, time.Hour, nil)
	w.retryDelay = time.Millisecond

	w.write(context.Background(), []store.AuditEntry{{Action: "x"}})
	if sink.calls != 2 || sink.count() != 1 {
		t.Fatalf("calls=%d written=%d", sink.calls, sink.count())
	}

	sink.fails = 2
	w.write(context.Background(), []store.AuditEntry{{Action: "y"}})
	if sink.count() != 1 {
		t.Fatalf("written after permanent failure = %d", sink.count())
	}
}

func TestAuditWriterFlushesOnShutdown(t *testing.T) {
	sink := &flakySink{}
	w := NewAuditWriter(sink, 10, 100, time.Hour, nil)
	w.Enqueue(store.AuditEntry{Action: "a"})
	w.Enqueue(store.AuditEntry{Action: "b"})
	w.Enqueue(store.AuditEntry{Action: "c"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)
	if sink.count() != 3 {
		t.Fatalf("written = %d, want 3", sink.count())
	}
}

type recordingState struct {
	mu     sync.Mutex
	events []domain.CleaningEvent
	err    error
}

func (r *recordingState) UpdateVehicleState(_ context.Context, ev *domain.CleaningEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return r.err
}

func TestStateWriterFlushes(t *testing.T) {
	rs := &recordingState{}
	w := NewStateWriter(rs, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Enqueue(domain.CleaningEvent{ID: 1, VehicleID: "V1", Verdict: domain.VerdictDirty})
	waitFor(t, func() bool {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return len(rs.events) == 1
	})
	cancel()
	<-done
}

func TestStateWriterDrainsQueueOnShutdown(t *testing.T) {
	rs := &recordingState{}
	w := NewStateWriter(rs, 10, nil)
	for i := range 5 {
		w.Enqueue(domain.CleaningEvent{ID: int64(i + 1), VehicleID: "V1", Verdict: domain.VerdictDirty})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.events) != 5 {
		t.Fatalf("flushed = %d, want 5", len(rs.events))
	}
}

func TestStateWriterDropsWhenFull(t *testing.T) {
	w := NewStateWriter(&recordingState{}, 1, nil)
	w.Enqueue(domain.CleaningEvent{ID: 1})
	w.Enqueue(domain.CleaningEvent{ID: 2})
	if len(w.ch) != 1 {
		t.Fatalf("queued = %d, want 1", len(w.ch))
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		active  int32
		overlap atomic.Bool
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, _ := km.Lock(context.Background(), "V1")
			if atomic.AddInt32(&active, 1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatal("two holders of the same key at once")
	}
	if n := km.size(); n != 0 {
		t.Fatalf("entries left = %d, want 0", n)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA, _ := km.Lock(context.Background(), "A")
	defer unlockA()

	got := make(chan struct{})
	go func() {
		unlockB, _ := km.Lock(context.Background(), "B")
		unlockB()
		close(got)
	}()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("lock on B blocked by A")
	}
}

func TestKeyedMutexWaiterHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "V1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := km.Lock(ctx, "V1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("waiter blocked for %s", waited)
	}

	unlock()
	unlock()
	if n := km.size(); n != 0 {
		t.Fatalf("entries left = %d, want 0", n)
	}
	unlock2, err := km.Lock(context.Background(), "V1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()
}

type countingLocker struct {
	calls int
	err   error
}

func (c *countingLocker) Lock(context.Context, string) (func(), error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return func() {}, nil
}

func TestFallbackLocker(t *testing.T) {
	t.Run("primary unreachable", func(t *testing.T) {
		primary := &countingLocker{err: errors.New("dial tcp: connection refused")}
		fallback := &countingLocker{}
		unlock, err := NewFallbackLocker(primary, fallback, nil).Lock(context.Background(), "V1")
		if err != nil || unlock == nil {
			t.Fatalf("err = %v", err)
		}
		if fallback.calls != 1 {
			t.Errorf("fallback calls = %d", fallback.calls)
		}
	})

	t.Run("timeout is not masked", func(t *testing.T) {
		primary := &countingLocker{err: store.ErrLockTimeout}
		fallback := &countingLocker{}
		_, err := NewFallbackLocker(primary, fallback, nil).Lock(context.Background(), "V1")
		if !errors.Is(err, store.ErrLockTimeout) {
			t.Fatalf("err = %v", err)
		}
		if fallback.calls != 0 {
			t.Errorf("fallback used on timeout")
		}
	})
}
