package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/store"
)

// Locker serializes alert evaluation per vehicle.
type Locker interface {
	Lock(ctx context.Context, vehicleID string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Each key is a one-slot semaphore so a
// waiter can give up when its ctx ends. Entries are reference counted and
// removed once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// FallbackLocker uses primary and drops to fallback when primary is
// unreachable. A lock wait timeout or a cancelled ctx is returned as is.
type FallbackLocker struct {
	primary  Locker
	fallback Locker
	logger   *slog.Logger
}

func NewFallbackLocker(primary, fallback Locker, logger *slog.Logger) *FallbackLocker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FallbackLocker{primary: primary, fallback: fallback, logger: logger}
}

func (f *FallbackLocker) Lock(ctx context.Context, vehicleID string) (func(), error) {
	unlock, err := f.primary.Lock(ctx, vehicleID)
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, store.ErrLockTimeout) || ctx.Err() != nil {
		return nil, err
	}
	f.logger.Warn("distributed vehicle lock unavailable, using local lock",
		slog.String("vehicle_id", vehicleID),
		slog.String("error", err.Error()),
	)
	return f.fallback.Lock(ctx, vehicleID)
}
