package locker

import (
	"context"
	"sync"
)

// Local serializes attempts with in-process mutexes keyed by habit ID. It is
// the default when no Redis URL is configured and is correct for a single
// API instance.
type Local struct {
	mu    sync.Mutex
	locks map[string]*habitLock
}

type habitLock struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*habitLock)}
}

func (l *Local) Acquire(ctx context.Context, habitID string) (Unlock, error) {
	l.mu.Lock()
	hl, ok := l.locks[habitID]
	if !ok {
		hl = &habitLock{ch: make(chan struct{}, 1)}
		l.locks[habitID] = hl
	}
	hl.refs++
	l.mu.Unlock()

	select {
	case hl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(habitID, hl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(habitID, hl, true)
		})
	}, nil
}

// release drops a reference and removes the entry once nobody holds or waits
// on it, so the map does not grow with the habit count.
func (l *Local) release(habitID string, hl *habitLock, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held {
		<-hl.ch
	}
	hl.refs--
	if hl.refs == 0 {
		delete(l.locks, habitID)
	}
}

func (l *Local) Close() error { return nil }
