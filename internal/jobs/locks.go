package jobs

import (
	"context"
	"sync"
)

// Locks hands out one exclusive lock per credential. Entries are dropped
// once nobody holds or waits for them.
type Locks struct {
	mu sync.Mutex
	m  map[uint]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// Lock blocks until key is free or ctx ends. The returned func releases it.
func (l *Locks) Lock(ctx context.Context, key uint) (func(), error) {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[uint]*lockEntry{}
	}
	e, ok := l.m[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, e, true) })
	}, nil
}

func (l *Locks) release(key uint, e *lockEntry, held bool) {
	if held {
		<-e.sem
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, key)
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *Locks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
