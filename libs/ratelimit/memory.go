package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps one fixed window per key inside the process. A sweeper
// drops windows that have run out, once per window length, until Close.
type MemoryLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]fixedWindow

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type fixedWindow struct {
	used    int
	resetAt time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]fixedWindow),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = fixedWindow{used: 1, resetAt: now.Add(l.window)}
		return true, 0, nil
	}
	if w.used >= l.limit {
		return false, w.resetAt.Sub(now), nil
	}
	w.used++
	l.windows[key] = w
	return true, 0, nil
}

// Close stops the sweeper. It is safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *MemoryLimiter) sweepLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *MemoryLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

func (l *MemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
