package gateway

import (
	"sync"
	"time"
)

// circuitBreaker opens after threshold consecutive failures and, once the
// cooldown has passed, lets a single trial call through before closing again.
type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	openedUntil time.Time
	cooldown    time.Duration
	probing     bool
	now         func() time.Time
	onChange    func(open bool)
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedUntil.IsZero() {
		return true
	}
	if b.now().Before(b.openedUntil) || b.probing {
		return false
	}
	b.probing = true
	return true
}

func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := !b.openedUntil.IsZero()
	b.failures = 0
	b.openedUntil = time.Time{}
	b.probing = false
	if wasOpen && b.onChange != nil {
		b.onChange(false)
	}
}

func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.probing || b.failures >= b.threshold {
		wasOpen := !b.openedUntil.IsZero()
		b.openedUntil = b.now().Add(b.cooldown)
		b.probing = false
		if !wasOpen && b.onChange != nil {
			b.onChange(true)
		}
	}
}
