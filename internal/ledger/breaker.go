package ledger

import "sync"

// breaker tracks consecutive horizon failures so a dead endpoint fails fast
// on advisory calls instead of burning their timeout every time:
// - open after N consecutive failures; while open, the fee-stats path
//   short-circuits with ErrUnavailable.
// - close again after M consecutive successes.
type breaker struct {
	mu               sync.Mutex
	open             bool
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
}

func newBreaker() *breaker {
	return &breaker{failureThreshold: 5, successThreshold: 2}
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.successCount = 0
	if !b.open && b.failureCount >= b.failureThreshold {
		b.open = true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.open = false
			b.failureCount = 0
			b.successCount = 0
		}
		return
	}
	b.failureCount = 0
}
