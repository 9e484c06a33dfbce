package delivery

import "sync"

// Breaker counts consecutive recipient failures within a run. Once the
// count reaches the trip threshold the run should abort. A trip of 0
// disables it.
type Breaker struct {
	mu    sync.Mutex
	trip  int
	fails int
}

func NewBreaker(trip int) *Breaker {
	if trip < 0 {
		trip = 0
	}
	return &Breaker{trip: trip}
}

// Record notes a recipient outcome and reports whether the breaker is open.
func (b *Breaker) Record(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.fails = 0
		return false
	}
	b.fails++
	return b.trip > 0 && b.fails >= b.trip
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}
