// Package eventbus fans broadcast lifecycle events out to observers such as
// metrics collectors. Publish never blocks; slow subscribers lose events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeRunStarted   = "run.started"
	TypeRunFinished  = "run.finished"
	TypeAttempt      = "delivery.attempt"
	TypeRecord       = "delivery.record"
	TypeSessionState = "session.state"
	TypeNotifyFailed = "notify.failed"
	TypeConfigReload = "config.reloaded"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// RunEvent is the payload of run.started and run.finished.
type RunEvent struct {
	RunID  string
	Status string
	Total  int
	Sent   int
	Failed int
}

// RecordEvent is the payload of delivery.record and delivery.attempt.
type RecordEvent struct {
	RunID    string
	Status   string
	Attempts int
	Latency  time.Duration
}

// StateEvent is the payload of session.state.
type StateEvent struct {
	OperatorID int64
	From, To   string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &bus{subs: map[uint64]chan Event{}}
}

// Nop discards everything. Components fall back to it when no bus is wired.
func Nop() Bus { return nopBus{} }

type bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next atomic.Uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.next.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish calls.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
