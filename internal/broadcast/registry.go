package broadcast

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrOperatorBusy = errors.New("operator already has an active run")
	ErrTooManyRuns  = errors.New("too many active runs")
)

// Registry tracks in-flight runs. It caps the number of concurrent runs and
// allows at most one per operator.
type Registry struct {
	mu         sync.Mutex
	max        int
	byRun      map[string]*Lease
	byOperator map[int64]string
}

// Lease is a reserved run slot carrying live counters.
type Lease struct {
	reg        *Registry
	runID      string
	operatorID int64
	started    time.Time
	once       sync.Once

	total     atomic.Int64
	sent      atomic.Int64
	failed    atomic.Int64
	invalid   atomic.Int64
	remaining atomic.Int64
}

// Snapshot is a point-in-time view of a live run.
type Snapshot struct {
	RunID      string
	OperatorID int64
	StartedAt  time.Time
	Total      int
	Sent       int
	Failed     int
	Invalid    int
	Remaining  int
}

func NewRegistry(maxActive int) *Registry {
	return &Registry{max: maxActive, byRun: map[string]*Lease{}, byOperator: map[int64]string{}}
}

func (r *Registry) SetMax(n int) {
	r.mu.Lock()
	r.max = n
	r.mu.Unlock()
}

// Reserve takes a slot for runID. Release it when the run ends.
func (r *Registry) Reserve(operatorID int64, runID string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.byOperator[operatorID]; busy {
		return nil, ErrOperatorBusy
	}
	if r.max > 0 && len(r.byRun) >= r.max {
		return nil, ErrTooManyRuns
	}
	l := &Lease{reg: r, runID: runID, operatorID: operatorID, started: time.Now()}
	r.byRun[runID] = l
	r.byOperator[operatorID] = runID
	return l, nil
}

func (l *Lease) RunID() string { return l.runID }

// Release frees the slot. It is idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		r := l.reg
		r.mu.Lock()
		delete(r.byRun, l.runID)
		if r.byOperator[l.operatorID] == l.runID {
			delete(r.byOperator, l.operatorID)
		}
		r.mu.Unlock()
	})
}

func (l *Lease) publish(res Result) {
	l.total.Store(int64(res.Total))
	l.sent.Store(int64(res.Sent))
	l.failed.Store(int64(res.Failed))
	l.invalid.Store(int64(res.Invalid))
	l.remaining.Store(int64(res.Remaining))
}

func (l *Lease) snapshot() Snapshot {
	return Snapshot{
		RunID:      l.runID,
		OperatorID: l.operatorID,
		StartedAt:  l.started,
		Total:      int(l.total.Load()),
		Sent:       int(l.sent.Load()),
		Failed:     int(l.failed.Load()),
		Invalid:    int(l.invalid.Load()),
		Remaining:  int(l.remaining.Load()),
	}
}

func (r *Registry) Get(runID string) (Snapshot, bool) {
	r.mu.Lock()
	l := r.byRun[runID]
	r.mu.Unlock()
	if l == nil {
		return Snapshot{}, false
	}
	return l.snapshot(), true
}

func (r *Registry) ForOperator(operatorID int64) (Snapshot, bool) {
	r.mu.Lock()
	id, ok := r.byOperator[operatorID]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return r.Get(id)
}

func (r *Registry) Active() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.byRun))
	for _, l := range r.byRun {
		out = append(out, l.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
