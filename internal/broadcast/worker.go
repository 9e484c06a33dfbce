// Package broadcast runs one broadcast: it walks the recipient list in order,
// delivers with retry, appends every outcome to the progress log before moving
// on and paces sends with randomized delays.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"broadcastbot/internal/contacts"
	"broadcastbot/internal/delivery"
	"broadcastbot/internal/eventbus"
	"broadcastbot/internal/notifier"
	"broadcastbot/internal/storage"
	logx "broadcastbot/pkg/logx"
)

// ErrBreakerOpen aborts a run after too many consecutive failures.
var ErrBreakerOpen = errors.New("too many consecutive delivery failures")

type Pacing struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	MaxPerMinute  int
	ProgressEvery int
	BreakerTrip   int
	NameFallback  string
}

func DefaultPacing() Pacing {
	return Pacing{
		MinDelay:      1200 * time.Millisecond,
		MaxDelay:      2500 * time.Millisecond,
		ProgressEvery: 10,
		BreakerTrip:   10,
		NameFallback:  "there",
	}
}

// StopSignal is the operator's cooperative stop request.
type StopSignal interface {
	// Stopped is closed once a stop was requested.
	Stopped() <-chan struct{}
	StopRequested(ctx context.Context) bool
}

type ProgressReporter interface {
	NotifyProgress(ctx context.Context, operatorID int64, p notifier.Progress)
}

type RunSpec struct {
	RunID      string
	OperatorID int64
	Template   string
	Recipients []contacts.Recipient
	Stop       StopSignal
	// Lease is an optional pre-reserved slot. The worker releases it.
	Lease *Lease
}

type Result struct {
	RunID     string
	Status    storage.RunStatus
	Total     int
	Sent      int
	Failed    int
	Invalid   int
	Remaining int
	Elapsed   time.Duration
	Err       error
}

// Summary converts a result into the operator's final message.
func (r Result) Summary() notifier.Summary {
	s := notifier.Summary{
		RunID:     r.RunID,
		Status:    string(r.Status),
		Total:     r.Total,
		Sent:      r.Sent,
		Failed:    r.Failed,
		Invalid:   r.Invalid,
		Remaining: r.Remaining,
		Elapsed:   r.Elapsed,
	}
	if r.Err != nil {
		s.Reason = r.Err.Error()
	}
	return s
}

type Worker struct {
	channel  delivery.Channel
	store    storage.Store
	progress ProgressReporter
	registry *Registry
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.RWMutex
	pacing  Pacing
	retry   delivery.RetryPolicy
	limiter *rate.Limiter
}

type Option func(*Worker)

func WithLogger(log logx.Logger) Option             { return func(w *Worker) { w.log = log } }
func WithBus(bus eventbus.Bus) Option               { return func(w *Worker) { w.bus = bus } }
func WithRegistry(r *Registry) Option               { return func(w *Worker) { w.registry = r } }
func WithProgress(p ProgressReporter) Option        { return func(w *Worker) { w.progress = p } }
func WithPacing(p Pacing) Option                    { return func(w *Worker) { w.pacing = p } }
func WithRetryPolicy(p delivery.RetryPolicy) Option { return func(w *Worker) { w.retry = p } }

func NewWorker(ch delivery.Channel, store storage.Store, opts ...Option) *Worker {
	w := &Worker{
		channel:  ch,
		store:    store,
		registry: NewRegistry(4),
		bus:      eventbus.Nop(),
		pacing:   DefaultPacing(),
		retry:    delivery.DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(w)
	}
	w.Apply(w.pacing, w.retry)
	return w
}

func (w *Worker) Registry() *Registry { return w.registry }

// Apply swaps pacing and retry settings. Runs pick them up at the next recipient.
func (w *Worker) Apply(p Pacing, r delivery.RetryPolicy) {
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.ProgressEvery <= 0 {
		p.ProgressEvery = 10
	}
	var lim *rate.Limiter
	if p.MaxPerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.MaxPerMinute)), 1)
	}
	w.mu.Lock()
	w.pacing, w.retry, w.limiter = p, r, lim
	w.mu.Unlock()
}

func (w *Worker) settings() (Pacing, delivery.RetryPolicy, *rate.Limiter) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pacing, w.retry, w.limiter
}

// Run executes spec until every recipient has an outcome, a stop is
// requested or a fatal condition occurs. The run record must already exist.
func (w *Worker) Run(ctx context.Context, spec RunSpec) Result {
	start := time.Now()
	res := Result{RunID: spec.RunID, Total: len(spec.Recipients)}
	log := w.log.With(logx.String("run", spec.RunID), logx.Int64("operator", spec.OperatorID))

	lease := spec.Lease
	if lease == nil {
		var err error
		if lease, err = w.registry.Reserve(spec.OperatorID, spec.RunID); err != nil {
			res.Status, res.Remaining, res.Err = storage.RunAborted, res.Total, err
			return res
		}
	}
	defer lease.Release()

	done, err := w.store.LoadCompleted(ctx, spec.RunID)
	if err != nil {
		res.Status, res.Remaining, res.Err = storage.RunAborted, res.Total, fmt.Errorf("load progress: %w", err)
		return res
	}
	pending := make([]contacts.Recipient, 0, len(spec.Recipients))
	for _, r := range spec.Recipients {
		switch done[r.Address] {
		case storage.StatusSent:
			res.Sent++
		case storage.StatusFailed:
			res.Failed++
		case storage.StatusInvalid:
			res.Invalid++
		default:
			pending = append(pending, r)
		}
	}
	res.Remaining = len(pending)
	lease.publish(res)

	w.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: eventbus.RunEvent{
		RunID: spec.RunID, Status: string(storage.RunSending), Total: res.Total, Sent: res.Sent, Failed: res.Failed + res.Invalid,
	}})
	log.Info("broadcast run started", logx.Int("total", res.Total), logx.Int("pending", len(pending)), logx.Int("skipped", res.Total-len(pending)))

	stopCh := neverStop
	if spec.Stop != nil {
		stopCh = spec.Stop.Stopped()
	}
	stopped := func() bool {
		select {
		case <-stopCh:
			return true
		default:
		}
		return spec.Stop != nil && spec.Stop.StopRequested(ctx)
	}

	pacing, _, _ := w.settings()
	breaker := delivery.NewBreaker(pacing.BreakerTrip)
	processed := 0

	res.Status = storage.RunCompleted
loop:
	for i, rcpt := range pending {
		if ctx.Err() != nil {
			res.Status, res.Err = storage.RunStopped, ctx.Err()
			break
		}
		if stopped() {
			res.Status = storage.RunStopped
			break
		}
		pacing, retry, limiter := w.settings()
		if limiter != nil {
			if !w.waitLimiter(ctx, stopCh, limiter) {
				res.Status = storage.RunStopped
				break
			}
		}

		rec, outcome := w.deliver(ctx, stopCh, spec, rcpt, pacing, retry)
		switch outcome {
		case outcomeFatal:
			res.Status, res.Err = storage.RunAborted, rec.err
			log.Error("broadcast run aborted", logx.String("to", rcpt.Address), logx.Err(rec.err))
			break loop
		case outcomeInterrupted:
			res.Status = storage.RunStopped
			if ctx.Err() != nil {
				res.Err = ctx.Err()
			}
			break loop
		}

		if err := w.store.RecordAttempt(ctx, spec.RunID, rec.Record); err != nil && !errors.Is(err, storage.ErrAlreadyRecorded) {
			res.Status, res.Err = storage.RunAborted, fmt.Errorf("record progress: %w", err)
			log.Error("progress write failed", logx.Err(err))
			break
		}
		res.Remaining--
		processed++
		switch rec.Status {
		case storage.StatusSent:
			res.Sent++
		case storage.StatusFailed:
			res.Failed++
		case storage.StatusInvalid:
			res.Invalid++
		}
		lease.publish(res)
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeRecord, Data: eventbus.RecordEvent{
			RunID: spec.RunID, Status: string(rec.Status), Attempts: rec.AttemptCount, Latency: rec.latency,
		}})

		var tripErr error
		if rec.Status == storage.StatusFailed {
			tripErr = rec.err
		}
		if breaker.Record(tripErr) {
			res.Status = storage.RunAborted
			res.Err = fmt.Errorf("%w: %d in a row", ErrBreakerOpen, breaker.Failures())
			log.Error("broadcast run aborted", logx.Err(res.Err))
			break
		}

		if processed%pacing.ProgressEvery == 0 && res.Remaining > 0 && w.progress != nil {
			w.progress.NotifyProgress(ctx, spec.OperatorID, notifier.Progress{
				RunID:     spec.RunID,
				Processed: res.Total - res.Remaining,
				Total:     res.Total,
				Sent:      res.Sent,
				Failed:    res.Failed,
				Invalid:   res.Invalid,
				Remaining: res.Remaining,
			})
		}

		if stopped() {
			res.Status = storage.RunStopped
			break
		}
		if i == len(pending)-1 {
			break
		}
		if !pause(ctx, stopCh, randomDelay(pacing.MinDelay, pacing.MaxDelay)) {
			res.Status = storage.RunStopped
			if ctx.Err() != nil {
				res.Err = ctx.Err()
			}
			break
		}
	}

	res.Elapsed = time.Since(start)
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: eventbus.RunEvent{
		RunID: spec.RunID, Status: string(res.Status), Total: res.Total, Sent: res.Sent, Failed: res.Failed + res.Invalid,
	}})
	fields := []logx.Field{
		logx.String("status", string(res.Status)),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("invalid", res.Invalid),
		logx.Int("remaining", res.Remaining),
		logx.Duration("dur", res.Elapsed),
	}
	if res.Failed+res.Invalid > 0 || res.Status != storage.RunCompleted {
		log.Warn("broadcast run finished", fields...)
	} else {
		log.Info("broadcast run finished", fields...)
	}
	return res
}

type outcome int

const (
	outcomeRecorded outcome = iota
	outcomeFatal
	outcomeInterrupted
)

type attemptRecord struct {
	storage.Record
	err     error
	latency time.Duration
}

// deliver sends to one recipient with retry. A stop during a retry backoff
// leaves the recipient unrecorded so that a resume picks it up.
func (w *Worker) deliver(ctx context.Context, stopCh <-chan struct{}, spec RunSpec, rcpt contacts.Recipient, pacing Pacing, retry delivery.RetryPolicy) (attemptRecord, outcome) {
	rec := attemptRecord{Record: storage.Record{Address: rcpt.Address, DisplayName: rcpt.DisplayName}}
	if strings.TrimSpace(rcpt.Address) == "" {
		rec.Status, rec.Error = storage.StatusInvalid, contacts.ErrInvalidRecipient.Error()
		rec.err = contacts.ErrInvalidRecipient
		rec.At = time.Now()
		return rec, outcomeRecorded
	}

	payload := delivery.Payload{Text: Render(spec.Template, rcpt.DisplayName, pacing.NameFallback)}
	attempts := retry.Attempts()
	started := time.Now()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		rec.AttemptCount = attempt
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeAttempt, Data: eventbus.RecordEvent{RunID: spec.RunID, Attempts: attempt}})
		err = w.channel.Send(ctx, rcpt.Address, payload)
		if err == nil {
			break
		}
		if delivery.IsFatal(err) {
			rec.err = err
			return rec, outcomeFatal
		}
		if ctx.Err() != nil {
			return rec, outcomeInterrupted
		}
		if !delivery.Retryable(err) || attempt == attempts {
			break
		}
		delay := retry.Delay(attempt)
		w.log.Debug("delivery retry scheduled",
			logx.String("run", spec.RunID), logx.String("to", rcpt.Address),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if !pause(ctx, stopCh, delay) {
			return rec, outcomeInterrupted
		}
	}
	rec.latency = time.Since(started)
	rec.At = time.Now()
	rec.err = err
	switch {
	case err == nil:
		rec.Status = storage.StatusSent
	case errors.Is(err, delivery.ErrRejected):
		rec.Status, rec.Error = storage.StatusInvalid, err.Error()
	default:
		rec.Status, rec.Error = storage.StatusFailed, err.Error()
	}
	if err != nil {
		w.log.Warn("delivery failed", logx.String("run", spec.RunID), logx.String("to", rcpt.Address), logx.Int("attempts", rec.AttemptCount), logx.Err(err))
	}
	return rec, outcomeRecorded
}

func (w *Worker) waitLimiter(ctx context.Context, stopCh <-chan struct{}, lim *rate.Limiter) bool {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-wctx.Done():
		}
	}()
	return lim.Wait(wctx) == nil
}

var neverStop <-chan struct{} = make(chan struct{})

// pause sleeps for d unless ctx ends or a stop arrives first.
func pause(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stopCh:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
