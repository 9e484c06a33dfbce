package notifier

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"broadcastbot/internal/eventbus"
	rtsup "broadcastbot/internal/runtime/supervisor"
	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

// finishedTTL bounds how long a finished run keeps swallowing late
// progress updates.
const finishedTTL = 10 * time.Minute

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// FailedEvent is the payload of notify.failed.
type FailedEvent struct {
	OperatorID int64
	RunID      string
	Kind       string
	Error      string
}

type pendingProgress struct {
	operatorID int64
	p          Progress
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan string
	sup       *rtsup.Supervisor

	// pending holds the latest progress per run; queue carries run ids.
	pmu      sync.Mutex
	pending  map[string]pendingProgress
	finished map[string]time.Time
	now      func() time.Time

	// sendMu orders a run's final summary after any in-flight progress send.
	sendMu sync.Mutex

	hmu     sync.Mutex
	history []HistoryItem
}

type HistoryItem struct {
	At         time.Time `json:"at"`
	OperatorID int64     `json:"operator_id"`
	Text       string    `json:"text"`
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Service) { s.bus = bus } }

func New(cfg Config, sender kit.Sender, opts ...Option) *Service {
	s := &Service{
		sender:   sender,
		bus:      eventbus.Nop(),
		pending:  map[string]pendingProgress{},
		finished: map[string]time.Time{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start runs the progress worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q := s.sup, s.queue
	s.mu.Unlock()

	sup.GoRestart("progress", func(c context.Context) error {
		s.workerLoop(c, q)
		if c.Err() != nil {
			return c.Err()
		}
		return nil
	}, rtsup.WithStopOnCleanExit(true), rtsup.WithPublishFirstError(true))
}

// Stop stops intake and drains queued progress until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	close(q)
	s.mu.Unlock()

	_ = sup.Wait(ctx)
	sup.Cancel()
	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// NotifyProgress queues a progress update. Updates for the same run that
// have not been sent yet are replaced by the newest one.
func (s *Service) NotifyProgress(ctx context.Context, operatorID int64, p Progress) {
	if ctx.Err() != nil {
		return
	}
	s.pmu.Lock()
	if _, done := s.finished[p.RunID]; done {
		s.pmu.Unlock()
		return
	}
	_, queued := s.pending[p.RunID]
	s.pending[p.RunID] = pendingProgress{operatorID: operatorID, p: p}
	s.pmu.Unlock()
	if queued {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		s.dropPending(p.RunID)
		return
	}
	select {
	case s.queue <- p.RunID:
	default:
		s.dropPending(p.RunID)
		s.log.Debug("progress update dropped", logx.String("run", p.RunID), logx.Err(ErrQueueFull))
	}
}

// Reopen lets progress for a resumed run through again.
func (s *Service) Reopen(runID string) {
	s.pmu.Lock()
	delete(s.finished, runID)
	s.pmu.Unlock()
}

func (s *Service) dropPending(runID string) {
	s.pmu.Lock()
	delete(s.pending, runID)
	s.pmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case runID, ok := <-q:
			if !ok {
				return
			}
			s.sendProgress(ctx, runID)
		}
	}
}

func (s *Service) sendProgress(ctx context.Context, runID string) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.pmu.Lock()
	pp, ok := s.pending[runID]
	delete(s.pending, runID)
	_, done := s.finished[runID]
	s.pmu.Unlock()
	if !ok || done {
		return
	}

	text := FormatProgress(pp.p)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := s.sender.SendText(cctx, kit.ChatTarget{ChatID: pp.operatorID}, text, nil)
	cancel()
	if err != nil {
		s.log.Debug("progress send failed", logx.String("run", runID), logx.Err(err))
		s.publishFailed(pp.operatorID, runID, "progress", err)
		return
	}
	s.appendHistory(pp.operatorID, text)
}

// NotifyFinal sends the run summary, retrying transient failures, and then
// the artifact if one is given. No progress update for the run is sent after
// it. The returned error is informational.
func (s *Service) NotifyFinal(ctx context.Context, operatorID int64, sum Summary, artifact *Artifact) error {
	s.pmu.Lock()
	now := s.now()
	for id, at := range s.finished {
		if now.Sub(at) > finishedTTL {
			delete(s.finished, id)
		}
	}
	s.finished[sum.RunID] = now
	delete(s.pending, sum.RunID)
	s.pmu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	to := kit.ChatTarget{ChatID: operatorID}
	text := FormatSummary(sum)
	err := s.withRetry(ctx, cfg, func(c context.Context) error {
		_, err := s.sender.SendText(c, to, text, nil)
		return err
	})
	if err != nil {
		s.log.Error("final summary not delivered", logx.String("run", sum.RunID), logx.Int64("operator", operatorID), logx.Err(err))
		s.publishFailed(operatorID, sum.RunID, "summary", err)
		return err
	}
	s.appendHistory(operatorID, text)

	if artifact == nil || !cfg.SendArtifact || len(artifact.Data) == 0 {
		return nil
	}
	return s.SendArtifact(ctx, operatorID, sum.RunID, artifact)
}

// SendArtifact uploads a run log. Transports without document support are
// skipped silently.
func (s *Service) SendArtifact(ctx context.Context, operatorID int64, runID string, artifact *Artifact) error {
	ds, ok := s.sender.(kit.DocumentSender)
	if !ok {
		return nil
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	err := s.withRetry(ctx, cfg, func(c context.Context) error {
		_, err := ds.SendDocument(c, kit.ChatTarget{ChatID: operatorID}, kit.Document{
			FileName: artifact.FileName,
			Caption:  "delivery log " + runID,
			MIME:     "application/x-ndjson",
			Data:     bytes.NewReader(artifact.Data),
		})
		return err
	})
	if err != nil {
		s.log.Warn("run log upload failed", logx.String("run", runID), logx.Err(err))
		s.publishFailed(operatorID, runID, "artifact", err)
	}
	return err
}

// Notice sends a one-off text to an operator, synchronously and with retry.
func (s *Service) Notice(ctx context.Context, operatorID int64, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	err := s.withRetry(ctx, cfg, func(c context.Context) error {
		_, err := s.sender.SendText(c, kit.ChatTarget{ChatID: operatorID}, text, nil)
		return err
	})
	if err != nil {
		s.publishFailed(operatorID, "", "notice", err)
		return err
	}
	s.appendHistory(operatorID, text)
	return nil
}

func (s *Service) withRetry(ctx context.Context, cfg Config, send func(context.Context) error) error {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := send(cctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Join(lastErr, ctx.Err())
		}
	}
	return lastErr
}

func (s *Service) publishFailed(operatorID int64, runID, kind string, err error) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: FailedEvent{
		OperatorID: operatorID, RunID: runID, Kind: kind, Error: err.Error(),
	}})
}

// Snapshot returns recently sent notifications, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(operatorID int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), OperatorID: operatorID, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

// retryDelay is the wait after attempt (1-based): exponential from
// RetryBase, capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
