package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"broadcastbot/internal/eventbus"
	logx "broadcastbot/pkg/logx"
)

// Action tells the caller what to answer after an input was applied.
type Action int

const (
	ActionNone Action = iota
	ActionPromptMessage
	ActionRepromptMessage
	ActionPromptConfirm
	ActionRepromptConfirm
	ActionBeginSend
	ActionCancelled
	ActionStopRequested
	ActionBusy
)

// Outcome is the result of Machine.Handle.
type Outcome struct {
	Action  Action
	From    State
	Session *Session
}

// Machine applies operator inputs to sessions. All reads and writes of one
// operator's session go through a per-operator lock.
type Machine struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu      sync.RWMutex
	owners  map[int64]bool
	idle    time.Duration
	locks   map[int64]*sync.Mutex
	locksMu sync.Mutex

	stopMu sync.Mutex
	stops  map[int64]chan struct{}
}

type Option func(*Machine)

func WithLogger(log logx.Logger) Option { return func(m *Machine) { m.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(m *Machine) { m.bus = bus } }

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithIdleTimeout sets how long a non-sending session may sit untouched.
func WithIdleTimeout(d time.Duration) Option { return func(m *Machine) { m.idle = d } }

func NewMachine(store Store, owners []int64, opts ...Option) *Machine {
	m := &Machine{
		store: store,
		bus:   eventbus.Nop(),
		now:   time.Now,
		idle:  30 * time.Minute,
		locks: map[int64]*sync.Mutex{},
		stops: map[int64]chan struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	m.SetOwners(owners)
	return m
}

// SetOwners replaces the operator allowlist.
func (m *Machine) SetOwners(ids []int64) {
	owners := make(map[int64]bool, len(ids))
	for _, id := range ids {
		owners[id] = true
	}
	m.mu.Lock()
	m.owners = owners
	m.mu.Unlock()
}

func (m *Machine) IdleTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idle
}

func (m *Machine) Authorize(operatorID int64) error {
	m.mu.RLock()
	ok := m.owners[operatorID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func (m *Machine) lock(operatorID int64) func() {
	m.locksMu.Lock()
	l := m.locks[operatorID]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[operatorID] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// load returns the live session, purging it when it sat idle too long.
func (m *Machine) load(ctx context.Context, operatorID int64) (*Session, error) {
	s, err := m.store.Get(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if s.State != StateSending && m.idle > 0 && m.now().Sub(s.UpdatedAt) > m.idle {
		if err := m.store.Delete(ctx, operatorID); err != nil {
			return nil, err
		}
		m.log.Debug("session expired", logx.Int64("operator", operatorID), logx.String("state", string(s.State)))
		return nil, ErrSessionExpired
	}
	return s, nil
}

func (m *Machine) save(ctx context.Context, s *Session, from State) error {
	s.UpdatedAt = m.now()
	if err := m.store.Put(ctx, s); err != nil {
		return err
	}
	if from != s.State {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Data: eventbus.StateEvent{
			OperatorID: s.OperatorID, From: string(from), To: string(s.State),
		}})
	}
	return nil
}

// Get returns a copy of the operator's session.
func (m *Machine) Get(ctx context.Context, operatorID int64) (*Session, error) {
	defer m.lock(operatorID)()
	return m.load(ctx, operatorID)
}

// Handle applies one operator input.
func (m *Machine) Handle(ctx context.Context, operatorID int64, text string) (Outcome, error) {
	if err := m.Authorize(operatorID); err != nil {
		return Outcome{}, err
	}
	defer m.lock(operatorID)()

	cmd := ParseCommand(text)
	s, err := m.load(ctx, operatorID)
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrSessionExpired):
		s = nil
	case err != nil:
		return Outcome{}, err
	}

	if s == nil || s.State == StateIdle || s.State.Terminal() {
		if cmd != CmdStart {
			return Outcome{}, ErrNoSession
		}
		from := StateIdle
		if s != nil {
			from = s.State
		}
		now := m.now()
		s = &Session{OperatorID: operatorID, State: StateAwaitingMessage, CreatedAt: now}
		if err := m.save(ctx, s, from); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionPromptMessage, From: from, Session: s.clone()}, nil
	}

	from := s.State
	if cmd == CmdStart {
		return Outcome{From: from, Session: s.clone()}, ErrDuplicateSession
	}

	switch s.State {
	case StateAwaitingMessage:
		switch {
		case cmd == CmdCancel:
			return m.cancel(ctx, s)
		case cmd != CmdNone || strings.TrimSpace(text) == "":
			// Refresh the activity clock so a re-prompt keeps the session alive.
			if err := m.save(ctx, s, from); err != nil {
				return Outcome{}, err
			}
			return Outcome{Action: ActionRepromptMessage, From: from, Session: s.clone()}, nil
		}
		s.PayloadTemplate = strings.TrimSpace(text)
		s.State = StateAwaitingConfirmation
		if err := m.save(ctx, s, from); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionPromptConfirm, From: from, Session: s.clone()}, nil

	case StateAwaitingConfirmation:
		switch cmd {
		case CmdSend:
			s.State = StateSending
			s.StopRequested = false
			if err := m.save(ctx, s, from); err != nil {
				return Outcome{}, err
			}
			m.armStop(operatorID)
			return Outcome{Action: ActionBeginSend, From: from, Session: s.clone()}, nil
		case CmdCancel:
			return m.cancel(ctx, s)
		}
		if err := m.save(ctx, s, from); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionRepromptConfirm, From: from, Session: s.clone()}, nil

	case StateSending:
		if cmd != CmdStop {
			return Outcome{Action: ActionBusy, From: from, Session: s.clone()}, nil
		}
		if !s.StopRequested {
			s.StopRequested = true
			if err := m.save(ctx, s, from); err != nil {
				return Outcome{}, err
			}
		}
		m.fireStop(operatorID)
		return Outcome{Action: ActionStopRequested, From: from, Session: s.clone()}, nil
	}
	return Outcome{From: from, Session: s.clone()}, nil
}

func (m *Machine) cancel(ctx context.Context, s *Session) (Outcome, error) {
	from := s.State
	if err := m.store.Delete(ctx, s.OperatorID); err != nil {
		return Outcome{}, err
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Data: eventbus.StateEvent{
		OperatorID: s.OperatorID, From: string(from), To: string(StateIdle),
	}})
	s.State = StateIdle
	return Outcome{Action: ActionCancelled, From: from, Session: s.clone()}, nil
}

// BeginResume moves an idle or finished operator straight into sending for an
// existing run.
func (m *Machine) BeginResume(ctx context.Context, operatorID int64, runID, template string) (*Session, error) {
	if err := m.Authorize(operatorID); err != nil {
		return nil, err
	}
	defer m.lock(operatorID)()

	s, err := m.load(ctx, operatorID)
	switch {
	case err == nil:
		if s.State != StateIdle && !s.State.Terminal() {
			return s, ErrDuplicateSession
		}
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrSessionExpired):
	default:
		return nil, err
	}
	from := StateIdle
	if s != nil {
		from = s.State
	}
	s = &Session{
		OperatorID:      operatorID,
		State:           StateSending,
		PayloadTemplate: template,
		RunID:           runID,
		CreatedAt:       m.now(),
	}
	if err := m.save(ctx, s, from); err != nil {
		return nil, err
	}
	m.armStop(operatorID)
	return s.clone(), nil
}

// AttachRun records the run id on a sending session.
func (m *Machine) AttachRun(ctx context.Context, operatorID int64, runID string) error {
	defer m.lock(operatorID)()
	s, err := m.store.Get(ctx, operatorID)
	if err != nil {
		return err
	}
	s.RunID = runID
	return m.save(ctx, s, s.State)
}

// StopRequested is the worker's per-recipient check.
func (m *Machine) StopRequested(ctx context.Context, operatorID int64) bool {
	select {
	case <-m.StopSignal(operatorID):
		return true
	default:
	}
	defer m.lock(operatorID)()
	s, err := m.store.Get(ctx, operatorID)
	return err == nil && s.StopRequested
}

// StopSignal is closed when STOP is accepted for the operator's current run.
func (m *Machine) StopSignal(operatorID int64) <-chan struct{} {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	ch := m.stops[operatorID]
	if ch == nil {
		ch = make(chan struct{})
		m.stops[operatorID] = ch
	}
	return ch
}

func (m *Machine) armStop(operatorID int64) {
	m.stopMu.Lock()
	m.stops[operatorID] = make(chan struct{})
	m.stopMu.Unlock()
}

func (m *Machine) fireStop(operatorID int64) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	ch := m.stops[operatorID]
	if ch == nil {
		ch = make(chan struct{})
		m.stops[operatorID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Finish moves a sending session to a terminal state. Callers notify the
// operator before calling it.
func (m *Machine) Finish(ctx context.Context, operatorID int64, final State) error {
	if !final.Terminal() {
		return errors.New("finish: state is not terminal")
	}
	defer m.lock(operatorID)()
	s, err := m.store.Get(ctx, operatorID)
	if err != nil {
		return err
	}
	from := s.State
	s.State = final
	s.StopRequested = false
	return m.save(ctx, s, from)
}

// Sweep purges idle sessions. It is driven by a cron schedule. Each
// candidate is re-read under its operator lock so a session touched after
// the listing survives.
func (m *Machine) Sweep(ctx context.Context) ([]int64, error) {
	idle := m.IdleTimeout()
	if idle <= 0 {
		return nil, nil
	}
	cutoff := m.now().Add(-idle)
	candidates, err := m.store.IdleBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, id := range candidates {
		ok, err := m.expire(ctx, id, cutoff)
		if err != nil {
			m.log.Warn("session sweep failed", logx.Int64("operator", id), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		ids = append(ids, id)
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Data: eventbus.StateEvent{
			OperatorID: id, To: "expired",
		}})
	}
	if len(ids) > 0 {
		m.log.Info("idle sessions purged", logx.Int("count", len(ids)))
	}
	return ids, nil
}

func (m *Machine) expire(ctx context.Context, operatorID int64, cutoff time.Time) (bool, error) {
	defer m.lock(operatorID)()
	s, err := m.store.Get(ctx, operatorID)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.State == StateSending || !s.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	return true, m.store.Delete(ctx, operatorID)
}
