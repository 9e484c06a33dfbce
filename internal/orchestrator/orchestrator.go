// Package orchestrator connects the operator conversation to broadcast runs:
// it turns session transitions into run launches, answers the operator
// commands and finalizes every run with exactly one summary.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"broadcastbot/internal/broadcast"
	"broadcastbot/internal/contacts"
	"broadcastbot/internal/notifier"
	rtsup "broadcastbot/internal/runtime/supervisor"
	"broadcastbot/internal/session"
	"broadcastbot/internal/storage"
	kit "broadcastbot/internal/transport"
	"broadcastbot/internal/transport/telegram/router"
	logx "broadcastbot/pkg/logx"
)

// Notifier is the part of the operator notifier used here.
type Notifier interface {
	NotifyFinal(ctx context.Context, operatorID int64, sum notifier.Summary, artifact *notifier.Artifact) error
	SendArtifact(ctx context.Context, operatorID int64, runID string, artifact *notifier.Artifact) error
	Notice(ctx context.Context, operatorID int64, text string) error
	Reopen(runID string)
}

type ContactsConfig struct {
	Path    string
	Options contacts.Options
}

type Orchestrator struct {
	log      logx.Logger
	sender   kit.Sender
	machine  *session.Machine
	store    storage.Store
	worker   *broadcast.Worker
	notifier Notifier

	cmu      sync.RWMutex
	contacts ContactsConfig
	fallback string

	sup  *rtsup.Supervisor
	cron *cron.Cron
	now  func() time.Time
	// finalizeTimeout bounds the summary/status writes after a run ends.
	finalizeTimeout time.Duration
}

type Option func(*Orchestrator)

func WithLogger(log logx.Logger) Option { return func(o *Orchestrator) { o.log = log } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(sender kit.Sender, machine *session.Machine, store storage.Store, worker *broadcast.Worker, n Notifier, cc ContactsConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sender:          sender,
		machine:         machine,
		store:           store,
		worker:          worker,
		notifier:        n,
		contacts:        cc,
		fallback:        "there",
		now:             time.Now,
		finalizeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o
}

func (o *Orchestrator) SetContacts(cc ContactsConfig) {
	o.cmu.Lock()
	o.contacts = cc
	o.cmu.Unlock()
}

func (o *Orchestrator) SetNameFallback(s string) {
	o.cmu.Lock()
	o.fallback = s
	o.cmu.Unlock()
}

func (o *Orchestrator) contactsConfig() (ContactsConfig, string) {
	o.cmu.RLock()
	defer o.cmu.RUnlock()
	return o.contacts, o.fallback
}

// Start launches the run supervisor and the idle-session sweeper, and tells
// operators about runs a previous process left unfinished.
func (o *Orchestrator) Start(ctx context.Context, sweepSchedule string) error {
	o.sup = rtsup.New(ctx,
		rtsup.WithLogger(o.log.With(logx.String("comp", "runs"))),
		rtsup.WithCancelOnError(false),
	)
	if sweepSchedule != "" {
		c := cron.New(cron.WithChain(cron.Recover(cronLogger{o.log})))
		if _, err := c.AddFunc(sweepSchedule, func() { o.sweep(o.sup.Context()) }); err != nil {
			return fmt.Errorf("session sweep schedule %q: %w", sweepSchedule, err)
		}
		c.Start()
		o.cron = c
	}
	o.reportInterrupted(ctx)
	return nil
}

// Stop halts the sweeper and cancels active runs. Each run still gets its
// summary before Stop returns, unless ctx ends first.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	if o.sup == nil {
		return nil
	}
	return o.sup.Stop(ctx)
}

func (o *Orchestrator) sweep(ctx context.Context) {
	if _, err := o.machine.Sweep(ctx); err != nil {
		o.log.Warn("session sweep failed", logx.Err(err))
	}
}

// reportInterrupted marks runs still in sending as stopped and offers a resume.
func (o *Orchestrator) reportInterrupted(ctx context.Context) {
	runs, err := o.store.ListRuns(ctx, storage.ListFilter{Status: storage.RunSending})
	if err != nil {
		o.log.Warn("list interrupted runs failed", logx.Err(err))
		return
	}
	for _, r := range runs {
		done, _ := o.store.LoadCompleted(ctx, r.ID)
		if err := o.store.UpdateRunStatus(ctx, r.ID, storage.RunStopped, o.now()); err != nil {
			o.log.Warn("mark interrupted run failed", logx.String("run", r.ID), logx.Err(err))
		}
		o.log.Warn("interrupted run found", logx.String("run", r.ID), logx.Int("done", len(done)), logx.Int("total", r.Total))
		text := fmt.Sprintf("⚠️ Run %s was interrupted at %d/%d.\nSend /resume %s to continue.", r.ID, len(done), r.Total, r.ID)
		_ = o.notifier.Notice(ctx, r.OperatorID, text)
	}
}

// Commands returns the operator commands for the router.
func (o *Orchestrator) Commands() []router.Command {
	return []router.Command{
		{Name: "broadcast", Aliases: []string{"start", "bulk"}, Description: "compose a new broadcast", Handle: o.HandleMessage},
		{Name: "stop", Description: "halt the running broadcast", Handle: o.HandleMessage},
		{Name: "status", Description: "session state and live run counters", Handle: o.handleStatus},
		{Name: "runs", Description: "recent runs", Handle: o.handleRuns},
		{Name: "resume", Usage: "/resume <run-id>", Description: "continue a stopped run", Handle: o.handleResume},
		{Name: "export", Usage: "/export [run-id]", Description: "download a run's delivery log", Handle: o.handleExport},
	}
}

// HandleMessage feeds conversational input to the session machine. It is the
// router's fallback for anything that is not an operator command.
func (o *Orchestrator) HandleMessage(ctx context.Context, req *router.Request) error {
	op := req.FromID
	out, err := o.machine.Handle(ctx, op, req.Text)
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		return req.Reply(ctx, o.sender, "unauthorized")
	case errors.Is(err, session.ErrNoSession):
		return req.Reply(ctx, o.sender, "No active broadcast. Send /broadcast to start one.")
	case errors.Is(err, session.ErrDuplicateSession):
		return req.Reply(ctx, o.sender, fmt.Sprintf("A broadcast session is already %s. Finish it or send CANCEL first.", stateLabel(out.Session)))
	case err != nil:
		return err
	}

	switch out.Action {
	case session.ActionPromptMessage:
		return req.Reply(ctx, o.sender, "Send the message to broadcast. Use {name} for the recipient's name.\nSend CANCEL to abort.")
	case session.ActionRepromptMessage:
		return req.Reply(ctx, o.sender, "Waiting for the message text. Send CANCEL to abort.")
	case session.ActionPromptConfirm:
		return req.Reply(ctx, o.sender, o.preview(out.Session.PayloadTemplate))
	case session.ActionRepromptConfirm:
		return req.Reply(ctx, o.sender, "Reply SEND to start the broadcast or CANCEL to discard it.")
	case session.ActionCancelled:
		return req.Reply(ctx, o.sender, "Broadcast cancelled.")
	case session.ActionBusy:
		return req.Reply(ctx, o.sender, "A broadcast is running. Send STOP to halt it or /status for progress.")
	case session.ActionStopRequested:
		return req.Reply(ctx, o.sender, "Stopping after the current recipient…")
	case session.ActionBeginSend:
		return o.beginRun(ctx, req, out.Session)
	}
	return nil
}

func (o *Orchestrator) preview(template string) string {
	cc, fallback := o.contactsConfig()
	res, err := contacts.Load(cc.Path, cc.Options)
	if err != nil {
		return fmt.Sprintf("Preview:\n\n%s\n\nContacts could not be loaded: %v\nReply SEND to try anyway or CANCEL.",
			broadcast.Render(template, "", fallback), err)
	}
	sample := broadcast.Render(template, res.Recipients[0].DisplayName, fallback)
	return fmt.Sprintf("Preview:\n\n%s\n\nRecipients: %d (skipped %d invalid, %d duplicate).\nReply SEND to start or CANCEL to discard.",
		sample, len(res.Recipients), res.Invalid, res.Duplicates)
}

func (o *Orchestrator) beginRun(ctx context.Context, req *router.Request, s *session.Session) error {
	op := req.FromID
	runID := newRunID()
	cc, _ := o.contactsConfig()

	res, err := contacts.Load(cc.Path, cc.Options)
	if err != nil {
		o.log.Warn("contact load failed", logx.String("path", cc.Path), logx.Err(err))
		o.abortBeforeStart(ctx, op, runID, 0, fmt.Errorf("load contacts: %w", err))
		return nil
	}
	if res.Invalid > 0 || res.Duplicates > 0 {
		o.log.Info("contacts loaded", logx.Int("valid", len(res.Recipients)), logx.Int("invalid", res.Invalid), logx.Int("duplicates", res.Duplicates))
	}

	lease, err := o.worker.Registry().Reserve(op, runID)
	if err != nil {
		o.abortBeforeStart(ctx, op, runID, len(res.Recipients), err)
		return nil
	}
	run := storage.Run{
		ID:         runID,
		OperatorID: op,
		Template:   s.PayloadTemplate,
		Source:     cc.Path,
		Total:      len(res.Recipients),
		Status:     storage.RunSending,
		CreatedAt:  o.now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		lease.Release()
		o.abortBeforeStart(ctx, op, runID, len(res.Recipients), fmt.Errorf("create run: %w", err))
		return nil
	}
	if err := o.machine.AttachRun(ctx, op, runID); err != nil {
		o.log.Warn("attach run to session failed", logx.String("run", runID), logx.Err(err))
	}
	_ = req.Reply(ctx, o.sender, fmt.Sprintf("🚀 Broadcast %s started: %d recipients. Send STOP to halt.", runID, run.Total))
	o.launch(run, res.Recipients, lease)
	return nil
}

// abortBeforeStart ends a session whose run never got going.
func (o *Orchestrator) abortBeforeStart(ctx context.Context, op int64, runID string, total int, cause error) {
	sum := notifier.Summary{RunID: runID, Status: string(storage.RunAborted), Total: total, Remaining: total, Reason: cause.Error()}
	_ = o.notifier.NotifyFinal(ctx, op, sum, nil)
	if err := o.machine.Finish(ctx, op, session.StateStopped); err != nil {
		o.log.Warn("finish session failed", logx.Int64("operator", op), logx.Err(err))
	}
}

func (o *Orchestrator) launch(run storage.Run, recipients []contacts.Recipient, lease *broadcast.Lease) {
	op := run.OperatorID
	stop := operatorStop{m: o.machine, op: op, ch: o.machine.StopSignal(op)}
	spec := broadcast.RunSpec{
		RunID:      run.ID,
		OperatorID: op,
		Template:   run.Template,
		Recipients: recipients,
		Stop:       stop,
		Lease:      lease,
	}
	o.sup.Go("run."+run.ID, func(ctx context.Context) error {
		var res broadcast.Result
		defer func() {
			if r := recover(); r != nil {
				lease.Release()
				o.log.Error("broadcast run panicked", logx.String("run", run.ID), logx.Any("panic", r))
				res = o.resultFromLog(ctx, run, fmt.Errorf("internal error: %v", r))
				o.finalize(ctx, op, res)
			}
		}()
		res = o.worker.Run(ctx, spec)
		o.finalize(ctx, op, res)
		return nil
	})
}

// resultFromLog rebuilds counters from the run log after a crash.
func (o *Orchestrator) resultFromLog(ctx context.Context, run storage.Run, cause error) broadcast.Result {
	res := broadcast.Result{RunID: run.ID, Status: storage.RunAborted, Total: run.Total, Err: cause}
	done, _ := o.store.LoadCompleted(context.WithoutCancel(ctx), run.ID)
	for _, st := range done {
		switch st {
		case storage.StatusSent:
			res.Sent++
		case storage.StatusFailed:
			res.Failed++
		case storage.StatusInvalid:
			res.Invalid++
		}
	}
	res.Remaining = max(run.Total-len(done), 0)
	return res
}

// finalize notifies the operator first, then persists the run status and
// closes the session.
func (o *Orchestrator) finalize(runCtx context.Context, op int64, res broadcast.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), o.finalizeTimeout)
	defer cancel()

	if runCtx.Err() != nil && res.Status == storage.RunStopped {
		res.Err = errors.New("bot shutting down")
	}
	_ = o.notifier.NotifyFinal(ctx, op, res.Summary(), o.artifact(ctx, res.RunID))

	if err := o.store.UpdateRunStatus(ctx, res.RunID, res.Status, o.now()); err != nil {
		o.log.Error("run status update failed", logx.String("run", res.RunID), logx.Err(err))
	}
	final := session.StateStopped
	if res.Status == storage.RunCompleted {
		final = session.StateCompleted
	}
	if err := o.machine.Finish(ctx, op, final); err != nil {
		o.log.Warn("finish session failed", logx.Int64("operator", op), logx.Err(err))
	}
}

func (o *Orchestrator) artifact(ctx context.Context, runID string) *notifier.Artifact {
	var buf bytes.Buffer
	if err := o.store.ExportLog(ctx, runID, &buf); err != nil {
		o.log.Warn("export run log failed", logx.String("run", runID), logx.Err(err))
		return nil
	}
	return &notifier.Artifact{FileName: runID + ".jsonl", Data: buf.Bytes()}
}

type operatorStop struct {
	m  *session.Machine
	op int64
	ch <-chan struct{}
}

func (s operatorStop) Stopped() <-chan struct{} { return s.ch }

func (s operatorStop) StopRequested(ctx context.Context) bool { return s.m.StopRequested(ctx, s.op) }

// newRunID is short enough to type in /resume.
func newRunID() string {
	id := uuid.New()
	return time.Now().UTC().Format("20060102") + "-" + id.String()[:8]
}

func stateLabel(s *session.Session) string {
	if s == nil {
		return "active"
	}
	switch s.State {
	case session.StateAwaitingMessage:
		return "waiting for the message"
	case session.StateAwaitingConfirmation:
		return "waiting for confirmation"
	case session.StateSending:
		return "sending"
	}
	return string(s.State)
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
