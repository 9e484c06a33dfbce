package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"broadcastbot/internal/contacts"
	"broadcastbot/internal/session"
	"broadcastbot/internal/storage"
	kit "broadcastbot/internal/transport"
	"broadcastbot/internal/transport/telegram/router"
)

func (o *Orchestrator) handleStatus(ctx context.Context, req *router.Request) error {
	var b strings.Builder
	s, err := o.machine.Get(ctx, req.FromID)
	switch {
	case err == nil:
		fmt.Fprintf(&b, "Session: %s", s.State)
		if s.RunID != "" {
			fmt.Fprintf(&b, " (run %s)", s.RunID)
		}
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrSessionExpired):
		b.WriteString("Session: idle")
	default:
		return err
	}
	if snap, ok := o.worker.Registry().ForOperator(req.FromID); ok {
		fmt.Fprintf(&b, "\nRun %s: %d/%d processed, sent %d, failed %d, remaining %d, running %s",
			snap.RunID, snap.Total-snap.Remaining, snap.Total, snap.Sent, snap.Failed+snap.Invalid,
			snap.Remaining, time.Since(snap.StartedAt).Round(time.Second))
	}
	if active := o.worker.Registry().Active(); len(active) > 0 {
		fmt.Fprintf(&b, "\nActive runs: %d", len(active))
	}
	return req.Reply(ctx, o.sender, b.String())
}

func (o *Orchestrator) handleRuns(ctx context.Context, req *router.Request) error {
	runs, err := o.store.ListRuns(ctx, storage.ListFilter{OperatorID: req.FromID, Limit: 10})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return req.Reply(ctx, o.sender, "No runs yet.")
	}
	var b strings.Builder
	b.WriteString("Recent runs:")
	for _, r := range runs {
		fmt.Fprintf(&b, "\n%s  %s  %d recipients  %s", r.ID, r.Status, r.Total, r.CreatedAt.Format("2006-01-02 15:04"))
	}
	return req.Reply(ctx, o.sender, b.String())
}

func (o *Orchestrator) handleResume(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, o.sender, "usage: /resume <run-id>")
	}
	op := req.FromID
	run, err := o.store.GetRun(ctx, req.Args[0])
	if errors.Is(err, storage.ErrRunNotFound) {
		return req.Reply(ctx, o.sender, "Run not found.")
	}
	if err != nil {
		return err
	}
	switch {
	case run.OperatorID != op:
		return req.Reply(ctx, o.sender, "That run belongs to another operator.")
	case run.Status == storage.RunCompleted:
		return req.Reply(ctx, o.sender, "That run already completed.")
	}
	if _, live := o.worker.Registry().Get(run.ID); live {
		return req.Reply(ctx, o.sender, "That run is still in progress.")
	}

	cc, _ := o.contactsConfig()
	if run.Source != "" {
		cc.Path = run.Source
	}
	res, err := contacts.Load(cc.Path, cc.Options)
	if err != nil {
		return req.Reply(ctx, o.sender, fmt.Sprintf("Cannot resume: %v", err))
	}
	lease, err := o.worker.Registry().Reserve(op, run.ID)
	if err != nil {
		return req.Reply(ctx, o.sender, fmt.Sprintf("Cannot resume: %v", err))
	}
	if _, err := o.machine.BeginResume(ctx, op, run.ID, run.Template); err != nil {
		lease.Release()
		if errors.Is(err, session.ErrDuplicateSession) {
			return req.Reply(ctx, o.sender, "Finish or CANCEL the current session first.")
		}
		return err
	}
	if err := o.store.UpdateRunStatus(ctx, run.ID, storage.RunSending, o.now()); err != nil {
		lease.Release()
		_ = o.machine.Finish(ctx, op, session.StateStopped)
		return err
	}
	done, _ := o.store.LoadCompleted(ctx, run.ID)
	_ = req.Reply(ctx, o.sender, fmt.Sprintf("▶️ Resuming %s: %d already recorded, %d recipients in the source.", run.ID, len(done), len(res.Recipients)))
	run.Total = len(res.Recipients)
	o.notifier.Reopen(run.ID)
	o.launch(run, res.Recipients, lease)
	return nil
}

func (o *Orchestrator) handleExport(ctx context.Context, req *router.Request) error {
	runID := ""
	if len(req.Args) > 0 {
		runID = req.Args[0]
	} else if runs, err := o.store.ListRuns(ctx, storage.ListFilter{OperatorID: req.FromID, Limit: 1}); err == nil && len(runs) > 0 {
		runID = runs[0].ID
	}
	if runID == "" {
		return req.Reply(ctx, o.sender, "usage: /export <run-id>")
	}
	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrRunNotFound) || (err == nil && run.OperatorID != req.FromID) {
		return req.Reply(ctx, o.sender, "Run not found.")
	}
	if err != nil {
		return err
	}
	if _, ok := o.sender.(kit.DocumentSender); !ok {
		return req.Reply(ctx, o.sender, "This transport cannot upload files. Fetch the log from the ops endpoint /runs/"+runID+"/log.")
	}
	art := o.artifact(ctx, runID)
	if art == nil || len(art.Data) == 0 {
		return req.Reply(ctx, o.sender, "The run log is empty.")
	}
	return o.notifier.SendArtifact(ctx, req.FromID, runID, art)
}
