package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"broadcastbot/internal/broadcast"
	"broadcastbot/internal/delivery"
	"broadcastbot/internal/notifier"
	"broadcastbot/internal/session"
	"broadcastbot/internal/storage"
	kit "broadcastbot/internal/transport"
	"broadcastbot/internal/transport/telegram/router"
	logx "broadcastbot/pkg/logx"
)

const op = int64(42)

type chatLog struct {
	mu    sync.Mutex
	texts []string
	docs  []string
}

func (c *chatLog) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (c *chatLog) SendDocument(_ context.Context, _ kit.ChatTarget, d kit.Document) (kit.MessageRef, error) {
	b, _ := io.ReadAll(d.Data)
	c.mu.Lock()
	c.docs = append(c.docs, d.FileName+"\n"+string(b))
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (c *chatLog) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) == 0 {
		return ""
	}
	return c.texts[len(c.texts)-1]
}

func (c *chatLog) contains(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

type gateChannel struct {
	mu    sync.Mutex
	sent  []string
	gate  chan struct{}
	first chan struct{}
}

func (g *gateChannel) Name() string { return "gate" }

func (g *gateChannel) Send(ctx context.Context, address string, _ delivery.Payload) error {
	if g.first != nil {
		select {
		case <-g.first:
		default:
			close(g.first)
		}
	}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.mu.Lock()
	g.sent = append(g.sent, address)
	g.mu.Unlock()
	return nil
}

func (g *gateChannel) addresses() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

type harness struct {
	chat    *chatLog
	channel *gateChannel
	store   storage.Store
	machine *session.Machine
	orch    *Orchestrator
	router  *router.Router
	path    string
}

const contactFile = "name\tnumber\nAlice\t6281111111111\nBob\t6282222222222\nCarol\t6283333333333\n"

func newHarness(t *testing.T, ch *gateChannel, seed func(storage.Store)) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.csv")
	if err := os.WriteFile(path, []byte(contactFile), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "runs")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if seed != nil {
		seed(store)
	}

	chat := &chatLog{}
	machine := session.NewMachine(session.NewMemoryStore(), []int64{op})
	n := notifier.New(notifier.Config{RetryBase: time.Millisecond, SendArtifact: true}, chat)
	worker := broadcast.NewWorker(ch, store,
		broadcast.WithPacing(broadcast.Pacing{ProgressEvery: 10, NameFallback: "there"}),
		broadcast.WithRetryPolicy(delivery.RetryPolicy{}),
	)
	o := New(chat, machine, store, worker, n, ContactsConfig{Path: path})
	if err := o.Start(context.Background(), "@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop(context.Background()) })

	r := router.New(logx.Nop(), chat, []int64{op})
	r.SetCommands(o.Commands(), o.HandleMessage)
	return &harness{chat: chat, channel: ch, store: store, machine: machine, orch: o, router: r, path: path}
}

func (h *harness) say(from int64, text string) {
	h.router.Handle(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}})
}

func (h *harness) waitState(t *testing.T, want session.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := h.machine.Get(context.Background(), op)
		if err == nil && s.State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached %s (last: %+v, err %v)", want, s, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastEndToEnd(t *testing.T) {
	h := newHarness(t, &gateChannel{}, nil)

	h.say(op, "/broadcast")
	if !strings.Contains(h.chat.last(), "Send the message") {
		t.Fatalf("prompt = %q", h.chat.last())
	}
	h.say(op, "Hello {name}")
	if got := h.chat.last(); !strings.Contains(got, "Hello Alice") || !strings.Contains(got, "Recipients: 3") {
		t.Fatalf("preview = %q", got)
	}
	h.say(op, "maybe")
	if !strings.Contains(h.chat.last(), "Reply SEND") {
		t.Fatalf("reprompt = %q", h.chat.last())
	}
	h.say(op, "SEND")
	h.waitState(t, session.StateCompleted)

	if got := h.channel.addresses(); len(got) != 3 || got[0] != "6281111111111" {
		t.Fatalf("deliveries = %v", got)
	}
	if !h.chat.contains("Broadcast completed") {
		t.Fatalf("no summary in %q", h.chat.texts)
	}
	if len(h.chat.docs) != 1 || strings.Count(h.chat.docs[0], "\n") != 4 {
		t.Fatalf("artifact = %q", h.chat.docs)
	}
	runs, _ := h.store.ListRuns(context.Background(), storage.ListFilter{})
	if len(runs) != 1 || runs[0].Status != storage.RunCompleted {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestStopMidRun(t *testing.T) {
	ch := &gateChannel{gate: make(chan struct{}), first: make(chan struct{})}
	h := newHarness(t, ch, nil)

	h.say(op, "/broadcast")
	h.say(op, "Hi {name}")
	h.say(op, "send")
	<-ch.first
	h.say(op, "STOP")
	if !strings.Contains(h.chat.last(), "Stopping") {
		t.Fatalf("stop reply = %q", h.chat.last())
	}
	close(ch.gate)
	h.waitState(t, session.StateStopped)

	if got := ch.addresses(); len(got) != 1 {
		t.Fatalf("deliveries after stop = %v", got)
	}
	runs, _ := h.store.ListRuns(context.Background(), storage.ListFilter{})
	if len(runs) != 1 || runs[0].Status != storage.RunStopped {
		t.Fatalf("runs = %+v", runs)
	}
	if !h.chat.contains("remaining: 2") {
		t.Fatal("summary does not report remaining recipients")
	}
}

func TestUnauthorizedOperator(t *testing.T) {
	h := newHarness(t, &gateChannel{}, nil)
	h.say(7, "/broadcast")
	if h.chat.last() != "unauthorized" {
		t.Fatalf("reply = %q", h.chat.last())
	}
	if _, err := h.machine.Get(context.Background(), 7); err == nil {
		t.Fatal("session created for a non-owner")
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	h := newHarness(t, &gateChannel{}, nil)
	h.say(op, "/broadcast")
	h.say(op, "Hello")
	h.say(op, "start broadcast")
	if !strings.Contains(h.chat.last(), "already") {
		t.Fatalf("reply = %q", h.chat.last())
	}
	s, _ := h.machine.Get(context.Background(), op)
	if s.State != session.StateAwaitingConfirmation || s.PayloadTemplate != "Hello" {
		t.Fatalf("session was reset: %+v", s)
	}
}

func TestMissingContactsAbortsWithSummary(t *testing.T) {
	h := newHarness(t, &gateChannel{}, nil)
	_ = os.Remove(h.path)
	h.say(op, "/broadcast")
	h.say(op, "Hello")
	h.say(op, "SEND")
	h.waitState(t, session.StateStopped)
	if !h.chat.contains("contact source not found") {
		t.Fatalf("no abort summary in %q", h.chat.texts)
	}
}

func TestResumeSkipsRecorded(t *testing.T) {
	seed := func(s storage.Store) {
		ctx := context.Background()
		_ = s.CreateRun(ctx, storage.Run{ID: "old-run", OperatorID: op, Template: "Hi {name}", Total: 3, Status: storage.RunStopped, CreatedAt: time.Now()})
		_ = s.RecordAttempt(ctx, "old-run", storage.Record{Address: "6281111111111", Status: storage.StatusSent, AttemptCount: 1, At: time.Now()})
		_ = s.UpdateRunStatus(ctx, "old-run", storage.RunStopped, time.Now())
	}
	h := newHarness(t, &gateChannel{}, seed)

	h.say(op, "/resume old-run")
	h.waitState(t, session.StateCompleted)
	if got := h.channel.addresses(); len(got) != 2 || got[0] != "6282222222222" {
		t.Fatalf("deliveries = %v", got)
	}
	run, _ := h.store.GetRun(context.Background(), "old-run")
	if run.Status != storage.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}
	h.say(op, "/resume old-run")
	if !strings.Contains(h.chat.last(), "already completed") {
		t.Fatalf("reply = %q", h.chat.last())
	}
}

func TestInterruptedRunReported(t *testing.T) {
	seed := func(s storage.Store) {
		_ = s.CreateRun(context.Background(), storage.Run{ID: "crashed", OperatorID: op, Total: 3, Status: storage.RunSending, CreatedAt: time.Now()})
	}
	h := newHarness(t, &gateChannel{}, seed)
	if !h.chat.contains("/resume crashed") {
		t.Fatalf("no resume hint in %q", h.chat.texts)
	}
	run, _ := h.store.GetRun(context.Background(), "crashed")
	if run.Status != storage.RunStopped {
		t.Fatalf("status = %s", run.Status)
	}
}

func TestStatusAndRuns(t *testing.T) {
	h := newHarness(t, &gateChannel{}, nil)
	h.say(op, "/status")
	if !strings.Contains(h.chat.last(), "Session: idle") {
		t.Fatalf("status = %q", h.chat.last())
	}
	h.say(op, "/runs")
	if h.chat.last() != "No runs yet." {
		t.Fatalf("runs = %q", h.chat.last())
	}
	h.say(op, "/broadcast")
	h.say(op, "/status")
	if !strings.Contains(h.chat.last(), "awaiting_message") {
		t.Fatalf("status = %q", h.chat.last())
	}
}
