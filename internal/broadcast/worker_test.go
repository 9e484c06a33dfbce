package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"broadcastbot/internal/contacts"
	"broadcastbot/internal/delivery"
	"broadcastbot/internal/notifier"
	"broadcastbot/internal/storage"
	logx "broadcastbot/pkg/logx"
)

type fakeChannel struct {
	mu     sync.Mutex
	script map[string][]error
	calls  map[string]int
	texts  map[string]string
	order  []string
	onSend func(address string)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{script: map[string][]error{}, calls: map[string]int{}, texts: map[string]string{}}
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Send(ctx context.Context, address string, p delivery.Payload) error {
	f.mu.Lock()
	n := f.calls[address]
	f.calls[address] = n + 1
	f.texts[address] = p.Text
	f.order = append(f.order, address)
	var err error
	if s := f.script[address]; n < len(s) {
		err = s[n]
	}
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(address)
	}
	return err
}

func (f *fakeChannel) callsFor(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

type manualStop struct {
	once sync.Once
	ch   chan struct{}
}

func newManualStop() *manualStop { return &manualStop{ch: make(chan struct{})} }

func (s *manualStop) Stopped() <-chan struct{} { return s.ch }
func (s *manualStop) StopRequested(context.Context) bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
func (s *manualStop) fire() { s.once.Do(func() { close(s.ch) }) }

type progressLog struct {
	mu  sync.Mutex
	got []notifier.Progress
}

func (p *progressLog) NotifyProgress(_ context.Context, _ int64, pr notifier.Progress) {
	p.mu.Lock()
	p.got = append(p.got, pr)
	p.mu.Unlock()
}

var fastPacing = Pacing{ProgressEvery: 2, BreakerTrip: 10, NameFallback: "there"}
var fastRetry = delivery.RetryPolicy{MaxRetries: 2, Base: time.Millisecond}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRun(t *testing.T, s storage.Store, id string, rs []contacts.Recipient) {
	t.Helper()
	err := s.CreateRun(context.Background(), storage.Run{ID: id, OperatorID: 1, Template: "Hello {name}", Total: len(rs), Status: storage.RunSending, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}

func recipients(addrs ...string) []contacts.Recipient {
	out := make([]contacts.Recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, contacts.Recipient{Address: a, DisplayName: "n" + a})
	}
	return out
}

func checkInvariant(t *testing.T, r Result) {
	t.Helper()
	if r.Sent+r.Failed+r.Invalid+r.Remaining != r.Total {
		t.Fatalf("counters do not add up: %+v", r)
	}
}

func TestRunCompletesAndRendersNames(t *testing.T) {
	store := openStore(t)
	ch := newFakeChannel()
	rs := []contacts.Recipient{
		{Address: "6281111111111", DisplayName: "Alice"},
		{Address: "6282222222222"},
	}
	newRun(t, store, "r1", rs)
	w := NewWorker(ch, store, WithPacing(fastPacing), WithRetryPolicy(fastRetry))

	res := w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "Hello {name}", Recipients: rs})
	if res.Status != storage.RunCompleted || res.Sent != 2 || res.Remaining != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := ch.texts["6281111111111"]; got != "Hello Alice" {
		t.Fatalf("text = %q", got)
	}
	if got := ch.texts["6282222222222"]; got != "Hello there" {
		t.Fatalf("fallback text = %q", got)
	}
	recs, _ := store.Records(context.Background(), "r1")
	if len(recs) != 2 || recs[0].Address != "6281111111111" {
		t.Fatalf("records out of order: %+v", recs)
	}
	checkInvariant(t, res)
}

func TestRetryThenSuccess(t *testing.T) {
	store := openStore(t)
	ch := newFakeChannel()
	ch.script["6281111111111"] = []error{delivery.Transient(errors.New("timeout")), delivery.Transient(errors.New("timeout"))}
	rs := recipients("6281111111111")
	newRun(t, store, "r1", rs)
	w := NewWorker(ch, store, WithPacing(fastPacing), WithRetryPolicy(fastRetry))

	res := w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs})
	if res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	recs, _ := store.Records(context.Background(), "r1")
	if len(recs) != 1 || recs[0].Status != storage.StatusSent || recs[0].AttemptCount != 3 {
		t.Fatalf("unexpected record: %+v", recs)
	}
}

func TestRetryExhaustedIsFailed(t *testing.T) {
	store := openStore(t)
	ch := newFakeChannel()
	e := delivery.Transient(errors.New("503"))
	ch.script["6281111111111"] = []error{e, e, e, e}
	rs := recipients("6281111111111", "6282222222222")
	newRun(t, store, "r1", rs)
	w := NewWorker(ch, store, WithPacing(fastPacing), WithRetryPolicy(fastRetry))

	res := w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs})
	if res.Failed != 1 || res.Sent != 1 || res.Status != storage.RunCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := ch.callsFor("6281111111111"); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	checkInvariant(t, res)
}

func TestRejectedIsInvalidWithoutRetry(t *testing.T) {
	store := openStore(t)
	ch := newFakeChannel()
	ch.script["6281111111111"] = []error{delivery.Rejected(errors.New("bad number"))}
	rs := recipients("6281111111111")
	newRun(t, store, "r1", rs)
	w := NewWorker(ch, store, WithPacing(fastPacing), WithRetryPolicy(fastRetry))

	res := w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs})
	if res.Invalid != 1 || ch.callsFor("6281111111111") != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestStopBetweenRecipients(t *testing.T) {
	store := openStore(t)
	ch := newFakeChannel()
	stop := newManualStop()
	addrs := []string{"6281000000001", "6281000000002", "6281000000003", "6281000000004", "6281000000005"}
	ch.onSend = func(addr string) {
		if addr == addrs[1] {
			stop.fire()
		}
	}
	rs := recipients(addrs...)
	newRun(t, store, "r1", rs)
	w := NewWorker(ch, store, WithPacing(fastPacing), WithRetryPolicy(fastRetry))

	res := w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs, Stop: stop})
	if res.Status != storage.RunStopped {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Sent != 2 || res.Remaining != 3 {
		t.Fatalf("unexpected counters: %+v", res)
	}
	if ch.callsFor(addrs[2]) != 0 {
		t.Fatal("recipient after stop was contacted")
	}
	checkInvariant(t, res)
}

func TestStopDuringDelayIsPrompt(t *testing.T) {
	store := openStore(t)
	ch := newFakeChannel()
	stop := newManualStop()
	rs := recipients("6281000000001", "6281000000002")
	newRun(t, store, "r1", rs)
	p := fastPacing
	p.MinDelay, p.MaxDelay = time.Hour, time.Hour
	w := NewWorker(ch, store, WithPacing(p), WithRetryPolicy(fastRetry))
	ch.onSend = func(string) { go func() { time.Sleep(20 * time.Millisecond); stop.fire() }() }

	done := make(chan Result, 1)
	go func() {
		done <- w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs, Stop: stop})
	}()
	select {
	case res := <-done:
		if res.Status != storage.RunStopped || res.Sent != 1 || res.Remaining != 1 {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not interrupt the inter-message delay")
	}
}

func TestResumeSkipsRecorded(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	rs := recipients("6281000000001", "6281000000002", "6281000000003")
	newRun(t, store, "r1", rs)
	_ = store.RecordAttempt(ctx, "r1", storage.Record{Address: rs[0].Address, Status: storage.StatusSent, AttemptCount: 1, At: time.Now()})
	_ = store.RecordAttempt(ctx, "r1", storage.Record{Address: rs[1].Address, Status: storage.StatusFailed, AttemptCount: 3, At: time.Now()})

	ch := newFakeChannel()
	w := NewWorker(ch, store, WithPacing(fastPacing), WithRetryPolicy(fastRetry))
	res := w.Run(ctx, RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs})
	if ch.callsFor(rs[0].Address)+ch.callsFor(rs[1].Address) != 0 {
		t.Fatal("recorded recipients were contacted again")
	}
	if res.Sent != 2 || res.Failed != 1 || res.Remaining != 0 || res.Status != storage.RunCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFatalAbortsWithoutRecording(t *testing.T) {
	store := openStore(t)
	ch := newFakeChannel()
	rs := recipients("6281000000001", "6281000000002")
	ch.script[rs[1].Address] = []error{delivery.Fatal(errors.New("unauthorized"))}
	newRun(t, store, "r1", rs)
	w := NewWorker(ch, store, WithPacing(fastPacing), WithRetryPolicy(fastRetry))

	res := w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs})
	if res.Status != storage.RunAborted || !errors.Is(res.Err, delivery.ErrFatal) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Sent != 1 || res.Remaining != 1 {
		t.Fatalf("unexpected counters: %+v", res)
	}
	done, _ := store.LoadCompleted(context.Background(), "r1")
	if _, ok := done[rs[1].Address]; ok {
		t.Fatal("fatal recipient was recorded")
	}
}

func TestBreakerTrips(t *testing.T) {
	store := openStore(t)
	ch := newFakeChannel()
	rs := recipients("6281000000001", "6281000000002", "6281000000003", "6281000000004")
	e := delivery.Transient(errors.New("down"))
	for _, r := range rs {
		ch.script[r.Address] = []error{e, e, e}
	}
	newRun(t, store, "r1", rs)
	p := fastPacing
	p.BreakerTrip = 2
	w := NewWorker(ch, store, WithPacing(p), WithRetryPolicy(delivery.RetryPolicy{}))

	res := w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs})
	if res.Status != storage.RunAborted || !errors.Is(res.Err, ErrBreakerOpen) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Failed != 2 || res.Remaining != 2 {
		t.Fatalf("unexpected counters: %+v", res)
	}
}

func TestProgressReported(t *testing.T) {
	store := openStore(t)
	rs := recipients("6281000000001", "6281000000002", "6281000000003", "6281000000004", "6281000000005")
	newRun(t, store, "r1", rs)
	pl := &progressLog{}
	w := NewWorker(newFakeChannel(), store, WithPacing(fastPacing), WithRetryPolicy(fastRetry), WithProgress(pl))

	w.Run(context.Background(), RunSpec{RunID: "r1", OperatorID: 1, Template: "x", Recipients: rs})
	if len(pl.got) != 2 {
		t.Fatalf("progress updates = %d, want 2", len(pl.got))
	}
	if p := pl.got[1]; p.Processed != 4 || p.Remaining != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestRegistryLimits(t *testing.T) {
	r := NewRegistry(2)
	a, err := r.Reserve(1, "a")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := r.Reserve(1, "b"); !errors.Is(err, ErrOperatorBusy) {
		t.Fatalf("expected ErrOperatorBusy, got %v", err)
	}
	if _, err := r.Reserve(2, "b"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := r.Reserve(3, "c"); !errors.Is(err, ErrTooManyRuns) {
		t.Fatalf("expected ErrTooManyRuns, got %v", err)
	}
	a.Release()
	a.Release()
	if _, err := r.Reserve(3, "c"); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
	if n := len(r.Active()); n != 2 {
		t.Fatalf("active = %d", n)
	}
}

func TestRender(t *testing.T) {
	cases := []struct{ tmpl, name, want string }{
		{"Hello {name}", "Alice", "Hello Alice"},
		{"Hello {{ name }}!", "", "Hello there!"},
		{"Hi {NAME}, {name}", "Bo", "Hi Bo, Bo"},
		{"No placeholder", "Bo", "No placeholder"},
	}
	for _, c := range cases {
		if got := Render(c.tmpl, c.name, "there"); got != c.want {
			t.Fatalf("Render(%q, %q) = %q, want %q", c.tmpl, c.name, got, c.want)
		}
	}
}
