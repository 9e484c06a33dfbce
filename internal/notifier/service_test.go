package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"broadcastbot/internal/eventbus"
	kit "broadcastbot/internal/transport"
)

type fakeSender struct {
	mu      sync.Mutex
	fails   int
	texts   []string
	docs    []string
	block   chan struct{}
	started chan struct{}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if f.block != nil && strings.HasPrefix(text, "📊") {
		if f.started != nil {
			close(f.started)
			f.started = nil
		}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) SendDocument(_ context.Context, _ kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	b, _ := io.ReadAll(doc.Data)
	f.mu.Lock()
	f.docs = append(f.docs, doc.FileName+":"+string(b))
	f.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

var fastCfg = Config{QueueSize: 8, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, SendArtifact: true}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFinalRetriesAndSendsArtifact(t *testing.T) {
	fs := &fakeSender{fails: 2}
	s := New(fastCfg, fs)
	err := s.NotifyFinal(context.Background(), 7, Summary{RunID: "r1", Status: "completed", Total: 3, Sent: 3},
		&Artifact{FileName: "r1.jsonl", Data: []byte("{}\n")})
	if err != nil {
		t.Fatalf("NotifyFinal: %v", err)
	}
	got := fs.sent()
	if len(got) != 1 || !strings.Contains(got[0], "sent: 3") {
		t.Fatalf("unexpected texts: %q", got)
	}
	if len(fs.docs) != 1 || fs.docs[0] != "r1.jsonl:{}\n" {
		t.Fatalf("unexpected docs: %q", fs.docs)
	}
}

func TestFinalFailurePublishesEvent(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	fs := &fakeSender{fails: 10}
	s := New(fastCfg, fs, WithBus(bus))
	if err := s.NotifyFinal(context.Background(), 7, Summary{RunID: "r1", Status: "stopped"}, nil); err == nil {
		t.Fatal("expected an error")
	}
	select {
	case e := <-ch:
		if e.Type != eventbus.TypeNotifyFailed {
			t.Fatalf("event type = %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no notify.failed event")
	}
}

func TestProgressDeliveredAsync(t *testing.T) {
	fs := &fakeSender{}
	s := New(fastCfg, fs)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.NotifyProgress(context.Background(), 7, Progress{RunID: "r1", Processed: 10, Total: 20, Sent: 9, Failed: 1})
	waitFor(t, func() bool { return len(fs.sent()) == 1 })
	if got := fs.sent()[0]; got != "📊 run r1: 10/20 (sent 9, failed 1)" {
		t.Fatalf("text = %q", got)
	}
}

func TestProgressCoalescedAndNeverAfterFinal(t *testing.T) {
	fs := &fakeSender{block: make(chan struct{}), started: make(chan struct{})}
	started := fs.started
	s := New(fastCfg, fs)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.NotifyProgress(context.Background(), 7, Progress{RunID: "r0", Processed: 1})
	<-started
	// r1 updates pile up while the worker is blocked and collapse into one.
	s.NotifyProgress(context.Background(), 7, Progress{RunID: "r1", Processed: 10})
	s.NotifyProgress(context.Background(), 7, Progress{RunID: "r1", Processed: 20})
	close(fs.block)
	waitFor(t, func() bool { return len(fs.sent()) == 2 })
	if got := fs.sent()[1]; !strings.Contains(got, "20/") {
		t.Fatalf("coalesced text = %q", got)
	}

	if err := s.NotifyFinal(context.Background(), 7, Summary{RunID: "r1", Status: "completed"}, nil); err != nil {
		t.Fatalf("NotifyFinal: %v", err)
	}
	s.NotifyProgress(context.Background(), 7, Progress{RunID: "r1", Processed: 30})
	time.Sleep(50 * time.Millisecond)
	got := fs.sent()
	if len(got) != 3 || !strings.Contains(got[2], "Broadcast completed") {
		t.Fatalf("unexpected texts: %q", got)
	}
}

func TestProgressDroppedWhenStopped(t *testing.T) {
	fs := &fakeSender{}
	s := New(fastCfg, fs)
	s.NotifyProgress(context.Background(), 7, Progress{RunID: "r1"})
	if len(fs.sent()) != 0 {
		t.Fatal("progress sent without a running worker")
	}
}

func TestFormatSummary(t *testing.T) {
	text := FormatSummary(Summary{RunID: "r9", Status: "stopped", Total: 5, Sent: 2, Failed: 1, Invalid: 1, Remaining: 1, Reason: "operator"})
	for _, want := range []string{"stopped", "sent: 2", "failed: 2", "total: 5", "remaining: 1", "/resume r9"} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary %q missing %q", text, want)
		}
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

func TestFinishedRunsArePruned(t *testing.T) {
	clk := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := New(fastCfg, &fakeSender{})
	s.now = func() time.Time { return clk }

	for i := 0; i < 20; i++ {
		_ = s.NotifyFinal(context.Background(), 7, Summary{RunID: fmt.Sprintf("r%d", i), Status: "completed"}, nil)
	}
	clk = clk.Add(finishedTTL + time.Minute)
	_ = s.NotifyFinal(context.Background(), 7, Summary{RunID: "last", Status: "completed"}, nil)

	s.pmu.Lock()
	defer s.pmu.Unlock()
	if len(s.finished) != 1 {
		t.Fatalf("expected only the latest run tracked, got %d", len(s.finished))
	}
	if _, ok := s.finished["last"]; !ok {
		t.Fatalf("latest run missing: %v", s.finished)
	}
}

func TestReopenAllowsProgressAgain(t *testing.T) {
	fs := &fakeSender{}
	s := New(fastCfg, fs)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.NotifyFinal(context.Background(), 7, Summary{RunID: "r1", Status: "stopped"}, nil)
	s.Reopen("r1")
	s.NotifyProgress(context.Background(), 7, Progress{RunID: "r1", Processed: 5})
	waitFor(t, func() bool { return len(fs.sent()) == 2 })
	if got := fs.sent()[1]; !strings.Contains(got, "5/") {
		t.Fatalf("unexpected progress text: %q", got)
	}
}
