package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

func TestWebhookSendSuccess(t *testing.T) {
	t.Parallel()

	var got webhookRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"Accepted","messageId":"abc-123"}`))
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second, WithHeaders(map[string]string{"Authorization": "Bearer k"}))
	if err := wh.Send(context.Background(), "6281234567890", Payload{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.PhoneNumber != "6281234567890" || got.Message != "hello" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if auth != "Bearer k" {
		t.Fatalf("expected custom header, got %q", auth)
	}
}

func TestWebhookClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusUnauthorized, ErrFatal},
		{http.StatusNotFound, ErrFatal},
		{http.StatusBadRequest, ErrRejected},
		{http.StatusUnprocessableEntity, ErrRejected},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("nope"))
		}))
		err := NewWebhook(srv.URL, time.Second).Send(context.Background(), "1", Payload{Text: "x"})
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestWebhookConnectionRefusedIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhook(url, time.Second).Send(context.Background(), "1", Payload{Text: "x"})
	if !IsFatal(err) {
		t.Fatalf("expected fatal, got %v", err)
	}
}

func TestWebhookContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewWebhook(srv.URL, time.Second).Send(ctx, "1", Payload{Text: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(errors.New("boom")) || !Retryable(Transient(errors.New("x"))) {
		t.Fatalf("unclassified and transient errors must retry")
	}
	if Retryable(Fatal(errors.New("x"))) || Retryable(Rejected(errors.New("x"))) || Retryable(nil) {
		t.Fatalf("fatal, rejected and nil must not retry")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Attempts() != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.Attempts())
	}
	if d := p.Delay(1); d != 2*time.Second {
		t.Fatalf("attempt 1: %s", d)
	}
	if d := p.Delay(2); d != 4*time.Second {
		t.Fatalf("attempt 2: %s", d)
	}

	exp := RetryPolicy{Base: time.Second, Max: 5 * time.Second, Exponential: true}
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second} {
		if d := exp.Delay(attempt); d != want {
			t.Fatalf("exp attempt %d: want %s got %s", attempt, want, d)
		}
	}

	j := RetryPolicy{Base: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		if d := j.Delay(1); d < 700*time.Millisecond || d > 1300*time.Millisecond {
			t.Fatalf("jitter out of range: %s", d)
		}
	}
}

func TestBreaker(t *testing.T) {
	b := NewBreaker(3)
	boom := errors.New("x")
	if b.Record(boom) || b.Record(boom) {
		t.Fatalf("tripped early")
	}
	b.Record(nil)
	if b.Failures() != 0 {
		t.Fatalf("success must reset")
	}
	b.Record(boom)
	b.Record(boom)
	if !b.Record(boom) {
		t.Fatalf("expected trip after 3 consecutive failures")
	}

	off := NewBreaker(0)
	for i := 0; i < 100; i++ {
		if off.Record(boom) {
			t.Fatalf("disabled breaker tripped")
		}
	}
}

type stubSender struct {
	to  kit.ChatTarget
	err error
}

func (s *stubSender) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.to = to
	return kit.MessageRef{ChatID: to.ChatID}, s.err
}

func TestTelegramChannel(t *testing.T) {
	s := &stubSender{}
	ch := NewTelegram(s)
	if err := ch.Send(context.Background(), "12345", Payload{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s.to.ChatID != 12345 {
		t.Fatalf("unexpected target %+v", s.to)
	}
	if err := ch.Send(context.Background(), "not-a-number", Payload{}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}

	s.err = &tele.Error{Code: 401, Description: "Unauthorized"}
	if err := ch.Send(context.Background(), "1", Payload{}); !IsFatal(err) {
		t.Fatalf("expected fatal, got %v", err)
	}
	s.err = &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}
	if err := ch.Send(context.Background(), "1", Payload{}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	s.err = errors.New("connection reset")
	if err := ch.Send(context.Background(), "1", Payload{}); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestConsoleCounts(t *testing.T) {
	c := NewConsole(logx.Nop())
	for i := 0; i < 3; i++ {
		if err := c.Send(context.Background(), "1", Payload{Text: "x"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if c.Sent() != 3 {
		t.Fatalf("expected 3, got %d", c.Sent())
	}
}
