package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

type recSender struct {
	mu    sync.Mutex
	texts []string
	menu  []kit.BotCommand
}

func (s *recSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (s *recSender) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	s.menu = cmds
	return nil
}

func (s *recSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

func TestRoutesCommandsAndFallback(t *testing.T) {
	s := &recSender{}
	r := New(logx.Nop(), s, []int64{1})
	var gotCmd, gotFallback []string
	r.SetCommands([]Command{{
		Name:    "status",
		Aliases: []string{"st"},
		Handle: func(_ context.Context, req *Request) error {
			gotCmd = append(gotCmd, req.Command)
			return nil
		},
	}}, func(_ context.Context, req *Request) error {
		gotFallback = append(gotFallback, req.Text)
		return nil
	})

	r.Handle(context.Background(), msg(1, "/status@mybot"))
	r.Handle(context.Background(), msg(1, "/st"))
	r.Handle(context.Background(), msg(1, "hello"))
	r.Handle(context.Background(), msg(1, "/unknown x"))

	if len(gotCmd) != 2 || gotCmd[0] != "status" {
		t.Fatalf("commands = %v", gotCmd)
	}
	if len(gotFallback) != 2 || gotFallback[1] != "/unknown x" {
		t.Fatalf("fallback = %v", gotFallback)
	}
}

func TestRejectsNonOwners(t *testing.T) {
	s := &recSender{}
	r := New(logx.Nop(), s, []int64{1})
	called := false
	r.SetCommands(nil, func(context.Context, *Request) error { called = true; return nil })

	r.Handle(context.Background(), msg(2, "start"))
	if called {
		t.Fatal("fallback reached for a non-owner")
	}
	if got := s.sent(); len(got) != 1 || got[0] != unauthorizedText {
		t.Fatalf("replies = %q", got)
	}

	r.SetOwners([]int64{2})
	r.Handle(context.Background(), msg(2, "start"))
	if !called {
		t.Fatal("owner update not applied")
	}
}

func TestPanicIsContained(t *testing.T) {
	s := &recSender{}
	r := New(logx.Nop(), s, []int64{1})
	r.SetCommands(nil, func(context.Context, *Request) error { panic("boom") })
	r.Handle(context.Background(), msg(1, "x"))
	if got := s.sent(); len(got) != 1 || !strings.HasPrefix(got[0], "⚠️ internal error") {
		t.Fatalf("replies = %q", got)
	}
}

func TestDispatchLoopKeepsChatOrder(t *testing.T) {
	r := New(logx.Nop(), &recSender{}, []int64{1})
	var mu sync.Mutex
	var seen []string
	r.SetCommands(nil, func(_ context.Context, req *Request) error {
		mu.Lock()
		seen = append(seen, req.Text)
		mu.Unlock()
		return nil
	})
	ups := make(chan kit.Update, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, ups, 4) }()
	for _, t := range []string{"a", "b", "c", "d"} {
		ups <- msg(1, t)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("DispatchLoop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 || seen[0] != "a" || seen[3] != "d" {
		t.Fatalf("order = %v", seen)
	}
}

func TestMenuAndHelp(t *testing.T) {
	s := &recSender{}
	r := New(logx.Nop(), s, []int64{1})
	r.SetCommands([]Command{{Name: "resume", Usage: "/resume <run-id>", Description: "continue a run", Handle: func(context.Context, *Request) error { return nil }}}, nil)
	if err := r.PublishMenu(context.Background()); err != nil {
		t.Fatalf("PublishMenu: %v", err)
	}
	if len(s.menu) != 2 || s.menu[0].Command != "resume" || s.menu[1].Command != "help" {
		t.Fatalf("menu = %+v", s.menu)
	}
	if got := sanitizeTelegramCommand("Run-Log"); got != "run_log" {
		t.Fatalf("sanitize = %q", got)
	}
}
