// Package session tracks one broadcast conversation per operator.
package session

import (
	"errors"
	"strings"
	"time"
)

type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingMessage      State = "awaiting_message"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateSending              State = "sending"
	StateStopped              State = "stopped"
	StateCompleted            State = "completed"
)

// Terminal reports whether no further transition leaves the state, other
// than starting a new session.
func (s State) Terminal() bool { return s == StateStopped || s == StateCompleted }

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrDuplicateSession = errors.New("a broadcast session is already active")
	ErrSessionExpired   = errors.New("session expired")
	ErrNoSession        = errors.New("no active session")
)

type Session struct {
	OperatorID      int64     `json:"operator_id"`
	State           State     `json:"state"`
	PayloadTemplate string    `json:"payload_template,omitempty"`
	RunID           string    `json:"run_id,omitempty"`
	StopRequested   bool      `json:"stop_requested,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Command is a recognized control token.
type Command int

const (
	CmdNone Command = iota
	CmdStart
	CmdSend
	CmdCancel
	CmdStop
	// CmdOther is any other slash or dot command. It is never taken as payload.
	CmdOther
)

var commandWords = map[string]Command{
	"start":     CmdStart,
	"broadcast": CmdStart,
	"bulk":      CmdStart,
	"send":      CmdSend,
	"cancel":    CmdCancel,
	"stop":      CmdStop,
}

// ParseCommand classifies an operator input. Tokens are case-insensitive and
// may carry a "/" or "." prefix and a "@botname" suffix.
func ParseCommand(text string) Command {
	s := strings.TrimSpace(text)
	if s == "" {
		return CmdNone
	}
	if strings.EqualFold(strings.Join(strings.Fields(s), " "), "start broadcast") {
		return CmdStart
	}
	prefixed := strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".")
	word := strings.TrimLeft(s, "/.")
	if i := strings.IndexAny(word, " \t\n"); i >= 0 {
		if !prefixed {
			return CmdNone
		}
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if cmd, ok := commandWords[strings.ToLower(word)]; ok {
		return cmd
	}
	if prefixed && word != "" {
		return CmdOther
	}
	return CmdNone
}

// CommandName returns the lowercase word of a prefixed command, or "".
func CommandName(text string) (name, args string) {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "/") && !strings.HasPrefix(s, ".") {
		return "", ""
	}
	s = strings.TrimLeft(s, "/.")
	name, args, _ = strings.Cut(s, " ")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), strings.TrimSpace(args)
}
