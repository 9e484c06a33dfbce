// Package router dispatches operator messages from the Telegram adapter to
// command handlers. Messages of one chat are handled in arrival order.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "broadcastbot/internal/runtime/supervisor"
	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Text    string
	ReqID   string
	Logger  logx.Logger
}

// Reply answers in the request's chat.
func (r *Request) Reply(ctx context.Context, s kit.Sender, text string) error {
	_, err := s.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

const unauthorizedText = "unauthorized"

type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command
	ordered  []Command
	fallback HandlerFunc
	owners   []int64

	log     logx.Logger
	adapter kit.Sender
	timeout time.Duration

	queues []chan func()
}

func New(log logx.Logger, adapter kit.Sender, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		commands: map[string]*Command{},
		owners:   slices.Clone(owners),
		log:      log,
		adapter:  adapter,
		timeout:  30 * time.Second,
	}
}

func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// SetCommands replaces the command set. A help command is always added.
// fallback receives every owner message that is not a known command.
func (r *Router) SetCommands(cmds []Command, fallback HandlerFunc) {
	help := Command{
		Name:        "help",
		Description: "show this help",
		Access:      AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.adapter, r.HelpText())
		},
	}
	cmds = append(slices.Clone(cmds), help)
	byName := map[string]*Command{}
	for i := range cmds {
		c := &cmds[i]
		if c.Handle == nil {
			continue
		}
		byName[strings.ToLower(c.Name)] = c
		for _, a := range c.Aliases {
			if _, taken := byName[a]; !taken {
				byName[strings.ToLower(a)] = c
			}
		}
	}
	r.mu.Lock()
	r.commands = byName
	r.ordered = cmds
	r.fallback = fallback
	r.mu.Unlock()
}

// PublishMenu pushes the command list to adapters that support a menu.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	cmds := slices.Clone(r.ordered)
	r.mu.RUnlock()
	return up.UpdateMenuCommands(ctx, menuCommands(cmds))
}

func (r *Router) HelpText() string {
	r.mu.RLock()
	cmds := slices.Clone(r.ordered)
	r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nDuring a session reply SEND, CANCEL or STOP as prompted.")
	return b.String()
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update, workers int) error {
	if workers < 1 {
		workers = 2
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)
	queues := make([]chan func(), workers)
	for i := range queues {
		q := make(chan func(), 64)
		queues[i] = q
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-q:
					if !ok {
						return nil
					}
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		for _, q := range queues {
			close(q)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job, chatID := r.route(ctx, up)
			if job == nil {
				continue
			}
			q := queues[shard(chatID, len(queues))]
			select {
			case q <- job:
			default:
				_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, "busy, try again", nil)
			}
		}
	}
}

func shard(chatID int64, n int) int {
	if chatID < 0 {
		chatID = -chatID
	}
	return int(chatID % int64(n))
}

// Handle routes one update synchronously.
func (r *Router) Handle(ctx context.Context, up kit.Update) {
	if job, _ := r.route(ctx, up); job != nil {
		job()
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) (func(), int64) {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil {
		return nil, 0
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, 0
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	var cmd *Command
	name, args := commandWord(text)
	if name != "" {
		cmd = r.commands[name]
	}
	fallback := r.fallback
	r.mu.RUnlock()

	h := fallback
	access := AccessOwnerOnly
	cmdName := ""
	var timeout time.Duration
	if cmd != nil {
		h, access, cmdName, timeout = cmd.Handle, cmd.Access, cmd.Name, cmd.Timeout
	}
	if h == nil {
		return nil, 0
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmdName,
		Args:    args,
		Text:    text,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
		),
	}
	final := wrap(h,
		r.recoverPanic(),
		r.ownerGate(access),
		logRequest(750*time.Millisecond),
		withDeadline(timeout),
	)
	return func() { _ = final(ctx, req) }, msg.ChatID
}

// commandWord extracts "name" and args from "/name@bot a b". Text without a
// slash prefix is not a command.
func commandWord(text string) (string, []string) {
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	word := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), fields[1:]
}

func newReqID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
