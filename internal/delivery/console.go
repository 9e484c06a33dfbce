package delivery

import (
	"context"
	"sync/atomic"

	logx "broadcastbot/pkg/logx"
)

// Console is a dry-run channel. It logs every payload and always succeeds.
type Console struct {
	log  logx.Logger
	sent atomic.Int64
}

func NewConsole(log logx.Logger) *Console {
	return &Console{log: log}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(ctx context.Context, address string, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := c.sent.Add(1)
	c.log.Info("dry-run send", logx.String("to", address), logx.Int64("seq", n), logx.Int("chars", len([]rune(p.Text))))
	return nil
}

func (c *Console) Sent() int64 { return c.sent.Load() }
