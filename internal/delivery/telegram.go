package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "broadcastbot/internal/transport"
)

// Telegram delivers to Telegram chats. The recipient address is a chat id.
type Telegram struct {
	sender kit.Sender
}

func NewTelegram(sender kit.Sender) *Telegram {
	return &Telegram{sender: sender}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, address string, p Payload) error {
	id, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return Rejected(fmt.Errorf("address %q is not a chat id", address))
	}
	_, err = t.sender.SendText(ctx, kit.ChatTarget{ChatID: id}, p.Text, &kit.SendOptions{DisablePreview: true})
	return classifyTelegram(ctx, err)
}

func classifyTelegram(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 401:
			return Fatal(err)
		case te.Code == 429 || te.Code >= 500:
			return Transient(err)
		case te.Code == 400 || te.Code == 403:
			return Rejected(err)
		}
	}
	return Transient(err)
}
