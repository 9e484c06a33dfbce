package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"
)

const webhookBodyLimit = 4 << 10

// Webhook posts {"phoneNumber","message"} to a gateway URL. Any 2xx is a
// success.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

type WebhookOption func(*Webhook)

func WithHeaders(h map[string]string) WebhookOption {
	return func(w *Webhook) { w.headers = h }
}

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

func NewWebhook(url string, timeout time.Duration, opts ...WebhookOption) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &Webhook{url: url, client: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Name() string { return "webhook" }

type webhookRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

func (w *Webhook) Send(ctx context.Context, address string, p Payload) error {
	body, err := json.Marshal(webhookRequest{PhoneNumber: address, Message: p.Text})
	if err != nil {
		return Fatal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return Fatal(fmt.Errorf("webhook unreachable: %w", err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Transient(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, webhookBodyLimit))

	if resp.StatusCode/100 == 2 {
		return nil
	}

	err = fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(raw))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout:
		return Transient(err)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		return Fatal(err)
	default:
		return Rejected(err)
	}
}
