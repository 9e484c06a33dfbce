package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"broadcastbot/internal/broadcast"
	"broadcastbot/internal/config"
	"broadcastbot/internal/contacts"
	"broadcastbot/internal/delivery"
	"broadcastbot/internal/notifier"
	"broadcastbot/internal/observability/ops"
	"broadcastbot/internal/orchestrator"
	"broadcastbot/internal/session"
	"broadcastbot/internal/storage"
	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

const defaultRedisPrefix = "broadcastbot:"

func mapLogging(cfg *config.Config) logx.Config {
	chatID := cfg.Logging.Telegram.ChatID
	if chatID == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
		chatID = cfg.Telegram.OwnerUserIDs[0]
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapContacts(cfg *config.Config) orchestrator.ContactsConfig {
	cc := orchestrator.ContactsConfig{
		Path: strings.TrimSpace(cfg.Contacts.Path),
		Options: contacts.Options{
			MinDigits: cfg.Contacts.MinDigits,
			MaxDigits: cfg.Contacts.MaxDigits,
		},
	}
	if d := cfg.Contacts.Delimiter; d != "" {
		cc.Options.Delimiter = []rune(d)[0]
	}
	return cc
}

// mapBroadcast resolves the pacing and retry sections together. Both are
// applied to the worker as one unit on reload.
func mapBroadcast(cfg *config.Config) (broadcast.Pacing, delivery.RetryPolicy, int, error) {
	p, err := cfg.Broadcast.Resolve()
	if err != nil {
		return broadcast.Pacing{}, delivery.RetryPolicy{}, 0, err
	}
	r, err := cfg.Delivery.Retry.Resolve()
	if err != nil {
		return broadcast.Pacing{}, delivery.RetryPolicy{}, 0, err
	}
	pacing := broadcast.Pacing{
		MinDelay:      p.MinDelay,
		MaxDelay:      p.MaxDelay,
		MaxPerMinute:  p.MaxPerMinute,
		ProgressEvery: p.ProgressEvery,
		BreakerTrip:   p.BreakerTrip,
		NameFallback:  p.NameFallback,
	}
	retry := delivery.RetryPolicy{
		MaxRetries:  r.MaxRetries,
		Base:        r.Base,
		Max:         r.Max,
		Exponential: r.Exponential,
		Jitter:      r.Jitter,
	}
	return pacing, retry, p.MaxActiveRuns, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.Duration("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.Duration("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendArtifact:  nc.ArtifactEnabled(),
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = config.DefaultOpsAddr
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.DurationOr("ops.write_timeout", oc.WriteTimeout, 30*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.DurationOr("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

// openSessionStore returns the configured store and, for redis, the client
// the app must close on shutdown.
func openSessionStore(ctx context.Context, cfg *config.Config, idle time.Duration) (session.Store, redis.UniversalClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Session.Store)) {
	case "", "memory":
		return session.NewMemoryStore(), nil, nil
	case "redis":
		rc := cfg.Session.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(rc.Addr),
			Password: rc.Password,
			DB:       rc.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("session redis %s: %w", rc.Addr, err)
		}
		prefix := rc.Prefix
		if prefix == "" {
			prefix = defaultRedisPrefix
		}
		return session.NewRedisStore(client, prefix, idle), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown session.store: %s", cfg.Session.Store)
	}
}

func newChannel(cfg *config.Config, sender kit.Sender, log logx.Logger) (delivery.Channel, error) {
	timeout, err := cfg.Delivery.TimeoutOrDefault()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Delivery.Driver)) {
	case "webhook":
		return delivery.NewWebhook(strings.TrimSpace(cfg.Delivery.Webhook.URL), timeout,
			delivery.WithHeaders(cfg.Delivery.Webhook.Headers)), nil
	case "telegram":
		return delivery.NewTelegram(sender), nil
	case "console":
		return delivery.NewConsole(log), nil
	default:
		return nil, fmt.Errorf("unknown delivery.driver: %s", cfg.Delivery.Driver)
	}
}
