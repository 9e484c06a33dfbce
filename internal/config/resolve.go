package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepSchedule = "@every 1m"
	DefaultMinDelay      = 1200 * time.Millisecond
	DefaultMaxDelay      = 2500 * time.Millisecond
	DefaultProgressEvery = 10
	DefaultBreakerTrip   = 10
	DefaultMaxActiveRuns = 4
	DefaultNameFallback  = "there"
	DefaultMaxRetries    = 2
	DefaultRetryBase     = 2 * time.Second
	DefaultSendTimeout   = 15 * time.Second
	DefaultOpsAddr       = "127.0.0.1:9090"
)

// Duration parses an optional Go duration string at config key. Empty means 0.
func Duration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. \"1.5s\", \"30m\")", key, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", key, d)
	}
	return d, nil
}

// DurationOr is Duration with def for empty or zero values.
func DurationOr(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Pacing is the resolved broadcast section.
type Pacing struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	MaxPerMinute  int
	ProgressEvery int
	BreakerTrip   int
	MaxActiveRuns int
	NameFallback  string
}

// Retry is the resolved delivery.retry section.
type Retry struct {
	MaxRetries  int
	Base        time.Duration
	Max         time.Duration
	Exponential bool
	Jitter      bool
}

func (c BroadcastConfig) Resolve() (Pacing, error) {
	p := Pacing{
		MaxPerMinute:  c.MaxPerMinute,
		ProgressEvery: c.ProgressEvery,
		BreakerTrip:   DefaultBreakerTrip,
		MaxActiveRuns: c.MaxActiveRuns,
		NameFallback:  strings.TrimSpace(c.NameFallback),
	}
	var err error
	if p.MinDelay, err = DurationOr("broadcast.min_delay", c.MinDelay, DefaultMinDelay); err != nil {
		return p, err
	}
	if p.MaxDelay, err = DurationOr("broadcast.max_delay", c.MaxDelay, DefaultMaxDelay); err != nil {
		return p, err
	}
	if p.MaxDelay < p.MinDelay {
		return p, fmt.Errorf("broadcast.max_delay (%s) must be >= min_delay (%s)", p.MaxDelay, p.MinDelay)
	}
	if c.MaxPerMinute < 0 {
		return p, errors.New("broadcast.max_per_minute must be >= 0")
	}
	if p.ProgressEvery <= 0 {
		p.ProgressEvery = DefaultProgressEvery
	}
	if c.BreakerTrip != nil {
		if *c.BreakerTrip < 0 {
			return p, errors.New("broadcast.breaker_trip must be >= 0")
		}
		p.BreakerTrip = *c.BreakerTrip
	}
	if p.MaxActiveRuns <= 0 {
		p.MaxActiveRuns = DefaultMaxActiveRuns
	}
	if p.NameFallback == "" {
		p.NameFallback = DefaultNameFallback
	}
	return p, nil
}

func (c RetryConfig) Resolve() (Retry, error) {
	r := Retry{MaxRetries: DefaultMaxRetries, Exponential: c.Exponential, Jitter: c.Jitter}
	if c.MaxRetries != nil {
		if *c.MaxRetries < 0 {
			return r, errors.New("delivery.retry.max_retries must be >= 0")
		}
		r.MaxRetries = *c.MaxRetries
	}
	var err error
	if r.Base, err = DurationOr("delivery.retry.base", c.Base, DefaultRetryBase); err != nil {
		return r, err
	}
	if r.Max, err = Duration("delivery.retry.max", c.Max); err != nil {
		return r, err
	}
	return r, nil
}

func (c SessionConfig) IdleTimeoutOrDefault() (time.Duration, error) {
	return DurationOr("session.idle_timeout", c.IdleTimeout, DefaultIdleTimeout)
}

func (c SessionConfig) Schedule() string {
	if s := strings.TrimSpace(c.SweepSchedule); s != "" {
		return s
	}
	return DefaultSweepSchedule
}

func (c DeliveryConfig) TimeoutOrDefault() (time.Duration, error) {
	return DurationOr("delivery.timeout", c.Timeout, DefaultSendTimeout)
}

func (c NotifierConfig) ArtifactEnabled() bool {
	return c.SendArtifact == nil || *c.SendArtifact
}

// Validate checks the whole document. It is also the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must list at least one operator")
	}
	if _, err := Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Contacts.Path) == "" {
		return errors.New("contacts.path is required")
	}
	if d := cfg.Contacts.Delimiter; d != "" && d != "\t" && d != "," && d != ";" {
		return fmt.Errorf("contacts.delimiter %q: want tab, comma or semicolon", d)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Session.Store)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Session.Redis.Addr) == "" {
			return errors.New("session.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("session.store %q: want memory or redis", cfg.Session.Store)
	}
	if _, err := cfg.Session.IdleTimeoutOrDefault(); err != nil {
		return err
	}

	if _, err := cfg.Broadcast.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Delivery.Retry.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Delivery.TimeoutOrDefault(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Delivery.Driver)) {
	case "webhook":
		u, err := url.Parse(strings.TrimSpace(cfg.Delivery.Webhook.URL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("delivery.webhook.url %q is not an absolute URL", cfg.Delivery.Webhook.URL)
		}
	case "telegram", "console":
	default:
		return fmt.Errorf("delivery.driver %q: want webhook, telegram or console", cfg.Delivery.Driver)
	}

	for path, raw := range map[string]string{
		"notifier.retry_base":      cfg.Notifier.RetryBase,
		"notifier.retry_max_delay": cfg.Notifier.RetryMaxDelay,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"ops.read_timeout":         cfg.Ops.ReadTimeout,
		"ops.write_timeout":        cfg.Ops.WriteTimeout,
		"ops.idle_timeout":         cfg.Ops.IdleTimeout,
	} {
		if _, err := Duration(path, raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q: want file or sqlite", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	return nil
}
