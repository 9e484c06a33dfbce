package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("1.2s", "30m"). Unknown keys are rejected.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Contacts  ContactsConfig  `json:"contacts"`
	Session   SessionConfig   `json:"session"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings into a chat. ChatID 0 means the first owner.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ContactsConfig points at the recipient file.
//
//	"contacts": { "path": "./data/contacts.csv", "delimiter": "\t" }
type ContactsConfig struct {
	Path      string `json:"path"`
	Delimiter string `json:"delimiter,omitempty"`
	MinDigits int    `json:"min_digits,omitempty"`
	MaxDigits int    `json:"max_digits,omitempty"`
}

// SessionConfig selects the session store and the idle expiry.
type SessionConfig struct {
	Store         string      `json:"store,omitempty"` // memory (default) | redis
	IdleTimeout   string      `json:"idle_timeout,omitempty"`
	SweepSchedule string      `json:"sweep_schedule,omitempty"` // cron spec, default "@every 1m"
	Redis         RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// BroadcastConfig controls pacing of a run. It is hot-reloadable.
type BroadcastConfig struct {
	MinDelay      string `json:"min_delay,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
	MaxPerMinute  int    `json:"max_per_minute,omitempty"`
	ProgressEvery int    `json:"progress_every,omitempty"`
	// BreakerTrip aborts a run after this many consecutive failures.
	// nil means the default, 0 disables.
	BreakerTrip   *int   `json:"breaker_trip,omitempty"`
	MaxActiveRuns int    `json:"max_active_runs,omitempty"`
	NameFallback  string `json:"name_fallback,omitempty"`
}

type DeliveryConfig struct {
	Driver  string        `json:"driver"` // webhook | telegram | console
	Timeout string        `json:"timeout,omitempty"`
	Retry   RetryConfig   `json:"retry,omitempty"`
	Webhook WebhookConfig `json:"webhook,omitempty"`
}

type RetryConfig struct {
	// MaxRetries counts attempts after the first. nil means the default (2).
	MaxRetries  *int   `json:"max_retries,omitempty"`
	Base        string `json:"base,omitempty"`
	Max         string `json:"max,omitempty"`
	Exponential bool   `json:"exponential,omitempty"`
	Jitter      bool   `json:"jitter,omitempty"`
}

type WebhookConfig struct {
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// NotifierConfig controls operator notifications.
type NotifierConfig struct {
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// SendArtifact attaches the run log to the final summary. nil means true.
	SendArtifact *bool `json:"send_artifact,omitempty"`
}

// StorageConfig selects the progress log backend.
//
//	"storage": { "driver": "file", "path": "./data/runs" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig controls the operational HTTP server.
//
// Bind to loopback unless a token is set or allow_insecure is explicit.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
