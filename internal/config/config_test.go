package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "telegram": {"token": "file-token", "owner_user_ids": [42]},
  "logging": {"level": "info", "console": true},
  "contacts": {"path": "./contacts.csv"},
  "broadcast": {"min_delay": "1s", "max_delay": "2s"},
  "delivery": {"driver": "webhook", "webhook": {"url": "http://localhost:8080/send"}},
  "storage": {"driver": "file", "path": "./runs"}
}`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON))
	m.lookup = noEnv
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("unexpected telegram section: %+v", cfg.Telegram)
	}
	if m.Get() != cfg {
		t.Fatalf("expected committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	body := strings.Join([]string{
		"telegram:",
		"  token: abc",
		"  owner_user_ids: [1, 2]",
		"contacts:",
		"  path: data/contacts.csv",
		"  delimiter: \"\\t\"",
		"delivery:",
		"  driver: console",
		"storage:",
		"  driver: sqlite",
		"  path: data/runs.db",
	}, "\n")
	m := NewManager(writeConfig(t, "config.yaml", body))
	m.lookup = noEnv
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Contacts.Delimiter != "\t" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", `{"telegram": {"token": "x", "chat": 1}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON+validJSON))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestEnvOverlay(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON))
	env := map[string]string{
		EnvTelegramToken: "env-token",
		EnvWebhookURL:    "https://hooks.example/send",
		EnvRedisPassword: "  ",
	}
	m.lookup = func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Delivery.Webhook.URL != "https://hooks.example/send" {
		t.Fatalf("env not applied: %+v %+v", cfg.Telegram, cfg.Delivery.Webhook)
	}
	if cfg.Session.Redis.Password != "" {
		t.Fatalf("blank env must not override")
	}
}

func TestLoadDotEnvMissingIsIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
}

func TestBroadcastDefaults(t *testing.T) {
	p, err := BroadcastConfig{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.MinDelay != DefaultMinDelay || p.MaxDelay != DefaultMaxDelay {
		t.Fatalf("unexpected delays: %+v", p)
	}
	if p.ProgressEvery != 10 || p.BreakerTrip != 10 || p.MaxActiveRuns != 4 || p.NameFallback != "there" {
		t.Fatalf("unexpected defaults: %+v", p)
	}

	zero := 0
	p, err = BroadcastConfig{BreakerTrip: &zero}.Resolve()
	if err != nil || p.BreakerTrip != 0 {
		t.Fatalf("expected breaker disabled, got %+v err=%v", p, err)
	}

	if _, err := (BroadcastConfig{MinDelay: "3s", MaxDelay: "1s"}).Resolve(); err == nil {
		t.Fatalf("expected inverted delay window rejected")
	}
}

func TestRetryDefaults(t *testing.T) {
	r, err := RetryConfig{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.MaxRetries != 2 || r.Base != 2*time.Second || r.Exponential {
		t.Fatalf("unexpected retry defaults: %+v", r)
	}
	if _, err := (RetryConfig{Base: "soon"}).Resolve(); err == nil {
		t.Fatalf("expected bad duration rejected")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
			Contacts: ContactsConfig{Path: "c.csv"},
			Delivery: DeliveryConfig{Driver: "console"},
			Storage:  StorageConfig{Path: "runs"},
		}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	cases := map[string]func(c *Config){
		"no owners":      func(c *Config) { c.Telegram.OwnerUserIDs = nil },
		"bad driver":     func(c *Config) { c.Delivery.Driver = "smtp" },
		"webhook no url": func(c *Config) { c.Delivery.Driver = "webhook" },
		"redis no addr":  func(c *Config) { c.Session.Store = "redis" },
		"bad delimiter":  func(c *Config) { c.Contacts.Delimiter = "|" },
		"bad storage":    func(c *Config) { c.Storage.Driver = "postgres" },
		"bad idle":       func(c *Config) { c.Session.IdleTimeout = "-1m" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mut(c)
			if err := Validate(c); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	a := &Config{Broadcast: BroadcastConfig{MinDelay: "1s"}, Storage: StorageConfig{Path: "a"}}
	b := &Config{Broadcast: BroadcastConfig{MinDelay: "2s"}, Storage: StorageConfig{Path: "b"}}
	ch := Summarize(a, b)
	if strings.Join(ch.Sections, ",") != "broadcast,storage" {
		t.Fatalf("unexpected sections: %v", ch.Sections)
	}
	if strings.Join(ch.RestartRequired, ",") != "storage" {
		t.Fatalf("unexpected restart list: %v", ch.RestartRequired)
	}
	if !Summarize(a, a).Empty() {
		t.Fatalf("expected no change")
	}
}

func TestSummarizeLiveSubsections(t *testing.T) {
	two := 2
	a := &Config{Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}}}
	b := &Config{
		Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1, 2}},
		Delivery: DeliveryConfig{Retry: RetryConfig{MaxRetries: &two}},
	}
	ch := Summarize(a, b)
	if strings.Join(ch.Sections, ",") != "telegram,delivery" {
		t.Fatalf("unexpected sections: %v", ch.Sections)
	}
	if len(ch.RestartRequired) != 0 {
		t.Fatalf("owners and retry should apply live: %v", ch.RestartRequired)
	}

	b.Telegram.Token = "other"
	b.Delivery.Driver = "webhook"
	ch = Summarize(a, b)
	if strings.Join(ch.RestartRequired, ",") != "telegram,delivery" {
		t.Fatalf("unexpected restart list: %v", ch.RestartRequired)
	}
}

func TestWatchPublishesValidReload(t *testing.T) {
	p := writeConfig(t, "config.json", validJSON)
	m := NewManager(p)
	m.lookup = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(validJSON, `"min_delay": "1s"`, `"min_delay": "1.5s"`, 1)
	if err := os.WriteFile(p, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Broadcast.MinDelay != "1.5s" {
			t.Fatalf("unexpected reload: %+v", cfg.Broadcast)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}

	cancel()
	<-done
}

func TestDurationHelpers(t *testing.T) {
	if d, err := Duration("broadcast.min_delay", " 1.5s "); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("Duration: %v %v", d, err)
	}
	if d, err := Duration("broadcast.min_delay", ""); err != nil || d != 0 {
		t.Fatalf("empty Duration: %v %v", d, err)
	}
	if _, err := Duration("broadcast.min_delay", "-1s"); err == nil || !strings.Contains(err.Error(), "broadcast.min_delay") {
		t.Fatalf("negative duration should name the key: %v", err)
	}
	if _, err := Duration("broadcast.min_delay", "soon"); err == nil {
		t.Fatalf("expected parse error")
	}
	if d, err := DurationOr("session.idle_timeout", "0s", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("DurationOr zero: %v %v", d, err)
	}
}
