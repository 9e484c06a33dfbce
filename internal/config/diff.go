package config

import (
	"reflect"
	"slices"
	"strings"

	logx "broadcastbot/pkg/logx"
)

// liveSections are applied on reload. Everything else needs a restart.
var liveSections = map[string]bool{"logging": true, "contacts": true, "broadcast": true, "notifier": true, "ops": true}

// Change describes a reload. Attrs never carry secrets.
type Change struct {
	Sections        []string
	RestartRequired []string
	Attrs           []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, changed bool, attrs ...logx.Field) {
		if !changed {
			return
		}
		ch.Sections = append(ch.Sections, section)
		if !liveSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	mark("telegram", !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram),
		logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
	)
	// Owner lists apply live. Only a new token or poll timeout needs a restart.
	if oldCfg.Telegram.Token == newCfg.Telegram.Token && oldCfg.Telegram.PollTimeout == newCfg.Telegram.PollTimeout {
		ch.RestartRequired = slices.DeleteFunc(ch.RestartRequired, func(s string) bool { return s == "telegram" })
	}
	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)
	mark("contacts", !reflect.DeepEqual(oldCfg.Contacts, newCfg.Contacts),
		logx.String("contacts.path", newCfg.Contacts.Path),
	)
	oldSess, newSess := oldCfg.Session, newCfg.Session
	oldSess.Redis.Password, newSess.Redis.Password = "", ""
	mark("session", !reflect.DeepEqual(oldSess, newSess) || oldCfg.Session.Redis.Password != newCfg.Session.Redis.Password,
		logx.String("session.store", newCfg.Session.Store),
		logx.String("session.idle_timeout", newCfg.Session.IdleTimeout),
	)
	mark("broadcast", !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast),
		logx.String("broadcast.min_delay", newCfg.Broadcast.MinDelay),
		logx.String("broadcast.max_delay", newCfg.Broadcast.MaxDelay),
		logx.Int("broadcast.max_per_minute", newCfg.Broadcast.MaxPerMinute),
	)
	mark("delivery", !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery),
		logx.String("delivery.driver", newCfg.Delivery.Driver),
		logx.Bool("delivery.webhook_url_set", strings.TrimSpace(newCfg.Delivery.Webhook.URL) != ""),
	)
	// Retry settings apply live. A new channel needs a restart.
	if oldCfg.Delivery.Driver == newCfg.Delivery.Driver && oldCfg.Delivery.Timeout == newCfg.Delivery.Timeout &&
		reflect.DeepEqual(oldCfg.Delivery.Webhook, newCfg.Delivery.Webhook) {
		ch.RestartRequired = slices.DeleteFunc(ch.RestartRequired, func(s string) bool { return s == "delivery" })
	}
	mark("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier),
		logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
	)
	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	mark("ops", !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops),
		logx.Bool("ops.enabled", newCfg.Ops.Enabled),
		logx.String("ops.addr", newCfg.Ops.Addr),
		logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
	)
	return ch
}
