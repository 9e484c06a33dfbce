package app

import (
	"context"
	"strings"
	"time"

	"broadcastbot/internal/config"
	"broadcastbot/internal/eventbus"
	logx "broadcastbot/pkg/logx"
)

// startReload fans validated config reloads out to the live components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.Summarize(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(ch.Sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, ch.Attrs...)...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	// Logging first so the rest of the reload is logged at the new level.
	a.logs.Apply(mapLogging(newCfg))

	a.machine.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	a.orch.SetContacts(mapContacts(newCfg))

	if pacing, retry, maxActive, err := mapBroadcast(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(pacing, retry)
		a.worker.Registry().SetMax(maxActive)
		a.orch.SetNameFallback(pacing.NameFallback)
	}

	if ncfg, err := mapNotifier(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if ocfg, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Time: time.Now(), Data: ch.Sections})
	a.log.Info("config reloaded", append([]logx.Field{changed}, ch.Attrs...)...)
}
