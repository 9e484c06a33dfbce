package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"broadcastbot/internal/broadcast"
	"broadcastbot/internal/config"
	"broadcastbot/internal/eventbus"
	"broadcastbot/internal/metrics"
	"broadcastbot/internal/notifier"
	"broadcastbot/internal/observability/ops"
	"broadcastbot/internal/orchestrator"
	rtsup "broadcastbot/internal/runtime/supervisor"
	"broadcastbot/internal/session"
	"broadcastbot/internal/storage"
	kit "broadcastbot/internal/transport"
	telegram "broadcastbot/internal/transport/telegram/adapter"
	"broadcastbot/internal/transport/telegram/router"
	logx "broadcastbot/pkg/logx"
)

const dispatchWorkers = 4

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *telegram.Adapter
	store   storage.Store
	rdb     redis.UniversalClient

	machine *session.Machine
	worker  *broadcast.Worker
	notif   *notifier.Service
	orch    *orchestrator.Orchestrator
	router  *router.Router
	metrics *metrics.Metrics
	ops     *ops.Service

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	idle, err := cfg.Session.IdleTimeoutOrDefault()
	if err != nil {
		return err
	}
	sessions, rdb, err := openSessionStore(ctx, cfg, idle)
	if err != nil {
		return err
	}
	a.rdb = rdb
	a.machine = session.NewMachine(sessions, cfg.Telegram.OwnerUserIDs,
		session.WithLogger(log.With(logx.String("comp", "session"))),
		session.WithBus(a.bus),
		session.WithIdleTimeout(idle),
	)

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.adapter,
		notifier.WithLogger(log.With(logx.String("comp", "notifier"))),
		notifier.WithBus(a.bus),
	)

	ch, err := newChannel(cfg, a.adapter, log.With(logx.String("comp", "delivery")))
	if err != nil {
		return err
	}
	pacing, retry, maxActive, err := mapBroadcast(cfg)
	if err != nil {
		return err
	}
	a.worker = broadcast.NewWorker(ch, a.store,
		broadcast.WithLogger(log.With(logx.String("comp", "worker"))),
		broadcast.WithBus(a.bus),
		broadcast.WithRegistry(broadcast.NewRegistry(maxActive)),
		broadcast.WithProgress(a.notif),
		broadcast.WithPacing(pacing),
		broadcast.WithRetryPolicy(retry),
	)
	a.log.Info("delivery channel ready", logx.String("driver", ch.Name()))

	a.orch = orchestrator.New(a.adapter, a.machine, a.store, a.worker, a.notif, mapContacts(cfg),
		orchestrator.WithLogger(log.With(logx.String("comp", "orchestrator"))),
	)
	a.orch.SetNameFallback(pacing.NameFallback)

	a.router = router.New(log.With(logx.String("comp", "router")), a.adapter, cfg.Telegram.OwnerUserIDs)
	a.router.SetCommands(a.orch.Commands(), a.orch.HandleMessage)

	a.metrics = metrics.New("broadcastbot")
	ocfg, err := mapOps(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(ocfg, ops.Deps{
		Metrics: promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}),
		Runs:    a.store,
		Live:    a.live,
		Health:  a.health,
	}, log.With(logx.String("comp", "ops")))
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// live is the /runs payload: in-flight runs plus runtime state.
func (a *App) live() any {
	return map[string]any{
		"active":        a.worker.Registry().Active(),
		"notifications": a.notif.Snapshot(),
		"supervisor":    a.sup.Snapshot(),
	}
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if a.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("session redis: %w", err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.notif.Start(run)
	if err := a.orch.Start(run, a.cfgm.Get().Session.Schedule()); err != nil {
		return err
	}
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if err := a.router.PublishMenu(run); err != nil {
		a.log.Warn("publish command menu failed", logx.Err(err))
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates, dispatchWorkers)
	})
	a.ops.Start(run)

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancels active runs too; the orchestrator still delivers their summaries.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("runs", 35*time.Second, func(c context.Context) error { return a.orch.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
