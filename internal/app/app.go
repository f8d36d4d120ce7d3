package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"schedbot/internal/admin"
	"schedbot/internal/config"
	"schedbot/internal/delivery/dispatch"
	"schedbot/internal/delivery/ledger"
	"schedbot/internal/delivery/orchestrator"
	"schedbot/internal/delivery/selector"
	"schedbot/internal/eventbus"
	"schedbot/internal/runtime/supervisor"
	"schedbot/internal/storage"
	"schedbot/internal/task/engine"
	"schedbot/internal/task/scheduler"
	"schedbot/internal/transport/metrics"
	telegram "schedbot/internal/transport/telegram/adapter"
	logx "schedbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *storage.Store
	disp   *dispatch.Dispatcher
	engine *engine.Service
	sched  *scheduler.Service
	orch   *orchestrator.Orchestrator
	admin  *admin.Server

	adminCfg admin.Config
}

// New loads and validates the config and builds every component. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	loc, err := mapLocation(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	ac, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		SendTimeout: dc.SendTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(context.Background(), sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("path", sc.Path))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sender := metrics.NewSender("telegram", ad, reg)

	bus := eventbus.New()
	disp := dispatch.New(dc, sender, log.With(logx.String("comp", "dispatch")))
	led := ledger.New(store, loc, log.With(logx.String("comp", "ledger")))
	sel := selector.New(store, loc, log.With(logx.String("comp", "selector")))
	eng := engine.New(mapEngineConfig(cfg), log.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(scheduler.Config{Location: loc}, eng, log.With(logx.String("comp", "scheduler")))

	orch := orchestrator.New(orchestrator.Deps{
		Slots:      store,
		Selector:   sel,
		Dispatcher: disp,
		Ledger:     led,
		Scheduler:  sched,
		Runner:     eng,
	}, orchestrator.Config{
		Location:    loc,
		DigestAt:    cfg.Schedule.DigestAt,
		LeadMinutes: cfg.Schedule.LeadMinutes(),
		Dedup:       cfg.Delivery.DedupEnabled(),
	}, log.With(logx.String("comp", "orchestrator")), bus)

	adm := admin.New(admin.Deps{
		Orchestrator: orch,
		Ledger:       led,
		Engine:       eng,
		Scheduler:    sched,
		Metrics:      reg,
	}, log)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		disp:     disp,
		engine:   eng,
		sched:    sched,
		orch:     orch,
		admin:    adm,
		adminCfg: ac,
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		_, err := mapAdminConfig(cfg)
		return err
	})

	a.engine.Start(a.sup.Context())
	if err := a.orch.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start delivery: %w", err)
	}
	if err := a.admin.Apply(a.sup.Context(), a.adminCfg); err != nil {
		return fmt.Errorf("start admin api: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies logging, delivery and engine settings. Everything
// else is reported and waits for a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}
	a.orch.Apply(orchestrator.Config{Dedup: next.Delivery.DedupEnabled(), RunTimeout: -1})
	a.engine.Apply(mapEngineConfig(next))

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancels in-flight runs; their ledger writes still complete.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = max0(rem)
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("orchestrator", 2*time.Second, func(c context.Context) error { a.orch.Stop(c); return nil })
	step("taskengine", stopTimeout(a.cfgm.Get()), func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

func max0(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
