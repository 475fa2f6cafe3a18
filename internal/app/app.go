// Package app wires configuration, storage, the alert pipeline, feeds and the
// Telegram transport into one supervised process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"newsalert/internal/config"
	"newsalert/internal/eventbus"
	"newsalert/internal/feed"
	"newsalert/internal/observability/server"
	"newsalert/internal/pipeline"
	rtsup "newsalert/internal/runtime/supervisor"
	"newsalert/internal/schedule"
	kit "newsalert/internal/transport"
	"newsalert/internal/transport/telegram/adapter"
	"newsalert/internal/transport/telegram/router"
	logx "newsalert/pkg/logx"
	"newsalert/pkg/systemd"
)

// Transport is the chat platform: it receives commands and delivers alerts.
type Transport interface {
	kit.Adapter
	kit.CommandMenuUpdater
	Username() string
}

type Option func(*App)

// WithTransport replaces the Telegram adapter built from config.
func WithTransport(t Transport) Option { return func(a *App) { a.transport = t } }

// WithFeeds replaces the feeds built from config.
func WithFeeds(src ...feed.Source) Option {
	return func(a *App) { a.feeds, a.feedsSet = src, true }
}

const pruneTimeout = time.Minute

type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service

	core      *Core
	transport Transport
	router    *router.Router
	sched     *schedule.Scheduler
	obs       *server.Service
	feeds     []feed.Source
	feedsSet  bool

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{updates: make(chan kit.Update, 256)}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewConfigManager(cfgPath)
	a.cfgm.SetValidator(config.PinIdentity(a.cfgm.Get))
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	var root logx.Logger
	a.logs, root = logx.New(mapLogConfig(cfg))
	a.log = root.With(logx.Comp("app"))

	if a.transport == nil {
		ad, err := adapter.New(adapter.Config{Token: cfg.Telegram.Token, PollTimeout: res.PollTimeout}, root)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.transport = ad
	}
	if cfg.Telegram.OpsChatID != 0 {
		a.logs.SetOpsSink(adapter.NewOpsSink(a.transport, cfg.Telegram.OpsChatID, cfg.Telegram.OpsThreadID))
	}

	a.core, err = NewCore(ctx, cfg, a.transport, root)
	if err != nil {
		return nil, err
	}

	a.router = router.New(a.transport,
		router.WithLogger(root),
		router.WithBotName(a.transport.Username()),
		router.WithGreeting(router.DefaultGreeting),
	)
	a.router.Register(router.AlertCommands(a.router, a.core.Store, a.core.Bus)...)

	a.sched = schedule.New(root)
	if err := a.core.Janitor.Register(a.sched, res.PruneSchedule, pruneTimeout); err != nil {
		_ = a.core.Close()
		return nil, err
	}

	a.obs = server.New(mapServerConfig(cfg, res), a.core.Metrics.Registry, root)
	a.obs.AddCheck("store", a.core.Store.Ping)
	a.obs.AddCheck("app", func(context.Context) error { return a.Err() })

	if !a.feedsSet {
		a.feeds = feedSources(cfg, res, root, a.core.Metrics)
	}
	return a, nil
}

func (a *App) Core() *Core { return a.core }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	run := a.sup.Context()

	// Subscribe before commands can flow so no opt-in event is missed.
	events, unsub := a.core.Bus.Subscribe(128)
	a.sup.Go0("eventbus.watch", func(c context.Context) {
		defer unsub()
		a.watchEvents(c, events)
	})
	if err := a.core.RefreshSubscriberGauge(run); err != nil {
		a.log.Warn("subscriber count unavailable", logx.Err(err))
	}

	if err := a.transport.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.transport.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.sched.Start(run)
	a.obs.Start(run)

	for _, src := range a.feeds {
		src := src
		a.sup.GoRestart("feed."+src.Name(), func(c context.Context) error {
			return src.Run(pipeline.WithSource(c, src.Name()), a.core.Pipeline.Handle)
		},
			rtsup.WithRestartBackoff(time.Second, time.Minute),
			rtsup.WithPublishFirstError(true),
		)
	}
	if len(a.feeds) == 0 {
		a.log.Warn("no feeds enabled; alerts will only come from the ingest command")
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, func() bool { return a.Err() == nil }); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.Int("feeds", len(a.feeds)), logx.String("bot", a.transport.Username()))
	return nil
}

// watchEvents keeps the subscriber gauge current and traces bus traffic.
func (a *App) watchEvents(c context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.SubscriberAdded, eventbus.SubscriberRemoved:
				if err := a.core.RefreshSubscriberGauge(c); err != nil {
					a.log.Debug("subscriber count unavailable", logx.Err(err))
				}
			}
			a.log.Trace("event", logx.String("type", e.Type))
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(newCfg))
	if err := a.core.Apply(newCfg); err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.Strings("sections", ch.RestartRequired))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.core.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel first so feeds stop handing over batches.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop. The
	// caller's deadline is never extended.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.transport.Stop(c) })
	// Waits for in-flight batches and commands before the store goes away.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.core.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
