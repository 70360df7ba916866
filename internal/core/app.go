// Package core wires the bot together: config, logging, the telegram
// adapter, the subscription store, the sweeper, and the command dispatcher.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sitewatch/internal/adapters/telegram"
	"sitewatch/internal/config"
	"sitewatch/internal/fingerprint"
	"sitewatch/internal/kit"
	"sitewatch/internal/runtime/supervisor"
	"sitewatch/internal/services/notify"
	"sitewatch/internal/storage"
	"sitewatch/internal/sweep"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter

	store   storage.Store
	manager *watch.Manager
	sweeper *sweep.Service
	notif   *notify.Service

	cmds *Commands

	updates chan kit.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(ctx, cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		Redis: storage.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		},
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		// ErrUnavailable (redis down) and friends are fatal: the bot must not
		// run without a working subscription store.
		return nil, err
	}

	fetchTimeout, err := config.ParseDurationOrDefault("watcher.fetch_timeout", cfg.Watcher.FetchTimeout, fingerprint.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	fp := fingerprint.New(fingerprint.WithTimeout(fetchTimeout))

	mgr := watch.NewManager(st, fp, log.With(logx.String("comp", "watch")))
	notifSvc := notify.New(notify.Config{RatePerSec: cfg.Notifier.RatePerSec},
		ad, log.With(logx.String("comp", "notifier")))

	interval, err := config.ParseDurationOrDefault("watcher.interval", cfg.Watcher.Interval, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	sweeper := sweep.New(sweep.Config{
		Enabled:  cfg.Watcher.Enabled,
		Interval: interval,
	}, st, fp, notifSvc, log.With(logx.String("comp", "sweep")))

	cmds := NewCommands(log.With(logx.String("comp", "commands")), ad, mgr, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		adapter: ad,
		store:   st,
		manager: mgr,
		sweeper: sweeper,
		notif:   notifSvc,
		cmds:    cmds,
		updates: make(chan kit.Update, 256),
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

func validate(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "redis", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Notifier.RatePerSec < 0 {
		return fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"watcher.interval", cfg.Watcher.Interval},
		{"watcher.fetch_timeout", cfg.Watcher.FetchTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.sweeper.Enabled() {
		a.sweeper.Start(a.sup.Context())
	}

	// Command dispatch self-heals on unexpected errors.
	a.sup.GoRestart("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logging.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			prev := lastApplied
			sections, attrs := config.SummarizeConfigChange(prev, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			a.notif.Apply(notify.Config{RatePerSec: newCfg.Notifier.RatePerSec})
			a.cmds.SetOwners(newCfg.Telegram.OwnerUserIDs)

			// Sweep interval applies live; enable/disable toggles the service.
			interval, err := config.ParseDurationOrDefault("watcher.interval", newCfg.Watcher.Interval, 5*time.Minute)
			if err != nil {
				// Validator already rejected bad durations; belt and braces.
				a.log.Warn("invalid watcher.interval; keeping previous", logx.Err(err))
			} else {
				prevEnabled := a.sweeper.Enabled()
				a.sweeper.Apply(sweep.Config{Enabled: newCfg.Watcher.Enabled, Interval: interval})
				if prevEnabled && !newCfg.Watcher.Enabled {
					a.log.Info("watcher disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.sweeper.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && newCfg.Watcher.Enabled {
					a.log.Info("watcher enabled via config")
					a.sweeper.Start(ctx)
				}
			}

			// Token and storage backend changes need a process restart.
			if prev != nil && newCfg.Storage != prev.Storage {
				a.log.Warn("storage config changed; restart required to take effect")
			}
			if prev != nil && newCfg.Telegram.Token != prev.Telegram.Token {
				a.log.Warn("telegram token changed; restart required to take effect")
			}

			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		start := time.Now()
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
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("sweeper", 3*time.Second, func(c context.Context) error { a.sweeper.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
