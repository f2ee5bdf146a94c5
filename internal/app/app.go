// Package app wires the runtime together: config, storage, registry client,
// instance pool, platform adapter, dispatch router, and maintenance.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	telegram "github.com/dylibso/discordbot/internal/adapters/telegram"
	"github.com/dylibso/discordbot/internal/config"
	"github.com/dylibso/discordbot/internal/dispatch"
	"github.com/dylibso/discordbot/internal/eventbus"
	"github.com/dylibso/discordbot/internal/observability/pprof"
	"github.com/dylibso/discordbot/internal/pool"
	"github.com/dylibso/discordbot/internal/registry"
	"github.com/dylibso/discordbot/internal/sandbox"
	"github.com/dylibso/discordbot/internal/services/maintenance"
	"github.com/dylibso/discordbot/internal/storage"
	"github.com/dylibso/discordbot/internal/transport"
	logx "github.com/dylibso/discordbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	registry *registry.Client
	pool     *pool.Pool
	adapter  *telegram.Adapter
	router   *dispatch.Router
	maint    *maintenance.Service
	debug    *pprof.Server

	sup *Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, err := logx.NewService(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	log := logSvc.Logger().With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	freshness, err := config.ParseDurationField("registry.freshness", cfg.Registry.Freshness)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(registry.Config{
		BaseURL:        cfg.Registry.BaseURL,
		Token:          cfg.Registry.Token,
		AppID:          cfg.Registry.AppID,
		RequestsPerSec: cfg.Registry.RequestsPerSec,
		Freshness:      freshness,
	}, store, logSvc.Logger().With(logx.String("comp", "registry")))
	if err != nil {
		return nil, err
	}

	idle, err := config.ParseDurationField("runtime.idle_timeout", cfg.Runtime.IdleTimeout)
	if err != nil {
		return nil, err
	}
	sweep, err := config.ParseDurationField("runtime.sweep_interval", cfg.Runtime.SweepInterval)
	if err != nil {
		return nil, err
	}
	pl := pool.New(reg, func(name string, data []byte, contentType string) (pool.Instance, error) {
		return sandbox.New(name, data)
	}, pool.Options{
		IdleTimeout:   idle,
		SweepInterval: sweep,
	}, logSvc.Logger().With(logx.String("comp", "pool")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Guild:       cfg.Telegram.Guild,
		Channels:    cfg.Telegram.Channels,
	}, bus, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	invokeTimeout, err := config.ParseDurationOrDefault("runtime.invoke_timeout", cfg.Runtime.InvokeTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	router := dispatch.New(dispatch.Options{
		Store:         store,
		Pool:          pl,
		Platform:      ad,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		Log:           logSvc.Logger().With(logx.String("comp", "dispatch")),
		ExtensionID:   cfg.Registry.ExtensionID,
		InvokeTimeout: invokeTimeout,
	})

	retention, err := config.ParseDurationField("maintenance.invocation_retention", cfg.Maintenance.InvocationRetention)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(maintenance.Config{
		Enabled:             cfg.Maintenance.Enabled,
		Schedule:            cfg.Maintenance.Schedule,
		InvocationRetention: retention,
	}, store, logSvc.Logger().With(logx.String("comp", "maintenance")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: reg,
		pool:     pl,
		adapter:  ad,
		router:   router,
		maint:    maint,
		debug:    pprof.New(logSvc.Logger()),
	}, nil
}

// Registry exposes the registry client for operational commands (guest
// invites).
func (a *App) Registry() *registry.Client { return a.registry }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.seedHandlers(a.sup.Context(), cfg); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}
	a.debug.Apply(a.sup.Context(), pprof.Config{
		Enabled:              cfg.Debug.Enabled,
		Address:              cfg.Debug.Address,
		BlockProfileRate:     cfg.Debug.BlockProfileRate,
		MutexProfileFraction: cfg.Debug.MutexProfileFraction,
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("dispatch.loop", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type != eventbus.TypePlatformUpdate {
					continue
				}
				up, ok := e.Data.(transport.Update)
				if !ok {
					continue
				}
				// Each update gets its own dispatch round; a slow plugin
				// must not stall the poll loop.
				go a.dispatch(c, up)
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
				lastApplied = a.applyReload(lastApplied, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) dispatch(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			a.router.DispatchMessage(ctx, *up.Message)
		}
	case transport.UpdateReactionAdded:
		if up.Reaction != nil {
			a.router.DispatchReaction(ctx, *up.Reaction, true)
		}
	case transport.UpdateReactionRemoved:
		if up.Reaction != nil {
			a.router.DispatchReaction(ctx, *up.Reaction, false)
		}
	}
}

func (a *App) applyReload(oldCfg, newCfg *config.Config) *config.Config {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return newCfg
	}

	for _, s := range sections {
		switch s {
		case "storage", "registry", "telegram", "runtime", "maintenance":
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	if err := a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	}); err != nil {
		a.log.Warn("applying logging config failed", logx.Err(err))
	}

	a.debug.Apply(a.sup.Context(), pprof.Config{
		Enabled:              newCfg.Debug.Enabled,
		Address:              newCfg.Debug.Address,
		BlockProfileRate:     newCfg.Debug.BlockProfileRate,
		MutexProfileFraction: newCfg.Debug.MutexProfileFraction,
	})

	if err := a.seedHandlers(a.sup.Context(), newCfg); err != nil {
		a.log.Warn("seeding handlers failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return newCfg
}

// seedHandlers registers configured handlers. Registration is idempotent, so
// re-seeding on reload is safe.
func (a *App) seedHandlers(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	for _, h := range cfg.Handlers {
		id, err := a.store.RegisterContentInterest(ctx, storage.RegisterContentInterest{
			RegisterInterest: storage.RegisterInterest{
				Guild:      cfg.Telegram.Guild,
				UserID:     h.UserID,
				PluginName: h.PluginName,
				IsAdmin:    h.Admin,
			},
			Regex: h.Regex,
		})
		if err != nil {
			return fmt.Errorf("seeding handler for %s: %w", h.UserID, err)
		}
		a.log.Debug("handler seeded",
			logx.String("handler", id),
			logx.String("user", h.UserID),
			logx.String("plugin", h.PluginName))
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}
	a.maint.Stop()
	a.debug.Stop(ctx)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}

	a.pool.Close()
	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("closing storage failed", logx.Err(cerr))
	}
	a.log.Info("app stopped")
	_ = a.logs.Close()
	return err
}

// Done is closed when the app's supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("registry.freshness", cfg.Registry.Freshness); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("runtime.idle_timeout", cfg.Runtime.IdleTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("runtime.sweep_interval", cfg.Runtime.SweepInterval); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("runtime.invoke_timeout", cfg.Runtime.InvokeTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("maintenance.invocation_retention", cfg.Maintenance.InvocationRetention); err != nil {
		return err
	}
	return nil
}
