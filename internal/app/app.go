// Package app wires config, storage, fleet, scheduler, dispatch and the API
// into one process with a shared supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"msgfleet/internal/api"
	"msgfleet/internal/command"
	"msgfleet/internal/config"
	"msgfleet/internal/dispatch"
	"msgfleet/internal/eventbus"
	"msgfleet/internal/fleet"
	"msgfleet/internal/platform"
	"msgfleet/internal/platform/telegram"
	"msgfleet/internal/runtime/supervisor"
	"msgfleet/internal/sched"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   store.Store
	broker  command.Broker
	senders *platform.Registry

	orc   *fleet.Orchestrator
	sched *sched.Scheduler
	api   *api.Server

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, err := logx.New(logx.Config{
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
	log := logs.Logger().With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logs.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	broker, err := newBroker(cfg, logs.Logger().With(logx.String("comp", "command")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	senders := platform.NewRegistry()
	if cfg.Platforms.Telegram.Enabled {
		tg, terr := telegram.New(telegram.Config{Token: cfg.Platforms.Telegram.Token},
			logs.Logger().With(logx.String("comp", "telegram")))
		if terr != nil {
			_ = st.Close()
			return nil, terr
		}
		senders.Register(store.PlatformTelegram, tg)
	}

	fleetOpts, err := mapFleetOptions(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rt := fleet.NewLocalRuntime(cfg.Fleet.InstanceCommand, logs.Logger().With(logx.String("comp", "runtime")))
	orc := fleet.NewOrchestrator(st, rt, bus, broker,
		logs.Logger().With(logx.String("comp", "fleet")), fleetOpts)

	schedOpts, err := mapSchedOptions(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	schd := sched.New(st, bus, logs.Logger().With(logx.String("comp", "sched")), schedOpts)

	proc := dispatch.NewProcessor(st, orc, senders, dispatch.NewCounters(),
		logs.Logger().With(logx.String("comp", "dispatch")))
	schd.RegisterHandler(dispatch.TaskType, proc.Handle)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   st,
		broker:  broker,
		senders: senders,
		orc:     orc,
		sched:   schd,
	}
	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = "127.0.0.1:8470"
		}
		var apiOpts []api.Option
		if cfg.API.Debug {
			apiOpts = append(apiOpts, api.WithDebug())
		}
		a.api = api.New(addr, orc, schd, st, logs.Logger().With(logx.String("comp", "api")), apiOpts...)
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.orc.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	// Hot reload: logging is the only section applied live; everything else
	// takes effect on restart.
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				err := a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				if err != nil {
					a.log.Warn("logging reload failed", logx.Err(err))
				}
			}
		}
	})

	a.log.Info("msgfleet started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.api != nil {
		keep(a.api.Stop(ctx))
	}
	keep(a.sched.Stop(ctx))
	keep(a.orc.Stop(ctx))
	if a.sup != nil {
		keep(a.sup.Stop(ctx))
	}
	keep(a.broker.Close())
	keep(a.store.Close())
	keep(a.logs.Close())
	return firstErr
}

// Done is closed when the supervisor context ends (fatal error or Stop).
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

func newBroker(cfg *config.Config, log logx.Logger) (command.Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Command.Driver)) {
	case "", "memory":
		return command.NewMemory(eventbus.New()), nil
	case "redis":
		if cfg.Command.RedisAddr == "" {
			return nil, fmt.Errorf("command.redis_addr is required for the redis driver")
		}
		return command.NewRedis(command.RedisConfig{
			Addr:     cfg.Command.RedisAddr,
			Password: cfg.Command.RedisPassword,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown command driver %q", cfg.Command.Driver)
	}
}

func mapFleetOptions(cfg *config.Config) (fleet.Options, error) {
	monitor, err := config.ParseDurationOrDefault("fleet.monitor_interval", cfg.Fleet.MonitorInterval, 30*time.Second)
	if err != nil {
		return fleet.Options{}, err
	}
	inspect, err := config.ParseDurationOrDefault("fleet.inspect_timeout", cfg.Fleet.InspectTimeout, 5*time.Second)
	if err != nil {
		return fleet.Options{}, err
	}
	maxAge, err := config.ParseDurationOrDefault("fleet.heartbeat_max_age", cfg.Fleet.HeartbeatMaxAge, 5*time.Minute)
	if err != nil {
		return fleet.Options{}, err
	}
	settle, err := config.ParseDurationOrDefault("fleet.restart_settle", cfg.Fleet.RestartSettle, 2*time.Second)
	if err != nil {
		return fleet.Options{}, err
	}
	opts := fleet.Options{
		MonitorInterval: monitor,
		InspectTimeout:  inspect,
		HeartbeatMaxAge: maxAge,
		ErrorThreshold:  cfg.Fleet.ErrorThreshold,
		RestartSettle:   settle,
		BasePort:        cfg.Fleet.BasePort,
	}
	if cfg.API.Enabled {
		opts.CallbackAddr = cfg.API.Addr
	}
	return opts, nil
}

func mapSchedOptions(cfg *config.Config) (sched.Options, error) {
	base, err := config.ParseDurationOrDefault("sched.retry_base", cfg.Sched.RetryBase, time.Second)
	if err != nil {
		return sched.Options{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("sched.retry_max_delay", cfg.Sched.RetryMaxDelay, time.Minute)
	if err != nil {
		return sched.Options{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Sched.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return sched.Options{}, fmt.Errorf("sched.timezone: invalid %q: %w", tz, err)
		}
	}
	return sched.Options{
		WorkersPerQueue: cfg.Sched.WorkersPerQueue,
		QueueSize:       cfg.Sched.QueueSize,
		RetryMax:        cfg.Sched.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		Location:        loc,
	}, nil
}

// validateConfig rejects bad hot reloads before they are committed.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Fleet.ErrorThreshold < 0 {
		return fmt.Errorf("fleet.error_threshold must be >= 0")
	}
	if cfg.Sched.WorkersPerQueue < 0 {
		return fmt.Errorf("sched.workers_per_queue must be >= 0")
	}
	if cfg.Sched.QueueSize < 0 {
		return fmt.Errorf("sched.queue_size must be >= 0")
	}
	if cfg.Sched.RetryMax < 0 {
		return fmt.Errorf("sched.retry_max must be >= 0")
	}
	if _, err := mapFleetOptions(cfg); err != nil {
		return err
	}
	if _, err := mapSchedOptions(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return err
	}
	return nil
}
