// Package app wires the monitoring and dispatch services together and owns
// their lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"dealbot/internal/catalog"
	"dealbot/internal/config"
	"dealbot/internal/digest"
	"dealbot/internal/dispatch"
	"dealbot/internal/monitor"
	"dealbot/internal/pricesource"
	"dealbot/internal/transport"
	"dealbot/internal/transport/telegram"
	"dealbot/pkg/logx"
)

// Status is the operational snapshot served to the admin surface.
type Status struct {
	Scheduler monitor.SchedulerStatus
	Dispatch  dispatch.Snapshot
}

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store  catalog.Store
	engine *dispatch.Engine
	sched  *monitor.Scheduler
	digest *digest.Service

	monitorOn bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New loads the config file and assembles the full production stack:
// sqlite catalog, telebot transport, breaker-guarded price source.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logCfg(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := catalogCfg(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	store, err := catalog.Open(storeCfg, log.With(logx.String("comp", "catalog")))
	if err != nil {
		return nil, err
	}

	sendTimeout, err := config.ParseDurationField("telegram.send_timeout", cfg.Telegram.SendTimeout)
	if err != nil {
		return nil, err
	}
	tr, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		SendTimeout: sendTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	srcCfg, err := sourceCfg(cfg.Source)
	if err != nil {
		return nil, err
	}
	source, err := pricesource.Open(srcCfg, log.With(logx.String("comp", "pricesource")))
	if err != nil {
		return nil, err
	}

	a, err := NewWithDeps(cfg, store, tr, source, log)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logs
	return a, nil
}

// NewWithDeps assembles the app around caller-provided backends. Production
// wiring goes through New; tests inject fakes here.
func NewWithDeps(cfg *config.Config, store catalog.Store, tr transport.Transport, source pricesource.Source, log logx.Logger) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	dispatchCfg, err := dispatchCfg(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	engine := dispatch.New(dispatchCfg, store, tr, log.With(logx.String("comp", "dispatch")))

	det := monitor.NewDetector(store, cfg.Monitor.DefaultThreshold, log.With(logx.String("comp", "detector")))

	schedCfg, err := schedulerCfg(cfg.Monitor)
	if err != nil {
		return nil, err
	}
	sched := monitor.NewScheduler(schedCfg, store, source, det, engine, log.With(logx.String("comp", "monitor")))

	dig := digest.New(digestCfg(cfg.Digest), store, engine, log.With(logx.String("comp", "digest")))

	return &App{
		log:       log.With(logx.String("comp", "app")),
		store:     store,
		engine:    engine,
		sched:     sched,
		digest:    dig,
		monitorOn: cfg.Monitor.Enabled == nil || *cfg.Monitor.Enabled,
	}, nil
}

// Start brings up dispatch first so nothing the monitor enqueues can be
// lost, then the monitor loop and the digest schedule.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true
	a.mu.Unlock()

	a.engine.Start(runCtx)
	if a.monitorOn {
		a.sched.Start(runCtx)
	}
	if err := a.digest.Start(); err != nil {
		return fmt.Errorf("start digest: %w", err)
	}

	if a.cfgm != nil {
		go func() {
			if err := a.cfgm.Watch(runCtx); err != nil {
				a.log.Warn("config watch stopped", logx.Err(err))
			}
		}()
		go a.applyLoop(runCtx)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// Stop shuts down in producer-to-consumer order: monitor and digest stop
// admitting events, then dispatch drains, then the store closes.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sched.Stop(ctx)
	a.digest.Stop(ctx)
	a.engine.Stop(ctx)
	if cancel != nil {
		cancel()
	}

	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	a.log.Info("app stopped")
	return err
}

// Enqueue feeds an out-of-band event (admin broadcast, digest) straight
// into the outbound queue.
func (a *App) Enqueue(ev monitor.Event) error { return a.engine.Enqueue(ev) }

// Broadcast enqueues admin-provided text to every authorized destination.
func (a *App) Broadcast(text string) error { return a.engine.Enqueue(digest.Broadcast(text)) }

// Status reports the current cycle phase and outbound queue state.
func (a *App) Status() Status {
	return Status{
		Scheduler: a.sched.Status(),
		Dispatch:  a.engine.Snapshot(),
	}
}

// applyLoop pushes reloaded config into the running services.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			if a.logs != nil {
				a.logs.Apply(logCfg(cfg.Logging))
			}
			if dcfg, err := dispatchCfg(cfg.Dispatch); err == nil {
				a.engine.Apply(dcfg)
			} else {
				a.log.Warn("dispatch config not applied", logx.Err(err))
			}
			if scfg, err := schedulerCfg(cfg.Monitor); err == nil {
				a.sched.Apply(scfg)
			} else {
				a.log.Warn("monitor config not applied", logx.Err(err))
			}
			a.log.Info("config applied")
		}
	}
}
