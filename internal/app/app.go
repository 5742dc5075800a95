// Package app assembles the process: config, logging, storage, the
// browser driver, the session registry, the join scheduler, the
// notifier, maintenance cron jobs and the Telegram control surface.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/config"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/driver/webdriver"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/joinqueue"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/maintenance"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/notifier"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/session"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/telegram"
	"github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

const stopTimeout = 20 * time.Second

// App owns every long-lived component and their start/stop order.
type App struct {
	log     logx.Logger
	logSvc  *logx.Service
	cfgMgr  *config.Manager
	store   store.Store
	reg     *session.Registry
	bot     *telegram.Bot
	notif   *notifier.Service
	sched   *joinqueue.Scheduler
	maint   *maintenance.Service
	started bool
}

// New loads the config and constructs every component without starting
// any of them.
func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgMgr.Load()
	if err != nil {
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
	cfgMgr = config.NewManager(cfgPath, log.With(logx.String("component", "config")))
	if _, err := cfgMgr.Load(); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.ParseDurationOrDefault(cfg.Storage.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("component", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	factory, err := webdriver.NewFactory(webdriver.Config{
		BaseURL:        cfg.Driver.BaseURL,
		RequestTimeout: config.ParseDurationOrDefault(cfg.Driver.RequestTimeout, 30*time.Second),
	}, log.With(logx.String("component", "webdriver")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("driver factory: %w", err)
	}

	entryURL := cfg.Driver.EntryURL
	if entryURL == "" {
		entryURL = "https://web.whatsapp.com"
	}
	reg := session.NewRegistry(factory, entryURL, session.DefaultTimeouts(),
		log.With(logx.String("component", "session")))

	bot, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
		PollTimeout:  config.ParseDurationOrDefault(cfg.Telegram.PollTimeout, 10*time.Second),
	}, st, reg, log)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram bot: %w", err)
	}

	ownerID := cfg.Telegram.OwnerUserIDs[0]
	notif := notifier.New(notifier.Config{
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: float64(cfg.Notifier.RatePerSec),
	}, bot, ownerID, log)

	sched := joinqueue.NewScheduler(schedulerConfig(cfg), st, reg, notif, ownerID, log)

	maint := maintenance.New(maintenance.Config{
		Enabled:        cfg.Maintenance.Enabled,
		SummarySpec:    cfg.Maintenance.SummarySpec,
		CleanupSpec:    cfg.Maintenance.CleanupSpec,
		QueueRetainFor: config.ParseDurationOrDefault(cfg.Maintenance.QueueRetainFor, 7*24*time.Hour),
	}, st, notif, ownerID, log)

	return &App{
		log:    log.With(logx.String("component", "app")),
		logSvc: logSvc,
		cfgMgr: cfgMgr,
		store:  st,
		reg:    reg,
		bot:    bot,
		notif:  notif,
		sched:  sched,
		maint:  maint,
	}, nil
}

func schedulerConfig(cfg config.Config) joinqueue.Config {
	return joinqueue.Config{
		MaxPerBatch:  cfg.Scheduler.MaxPerBatch,
		CycleDelay:   config.ParseDurationOrDefault(cfg.Scheduler.CycleDelay, 5*time.Minute),
		RequestPause: config.ParseDurationOrDefault(cfg.Scheduler.RequestPause, 2*time.Second),
		AccountPause: config.ParseDurationOrDefault(cfg.Scheduler.AccountPause, 10*time.Second),
		ErrorBackoff: config.ParseDurationOrDefault(cfg.Scheduler.ErrorBackoff, time.Minute),
	}
}

// Start brings components up in dependency order and signals readiness
// to systemd when running under it.
func (a *App) Start(ctx context.Context) error {
	a.notif.Start(ctx)
	a.sched.Start(ctx)
	if err := a.maint.Start(); err != nil {
		a.sched.Stop(stopTimeout)
		a.notif.Stop(stopTimeout)
		return err
	}
	a.bot.Start()

	if err := a.cfgMgr.Watch(a.applyConfig); err != nil {
		a.log.Warn("config watch unavailable", logx.Err(err))
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Info("systemd notified ready")
	}

	a.started = true
	a.log.Info("started")
	return nil
}

// applyConfig re-applies the hot-reloadable subset: log level and
// scheduler pacing. Everything else needs a restart.
func (a *App) applyConfig(cfg config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.sched.SetPacing(schedulerConfig(cfg))
	a.log.Info("hot config applied", logx.String("level", cfg.Logging.Level))
}

// Stop tears everything down in reverse order. Sessions close last so
// in-flight joins can record their outcome first.
func (a *App) Stop() {
	if !a.started {
		return
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	_ = a.cfgMgr.Close()
	a.bot.Stop()
	a.maint.Stop()
	a.sched.Stop(stopTimeout)
	a.notif.Stop(stopTimeout)

	closeCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	a.reg.CloseAll(closeCtx)
	cancel()

	if err := a.store.Close(); err != nil {
		a.log.Error("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logSvc.Close()
}
