package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"schedbot/internal/commands"
	"schedbot/internal/config"
	"schedbot/internal/dispatch"
	"schedbot/internal/eventbus"
	"schedbot/internal/feedsync"
	"schedbot/internal/ics"
	"schedbot/internal/notifier"
	"schedbot/internal/observability/ops"
	rtsup "schedbot/internal/runtime/supervisor"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	kit "schedbot/internal/transport"
	telegram "schedbot/internal/transport/telegram/adapter"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

// Options are process-level switches that do not belong in the config file.
type Options struct {
	// NoCatchup skips the startup catch-up even when schedule.catchup is on.
	NoCatchup bool
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	adapter *telegram.Adapter
	feeds   *feedsync.Service
	disp    *dispatch.Orchestrator
	sched   *schedule.Service
	notif   *notifier.Service
	ops     *ops.Service
	router  *router.Router
	cmds    *commands.Handlers

	// guarded by mu
	mu           sync.Mutex
	schedEnabled bool
	notifEnabled bool

	updates chan kit.Update
}

// CheckConfig loads and validates the config at path without starting
// anything.
func CheckConfig(path string) error {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return err
	}
	return validate(cfg)
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off: Apply warns when it is enabled
	// without a target, so set the target first.
	logCfg := mapLogging(cfg)
	tgEnabled := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, ad)
	if id := parseChatID(cfg.Telegram.GroupLog); id != 0 {
		logSvc.SetTelegramTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logCfg.Telegram.Enabled = tgEnabled
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	// everything below is built from an already validated config
	ncfg, _ := mapNotifier(cfg)
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)

	fetchTimeout, _ := mapFetchTimeout(cfg)
	fcfg, _ := mapFeedsync(cfg)
	feeds := feedsync.New(fcfg, store, ics.NewFetcher(&http.Client{}, fetchTimeout),
		log.With(logx.String("comp", "feedsync")), bus)

	dcfg, _ := mapDispatch(cfg)
	disp := dispatch.New(dcfg, store, feeds, ad, notifSvc, log.With(logx.String("comp", "dispatch")), bus)

	schedCfg, _ := mapSchedule(cfg)
	sched := schedule.New(schedule.TickContext{
		Store:      store,
		Dispatcher: disp,
		Syncer:     feeds,
		Alerter:    notifSvc,
		Now:        time.Now,
		Log:        log,
		Config:     schedCfg,
	})

	ccfg, _ := mapCommands(cfg)
	cmds := commands.New(ccfg, store, feeds, disp, log.With(logx.String("comp", "commands")))
	rt := router.New(log.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs,
		router.WithAudit(store),
		router.WithContact(cmds.OnContact),
	)

	a := &App{
		opts:         opts,
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		adapter:      ad,
		feeds:        feeds,
		disp:         disp,
		sched:        sched,
		notif:        notifSvc,
		router:       rt,
		cmds:         cmds,
		schedEnabled: cfg.Schedule.Enabled,
		notifEnabled: ncfg.Enabled,
		updates:      make(chan kit.Update, 256),
	}
	ocfg, _ := mapOps(cfg)
	a.ops = ops.New(ocfg, a.health, log)
	return a, nil
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

func (a *App) health(ctx context.Context) ops.Health {
	h := ops.Health{OK: true, Details: map[string]any{}}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		if snap.FirstError != "" {
			h.OK = false
			h.Details["first_error"] = snap.FirstError
		}
		h.Details["goroutines"] = len(snap.Goroutines)
	}
	if ad := a.adapter.Supervisor(); ad != nil {
		if err := ad.Err(); err != nil {
			h.Details["telegram_error"] = err.Error()
		}
	}
	stale, err := a.store.FindStale(ctx, a.disp.Config().StaleAfter, time.Now())
	if err != nil {
		h.OK = false
		h.Details["storage_error"] = err.Error()
	} else {
		h.Details["stale_reservations"] = len(stale)
	}
	h.Details["events_dropped"] = eventbus.Dropped(a.bus)
	return h
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.mu.Lock()
	notifOn, schedOn := a.notifEnabled, a.schedEnabled
	a.mu.Unlock()
	if notifOn {
		a.notif.Start(a.sup.Context())
	}
	a.ops.Start(a.sup.Context())

	menu := a.router.SetCommands(a.cmds.Commands())
	a.sup.Go("commands.menu", func(c context.Context) error {
		a.router.UpdateMenu(c, menu)
		return nil
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("eventbus.log", func(c context.Context) error {
		return eventbus.LogEvents(c, a.bus, a.log.With(logx.String("comp", "eventbus")))
	})

	if schedOn {
		catchup := a.cfgm.Get().Schedule.CatchupEnabled() && !a.opts.NoCatchup
		a.sup.Go("schedule.start", func(c context.Context) error {
			if catchup {
				rep := schedule.RunCatchUp(c, a.sched.TickContext())
				a.log.Info("catch-up finished", logx.Int("delivered", len(rep.Tick.Delivered)))
			}
			a.mu.Lock()
			defer a.mu.Unlock()
			// a reload may have switched the schedule off meanwhile
			if !a.schedEnabled {
				return nil
			}
			return a.sched.Start(c)
		})
	}

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdogLoop(c, a.log, func() bool { return a.sup.Err() == nil })
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
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
			if err != nil && !errors.Is(err, context.Canceled) {
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
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// schedule first so no new dispatch starts; storage last
	step("schedule", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
