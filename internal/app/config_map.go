package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/commands"
	"schedbot/internal/config"
	"schedbot/internal/dispatch"
	"schedbot/internal/feedsync"
	"schedbot/internal/ics"
	"schedbot/internal/notifier"
	"schedbot/internal/observability/ops"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

const (
	defaultDBPath      = "./schedbot.db"
	defaultTimezone    = "Europe/Moscow"
	defaultMorningTime = "07:00"
	defaultPollTimeout = 10 * time.Second
)

func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultDBPath, BusyTimeout: time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, fmt.Errorf("storage is required: set storage.driver=sqlite")
	case "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func parseChatID(raw string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// alertTarget is admin_chat_id, else the log group.
func alertTarget(cfg *config.Config) kit.ChatTarget {
	if id := parseChatID(cfg.Telegram.AdminChatID); id != 0 {
		return kit.ChatTarget{ChatID: id}
	}
	return kit.ChatTarget{ChatID: parseChatID(cfg.Telegram.GroupLog), ThreadID: cfg.Logging.Telegram.ThreadID}
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Target:          alertTarget(cfg),
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	oc := ops.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}
	if oc.Enabled {
		if err := ops.CheckBind(oc); err != nil {
			return ops.Config{}, err
		}
	}
	return oc, nil
}

func location(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Schedule.Timezone)
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	stale, err := config.ParseDurationOrDefault("dispatch.stale_after", cfg.Dispatch.StaleAfter, 15*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	send, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{StaleAfter: stale, SendTimeout: send}, nil
}

func mapSchedule(cfg *config.Config) (schedule.Config, error) {
	loc, err := location(cfg)
	if err != nil {
		return schedule.Config{}, err
	}
	tick, err := config.ParseDurationOrDefault("schedule.tick", cfg.Schedule.Tick, time.Minute)
	if err != nil {
		return schedule.Config{}, err
	}
	dc, err := mapDispatch(cfg)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Location:         loc,
		Tick:             tick,
		CoverageCheckAt:  strings.TrimSpace(cfg.Schedule.CoverageCheckAt),
		CoverageWarnDays: cfg.Schedule.CoverageWarnDays,
		StaleAfter:       dc.StaleAfter,
	}, nil
}

func mapFeedsync(cfg *config.Config) (feedsync.Config, error) {
	loc, err := location(cfg)
	if err != nil {
		return feedsync.Config{}, err
	}
	minInterval, err := config.ParseDurationField("ical.min_interval", cfg.ICal.MinInterval)
	if err != nil {
		return feedsync.Config{}, err
	}
	return feedsync.Config{
		DefaultURL:      strings.TrimSpace(cfg.ICal.DefaultURL),
		FallbackEnabled: cfg.ICal.FallbackEnabled,
		MinInterval:     minInterval,
		SyncDays:        cfg.ICal.SyncDays,
		Limits:          ics.Limits{HorizonDays: cfg.ICal.HorizonDays, MaxInstances: cfg.ICal.MaxInstances},
		Location:        loc,
	}, nil
}

func mapFetchTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("ical.fetch_timeout", cfg.ICal.FetchTimeout)
}

func mapCommands(cfg *config.Config) (commands.Config, error) {
	loc, err := location(cfg)
	if err != nil {
		return commands.Config{}, err
	}
	morning := strings.TrimSpace(cfg.Schedule.MorningTime)
	if morning == "" {
		morning = defaultMorningTime
	}
	// new chats start switched off until an operator runs /setup
	return commands.Config{
		Location: loc,
		Defaults: storage.SettingsDefaults{
			Mode:        storage.ModeOff,
			MorningTime: morning,
			EveningTime: strings.TrimSpace(cfg.Schedule.EveningTime),
			Timezone:    loc.String(),
		},
	}, nil
}

// validate runs the static checks plus every mapper, so a config that would
// fail to apply is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	if _, err := mapSchedule(cfg); err != nil {
		return err
	}
	if _, err := mapFeedsync(cfg); err != nil {
		return err
	}
	_, err := mapCommands(cfg)
	return err
}
