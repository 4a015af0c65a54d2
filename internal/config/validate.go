package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/schedule"
)

// Validate checks cfg for values that would fail at runtime: timezones,
// HH:MM times, durations, URLs and basic bounds. It reports every problem
// at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	hhmm := func(path, raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		if _, err := schedule.ParseHHMM(raw); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}
	chatID := func(path, raw string) {
		if s := strings.TrimSpace(raw); s != "" {
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				add(fmt.Errorf("%s: invalid chat id %q", path, raw))
			}
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	chatID("telegram.group_log", cfg.Telegram.GroupLog)
	chatID("telegram.admin_chat_id", cfg.Telegram.AdminChatID)

	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err))
		}
	}
	hhmm("schedule.morning_time", cfg.Schedule.MorningTime)
	hhmm("schedule.evening_time", cfg.Schedule.EveningTime)
	hhmm("schedule.coverage_check_at", cfg.Schedule.CoverageCheckAt)
	dur("schedule.tick", cfg.Schedule.Tick)
	if cfg.Schedule.CoverageWarnDays < 0 {
		add(errors.New("schedule.coverage_warn_days must be >= 0"))
	}

	if u := strings.TrimSpace(cfg.ICal.DefaultURL); u != "" {
		add(checkFeedURL("ical.default_url", u))
	} else if cfg.ICal.FallbackEnabled {
		add(errors.New("ical.fallback_enabled requires ical.default_url"))
	}
	dur("ical.min_interval", cfg.ICal.MinInterval)
	dur("ical.fetch_timeout", cfg.ICal.FetchTimeout)
	if cfg.ICal.SyncDays < 0 || cfg.ICal.HorizonDays < 0 || cfg.ICal.MaxInstances < 0 {
		add(errors.New("ical.sync_days, ical.horizon_days and ical.max_instances must be >= 0"))
	}

	dur("dispatch.stale_after", cfg.Dispatch.StaleAfter)
	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: numeric fields must be >= 0"))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required when storage.driver=sqlite"))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	return errors.Join(errs...)
}

func checkFeedURL(path, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", path)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", path)
	}
	return nil
}
