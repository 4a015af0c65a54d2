package config

import (
	"reflect"
	"sort"
	"strings"

	logx "schedbot/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{"storage": true, "telegram.token": true, "ical.fetch_timeout": true}

// RequiresRestart reports whether any changed section needs a process restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange returns a compact sorted list of changed sections and
// safe structured attrs for logging. Secrets (bot token, ops token) are
// never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token {
		changed = append(changed, "telegram.token")
	}
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		strings.TrimSpace(ot.AdminChatID) != strings.TrimSpace(nt.AdminChatID) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.admin_chat_set", strings.TrimSpace(nt.AdminChatID) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		s := newCfg.Schedule
		attrs = append(attrs,
			logx.Bool("schedule.enabled", s.Enabled),
			logx.String("schedule.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("schedule.tick", strings.TrimSpace(s.Tick)),
			logx.String("schedule.coverage_check_at", strings.TrimSpace(s.CoverageCheckAt)),
		)
	}

	oi, ni := oldCfg.ICal, newCfg.ICal
	if strings.TrimSpace(oi.FetchTimeout) != strings.TrimSpace(ni.FetchTimeout) {
		changed = append(changed, "ical.fetch_timeout")
	}
	oi.FetchTimeout, ni.FetchTimeout = "", ""
	if oi != ni {
		changed = append(changed, "ical")
		attrs = append(attrs,
			logx.Bool("ical.default_url_set", strings.TrimSpace(ni.DefaultURL) != ""),
			logx.Bool("ical.fallback_enabled", ni.FallbackEnabled),
			logx.String("ical.min_interval", strings.TrimSpace(ni.MinInterval)),
			logx.Int("ical.sync_days", ni.SyncDays),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.stale_after", strings.TrimSpace(newCfg.Dispatch.StaleAfter)),
			logx.String("dispatch.send_timeout", strings.TrimSpace(newCfg.Dispatch.SendTimeout)),
		)
	}

	// nil notifier means runtime defaults
	oldN, newN := DefaultNotifier(), DefaultNotifier()
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		o := newCfg.Ops
		attrs = append(attrs,
			logx.Bool("ops.enabled", o.Enabled),
			logx.String("ops.addr", strings.TrimSpace(o.Addr)),
			logx.Bool("ops.pprof", o.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(o.Token) != ""),
			logx.Bool("ops.allow_insecure", o.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
