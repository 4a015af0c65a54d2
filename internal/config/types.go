package config

// Config is the on-disk configuration. JSON and YAML are both accepted;
// unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Schedule ScheduleConfig  `json:"schedule"`
	ICal     ICalConfig      `json:"ical"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// AdminChatID receives operator alerts. Falls back to GroupLog.
	AdminChatID string `json:"admin_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScheduleConfig controls the periodic delivery loop and the defaults used
// for chats seen for the first time.
type ScheduleConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the fallback IANA zone for chats without one.
	Timezone    string `json:"timezone,omitempty"`
	MorningTime string `json:"morning_time,omitempty"` // HH:MM, default 07:00
	EveningTime string `json:"evening_time,omitempty"` // HH:MM, default 19:00

	Tick             string `json:"tick,omitempty"`              // default 1m
	CoverageCheckAt  string `json:"coverage_check_at,omitempty"` // HH:MM, default 10:00
	CoverageWarnDays int    `json:"coverage_warn_days,omitempty"`

	// Catchup runs one tick plus a stale-reservation scan on startup.
	// Nil means true.
	Catchup *bool `json:"catchup,omitempty"`
}

// CatchupEnabled reports the effective catch-up flag.
func (s ScheduleConfig) CatchupEnabled() bool { return s.Catchup == nil || *s.Catchup }

type ICalConfig struct {
	DefaultURL      string `json:"default_url,omitempty"`
	FallbackEnabled bool   `json:"fallback_enabled,omitempty"`
	MinInterval     string `json:"min_interval,omitempty"`
	SyncDays        int    `json:"sync_days,omitempty"`
	FetchTimeout    string `json:"fetch_timeout,omitempty"`
	HorizonDays     int    `json:"horizon_days,omitempty"`
	MaxInstances    int    `json:"max_instances,omitempty"`
}

type DispatchConfig struct {
	StaleAfter  string `json:"stale_after,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// DefaultNotifier is the effective notifier section when it is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// OpsConfig controls the operator HTTP endpoint.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
