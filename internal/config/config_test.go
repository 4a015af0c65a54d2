package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  admin_chat_id: "-1001"
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./schedbot.db
schedule:
  enabled: true
  timezone: Europe/Moscow
  morning_time: "07:00"
  evening_time: "19:00"
  catchup: false
ical:
  default_url: https://example.org/feed.ics
  fallback_enabled: true
  min_interval: 30m
dispatch:
  stale_after: 15m
ops:
  enabled: true
  pprof: true
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Schedule.CatchupEnabled() {
		t.Fatalf("catchup should be disabled")
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}

	js := `{"telegram":{"token":"t","owner_user_ids":[],"group_log":"","poll_timeout":"10s"},"logging":{"level":"debug","console":true,"file":{"enabled":false,"path":""},"telegram":{"enabled":false,"thread_id":0,"min_level":"","rate_per_sec":0}},"schedule":{"enabled":false},"ical":{},"dispatch":{}}`
	cfg, err = Decode("config.json", []byte(js))
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if !cfg.Schedule.CatchupEnabled() {
		t.Fatalf("catchup defaults to enabled")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body string
	}{
		{"unknown key", "c.yaml", "telegram: {token: t}\nplugins: {}\n"},
		{"trailing json", "c.json", `{"telegram":{"token":"t"}} {}`},
		{"bad yaml", "c.yml", "telegram: [\n"},
		{"two yaml documents", "c.yaml", "telegram: {token: t}\n---\ntelegram: {token: u}\n"},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"tz", func(c *Config) { c.Schedule.Timezone = "Mars/Base" }, "schedule.timezone"},
		{"morning", func(c *Config) { c.Schedule.MorningTime = "7am" }, "schedule.morning_time"},
		{"evening", func(c *Config) { c.Schedule.EveningTime = "25:00" }, "schedule.evening_time"},
		{"tick", func(c *Config) { c.Schedule.Tick = "soon" }, "schedule.tick"},
		{"url", func(c *Config) { c.ICal.DefaultURL = "ftp://x/y" }, "ical.default_url"},
		{"fallback", func(c *Config) { c.ICal.FallbackEnabled = true }, "ical.fallback_enabled"},
		{"stale", func(c *Config) { c.Dispatch.StaleAfter = "-1m" }, "dispatch.stale_after"},
		{"storage", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, "storage.driver"},
		{"admin", func(c *Config) { c.Telegram.AdminChatID = "ops" }, "telegram.admin_chat_id"},
	}
	for _, tc := range cases {
		c := base()
		tc.mutate(c)
		err := Validate(c)
		if tc.want == "" {
			if err != nil {
				t.Fatalf("%s: unexpected %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Decode("b.yaml", []byte(sampleYAML))

	if changed, _ := SummarizeConfigChange(a, b); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}

	b.Telegram.Token = "999:zzz"
	b.Ops.Token = "secret"
	b.Schedule.Tick = "30s"
	b.Storage.Path = "./other.db"
	changed, attrs := SummarizeConfigChange(a, b)
	want := "ops,schedule,storage,telegram.token"
	if got := strings.Join(changed, ","); got != want {
		t.Fatalf("changed = %s, want %s", got, want)
	}
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	ev := lg.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	if out := buf.String(); strings.Contains(out, "999:zzz") || strings.Contains(out, "secret") {
		t.Fatalf("secret leaked: %s", out)
	}
	if got := strings.Join(RequiresRestart(changed), ","); got != "storage,telegram.token" {
		t.Fatalf("restart = %s", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// invalid change is rejected
	bad := strings.Replace(sampleYAML, "Europe/Moscow", "Nowhere/Land", 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := m.Get().Schedule.Timezone; got != "Europe/Moscow" {
		t.Fatalf("invalid config committed: tz = %s", got)
	}

	good := strings.Replace(sampleYAML, "Europe/Moscow", "Asia/Tokyo", 1)
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Schedule.Timezone != "Asia/Tokyo" {
			t.Fatalf("published tz = %s", cfg.Schedule.Timezone)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", time.Minute, false},
		{"0s", time.Minute, false},
		{" 90s ", 90 * time.Second, false},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x.timeout", tc.raw, time.Minute)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, %v; want %v err=%v", tc.raw, got, err, tc.want, tc.wantErr)
		}
	}
	if d, err := ParseDurationField("x.timeout", ""); err != nil || d != 0 {
		t.Fatalf("empty field = %v, %v", d, err)
	}
}
