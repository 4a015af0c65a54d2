package schedule

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"schedbot/internal/dispatch"
	"schedbot/internal/feedsync"
	"schedbot/internal/storage"
	"schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

func TestParseHHMM(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"07:00", 420, true},
		{"7:05", 425, true},
		{"19:00:30", 1140, true},
		{"24:00", 0, false},
		{"07:60", 0, false},
		{"0700", 0, false},
		{"", 0, false},
		{"7:5", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseHHMM(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ParseHHMM(%q) = %d, %v; want %d ok=%v", tc.in, got, err, tc.want, tc.ok)
		}
	}
}

func TestEvaluateDue(t *testing.T) {
	t.Parallel()

	base := storage.ChatSettings{ChatID: 1, Mode: storage.ModeTwiceDaily, MorningTime: "07:00", EveningTime: "19:00", Timezone: "UTC"}
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }
	with := func(f func(*storage.ChatSettings)) storage.ChatSettings {
		cs := base
		f(&cs)
		return cs
	}

	cases := []struct {
		name     string
		cs       storage.ChatSettings
		now      time.Time
		want     []string
		problems int
	}{
		{"off", with(func(c *storage.ChatSettings) { c.Mode = storage.ModeOff }), at(20, 0), nil, 0},
		{"before morning", base, at(6, 59), nil, 0},
		{"morning", base, at(7, 0), []string{"morning>2026-03-02"}, 0},
		{"both", base, at(19, 5), []string{"morning>2026-03-02", "evening>2026-03-03"}, 0},
		{"daily ignores evening", with(func(c *storage.ChatSettings) { c.Mode = storage.ModeDaily }), at(19, 5), []string{"morning>2026-03-02"}, 0},
		{"no evening time", with(func(c *storage.ChatSettings) { c.EveningTime = "" }), at(19, 5), []string{"morning>2026-03-02"}, 0},
		{"invalid morning", with(func(c *storage.ChatSettings) { c.MorningTime = "7am" }), at(19, 5), []string{"evening>2026-03-03"}, 1},
		{"chat timezone", with(func(c *storage.ChatSettings) { c.Timezone = "Europe/Moscow" }), at(4, 5), []string{"morning>2026-03-02"}, 0},
		{"month end", base, time.Date(2026, 2, 28, 20, 0, 0, 0, time.UTC), []string{"morning>2026-02-28", "evening>2026-03-01"}, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			due, problems := EvaluateDue(tc.cs, tc.now, time.UTC)
			var got []string
			for _, ob := range due {
				got = append(got, string(ob.Kind)+">"+ob.Target)
				if ob.Today != tc.now.In(tc.cs.Location(time.UTC)).Format(storage.DateLayout) {
					t.Fatalf("obligation %+v has wrong bookkeeping date", ob)
				}
			}
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("due = %v, want %v", got, tc.want)
			}
			if len(problems) != tc.problems {
				t.Fatalf("problems = %v, want %d", problems, tc.problems)
			}
		})
	}
}

type recordingSender struct {
	mu    sync.Mutex
	chats []int64
}

func (s *recordingSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, to.ChatID)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) Alert(ctx context.Context, text string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, text)
	a.mu.Unlock()
}

func (a *alerts) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
}

type fixture struct {
	st     *storage.Store
	sender *recordingSender
	alerts *alerts
	now    time.Time
	tc     TickContext
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fx := &fixture{st: st, sender: &recordingSender{}, alerts: &alerts{}, now: now}
	clock := func() time.Time { return fx.now }
	orch := dispatch.New(dispatch.Config{}, st, nil, fx.sender, fx.alerts, logx.Nop(), nil, dispatch.WithClock(clock))
	fx.tc = TickContext{
		Store:      st,
		Dispatcher: orch,
		Alerter:    fx.alerts,
		Now:        clock,
		Log:        logx.Nop(),
		Config:     Config{Location: time.UTC},
	}
	return fx
}

func (fx *fixture) chat(t *testing.T, chatID int64, mode storage.Mode) {
	t.Helper()
	_, err := fx.st.EnsureSettings(context.Background(), chatID, "", storage.SettingsDefaults{
		Mode: mode, MorningTime: "07:00", EveningTime: "19:00", Timezone: "UTC",
	})
	if err != nil {
		t.Fatalf("ensure settings: %v", err)
	}
}

func TestRunTickTwiceDaily(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2026, 3, 2, 19, 5, 0, 0, time.UTC))
	fx.chat(t, 1, storage.ModeTwiceDaily)
	fx.chat(t, 2, storage.ModeOff)

	rep := RunTick(context.Background(), fx.tc)
	if rep.Chats != 1 || len(rep.Delivered) != 2 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	for _, key := range []storage.LedgerKey{
		{ChatID: 1, Date: "2026-03-02", Kind: storage.KindMorning},
		{ChatID: 1, Date: "2026-03-03", Kind: storage.KindEvening},
	} {
		e, ok, err := fx.st.GetLedger(context.Background(), key)
		if err != nil || !ok || e.Status != storage.StatusOK {
			t.Fatalf("ledger %v = %+v ok=%v err=%v", key, e, ok, err)
		}
	}
	cs, _, _ := fx.st.GetSettings(context.Background(), 1)
	if cs.LastSentMorningDate != "2026-03-02" || cs.LastSentEveningDate != "2026-03-02" {
		t.Fatalf("bookkeeping = %q/%q", cs.LastSentMorningDate, cs.LastSentEveningDate)
	}

	fx.now = fx.now.Add(time.Minute)
	again := RunTick(context.Background(), fx.tc)
	if again.Due != 0 || fx.sender.count() != 2 {
		t.Fatalf("second tick re-sent: %+v, sends=%d", again, fx.sender.count())
	}
}

func TestRunCatchUpReportsStale(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fx := newFixture(t, now)
	fx.chat(t, 1, storage.ModeDaily)

	stuck := storage.LedgerKey{ChatID: 9, Date: "2026-03-01", Kind: storage.KindEvening}
	if ok, err := fx.st.Reserve(context.Background(), stuck, now.Add(-time.Hour), 15*time.Minute); err != nil || !ok {
		t.Fatalf("reserve: %v %v", ok, err)
	}

	rep := RunCatchUp(context.Background(), fx.tc)
	if len(rep.Tick.Delivered) != 1 || len(rep.Stale) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	msgs := fx.alerts.all()
	var offline, stale bool
	for _, m := range msgs {
		offline = offline || strings.Contains(m, "catch-up executed for chat 1: morning on 2026-03-02")
		stale = stale || strings.Contains(m, "chat 9 evening for 2026-03-01")
	}
	// Dispatching an empty day outside coverage also alerts; only the two
	// catch-up messages matter here.
	if !offline || !stale {
		t.Fatalf("alerts = %q", msgs)
	}

	if ok, _ := fx.st.Reserve(context.Background(), stuck, now, 15*time.Minute); !ok {
		t.Fatalf("stale reservation was not taken over")
	}
}

func TestCheckCoverage(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	fx.chat(t, 1, storage.ModeDaily)
	fx.chat(t, 2, storage.ModeDaily)

	seed := func(chatID int64, last string) {
		_, err := fx.st.ApplyFeedSync(context.Background(), storage.FeedSync{
			ChatID: chatID, DateFrom: "2026-03-02", DateTo: last,
			Items: []storage.Occurrence{{Date: last, Start: "09:00", End: "10:00", Subject: "X", ICalUID: "u", ICalDTStart: last + "T09:00:00Z"}},
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed(1, "2026-03-20")
	seed(2, "2026-03-05")

	lagging := CheckCoverage(context.Background(), fx.tc)
	if len(lagging) != 1 || lagging[0] != 2 {
		t.Fatalf("lagging = %v", lagging)
	}
	msgs := fx.alerts.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "chat 2: schedule ends 2026-03-05, need 2026-03-09") {
		t.Fatalf("alerts = %q", msgs)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	fx.tc.Config.Tick = time.Hour

	svc := New(fx.tc)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Apply(Config{Location: time.UTC, Tick: 2 * time.Hour, CoverageCheckAt: "09:30"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := svc.TickContext().Config.Tick; got != 2*time.Hour {
		t.Fatalf("tick after apply = %v", got)
	}
	if err := svc.Apply(Config{Location: time.UTC, CoverageCheckAt: "25:00"}); err == nil {
		t.Fatalf("apply accepted an invalid coverage time")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func TestServiceApplyWithPendingTick(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC))
	fx.tc.Config.Tick = time.Second

	svc := New(fx.tc)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	// Hold mu past the first tick so the tick goroutine queues on it, then
	// reconfigure the timing while the tick is still pending.
	svc.mu.Lock()
	time.Sleep(1500 * time.Millisecond)
	applied := make(chan error, 1)
	go func() {
		applied <- svc.Apply(Config{Location: time.UTC, Tick: time.Hour})
	}()
	time.Sleep(50 * time.Millisecond)
	svc.mu.Unlock()

	select {
	case err := <-applied:
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("apply did not return while a tick was pending")
	}
	if got := svc.TickContext().Config.Tick; got != time.Hour {
		t.Fatalf("tick after apply = %v", got)
	}
}

type countingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSyncer) Synchronize(ctx context.Context, chatID int64, force bool) feedsync.Outcome {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return feedsync.Outcome{Kind: feedsync.KindSynced, ChatID: chatID}
}

func (s *countingSyncer) IsStale(storage.ChatSettings, time.Time) bool { return true }

func (s *countingSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRunTickSyncsOnlyWhenSomethingIsDue(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC))
	fx.chat(t, 1, storage.ModeTwiceDaily)
	syncer := &countingSyncer{}
	fx.tc.Syncer = syncer

	rep := RunTick(context.Background(), fx.tc)
	if rep.Due != 0 || syncer.count() != 0 {
		t.Fatalf("before morning: due=%d syncs=%d", rep.Due, syncer.count())
	}

	fx.now = time.Date(2026, 3, 2, 7, 1, 0, 0, time.UTC)
	rep = RunTick(context.Background(), fx.tc)
	if rep.Due != 1 || syncer.count() != 1 {
		t.Fatalf("at morning: due=%d syncs=%d", rep.Due, syncer.count())
	}

	fx.now = fx.now.Add(time.Minute)
	rep = RunTick(context.Background(), fx.tc)
	if rep.Due != 0 || syncer.count() != 1 {
		t.Fatalf("after delivery: due=%d syncs=%d", rep.Due, syncer.count())
	}
}
