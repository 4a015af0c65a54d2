package commands

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"schedbot/internal/dispatch"
	"schedbot/internal/feedsync"
	"schedbot/internal/storage"
	kit "schedbot/internal/transport"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeSyncer struct {
	out    feedsync.Outcome
	forced []int64
}

func (f *fakeSyncer) Synchronize(ctx context.Context, chatID int64, force bool) feedsync.Outcome {
	if force {
		f.forced = append(f.forced, chatID)
	}
	out := f.out
	out.ChatID = chatID
	return out
}

func (f *fakeSyncer) Config() feedsync.Config {
	return feedsync.Config{DefaultURL: "https://cal.example.com/feed.ics?token=secret", FallbackEnabled: true}
}

type fakeDispatcher struct {
	res  dispatch.Result
	reqs []dispatch.Request
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result {
	f.reqs = append(f.reqs, req)
	res := f.res
	res.Request = req
	return res
}

func (f *fakeDispatcher) Config() dispatch.Config {
	return dispatch.Config{StaleAfter: 15 * time.Minute}
}

type fixture struct {
	st     *storage.Store
	h      *Handlers
	syncer *fakeSyncer
	disp   *fakeDispatcher
	sender *fakeSender
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	loc := time.FixedZone("MSK", 3*3600)
	fx := &fixture{
		st:     st,
		syncer: &fakeSyncer{},
		disp:   &fakeDispatcher{},
		sender: &fakeSender{},
		now:    time.Date(2026, 3, 10, 9, 0, 0, 0, loc),
	}
	cfg := Config{
		Location: loc,
		Defaults: storage.SettingsDefaults{Mode: storage.ModeDaily, MorningTime: "07:00", Timezone: "Europe/Moscow"},
	}
	fx.h = New(cfg, st, fx.syncer, fx.disp, logx.Nop(), WithClock(func() time.Time { return fx.now }))
	return fx
}

func (fx *fixture) request(chatID int64, owner bool, args ...string) *router.Request {
	pos, flags, bools := splitArgs(args)
	return &router.Request{
		Update:    kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, ChatTitle: "Group"}},
		Chat:      kit.ChatTarget{ChatID: chatID},
		Args:      pos,
		RawArgs:   args,
		Flags:     flags,
		BoolFlags: bools,
		Sender:    fx.sender,
		Logger:    logx.Nop(),
		IsOwner:   owner,
	}
}

// splitArgs mirrors the router's --k=v / --flag handling for tests.
func splitArgs(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags, bools = map[string]string{}, map[string]bool{}
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			pos = append(pos, a)
			continue
		}
		if k, v, ok := strings.Cut(strings.TrimPrefix(a, "--"), "="); ok {
			flags[k] = v
		} else {
			bools[k] = true
		}
	}
	return pos, flags, bools
}

func (fx *fixture) seed(t *testing.T, chatID int64, items ...storage.Occurrence) {
	t.Helper()
	ctx := context.Background()
	if _, err := fx.st.EnsureSettings(ctx, chatID, "Group", storage.SettingsDefaults{Mode: storage.ModeDaily, MorningTime: "07:00", Timezone: "Europe/Moscow"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(items) == 0 {
		return
	}
	_, err := fx.st.ApplyFeedSync(ctx, storage.FeedSync{
		ChatID:   chatID,
		DateFrom: "2026-03-01",
		DateTo:   "2026-03-31",
		Items:    items,
		At:       fx.now,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func occ(date, start, subject string) storage.Occurrence {
	return storage.Occurrence{
		Date:        date,
		Start:       start,
		End:         "10:30",
		Subject:     subject,
		ICalUID:     subject,
		ICalDTStart: date + "T" + start + ":00+03:00",
	}
}

func TestDayAndWeek(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seed(t, 100,
		occ("2026-03-10", "09:00", "Algebra"),
		occ("2026-03-11", "10:00", "Physics"),
		occ("2026-03-20", "10:00", "Chemistry"),
	)
	ctx := context.Background()

	if err := fx.h.cmdDay(0)(ctx, fx.request(100, false)); err != nil {
		t.Fatalf("today: %v", err)
	}
	if got := fx.sender.last(); !strings.Contains(got, "10.03.2026") || !strings.Contains(got, "Algebra") {
		t.Fatalf("today reply = %q", got)
	}

	if err := fx.h.cmdDay(1)(ctx, fx.request(100, false)); err != nil {
		t.Fatalf("tomorrow: %v", err)
	}
	if got := fx.sender.last(); !strings.Contains(got, "Physics") || strings.Contains(got, "Algebra") {
		t.Fatalf("tomorrow reply = %q", got)
	}

	if err := fx.h.cmdWeek(ctx, fx.request(100, false)); err != nil {
		t.Fatalf("week: %v", err)
	}
	got := fx.sender.last()
	if !strings.Contains(got, "Algebra") || !strings.Contains(got, "Physics") || strings.Contains(got, "Chemistry") {
		t.Fatalf("week reply = %q", got)
	}
}

func TestSyncOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name    string
		out     feedsync.Outcome
		wantErr bool
		reply   string
	}{
		{
			name:  "synced",
			out:   feedsync.Outcome{Kind: feedsync.KindSynced, DateFrom: "2026-03-01", DateTo: "2026-04-30", Items: 12, Upserted: 12, Warnings: []string{"Event x: <bad>"}},
			reply: "&lt;bad&gt;",
		},
		{name: "no feed", out: feedsync.Outcome{Kind: feedsync.KindSkipped, Reason: feedsync.ReasonNoFeed}, wantErr: true},
		{name: "fetch failed", out: feedsync.Outcome{Kind: feedsync.KindFailed, Reason: feedsync.ReasonFetch, Err: errors.New("boom")}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fx := newFixture(t)
			fx.syncer.out = tc.out
			err := fx.h.cmdSync(ctx, fx.request(1, true, "--chat=555"))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if len(fx.syncer.forced) != 1 || fx.syncer.forced[0] != 555 {
				t.Fatalf("forced = %v", fx.syncer.forced)
			}
			if tc.reply != "" && !strings.Contains(fx.sender.last(), tc.reply) {
				t.Fatalf("reply = %q", fx.sender.last())
			}
		})
	}
}

func TestSendUsesManualKindAndDate(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seed(t, 555)
	fx.disp.res = dispatch.Result{Outcome: dispatch.OutcomeDelivered, Items: 3}
	ctx := context.Background()

	if err := fx.h.cmdSend(ctx, fx.request(1, true, "завтра", "--chat=555")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fx.disp.reqs) != 1 {
		t.Fatalf("dispatches = %d", len(fx.disp.reqs))
	}
	req := fx.disp.reqs[0]
	if req.ChatID != 555 || req.Date != "2026-03-11" || req.Kind != storage.KindManual || req.NotifyOnGap {
		t.Fatalf("request = %+v", req)
	}
	if !strings.Contains(fx.sender.last(), "555") {
		t.Fatalf("reply = %q", fx.sender.last())
	}

	fx.disp.res = dispatch.Result{Outcome: dispatch.OutcomeFailed, Reason: dispatch.ReasonSend, Err: errors.New("forbidden")}
	if err := fx.h.cmdSend(ctx, fx.request(1, true, "--chat=555")); err == nil {
		t.Fatalf("expected error on failed dispatch")
	}

	if err := fx.h.cmdSend(ctx, fx.request(1, true, "32.13")); err == nil {
		t.Fatalf("expected date parse error")
	}
}

func TestTargetChatIgnoresFlagForNonOwner(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	id, err := targetChat(fx.request(100, false, "--chat=555"))
	if err != nil || id != 100 {
		t.Fatalf("id=%d err=%v", id, err)
	}
	if _, err := targetChat(fx.request(100, true, "--chat=abc")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSetupUpdatesSettings(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	err := fx.h.cmdSetup(ctx, fx.request(1, true,
		"--chat=777", "--mode=2", "--morning=06:30", "--evening=20:15", "--tz=Asia/Novosibirsk", "--ical=https://x.example/a.ics"))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	cs, ok, err := fx.st.GetSettings(ctx, 777)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if cs.Mode != storage.ModeTwiceDaily || cs.MorningTime != "06:30" || cs.EveningTime != "20:15" ||
		cs.Timezone != "Asia/Novosibirsk" || cs.FeedState() != storage.FeedExplicit {
		t.Fatalf("settings = %+v", cs)
	}

	if err := fx.h.cmdSetup(ctx, fx.request(1, true, "--chat=777", "--ical=off")); err != nil {
		t.Fatalf("setup off: %v", err)
	}
	cs, _, _ = fx.st.GetSettings(ctx, 777)
	if cs.FeedState() != storage.FeedDisabled {
		t.Fatalf("feed state = %v", cs.FeedState())
	}
}

func TestApplySetupRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]map[string]string{
		"bad mode":         {"mode": "5"},
		"bad morning":      {"morning": "25:00"},
		"bad tz":           {"tz": "Mars/Base"},
		"bad ical":         {"ical": "ftp://x"},
		"twice no evening": {"mode": "2", "evening": "-"},
	}
	for name, flags := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cs := storage.ChatSettings{Mode: storage.ModeDaily, MorningTime: "07:00"}
			if _, err := applySetup(&cs, flags); err == nil {
				t.Fatalf("expected error for %v", flags)
			}
		})
	}

	cs := storage.ChatSettings{}
	touched, err := applySetup(&cs, map[string]string{"chat": "1"})
	if touched || err != nil {
		t.Fatalf("touched=%v err=%v", touched, err)
	}
}

func TestStatusRedactsFeedURL(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seed(t, 555, occ("2026-03-12", "09:00", "Algebra"))
	ctx := context.Background()

	if err := fx.h.cmdStatus(ctx, fx.request(1, true, "--chat=555")); err != nil {
		t.Fatalf("status: %v", err)
	}
	got := fx.sender.last()
	if strings.Contains(got, "secret") {
		t.Fatalf("status leaks feed token: %q", got)
	}
	if !strings.Contains(got, "2026-03-12") || !strings.Contains(got, "по умолчанию") {
		t.Fatalf("status = %q", got)
	}

	if err := fx.h.cmdStatus(ctx, fx.request(1, true, "--chat=999")); err == nil {
		t.Fatalf("expected error for unknown chat")
	}
}

func TestStuckAndContact(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.h.cmdStuck(ctx, fx.request(1, true)); err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if !strings.Contains(fx.sender.last(), "нет") {
		t.Fatalf("reply = %q", fx.sender.last())
	}

	fx.h.OnContact(ctx, &kit.Message{ChatID: 42, ChatTitle: "New group"})
	cs, ok, err := fx.st.GetSettings(ctx, 42)
	if err != nil || !ok || cs.ChatTitle != "New group" || cs.Mode != storage.ModeDaily {
		t.Fatalf("contact settings = %+v ok=%v err=%v", cs, ok, err)
	}
}
