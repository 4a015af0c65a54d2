package storage

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	logx "schedbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertManual(t *testing.T, st *Store, chatID int64, date, start, subject string) {
	t.Helper()
	_, err := st.db.Exec(
		`INSERT INTO schedule_items(chat_id, date, start_time, end_time, subject, created_at) VALUES(?,?,?,?,?,?)`,
		chatID, date, start, "23:59", subject, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("insert manual: %v", err)
	}
}

func feedItem(date, start, uid string) Occurrence {
	return Occurrence{
		Date:        date,
		Start:       start,
		End:         "10:30",
		Subject:     "Math " + uid,
		ICalUID:     uid,
		ICalDTStart: date + "T" + start + ":00+03:00",
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); err != ErrDisabled {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestEnsureSettingsKeepsExistingRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	def := SettingsDefaults{Mode: ModeDaily, MorningTime: "07:00", Timezone: "Europe/Moscow"}
	cs, err := st.EnsureSettings(ctx, 42, "Group A", def)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if cs.Mode != ModeDaily || cs.MorningTime != "07:00" || cs.Timezone != "Europe/Moscow" || !cs.ICalEnabled {
		t.Fatalf("unexpected defaults: %+v", cs)
	}
	if cs.FeedState() != FeedUnset {
		t.Fatalf("feed state=%v want unset", cs.FeedState())
	}

	cs.Mode = ModeTwiceDaily
	cs.EveningTime = "19:00"
	cs.ICalURL = "https://example.org/a.ics"
	if err := st.UpdateSettings(ctx, cs); err != nil {
		t.Fatalf("update: %v", err)
	}

	again, err := st.EnsureSettings(ctx, 42, "Group A2", SettingsDefaults{Mode: ModeOff, Timezone: "UTC"})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.Mode != ModeTwiceDaily || again.EveningTime != "19:00" || again.Timezone != "Europe/Moscow" {
		t.Fatalf("existing row overwritten: %+v", again)
	}
	if again.ChatTitle != "Group A2" {
		t.Fatalf("title=%q", again.ChatTitle)
	}
	if again.FeedState() != FeedExplicit {
		t.Fatalf("feed state=%v want explicit", again.FeedState())
	}

	active, err := st.ListSettings(ctx, true)
	if err != nil || len(active) != 1 {
		t.Fatalf("active=%v err=%v", active, err)
	}
}

func TestFeedState(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cs   ChatSettings
		want FeedState
	}{
		{"unset", ChatSettings{ICalEnabled: true}, FeedUnset},
		{"explicit", ChatSettings{ICalEnabled: true, ICalURL: "https://x/y.ics"}, FeedExplicit},
		{"disabled flag", ChatSettings{ICalEnabled: false, ICalURL: "https://x/y.ics"}, FeedDisabled},
		{"legacy dash", ChatSettings{ICalEnabled: true, ICalURL: " - "}, FeedDisabled},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.cs.FeedState(); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestReserveTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	key := LedgerKey{ChatID: 1, Date: "2026-03-02", Kind: KindMorning}

	ok, err := st.Reserve(ctx, key, now, 15*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first reserve ok=%v err=%v", ok, err)
	}
	// fresh reservation blocks
	if ok, _ := st.Reserve(ctx, key, now.Add(time.Minute), 15*time.Minute); ok {
		t.Fatalf("reserve over fresh reservation succeeded")
	}
	if err := st.MarkError(ctx, key, "forbidden: bot was blocked"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	e, found, err := st.GetLedger(ctx, key)
	if err != nil || !found || e.Status != StatusError || e.Error != "forbidden: bot was blocked" {
		t.Fatalf("entry=%+v found=%v err=%v", e, found, err)
	}
	// error is retryable
	if ok, _ := st.Reserve(ctx, key, now.Add(2*time.Minute), 15*time.Minute); !ok {
		t.Fatalf("reserve after error failed")
	}
	if err := st.MarkSent(ctx, key, now.Add(3*time.Minute)); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	// ok is terminal
	if ok, _ := st.Reserve(ctx, key, now.Add(48*time.Hour), 15*time.Minute); ok {
		t.Fatalf("reserve after ok succeeded")
	}
	if err := st.MarkError(ctx, key, "late"); err != ErrNotReserved {
		t.Fatalf("mark error on ok: %v", err)
	}
	delivered, err := st.IsDelivered(ctx, key)
	if err != nil || !delivered {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
}

func TestReserveStaleTakeover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	key := LedgerKey{ChatID: 7, Date: "2026-03-02", Kind: KindEvening}

	if ok, _ := st.Reserve(ctx, key, now, 15*time.Minute); !ok {
		t.Fatalf("first reserve failed")
	}
	later := now.Add(20 * time.Minute)
	stale, err := st.FindStale(ctx, 15*time.Minute, later)
	if err != nil || len(stale) != 1 || stale[0].LedgerKey != key {
		t.Fatalf("stale=%+v err=%v", stale, err)
	}
	if ok, _ := st.Reserve(ctx, key, later, 15*time.Minute); !ok {
		t.Fatalf("stale reservation not taken over")
	}
	stale, _ = st.FindStale(ctx, 15*time.Minute, later)
	if len(stale) != 0 {
		t.Fatalf("takeover did not refresh reserved_at: %+v", stale)
	}
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()
	key := LedgerKey{ChatID: 9, Date: "2026-03-02", Kind: KindManual}

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.Reserve(ctx, key, now, time.Hour)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d want 1", wins)
	}
	var rows int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM send_log`).Scan(&rows); err != nil || rows != 1 {
		t.Fatalf("rows=%d err=%v", rows, err)
	}
}

func TestIsSuccessStatus(t *testing.T) {
	t.Parallel()
	for _, s := range []DeliveryStatus{StatusOK, "sent"} {
		if !IsSuccessStatus(s) {
			t.Fatalf("%q should be success", s)
		}
	}
	for _, s := range []DeliveryStatus{StatusReserved, StatusError, ""} {
		if IsSuccessStatus(s) {
			t.Fatalf("%q should not be success", s)
		}
	}
}

func TestApplyFeedSyncReconciles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	if _, err := st.EnsureSettings(ctx, 1, "", SettingsDefaults{Mode: ModeDaily, Timezone: "UTC"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	insertManual(t, st, 1, "2026-03-01", "08:00", "outside window")
	insertManual(t, st, 1, "2026-03-03", "08:00", "inside window")

	first := FeedSync{
		ChatID: 1, DateFrom: "2026-03-02", DateTo: "2026-03-04",
		Items: []Occurrence{
			feedItem("2026-03-02", "09:00", "a"),
			feedItem("2026-03-03", "09:00", "b"),
		},
	}
	res, err := st.ApplyFeedSync(ctx, first)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Upserted != 2 || res.Deleted != 1 || res.UploadID == 0 {
		t.Fatalf("res=%+v", res)
	}

	// same feed again: no duplicates
	if _, err := st.ApplyFeedSync(ctx, first); err != nil {
		t.Fatalf("apply again: %v", err)
	}
	all, _ := st.OccurrencesByRange(ctx, 1, "2026-01-01", "2026-12-31")
	if len(all) != 3 {
		t.Fatalf("after repeat: %d rows, want 3 (%+v)", len(all), all)
	}

	// b disappears from the feed
	second := first
	second.Items = first.Items[:1]
	res, err = st.ApplyFeedSync(ctx, second)
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if res.Deleted != 1 {
		t.Fatalf("deleted=%d want 1", res.Deleted)
	}
	all, _ = st.OccurrencesByRange(ctx, 1, "2026-01-01", "2026-12-31")
	if len(all) != 2 || all[0].Subject != "outside window" || all[1].ICalUID != "a" {
		t.Fatalf("rows=%+v", all)
	}

	cs, _, _ := st.GetSettings(ctx, 1)
	if cs.CoverageEndDate != "2026-03-04" || cs.LastICalSyncAt.IsZero() {
		t.Fatalf("bookkeeping not updated: %+v", cs)
	}
	lo, hi, ok, err := st.CoverageMinMax(ctx, 1)
	if err != nil || !ok || lo != "2026-03-01" || hi != "2026-03-02" {
		t.Fatalf("coverage=%s..%s ok=%v err=%v", lo, hi, ok, err)
	}
	ups, err := st.ListUploads(ctx, 1, 10)
	if err != nil || len(ups) != 3 || ups[0].Rows != 1 {
		t.Fatalf("uploads=%+v err=%v", ups, err)
	}
}

func TestApplyFeedSyncRejectsItemsWithoutIdentity(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	_, err := st.ApplyFeedSync(context.Background(), FeedSync{
		ChatID: 1, DateFrom: "2026-03-02", DateTo: "2026-03-02",
		Items: []Occurrence{{Date: "2026-03-02", Start: "09:00", End: "10:00", Subject: "x"}},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	n, _ := st.OccurrencesByDate(context.Background(), 1, "2026-03-02")
	if len(n) != 0 {
		t.Fatalf("rows written on rejected sync: %+v", n)
	}
}

func TestMarkDeliveredBookkeeping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	if _, err := st.EnsureSettings(ctx, 5, "", SettingsDefaults{Mode: ModeTwiceDaily, Timezone: "UTC"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	at := time.Date(2026, 3, 2, 19, 5, 0, 0, time.UTC)
	if err := st.MarkDelivered(ctx, 5, KindMorning, "2026-03-02", at); err != nil {
		t.Fatalf("morning: %v", err)
	}
	if err := st.MarkDelivered(ctx, 5, KindEvening, "2026-03-02", at); err != nil {
		t.Fatalf("evening: %v", err)
	}
	if err := st.MarkDelivered(ctx, 5, KindManual, "", at); err != nil {
		t.Fatalf("manual: %v", err)
	}
	cs, _, _ := st.GetSettings(ctx, 5)
	if cs.LastSentMorningDate != "2026-03-02" || cs.LastSentEveningDate != "2026-03-02" || !cs.LastSentManualAt.Equal(at) {
		t.Fatalf("settings=%+v", cs)
	}
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("got=%v ok=%v err=%v", got, ok, err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: 1, Action: "sync", Target: "1", OK: 1}); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestMarkErrorTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	key := LedgerKey{ChatID: 1, Date: "2026-03-02", Kind: KindMorning}
	if ok, err := st.Reserve(ctx, key, now, 15*time.Minute); err != nil || !ok {
		t.Fatalf("reserve ok=%v err=%v", ok, err)
	}

	// 11 ASCII bytes put the byte limit in the middle of a two-byte rune.
	long := "forbidden: " + strings.Repeat("я", 600)
	if err := st.MarkError(ctx, key, long); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	e, _, err := st.GetLedger(ctx, key)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if !utf8.ValidString(e.Error) || len(e.Error) > maxErrorBytes || len(e.Error) < maxErrorBytes-1 {
		t.Fatalf("stored error: %d bytes, valid=%v", len(e.Error), utf8.ValidString(e.Error))
	}
	if !strings.HasPrefix(long, e.Error) {
		t.Fatalf("stored error is not a prefix of the original")
	}
}
