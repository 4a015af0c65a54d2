package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"schedbot/internal/feedsync"
	"schedbot/internal/storage"
	"schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	err   error
	block bool
}

func (s *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if s.block {
		<-ctx.Done()
		return transport.MessageRef{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return transport.MessageRef{}, s.err
	}
	s.texts = append(s.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(s.texts)}, nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeSyncer struct{ calls int }

func (f *fakeSyncer) Synchronize(ctx context.Context, chatID int64, force bool) feedsync.Outcome {
	f.calls++
	return feedsync.Outcome{Kind: feedsync.KindSkipped, Reason: feedsync.ReasonNoFeed, ChatID: chatID}
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) Alert(ctx context.Context, text string) {
	a.mu.Lock()
	a.alerts = append(a.alerts, text)
	a.mu.Unlock()
}

func (a *fakeAlerter) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.alerts...)
}

type fixture struct {
	st     *storage.Store
	sender *fakeSender
	syncer *fakeSyncer
	alert  *fakeAlerter
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.EnsureSettings(context.Background(), 1, "", storage.SettingsDefaults{Mode: storage.ModeDaily, Timezone: "UTC"}); err != nil {
		t.Fatalf("ensure settings: %v", err)
	}
	fx := &fixture{st: st, sender: &fakeSender{}, syncer: &fakeSyncer{}, alert: &fakeAlerter{}}
	fx.orch = New(cfg, st, fx.syncer, fx.sender, fx.alert, logx.Nop(), nil)
	return fx
}

func (fx *fixture) seed(t *testing.T, from, to string, dates ...string) {
	t.Helper()
	var items []storage.Occurrence
	for _, d := range dates {
		items = append(items, storage.Occurrence{
			Date: d, Start: "09:00", End: "10:30", Subject: "Math",
			ICalUID: "u1", ICalDTStart: d + "T09:00:00Z",
		})
	}
	if _, err := fx.st.ApplyFeedSync(context.Background(), storage.FeedSync{ChatID: 1, DateFrom: from, DateTo: to, Items: items}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (fx *fixture) ledger(t *testing.T, key storage.LedgerKey) storage.LedgerEntry {
	t.Helper()
	e, ok, err := fx.st.GetLedger(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("ledger %v: ok=%v err=%v", key, ok, err)
	}
	return e
}

func TestDispatchDeliversOnce(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	fx.seed(t, "2026-03-02", "2026-03-08", "2026-03-02")

	req := Request{ChatID: 1, Date: "2026-03-02", Kind: storage.KindMorning, NotifyOnGap: true}
	res := fx.orch.Dispatch(context.Background(), req)
	if !res.Delivered() || res.Items != 1 {
		t.Fatalf("first dispatch = %v", res)
	}
	if fx.syncer.calls != 1 {
		t.Fatalf("sync calls = %d, want 1", fx.syncer.calls)
	}
	sent := fx.sender.sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "📅 02.03.2026 Понедельник") || !strings.Contains(sent[0], "Math") {
		t.Fatalf("sent = %q", sent)
	}
	if e := fx.ledger(t, req.key()); e.Status != storage.StatusOK || e.SentAt.IsZero() {
		t.Fatalf("ledger = %+v", e)
	}

	again := fx.orch.Dispatch(context.Background(), req)
	if again.Outcome != OutcomeSkipped || again.Reason != ReasonAlreadyReserved {
		t.Fatalf("second dispatch = %v", again)
	}
	if len(fx.sender.sent()) != 1 {
		t.Fatalf("message sent twice")
	}
	if a := fx.alert.all(); len(a) != 0 {
		t.Fatalf("unexpected alerts %q", a)
	}
}

func TestDispatchForbiddenThenRetry(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	fx.sender.err = &transport.SendError{Class: transport.ErrForbidden, Err: errors.New("bot was blocked by the user")}

	req := Request{ChatID: 1, Date: "2026-03-02", Kind: storage.KindEvening}
	res := fx.orch.Dispatch(context.Background(), req)
	if res.Outcome != OutcomeFailed || res.ErrorClass() != transport.ErrForbidden {
		t.Fatalf("dispatch = %v", res)
	}
	e := fx.ledger(t, req.key())
	if e.Status != storage.StatusError || !strings.HasPrefix(e.Error, "forbidden: ") {
		t.Fatalf("ledger = %+v", e)
	}

	fx.sender.mu.Lock()
	fx.sender.err = nil
	fx.sender.mu.Unlock()
	if res := fx.orch.Dispatch(context.Background(), req); !res.Delivered() {
		t.Fatalf("retry = %v", res)
	}
	if e := fx.ledger(t, req.key()); e.Status != storage.StatusOK || e.Error != "" {
		t.Fatalf("ledger after retry = %+v", e)
	}
}

func TestDispatchSendTimeoutIsPersisted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{SendTimeout: 50 * time.Millisecond})
	fx.sender.block = true

	req := Request{ChatID: 1, Date: "2026-03-02", Kind: storage.KindMorning}
	res := fx.orch.Dispatch(context.Background(), req)
	if res.Outcome != OutcomeFailed || res.ErrorClass() != transport.ErrTimeout {
		t.Fatalf("dispatch = %v", res)
	}
	if e := fx.ledger(t, req.key()); e.Status != storage.StatusError || !strings.HasPrefix(e.Error, "timeout: ") {
		t.Fatalf("ledger = %+v", e)
	}
}

func TestDispatchUnknownChat(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})

	req := Request{ChatID: 42, Date: "2026-03-02", Kind: storage.KindMorning}
	res := fx.orch.Dispatch(context.Background(), req)
	if res.Outcome != OutcomeSkipped || res.Reason != ReasonUnknownChat {
		t.Fatalf("dispatch = %v", res)
	}
	if _, ok, _ := fx.st.GetLedger(context.Background(), req.key()); ok {
		t.Fatalf("unknown chat got a ledger row")
	}
	if a := fx.alert.all(); len(a) != 1 || !strings.Contains(a[0], "unknown chat 42") {
		t.Fatalf("alerts = %q", a)
	}
	if fx.syncer.calls != 0 {
		t.Fatalf("unknown chat triggered a sync")
	}
}

func TestDispatchInvalidRequest(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})

	for _, req := range []Request{
		{ChatID: 1, Date: "02.03.2026", Kind: storage.KindMorning},
		{ChatID: 1, Date: "2026-03-02", Kind: "noon"},
	} {
		if res := fx.orch.Dispatch(context.Background(), req); res.Reason != ReasonInvalid {
			t.Fatalf("dispatch(%+v) = %v", req, res)
		}
	}
}

func TestDispatchCoverageGapAlert(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	fx.seed(t, "2026-03-02", "2026-03-04", "2026-03-02", "2026-03-04")

	inside := Request{ChatID: 1, Date: "2026-03-03", Kind: storage.KindMorning, NotifyOnGap: true}
	if res := fx.orch.Dispatch(context.Background(), inside); !res.Delivered() || res.Items != 0 {
		t.Fatalf("inside = %v", res)
	}
	if a := fx.alert.all(); len(a) != 0 {
		t.Fatalf("alert for a covered empty day: %q", a)
	}

	outside := Request{ChatID: 1, Date: "2026-03-10", Kind: storage.KindMorning, NotifyOnGap: true}
	if res := fx.orch.Dispatch(context.Background(), outside); !res.Delivered() {
		t.Fatalf("outside = %v", res)
	}
	a := fx.alert.all()
	if len(a) != 1 || !strings.Contains(a[0], "likely missing data") || !strings.Contains(a[0], "2026-03-02..2026-03-04") {
		t.Fatalf("alerts = %q", a)
	}

	quiet := Request{ChatID: 1, Date: "2026-03-11", Kind: storage.KindManual}
	if res := fx.orch.Dispatch(context.Background(), quiet); !res.Delivered() {
		t.Fatalf("manual = %v", res)
	}
	if len(fx.alert.all()) != 1 {
		t.Fatalf("manual dispatch without NotifyOnGap alerted")
	}
	cs, _, _ := fx.st.GetSettings(context.Background(), 1)
	if cs.LastSentManualAt.IsZero() {
		t.Fatalf("manual delivery not stamped")
	}
}

func TestDispatchConcurrentSingleDelivery(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	fx.orch.syncer = nil

	req := Request{ChatID: 1, Date: "2026-03-02", Kind: storage.KindMorning}
	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = fx.orch.Dispatch(context.Background(), req)
		}(i)
	}
	wg.Wait()

	delivered := 0
	for _, r := range results {
		if r.Delivered() {
			delivered++
		}
	}
	if delivered != 1 || len(fx.sender.sent()) != 1 {
		t.Fatalf("delivered=%d sent=%d, want 1/1", delivered, len(fx.sender.sent()))
	}
}
