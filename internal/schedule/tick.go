// Package schedule drives scheduled deliveries: a periodic tick that
// dispatches whatever is due, a boot-time catch-up and a daily coverage check.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"schedbot/internal/dispatch"
	"schedbot/internal/feedsync"
	"schedbot/internal/metrics"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

type Store interface {
	ListSettings(ctx context.Context, activeOnly bool) ([]storage.ChatSettings, error)
	IsDelivered(ctx context.Context, key storage.LedgerKey) (bool, error)
	MarkDelivered(ctx context.Context, chatID int64, kind storage.DeliveryKind, date string, at time.Time) error
	FindStale(ctx context.Context, olderThan time.Duration, now time.Time) ([]storage.LedgerEntry, error)
	CoverageMinMax(ctx context.Context, chatID int64) (minDate, maxDate string, ok bool, err error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
}

type Syncer interface {
	Synchronize(ctx context.Context, chatID int64, force bool) feedsync.Outcome
	IsStale(cs storage.ChatSettings, now time.Time) bool
}

type Alerter interface {
	Alert(ctx context.Context, text string)
}

type Config struct {
	// Location is used for chats without a valid timezone and for the
	// coverage check cron.
	Location         *time.Location
	Tick             time.Duration
	CoverageCheckAt  string
	CoverageWarnDays int
	StaleAfter       time.Duration
}

func (c Config) normalized() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if strings.TrimSpace(c.CoverageCheckAt) == "" {
		c.CoverageCheckAt = "10:00"
	}
	if c.CoverageWarnDays <= 0 {
		c.CoverageWarnDays = 7
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	return c
}

// TickContext carries everything a tick needs. It is built once at startup;
// the package keeps no state of its own.
type TickContext struct {
	Store      Store
	Dispatcher Dispatcher
	Syncer     Syncer
	Alerter    Alerter
	Now        func() time.Time
	Log        logx.Logger
	Config     Config
}

func (tc TickContext) now() time.Time {
	if tc.Now != nil {
		return tc.Now()
	}
	return time.Now()
}

func (tc TickContext) logger() logx.Logger {
	if tc.Log.IsZero() {
		return logx.Nop()
	}
	return tc.Log
}

func (tc TickContext) alert(ctx context.Context, text string) {
	if tc.Alerter != nil {
		tc.Alerter.Alert(ctx, text)
	}
}

type TickReport struct {
	Chats     int
	Due       int
	Delivered []string
	Skipped   int
	Failed    int
	Synced    int
	Errors    []string
}

func (r *TickReport) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// RunTick dispatches every obligation that is due and not yet delivered.
func RunTick(ctx context.Context, tc TickContext) TickReport {
	start := time.Now()
	defer metrics.ObserveTick(start)

	var rep TickReport
	chats, err := tc.Store.ListSettings(ctx, true)
	if err != nil {
		rep.addError("list chats: %v", err)
		tc.logger().Error("tick: list chats failed", logx.Err(err))
		return rep
	}
	for _, cs := range chats {
		if ctx.Err() != nil {
			break
		}
		rep.Chats++
		runChat(ctx, tc, cs, &rep)
	}
	if len(rep.Delivered) > 0 || rep.Failed > 0 {
		tc.logger().Info("tick done",
			logx.Int("chats", rep.Chats),
			logx.Int("delivered", len(rep.Delivered)),
			logx.Int("failed", rep.Failed),
		)
	}
	return rep
}

func runChat(ctx context.Context, tc TickContext, cs storage.ChatSettings, rep *TickReport) {
	cfg := tc.Config.normalized()
	now := tc.now()
	log := tc.logger().With(logx.Int64("chat_id", cs.ChatID))

	due, problems := EvaluateDue(cs, now, cfg.Location)
	for _, p := range problems {
		log.Warn("invalid delivery time, skipping", logx.String("problem", p))
	}
	var pending []Obligation
	for _, ob := range due {
		key := storage.LedgerKey{ChatID: cs.ChatID, Date: ob.Target, Kind: ob.Kind}
		done, err := tc.Store.IsDelivered(ctx, key)
		if err != nil {
			rep.addError("chat %d %s: %v", cs.ChatID, ob.Kind, err)
			continue
		}
		if done {
			if lastSent(cs, ob.Kind) != ob.Today {
				if err := tc.Store.MarkDelivered(ctx, cs.ChatID, ob.Kind, ob.Today, now); err != nil {
					log.Warn("bookkeeping failed", logx.Err(err))
				}
			}
			continue
		}
		pending = append(pending, ob)
	}
	if len(pending) == 0 {
		return
	}

	if tc.Syncer != nil && tc.Syncer.IsStale(cs, now) {
		if out := tc.Syncer.Synchronize(ctx, cs.ChatID, false); out.Synced() {
			rep.Synced++
		}
	}

	for _, ob := range pending {
		rep.Due++
		res := tc.Dispatcher.Dispatch(ctx, dispatch.Request{ChatID: cs.ChatID, Date: ob.Target, Kind: ob.Kind, NotifyOnGap: true})
		switch res.Outcome {
		case dispatch.OutcomeDelivered:
			rep.Delivered = append(rep.Delivered, fmt.Sprintf("%s on %s", ob.Kind, ob.Target))
			if err := tc.Store.MarkDelivered(ctx, cs.ChatID, ob.Kind, ob.Today, tc.now()); err != nil {
				log.Warn("bookkeeping failed", logx.Err(err))
			}
		case dispatch.OutcomeFailed:
			rep.Failed++
			rep.addError("chat %d %s on %s: %s", cs.ChatID, ob.Kind, ob.Target, res)
		default:
			rep.Skipped++
		}
	}
}

func lastSent(cs storage.ChatSettings, kind storage.DeliveryKind) string {
	if kind == storage.KindEvening {
		return cs.LastSentEveningDate
	}
	return cs.LastSentMorningDate
}

type CatchUpReport struct {
	Tick  TickReport
	Stale []storage.LedgerEntry
}

// RunCatchUp runs once at startup: it delivers whatever was missed while the
// process was down and reports reservations that were never finished. Stale
// reservations are only reported; the next dispatch takes them over.
func RunCatchUp(ctx context.Context, tc TickContext) CatchUpReport {
	cfg := tc.Config.normalized()
	log := tc.logger().With(logx.String("phase", "catchup"))
	var rep CatchUpReport

	chats, err := tc.Store.ListSettings(ctx, true)
	if err != nil {
		log.Error("list chats failed", logx.Err(err))
		rep.Tick.addError("list chats: %v", err)
	}
	for _, cs := range chats {
		if ctx.Err() != nil {
			break
		}
		rep.Tick.Chats++
		before := len(rep.Tick.Delivered)
		runChat(ctx, tc, cs, &rep.Tick)
		if sent := rep.Tick.Delivered[before:]; len(sent) > 0 {
			tc.alert(ctx, fmt.Sprintf("Bot was offline, catch-up executed for chat %d: %s", cs.ChatID, strings.Join(sent, ", ")))
		}
	}

	stale, err := tc.Store.FindStale(ctx, cfg.StaleAfter, tc.now())
	if err != nil {
		log.Error("stale reservation check failed", logx.Err(err))
		return rep
	}
	rep.Stale = stale
	metrics.SetStaleReservations(len(stale))
	if len(stale) > 0 {
		tc.alert(ctx, FormatStale(stale))
	}
	log.Info("catch-up done",
		logx.Int("chats", rep.Tick.Chats),
		logx.Int("delivered", len(rep.Tick.Delivered)),
		logx.Int("stale", len(stale)),
	)
	return rep
}

// FormatStale renders stale reservations for an operator message.
func FormatStale(stale []storage.LedgerEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Found %d stuck reserved deliveries (no sent_at):", len(stale))
	for _, e := range stale {
		fmt.Fprintf(&b, "\n- chat %d %s for %s (reserved %s)", e.ChatID, e.Kind, e.Date, e.ReservedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// CheckCoverage alerts when an active chat's stored schedule ends less than
// CoverageWarnDays ahead of its local today. It returns the lagging chats.
func CheckCoverage(ctx context.Context, tc TickContext) []int64 {
	cfg := tc.Config.normalized()
	chats, err := tc.Store.ListSettings(ctx, true)
	if err != nil {
		tc.logger().Error("coverage check: list chats failed", logx.Err(err))
		return nil
	}
	now := tc.now()
	var (
		lagging []int64
		lines   []string
	)
	for _, cs := range chats {
		local := now.In(cs.Location(cfg.Location))
		need := time.Date(local.Year(), local.Month(), local.Day()+cfg.CoverageWarnDays, 12, 0, 0, 0, local.Location()).Format(storage.DateLayout)
		_, maxDate, ok, err := tc.Store.CoverageMinMax(ctx, cs.ChatID)
		if err != nil {
			tc.logger().Warn("coverage lookup failed", logx.Int64("chat_id", cs.ChatID), logx.Err(err))
			continue
		}
		if ok && maxDate >= need {
			continue
		}
		if !ok {
			maxDate = "no data"
		}
		lagging = append(lagging, cs.ChatID)
		lines = append(lines, fmt.Sprintf("- chat %d: schedule ends %s, need %s", cs.ChatID, maxDate, need))
	}
	if len(lines) > 0 {
		tc.alert(ctx, fmt.Sprintf("Schedule coverage is running out (< %d days):\n%s", cfg.CoverageWarnDays, strings.Join(lines, "\n")))
	}
	return lagging
}
