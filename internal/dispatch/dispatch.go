// Package dispatch delivers one chat's schedule for one date at most once.
//
// Every delivery goes through the ledger: a reservation is taken before the
// message is sent and is always finished as either ok or error, so a crash
// mid-send leaves a visible stale reservation rather than a silent gap.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"schedbot/internal/eventbus"
	"schedbot/internal/feedsync"
	"schedbot/internal/metrics"
	"schedbot/internal/render"
	"schedbot/internal/storage"
	"schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

const (
	defaultStaleAfter  = 15 * time.Minute
	defaultSendTimeout = 30 * time.Second
	finishTimeout      = 5 * time.Second
)

type Config struct {
	// StaleAfter is how long a reservation may stay unfinished before
	// another dispatch may take it over.
	StaleAfter  time.Duration
	SendTimeout time.Duration
}

type Store interface {
	GetSettings(ctx context.Context, chatID int64) (storage.ChatSettings, bool, error)
	Reserve(ctx context.Context, key storage.LedgerKey, now time.Time, staleAfter time.Duration) (bool, error)
	MarkSent(ctx context.Context, key storage.LedgerKey, sentAt time.Time) error
	MarkError(ctx context.Context, key storage.LedgerKey, errText string) error
	MarkDelivered(ctx context.Context, chatID int64, kind storage.DeliveryKind, date string, at time.Time) error
	OccurrencesByDate(ctx context.Context, chatID int64, date string) ([]storage.Occurrence, error)
	CoverageMinMax(ctx context.Context, chatID int64) (minDate, maxDate string, ok bool, err error)
}

type Syncer interface {
	Synchronize(ctx context.Context, chatID int64, force bool) feedsync.Outcome
}

// Alerter notifies operators. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

type Request struct {
	ChatID int64
	// Date is the target calendar date, YYYY-MM-DD.
	Date string
	Kind storage.DeliveryKind
	// NotifyOnGap alerts operators when an empty day falls outside the
	// stored coverage.
	NotifyOnGap bool
}

func (r Request) key() storage.LedgerKey {
	return storage.LedgerKey{ChatID: r.ChatID, Date: r.Date, Kind: r.Kind}
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs dispatches. Scheduled ticks and operator commands share
// one instance.
type Orchestrator struct {
	mu  sync.RWMutex
	cfg Config

	store  Store
	syncer Syncer
	sender transport.Sender
	alert  Alerter
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
}

func New(cfg Config, store Store, syncer Syncer, sender transport.Sender, alert Alerter, log logx.Logger, bus eventbus.Bus, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		store:  store,
		syncer: syncer,
		sender: sender,
		alert:  alert,
		log:    log.With(logx.String("comp", "dispatch")),
		bus:    bus,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.Apply(cfg)
	return o
}

func (o *Orchestrator) Apply(cfg Config) {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Dispatch delivers req. The returned Result is Delivered only when the
// message reached the chat and the ledger entry was finished as ok.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) Result {
	start := o.now()
	res := o.dispatch(ctx, req)
	metrics.ObserveDispatch(string(req.Kind), res.Outcome.String(), start)
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatch, Data: Event{
			ChatID:  req.ChatID,
			Date:    req.Date,
			Kind:    string(req.Kind),
			Outcome: res.Outcome.String(),
			Reason:  res.Reason,
		}})
	}
	return res
}

func (o *Orchestrator) dispatch(ctx context.Context, req Request) Result {
	cfg := o.Config()
	res := Result{Request: req}
	log := o.log.With(
		logx.Int64("chat_id", req.ChatID),
		logx.String("date", req.Date),
		logx.String("kind", string(req.Kind)),
	)

	day, err := time.Parse(storage.DateLayout, req.Date)
	if err != nil || !req.Kind.Valid() {
		res.Outcome, res.Reason = OutcomeFailed, ReasonInvalid
		res.Err = fmt.Errorf("invalid dispatch request %q/%q", req.Date, req.Kind)
		return res
	}

	_, ok, err := o.store.GetSettings(ctx, req.ChatID)
	if err != nil {
		return o.failed(log, res, ReasonStore, fmt.Errorf("load settings: %w", err))
	}
	if !ok {
		o.notify(ctx, fmt.Sprintf("dispatch for unknown chat %d (%s %s)", req.ChatID, req.Kind, req.Date))
		res.Outcome, res.Reason = OutcomeSkipped, ReasonUnknownChat
		return res
	}

	if o.syncer != nil {
		res.Sync = o.syncer.Synchronize(ctx, req.ChatID, false)
		if res.Sync.Kind == feedsync.KindFailed {
			log.Warn("pre-send sync failed, using stored data", logx.String("sync", res.Sync.String()))
		}
	}

	key := req.key()
	reserved, err := o.store.Reserve(ctx, key, o.now(), cfg.StaleAfter)
	if err != nil {
		return o.failed(log, res, ReasonStore, fmt.Errorf("reserve: %w", err))
	}
	if !reserved {
		log.Debug("already reserved or delivered")
		res.Outcome, res.Reason = OutcomeSkipped, ReasonAlreadyReserved
		return res
	}

	items, err := o.store.OccurrencesByDate(ctx, req.ChatID, req.Date)
	if err != nil {
		err = fmt.Errorf("load occurrences: %w", err)
		o.finishError(log, key, "store: "+err.Error())
		return o.failed(log, res, ReasonStore, err)
	}
	res.Items = len(items)

	if err := o.send(ctx, cfg, req.ChatID, render.Day(day, items)); err != nil {
		o.finishError(log, key, transport.Describe(err))
		return o.failed(log, res, ReasonSend, err)
	}

	sentAt := o.now()
	fctx, cancel := detached(ctx)
	defer cancel()
	if err := o.store.MarkSent(fctx, key, sentAt); err != nil {
		// Sent but not recorded: the row stays reserved and surfaces as stale.
		return o.failed(log, res, ReasonStore, fmt.Errorf("mark sent: %w", err))
	}
	if req.Kind == storage.KindManual {
		if err := o.store.MarkDelivered(fctx, req.ChatID, storage.KindManual, req.Date, sentAt); err != nil {
			log.Warn("manual bookkeeping failed", logx.Err(err))
		}
	}
	res.Outcome = OutcomeDelivered
	log.Info("schedule delivered", logx.Int("items", res.Items))

	if len(items) == 0 && req.NotifyOnGap {
		o.checkGap(ctx, log, req)
	}
	return res
}

func (o *Orchestrator) send(ctx context.Context, cfg Config, chatID int64, text string) error {
	if o.sender == nil {
		return errors.New("no sender configured")
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	opt := &transport.SendOptions{ParseMode: transport.ParseModeHTML, DisablePreview: true}
	for _, chunk := range render.Split(text, render.MaxMessageRunes) {
		if _, err := o.sender.SendText(sctx, transport.ChatTarget{ChatID: chatID}, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// finishError records a failure. It runs detached from ctx so a cancelled
// caller cannot leave the reservation dangling.
func (o *Orchestrator) finishError(log logx.Logger, key storage.LedgerKey, text string) {
	fctx, cancel := detached(context.Background())
	defer cancel()
	if err := o.store.MarkError(fctx, key, text); err != nil {
		log.Error("persist delivery error failed", logx.Err(err), logx.String("error_text", text))
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
}

func (o *Orchestrator) checkGap(ctx context.Context, log logx.Logger, req Request) {
	minDate, maxDate, ok, err := o.store.CoverageMinMax(ctx, req.ChatID)
	if err != nil {
		log.Warn("coverage lookup failed", logx.Err(err))
		return
	}
	if ok && req.Date >= minDate && req.Date <= maxDate {
		return
	}
	o.notify(ctx, fmt.Sprintf(
		"chat %d received an empty day for %s, but the date is outside stored coverage (%s..%s); likely missing data",
		req.ChatID, req.Date, orDash(minDate), orDash(maxDate)))
}

func (o *Orchestrator) failed(log logx.Logger, res Result, reason string, err error) Result {
	res.Outcome, res.Reason, res.Err = OutcomeFailed, reason, err
	log.Warn("dispatch failed", logx.String("reason", reason), logx.Err(err))
	return res
}

func (o *Orchestrator) notify(ctx context.Context, text string) {
	if o.alert != nil {
		o.alert.Alert(ctx, text)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
