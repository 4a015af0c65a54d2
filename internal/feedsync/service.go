// Package feedsync reconciles a chat's stored occurrences with its iCal feed.
package feedsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"schedbot/internal/eventbus"
	"schedbot/internal/ics"
	"schedbot/internal/metrics"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

const (
	defaultSyncDays = 14
	maxWarnings     = 50

	// sharedSyncTimeout bounds one coalesced sync, store writes included.
	sharedSyncTimeout = 2 * time.Minute
)

type Config struct {
	DefaultURL      string
	FallbackEnabled bool
	// MinInterval throttles non-forced syncs; 0 disables throttling.
	MinInterval time.Duration
	SyncDays    int
	Limits      ics.Limits
	// Location is used for chats without a valid timezone.
	Location *time.Location
}

type Store interface {
	GetSettings(ctx context.Context, chatID int64) (storage.ChatSettings, bool, error)
	ApplyFeedSync(ctx context.Context, fs storage.FeedSync) (storage.FeedSyncResult, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ResolveFeedURL picks the feed of a chat: an explicit URL wins, a disabled
// feed resolves to nothing, and an unset one falls back to the configured
// default when fallback is enabled.
func ResolveFeedURL(cs storage.ChatSettings, cfg Config) (string, bool) {
	switch cs.FeedState() {
	case storage.FeedExplicit:
		return strings.TrimSpace(cs.ICalURL), true
	case storage.FeedDisabled:
		return "", false
	}
	if cfg.FallbackEnabled {
		if u := strings.TrimSpace(cfg.DefaultURL); u != "" {
			return u, true
		}
	}
	return "", false
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service runs feed syncs. Calls for the same chat coalesce.
//
// It is safe for concurrent use.
type Service struct {
	mu  sync.RWMutex
	cfg Config

	store   Store
	fetcher Fetcher
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	group singleflight.Group
}

func New(cfg Config, store Store, fetcher Fetcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:   store,
		fetcher: fetcher,
		log:     log.With(logx.String("comp", "feedsync")),
		bus:     bus,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.SyncDays <= 0 {
		cfg.SyncDays = defaultSyncDays
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// IsStale reports whether a throttled sync of cs would run at now. It is
// false when no feed resolves or throttling is off.
func (s *Service) IsStale(cs storage.ChatSettings, now time.Time) bool {
	cfg := s.Config()
	if _, ok := ResolveFeedURL(cs, cfg); !ok {
		return false
	}
	if cfg.MinInterval <= 0 {
		return false
	}
	return cs.LastICalSyncAt.IsZero() || now.Sub(cs.LastICalSyncAt) >= cfg.MinInterval
}

// Synchronize fetches the chat's feed, expands it over the sync window and
// replaces the window's stored occurrences in one transaction. Nothing is
// written when fetching or parsing fails.
func (s *Service) Synchronize(ctx context.Context, chatID int64, force bool) Outcome {
	key := strconv.FormatInt(chatID, 10) + "/" + strconv.FormatBool(force)
	// The shared call outlives any single caller: a joined caller must not
	// fail because the first one went away.
	ch := s.group.DoChan(key, func() (any, error) {
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedSyncTimeout)
		defer cancel()
		return s.synchronize(c, chatID, force), nil
	})
	var out Outcome
	select {
	case r := <-ch:
		out = r.Val.(Outcome)
	case <-ctx.Done():
		out = Outcome{Kind: KindFailed, Reason: ReasonCanceled, ChatID: chatID, Err: ctx.Err()}
	}
	metrics.ObserveFeedSync(out.Kind.String(), out.Reason, out.Upserted, out.Deleted)
	return out
}

func (s *Service) synchronize(ctx context.Context, chatID int64, force bool) Outcome {
	cfg := s.Config()
	out := Outcome{ChatID: chatID}
	log := s.log.With(logx.Int64("chat_id", chatID), logx.Bool("force", force))

	cs, ok, err := s.store.GetSettings(ctx, chatID)
	if err != nil {
		return s.fail(log, out, ReasonStore, fmt.Errorf("load settings: %w", err))
	}
	if !ok {
		out.Reason = ReasonNoSettings
		return out
	}
	url, ok := ResolveFeedURL(cs, cfg)
	if !ok {
		out.Reason = ReasonNoFeed
		return out
	}
	out.URL = ics.RedactURL(url)
	log = log.With(logx.String("url", out.URL))

	now := s.now()
	if !force && cfg.MinInterval > 0 && !cs.LastICalSyncAt.IsZero() && now.Sub(cs.LastICalSyncAt) < cfg.MinInterval {
		out.Reason = ReasonThrottled
		log.Debug("feed sync throttled", logx.Time("last_sync", cs.LastICalSyncAt))
		return out
	}

	loc := cs.Location(cfg.Location)
	today := now.In(loc)
	from := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, cfg.SyncDays-1)
	out.DateFrom = from.Format(storage.DateLayout)
	out.DateTo = to.Format(storage.DateLayout)

	payload, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return s.fail(log, out, ReasonFetch, err)
	}

	res := ics.ParseAndExpand(payload, loc, ics.NewWindow(from, to), cfg.Limits)
	out.Warnings = capWarnings(res.Warnings)
	if len(res.Items) == 0 && len(res.Warnings) > 0 {
		return s.fail(log, out, ReasonParse, errors.New("feed produced only warnings: "+res.Warnings[0]))
	}

	items := make([]storage.Occurrence, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, storage.Occurrence{
			ChatID:      chatID,
			Date:        it.Date(),
			Start:       it.StartHM(),
			End:         it.EndHM(),
			Subject:     it.Subject,
			Room:        it.Room,
			Teacher:     it.Teacher,
			ICalUID:     it.UID,
			ICalDTStart: it.StartKey(),
		})
	}
	applied, err := s.store.ApplyFeedSync(ctx, storage.FeedSync{
		ChatID:   chatID,
		DateFrom: out.DateFrom,
		DateTo:   out.DateTo,
		Items:    items,
		Warnings: out.Warnings,
		At:       now,
	})
	if err != nil {
		return s.fail(log, out, ReasonStore, err)
	}

	out.Kind = KindSynced
	out.Items = len(items)
	out.Upserted = applied.Upserted
	out.Deleted = applied.Deleted
	out.UploadID = applied.UploadID
	log.Info("feed synced",
		logx.String("from", out.DateFrom),
		logx.String("to", out.DateTo),
		logx.Int("items", out.Items),
		logx.Int("deleted", out.Deleted),
		logx.Int("warnings", len(res.Warnings)),
	)
	for _, w := range out.Warnings {
		log.Debug("feed warning", logx.String("warning", w))
	}
	s.publish(out)
	return out
}

func (s *Service) fail(log logx.Logger, out Outcome, reason string, err error) Outcome {
	out.Kind = KindFailed
	out.Reason = reason
	out.Err = err
	log.Warn("feed sync failed", logx.String("reason", reason), logx.Err(err))
	s.publish(out)
	return out
}

func (s *Service) publish(out Outcome) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeFeedSync, Data: Event{
		ChatID: out.ChatID,
		Kind:   out.Kind.String(),
		Reason: out.Reason,
		Items:  out.Items,
	}})
}

// Event is published on the bus after every sync that got past throttling.
type Event struct {
	ChatID int64  `json:"chat_id"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Items  int    `json:"items"`
}

func capWarnings(ws []string) []string {
	if len(ws) <= maxWarnings {
		return ws
	}
	out := append([]string(nil), ws[:maxWarnings]...)
	return append(out, fmt.Sprintf("... and %d more", len(ws)-maxWarnings))
}
