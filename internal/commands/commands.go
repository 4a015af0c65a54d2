// Package commands implements the bot's Telegram commands on top of the
// store, the feed reconciler and the dispatch orchestrator.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"schedbot/internal/dispatch"
	"schedbot/internal/feedsync"
	"schedbot/internal/storage"
	kit "schedbot/internal/transport"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

type Store interface {
	EnsureSettings(ctx context.Context, chatID int64, title string, def storage.SettingsDefaults) (storage.ChatSettings, error)
	GetSettings(ctx context.Context, chatID int64) (storage.ChatSettings, bool, error)
	UpdateSettings(ctx context.Context, cs storage.ChatSettings) error
	OccurrencesByDate(ctx context.Context, chatID int64, date string) ([]storage.Occurrence, error)
	OccurrencesByRange(ctx context.Context, chatID int64, from, to string) ([]storage.Occurrence, error)
	CoverageMinMax(ctx context.Context, chatID int64) (minDate, maxDate string, ok bool, err error)
	ListUploads(ctx context.Context, chatID int64, limit int) ([]storage.Upload, error)
	GetLedger(ctx context.Context, key storage.LedgerKey) (storage.LedgerEntry, bool, error)
	FindStale(ctx context.Context, olderThan time.Duration, now time.Time) ([]storage.LedgerEntry, error)
}

type Syncer interface {
	Synchronize(ctx context.Context, chatID int64, force bool) feedsync.Outcome
	Config() feedsync.Config
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
	Config() dispatch.Config
}

type Config struct {
	// Location is used for chats without a valid timezone.
	Location *time.Location
	// Defaults seed the settings of chats seen for the first time.
	Defaults storage.SettingsDefaults
}

var errNoSettings = errors.New("чат не зарегистрирован: отправьте боту любое сообщение из этого чата или используйте /setup --chat=ID")

type Handlers struct {
	mu  sync.RWMutex
	cfg Config

	store Store
	sync  Syncer
	disp  Dispatcher
	log   logx.Logger
	now   func() time.Time

	// chats already ensured in this process
	seen sync.Map
}

type Option func(*Handlers)

func WithClock(now func() time.Time) Option { return func(h *Handlers) { h.now = now } }

func New(cfg Config, store Store, syncer Syncer, disp Dispatcher, log logx.Logger, opts ...Option) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h := &Handlers{cfg: cfg, store: store, sync: syncer, disp: disp, log: log, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handlers) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *Handlers) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// OnContact creates the settings row of a chat the first time it writes.
func (h *Handlers) OnContact(ctx context.Context, msg *kit.Message) {
	if msg == nil || msg.ChatID == 0 {
		return
	}
	if prev, ok := h.seen.Load(msg.ChatID); ok && prev == msg.ChatTitle {
		return
	}
	if _, err := h.store.EnsureSettings(ctx, msg.ChatID, msg.ChatTitle, h.config().Defaults); err != nil {
		h.log.Warn("ensure settings failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		return
	}
	h.seen.Store(msg.ChatID, msg.ChatTitle)
}

func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "today",
			Description: "расписание на сегодня",
			Usage:       "/today",
			Handle:      h.cmdDay(0),
		},
		{
			Name:        "tomorrow",
			Description: "расписание на завтра",
			Usage:       "/tomorrow",
			Handle:      h.cmdDay(1),
		},
		{
			Name:        "week",
			Description: "расписание на 7 дней",
			Usage:       "/week [--brief]",
			Handle:      h.cmdWeek,
		},
		{
			Name:        "sync",
			Description: "принудительная синхронизация iCal",
			Usage:       "/sync [--chat=ID]",
			Access:      router.AccessOwnerOnly,
			Audit:       true,
			Timeout:     time.Minute,
			Handle:      h.cmdSync,
		},
		{
			Name:        "send",
			Description: "отправить расписание на дату",
			Usage:       "/send [дата] [--chat=ID]",
			Access:      router.AccessOwnerOnly,
			Audit:       true,
			Timeout:     2 * time.Minute,
			Handle:      h.cmdSend,
		},
		{
			Name:        "preview",
			Description: "показать расписание на дату без отправки",
			Usage:       "/preview [дата] [--chat=ID]",
			Access:      router.AccessOwnerOnly,
			Handle:      h.cmdPreview,
		},
		{
			Name:        "status",
			Description: "настройки, фид и журнал доставок",
			Usage:       "/status [--chat=ID]",
			Access:      router.AccessOwnerOnly,
			Handle:      h.cmdStatus,
		},
		{
			Name:        "stuck",
			Description: "зависшие доставки",
			Usage:       "/stuck",
			Access:      router.AccessOwnerOnly,
			Handle:      h.cmdStuck,
		},
		{
			Name:        "setup",
			Description: "настройка рассылки чата",
			Usage:       "/setup [--chat=ID] [--mode=0|1|2] [--morning=HH:MM] [--evening=HH:MM|-] [--tz=Area/City] [--ical=URL|off|default]",
			Access:      router.AccessOwnerOnly,
			Audit:       true,
			Handle:      h.cmdSetup,
		},
	}
}

// targetChat is the --chat flag for owners, else the current chat.
func targetChat(req *router.Request) (int64, error) {
	if !req.IsOwner {
		return req.Chat.ChatID, nil
	}
	id, ok, err := req.FlagInt64("chat")
	if err != nil {
		return 0, err
	}
	if !ok {
		return req.Chat.ChatID, nil
	}
	if id == 0 {
		return 0, fmt.Errorf("--chat: id must be non-zero")
	}
	return id, nil
}

// chatClock returns the chat settings (if any) and now in the chat's zone.
func (h *Handlers) chatClock(ctx context.Context, chatID int64) (storage.ChatSettings, bool, time.Time, error) {
	cs, ok, err := h.store.GetSettings(ctx, chatID)
	if err != nil {
		return storage.ChatSettings{}, false, time.Time{}, err
	}
	def := h.config().Location
	loc := def
	if ok {
		loc = cs.Location(def)
	}
	return cs, ok, h.now().In(loc), nil
}

func dateOf(t time.Time) string { return t.Format(storage.DateLayout) }
