package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"time"

	"schedbot/internal/dispatch"
	"schedbot/internal/feedsync"
	"schedbot/internal/ics"
	"schedbot/internal/render"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	"schedbot/internal/transport/telegram/router"
	"schedbot/pkg/tgui"
)

const weekDays = 7

func (h *Handlers) cmdDay(offset int) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		_, _, now, err := h.chatClock(ctx, req.Chat.ChatID)
		if err != nil {
			return err
		}
		day := now.AddDate(0, 0, offset)
		items, err := h.store.OccurrencesByDate(ctx, req.Chat.ChatID, dateOf(day))
		if err != nil {
			return err
		}
		return router.Reply(ctx, req, render.Day(day, items))
	}
}

func (h *Handlers) cmdWeek(ctx context.Context, req *router.Request) error {
	_, _, now, err := h.chatClock(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	to := now.AddDate(0, 0, weekDays-1)
	items, err := h.store.OccurrencesByRange(ctx, req.Chat.ChatID, dateOf(now), dateOf(to))
	if err != nil {
		return err
	}
	if req.BoolFlags["brief"] {
		return router.Reply(ctx, req, render.WeekBrief(now, to, items))
	}
	return router.Reply(ctx, req, render.Week(now, to, items))
}

func (h *Handlers) cmdSync(ctx context.Context, req *router.Request) error {
	chatID, err := targetChat(req)
	if err != nil {
		return err
	}
	out := h.sync.Synchronize(ctx, chatID, true)
	switch out.Kind {
	case feedsync.KindSynced:
		card := tgui.NewCard().
			Title("✅", fmt.Sprintf("Синхронизация чата %d", chatID)).
			KV("Период", out.DateFrom+" … "+out.DateTo).
			KV("Событий", strconv.Itoa(out.Items)).
			KV("Записано", strconv.Itoa(out.Upserted)).
			KV("Удалено", strconv.Itoa(out.Deleted))
		if len(out.Warnings) > 0 {
			card.Section(fmt.Sprintf("Предупреждения (%d)", len(out.Warnings))).
				Bullets(5, out.Warnings...)
		}
		return router.Reply(ctx, req, card.String())
	case feedsync.KindSkipped:
		if out.Reason == feedsync.ReasonNoSettings {
			return errNoSettings
		}
		if out.Reason == feedsync.ReasonNoFeed {
			return errors.New("у чата нет iCal-ссылки (задайте через /setup --ical=URL)")
		}
		return router.Reply(ctx, req, "Синхронизация пропущена: "+html.EscapeString(out.Reason))
	default:
		if out.Err != nil {
			return fmt.Errorf("синхронизация не удалась (%s): %w", out.Reason, out.Err)
		}
		return fmt.Errorf("синхронизация не удалась (%s)", out.Reason)
	}
}

// targetDate resolves the optional date argument in the chat's timezone.
func (h *Handlers) targetDate(ctx context.Context, req *router.Request, chatID int64) (time.Time, error) {
	_, _, now, err := h.chatClock(ctx, chatID)
	if err != nil {
		return time.Time{}, err
	}
	arg := ""
	if len(req.Args) > 0 {
		arg = req.Args[0]
	}
	return router.ParseDate(arg, now)
}

func (h *Handlers) cmdSend(ctx context.Context, req *router.Request) error {
	chatID, err := targetChat(req)
	if err != nil {
		return err
	}
	day, err := h.targetDate(ctx, req, chatID)
	if err != nil {
		return err
	}
	date := dateOf(day)
	res := h.disp.Dispatch(ctx, dispatch.Request{ChatID: chatID, Date: date, Kind: storage.KindManual})

	switch res.Outcome {
	case dispatch.OutcomeDelivered:
		// the reply must not land in the chat that just got the schedule twice
		if chatID == req.Chat.ChatID {
			return nil
		}
		return router.Reply(ctx, req, fmt.Sprintf("✅ Отправлено в <code>%d</code> на %s (%d)", chatID, date, res.Items))
	case dispatch.OutcomeSkipped:
		if res.Reason == dispatch.ReasonUnknownChat {
			return errNoSettings
		}
		msg := fmt.Sprintf("Пропущено (%s)", html.EscapeString(res.Reason))
		if e, ok, err := h.store.GetLedger(ctx, storage.LedgerKey{ChatID: chatID, Date: date, Kind: storage.KindManual}); err == nil && ok {
			msg += "\n" + html.EscapeString(ledgerLine(e))
		}
		return router.Reply(ctx, req, msg)
	default:
		if res.Err != nil {
			return fmt.Errorf("отправка не удалась (%s): %w", res.Reason, res.Err)
		}
		return fmt.Errorf("отправка не удалась (%s)", res.Reason)
	}
}

func (h *Handlers) cmdPreview(ctx context.Context, req *router.Request) error {
	chatID, err := targetChat(req)
	if err != nil {
		return err
	}
	day, err := h.targetDate(ctx, req, chatID)
	if err != nil {
		return err
	}
	items, err := h.store.OccurrencesByDate(ctx, chatID, dateOf(day))
	if err != nil {
		return err
	}
	return router.Reply(ctx, req, render.Day(day, items))
}

func (h *Handlers) cmdStuck(ctx context.Context, req *router.Request) error {
	stale, err := h.store.FindStale(ctx, h.disp.Config().StaleAfter, h.now())
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return router.Reply(ctx, req, "Зависших доставок нет ✅")
	}
	return router.Reply(ctx, req, html.EscapeString(schedule.FormatStale(stale)))
}

func (h *Handlers) cmdStatus(ctx context.Context, req *router.Request) error {
	chatID, err := targetChat(req)
	if err != nil {
		return err
	}
	cs, ok, now, err := h.chatClock(ctx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return errNoSettings
	}
	loc := now.Location()
	card := settingsCard(cs)

	url, hasFeed := feedsync.ResolveFeedURL(cs, h.sync.Config())
	switch {
	case hasFeed && cs.FeedState() == storage.FeedExplicit:
		card.KVH("iCal (своя)", tgui.Code(ics.RedactURL(url)))
	case hasFeed:
		card.KVH("iCal (по умолчанию)", tgui.Code(ics.RedactURL(url)))
	case cs.FeedState() == storage.FeedDisabled:
		card.KV("iCal", "выключен")
	default:
		card.KV("iCal", "не задан")
	}
	if !cs.LastICalSyncAt.IsZero() {
		card.KV("Синхронизация", cs.LastICalSyncAt.In(loc).Format("2006-01-02 15:04"))
	}

	minDate, maxDate, covered, err := h.store.CoverageMinMax(ctx, chatID)
	if err != nil {
		return err
	}
	if covered {
		card.KV("Покрытие", minDate+" … "+maxDate)
	} else {
		card.KV("Покрытие", "нет данных")
	}

	ups, err := h.store.ListUploads(ctx, chatID, 3)
	if err != nil {
		return err
	}
	if len(ups) > 0 {
		card.Section("Загрузки")
		for _, u := range ups {
			card.Line(fmt.Sprintf("#%d %s %s…%s, строк: %d (%s)",
				u.ID, u.Source, u.DateFrom, u.DateTo, u.Rows, u.CreatedAt.In(loc).Format("01-02 15:04")))
		}
	}

	var ledger []string
	for _, day := range []time.Time{now, now.AddDate(0, 0, 1)} {
		date := dateOf(day)
		for _, kind := range []storage.DeliveryKind{storage.KindMorning, storage.KindEvening, storage.KindManual} {
			e, found, err := h.store.GetLedger(ctx, storage.LedgerKey{ChatID: chatID, Date: date, Kind: kind})
			if err != nil {
				return err
			}
			if found {
				ledger = append(ledger, ledgerLine(e))
			}
		}
	}
	card.Section("Журнал")
	if len(ledger) == 0 {
		card.Line("пусто")
	}
	card.Bullets(0, ledger...)
	return router.Reply(ctx, req, card.String())
}

func settingsCard(cs storage.ChatSettings) *tgui.Card {
	title := cs.ChatTitle
	if title == "" {
		title = "Чат"
	}
	return tgui.NewCard().
		Title("⚙️", fmt.Sprintf("%s (%d)", title, cs.ChatID)).
		KV("Режим", fmt.Sprintf("%d (%s)", int(cs.Mode), cs.Mode)).
		KV("Утро", cs.MorningTime).
		KV("Вечер", cs.EveningTime).
		KV("Часовой пояс", cs.Timezone)
}

func ledgerLine(e storage.LedgerEntry) string {
	s := fmt.Sprintf("%s %s: %s", e.Date, e.Kind, e.Status)
	if !e.SentAt.IsZero() {
		s += " в " + e.SentAt.Format("15:04:05")
	}
	if e.Error != "" {
		s += " (" + e.Error + ")"
	}
	return s
}
