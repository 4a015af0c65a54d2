package commands

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

var setupFlags = []string{"mode", "morning", "evening", "tz", "ical"}

// applySetup edits cs in place from the request flags. It reports whether
// anything was given at all.
func applySetup(cs *storage.ChatSettings, flags map[string]string) (bool, error) {
	touched := false
	for _, k := range setupFlags {
		if _, ok := flags[k]; ok {
			touched = true
		}
	}
	if !touched {
		return false, nil
	}

	if v, ok := flags["mode"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		m := storage.Mode(n)
		if err != nil || !m.Valid() {
			return true, fmt.Errorf("--mode: ожидается 0, 1 или 2, получено %q", v)
		}
		cs.Mode = m
	}
	if v, ok := flags["morning"]; ok {
		v = strings.TrimSpace(v)
		if _, err := schedule.ParseHHMM(v); err != nil {
			return true, fmt.Errorf("--morning: %w", err)
		}
		cs.MorningTime = v
	}
	if v, ok := flags["evening"]; ok {
		v = strings.TrimSpace(v)
		if v == "-" || v == "" {
			cs.EveningTime = ""
		} else {
			if _, err := schedule.ParseHHMM(v); err != nil {
				return true, fmt.Errorf("--evening: %w", err)
			}
			cs.EveningTime = v
		}
	}
	if v, ok := flags["tz"]; ok {
		v = strings.TrimSpace(v)
		if _, err := time.LoadLocation(v); err != nil || v == "" {
			return true, fmt.Errorf("--tz: неизвестный часовой пояс %q", v)
		}
		cs.Timezone = v
	}
	if v, ok := flags["ical"]; ok {
		v = strings.TrimSpace(v)
		switch strings.ToLower(v) {
		case "off", "-":
			cs.ICalEnabled = false
		case "default", "":
			cs.ICalURL = ""
			cs.ICalEnabled = true
		default:
			u, err := url.Parse(v)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return true, fmt.Errorf("--ical: ожидается http(s) ссылка, off или default")
			}
			cs.ICalURL = v
			cs.ICalEnabled = true
		}
	}
	if cs.Mode == storage.ModeTwiceDaily && strings.TrimSpace(cs.EveningTime) == "" {
		return true, fmt.Errorf("режим 2 требует --evening=HH:MM")
	}
	return true, nil
}

func (h *Handlers) cmdSetup(ctx context.Context, req *router.Request) error {
	chatID, err := targetChat(req)
	if err != nil {
		return err
	}
	title := ""
	if chatID == req.Chat.ChatID && req.Update.Message != nil {
		title = req.Update.Message.ChatTitle
	}
	cs, err := h.store.EnsureSettings(ctx, chatID, title, h.config().Defaults)
	if err != nil {
		return err
	}

	touched, err := applySetup(&cs, req.Flags)
	if err != nil {
		return err
	}
	if !touched {
		return router.Reply(ctx, req, settingsCard(cs).Section("Параметры").Line(setupUsage).String())
	}
	if err := h.store.UpdateSettings(ctx, cs); err != nil {
		return err
	}
	req.Logger.Info("chat settings updated",
		logx.Int64("chat_id", chatID),
		logx.String("mode", cs.Mode.String()),
		logx.String("timezone", cs.Timezone),
	)
	return router.Reply(ctx, req, "✅ Сохранено\n\n"+settingsCard(cs).String())
}

const setupUsage = "--mode=0|1|2 --morning=HH:MM --evening=HH:MM|- --tz=Area/City --ical=URL|off|default"
