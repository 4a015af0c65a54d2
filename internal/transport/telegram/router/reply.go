package router

import (
	"context"

	"schedbot/internal/render"
	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

// Reply sends HTML text to the request chat, split to the message limit.
func Reply(ctx context.Context, req *Request, text string) error {
	opt := &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: true}
	for _, chunk := range render.Split(text, render.MaxMessageRunes) {
		if _, err := req.Sender.SendText(ctx, req.Chat, chunk, opt); err != nil {
			req.Logger.Warn("reply failed", logx.Err(err))
			return err
		}
	}
	return nil
}
