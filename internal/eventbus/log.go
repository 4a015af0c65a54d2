package eventbus

import (
	"context"

	logx "schedbot/pkg/logx"
)

// LogEvents writes every event to log at debug level until ctx is done.
func LogEvents(ctx context.Context, b Bus, log logx.Logger) error {
	ch, unsub := b.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}
