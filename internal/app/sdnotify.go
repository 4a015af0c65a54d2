package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "schedbot/pkg/logx"
)

// sdNotify reports state to systemd. Outside a notify unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half its interval while healthy
// reports true. It returns at once when the unit has no watchdog.
func watchdogLoop(ctx context.Context, log logx.Logger, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog check failed", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy() {
				sdNotify(log, daemon.SdNotifyWatchdog)
			}
		}
	}
}
