package app

import (
	"context"
	"strings"
	"time"

	"schedbot/internal/config"
	logx "schedbot/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Bursts coalesce to
// the latest config.
func (a *App) reloadLoop(c context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if pending := config.RequiresRestart(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.Strings("sections", pending))
	}

	// log target first so Apply doesn't warn when the Telegram sink is on
	a.logs.SetTelegramTarget(parseChatID(newCfg.Telegram.GroupLog), newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogging(newCfg))

	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	// the validator already ran every mapper, so errors here are not expected
	if ncfg, err := mapNotifier(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		a.mu.Lock()
		prev := a.notifEnabled
		a.notifEnabled = ncfg.Enabled
		a.mu.Unlock()
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if fcfg, err := mapFeedsync(newCfg); err == nil {
		a.feeds.Apply(fcfg)
	}
	if dcfg, err := mapDispatch(newCfg); err == nil {
		a.disp.Apply(dcfg)
	}
	if ccfg, err := mapCommands(newCfg); err == nil {
		a.cmds.Apply(ccfg)
	}

	if scfg, err := mapSchedule(newCfg); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		if err := a.sched.Apply(scfg); err != nil {
			a.log.Warn("schedule apply failed", logx.Err(err))
		}
		a.mu.Lock()
		prev := a.schedEnabled
		a.schedEnabled = newCfg.Schedule.Enabled
		a.mu.Unlock()
		switch {
		case prev && !newCfg.Schedule.Enabled:
			a.log.Info("schedule disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 5*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev && newCfg.Schedule.Enabled:
			a.log.Info("schedule enabled via config")
			if err := a.sched.Start(c); err != nil {
				a.log.Warn("schedule start failed", logx.Err(err))
			}
		}
	}

	if ocfg, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(c, ocfg)
	}

	a.log.Info("config reloaded", fields...)
}
