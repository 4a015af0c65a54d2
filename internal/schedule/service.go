package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "schedbot/pkg/logx"
)

// Service runs RunTick on a fixed interval and CheckCoverage once a day.
// A tick that is still running when the next one fires is skipped.
type Service struct {
	mu  sync.Mutex
	tc  TickContext
	log logx.Logger

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(tc TickContext) *Service {
	tc.Config = tc.Config.normalized()
	return &Service{tc: tc, log: tc.logger().With(logx.String("comp", "schedule"))}
}

// TickContext returns the current tick context.
func (s *Service) TickContext() TickContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tc
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cfg := s.tc.Config
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.Tick), s.tick); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	at, err := ParseHHMM(cfg.CoverageCheckAt)
	if err != nil {
		return fmt.Errorf("coverage_check_at: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("%d %d * * *", at%60, at/60), s.coverage); err != nil {
		return fmt.Errorf("coverage check: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started",
		logx.Duration("tick", cfg.Tick),
		logx.String("coverage_check_at", cfg.CoverageCheckAt),
		logx.String("tz", cfg.Location.String()),
	)
	return nil
}

// Apply swaps the configuration; a running cron is restarted so new
// intervals and locations take effect. The old cron is drained without
// holding mu, since its jobs take mu to read the tick context.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	old := s.tc.Config
	s.tc.Config = cfg.normalized()
	c := s.c
	if c == nil || sameTiming(old, s.tc.Config) {
		s.mu.Unlock()
		return nil
	}
	s.c = nil
	s.mu.Unlock()

	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop or another Apply may have run while the old cron drained.
	if s.c != nil || s.ctx == nil || s.ctx.Err() != nil {
		return nil
	}
	return s.startLocked()
}

func sameTiming(a, b Config) bool {
	return a.Tick == b.Tick && a.CoverageCheckAt == b.CoverageCheckAt && a.Location.String() == b.Location.String()
}

// Stop stops the cron and waits for a running tick until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		if cancel != nil {
			cancel()
		}
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Service) tick() {
	s.mu.Lock()
	tc, ctx := s.tc, s.ctx
	s.mu.Unlock()
	rep := RunTick(ctx, tc)
	for _, e := range rep.Errors {
		s.log.Warn("tick problem", logx.String("error", e))
	}
}

func (s *Service) coverage() {
	s.mu.Lock()
	tc, ctx := s.tc, s.ctx
	s.mu.Unlock()
	if lagging := CheckCoverage(ctx, tc); len(lagging) > 0 {
		s.log.Warn("coverage check found lagging chats", logx.Int("chats", len(lagging)))
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if t, ok := kv[i+1].(time.Time); ok {
			out = append(out, logx.Time(k, t))
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
