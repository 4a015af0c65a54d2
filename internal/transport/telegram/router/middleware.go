package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{logx.Strings("args", req.RawArgs), logx.Duration("dur", d)}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// AuditStore persists operator actions.
type AuditStore interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// MWAudit appends one audit row per invocation. The target is the --chat
// flag when present, else the current chat.
func MWAudit(store AuditStore) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)

			e := storage.AuditEntry{
				At:      start,
				ActorID: req.FromID,
				ChatID:  req.Chat.ChatID,
				Action:  req.Command,
				Target:  strings.Join(req.RawArgs, " "),
				TookMS:  time.Since(start).Milliseconds(),
			}
			if m := req.Update.Message; m != nil {
				e.ActorUsername = m.FromUsername
			}
			if err != nil {
				e.Fail, e.Error = 1, err.Error()
			} else {
				e.OK = 1
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			if aerr := store.AppendAudit(actx, e); aerr != nil {
				req.Logger.Warn("audit append failed", logx.Err(aerr))
			}
			return err
		}
	}
}
