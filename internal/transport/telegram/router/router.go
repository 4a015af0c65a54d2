// Package router turns incoming Telegram messages into command invocations:
// it parses "/cmd args --flags", checks access, and runs handlers on a
// bounded worker pool.
package router

import (
	"context"
	"html"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "schedbot/internal/runtime/supervisor"
	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Audit records each invocation in the operator audit log.
	Audit   bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string

	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Sender   kit.Sender
	Logger   logx.Logger
	IsOwner  bool
	Received time.Time
}

// ContactFunc is called for every message from a chat before routing.
type ContactFunc func(ctx context.Context, msg *kit.Message)

type Router struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	owners []int64

	log     logx.Logger
	sender  kit.Sender
	audit   AuditStore
	contact ContactFunc

	jobs chan func()
	sup  *rtsup.Supervisor
}

type Option func(*Router)

// WithAudit enables the audit middleware for commands with Audit set.
func WithAudit(store AuditStore) Option { return func(r *Router) { r.audit = store } }

// WithContact installs a first-contact hook.
func WithContact(fn ContactFunc) Option { return func(r *Router) { r.contact = fn } }

func New(log logx.Logger, sender kit.Sender, owners []int64, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:   map[string]*Command{},
		alias:  map[string]*Command{},
		owners: append([]int64(nil), owners...),
		log:    log,
		sender: sender,
		jobs:   make(chan func(), 256),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetOwners updates the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetCommands installs cmds plus the built-in /help and returns the menu
// entries for them.
func (r *Router) SetCommands(cmds []Command) []kit.BotCommand {
	help := Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "список команд",
		Usage:       "/help [команда]",
		Handle: func(ctx context.Context, req *Request) error {
			return Reply(ctx, req, r.helpText(req))
		},
	}
	cmds = append(cmds, help)

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = &c
	}
	for _, c := range byName {
		for _, a := range c.Aliases {
			a = sanitizeTelegramCommand(a)
			if a == "" {
				continue
			}
			if _, taken := byName[a]; !taken {
				alias[a] = c
			}
		}
	}

	r.mu.Lock()
	r.cmds = byName
	r.alias = alias
	r.mu.Unlock()
	return buildMenu(byName)
}

// UpdateMenu pushes the command menu when the sender supports it.
func (r *Router) UpdateMenu(ctx context.Context, menu []kit.BotCommand) {
	up, ok := r.sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, menu); err != nil {
		r.log.Warn("menu update failed", logx.Err(err))
	}
}

func (r *Router) lookup(word string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cmds[word]; ok {
		return c, true
	}
	c, ok := r.alias[word]
	return c, ok
}

func (r *Router) commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	return out
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx ends or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.mu.Lock()
	r.sup = sup
	r.mu.Unlock()
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Snapshot exposes the worker supervisor state (zero before Run).
func (r *Router) Snapshot() rtsup.Snapshot {
	r.mu.RLock()
	sup := r.sup
	r.mu.RUnlock()
	if sup == nil {
		return rtsup.Snapshot{}
	}
	return sup.Snapshot()
}

// Route parses one update and enqueues the matching command.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	if r.contact != nil {
		r.contact(ctx, msg)
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := r.lookup(word)
	if !ok {
		// groups see every bot-addressed command; stay quiet there
		if !msg.IsGroup {
			_, _ = r.sender.SendText(ctx, chat, "Неизвестная команда. Список: /help", nil)
		}
		return
	}
	owner := r.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = r.sender.SendText(ctx, chat, "⛔ Команда доступна только владельцу бота.", nil)
		return
	}

	raw := parts[1:]
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		Command:   cmd.Name,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Sender:    r.sender,
		IsOwner:   owner,
		Received:  time.Now(),
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	mws := []Middleware{MWPanicRecover(r.log), MWRequestLog(r.log)}
	if cmd.Audit && r.audit != nil {
		mws = append(mws, MWAudit(r.audit))
	}
	mws = append(mws, MWTimeout(cmd.Timeout))
	final := Chain(cmd.Handle, mws...)

	if !r.tryEnqueue(func() {
		if err := final(ctx, req); err != nil {
			_ = Reply(ctx, req, "❌ "+html.EscapeString(err.Error()))
		}
	}) {
		_, _ = r.sender.SendText(ctx, chat, "Бот занят, попробуйте позже.", nil)
	}
}
