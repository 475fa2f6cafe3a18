// Package router parses chat commands and runs their handlers.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"newsalert/internal/news"
	"newsalert/internal/outbound"
	rtsup "newsalert/internal/runtime/supervisor"
	kit "newsalert/internal/transport"
	logx "newsalert/pkg/logx"
)

const unknownCommandReply = "Unknown command. Try /help"

type Command struct {
	Name        string
	Description string
	Hidden      bool // callable but left out of the menu and help
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Update    kit.Update
	Chat      kit.ChatTarget
	Recipient news.RecipientID
	FromID    int64
	IsGroup   bool
	Command   string
	Args      []string
	ReqID     string
	Logger    logx.Logger

	sender kit.Sender
}

// Reply answers in the chat (and thread) the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Option func(*Router)

func WithLogger(log logx.Logger) Option     { return func(r *Router) { r.log = log } }
func WithWorkers(n int) Option              { return func(r *Router) { r.workers = n } }
func WithTimeout(d time.Duration) Option    { return func(r *Router) { r.timeout = d } }
func WithBotName(name string) Option        { return func(r *Router) { r.botName = strings.ToLower(name) } }
func WithGreeting(text string) Option       { return func(r *Router) { r.greeting = text } }
func WithMiddleware(m ...Middleware) Option { return func(r *Router) { r.extra = append(r.extra, m...) } }

type Router struct {
	sender   kit.Sender
	log      logx.Logger
	workers  int
	timeout  time.Duration
	botName  string
	greeting string
	extra    []Middleware

	mu   sync.RWMutex
	cmds []Command
	byID map[string]Command
}

func New(sender kit.Sender, opts ...Option) *Router {
	r := &Router{
		sender:  sender,
		workers: 4,
		timeout: 15 * time.Second,
		byID:    map[string]Command{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.Comp("telegram.router"))
	if r.workers < 1 {
		r.workers = 1
	}
	r.Register(Command{Name: "help", Description: "what you're currently reading", Handle: r.helpHandler})
	return r
}

// Register adds commands. A later command with the same name replaces the
// earlier one but keeps its position.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, ok := r.byID[name]; ok {
			for i := range r.cmds {
				if r.cmds[i].Name == name {
					r.cmds[i] = c
				}
			}
		} else if n := len(r.cmds); n > 0 && r.cmds[n-1].Name == "help" {
			// help stays last.
			r.cmds = append(r.cmds[:n-1], c, r.cmds[n-1])
		} else {
			r.cmds = append(r.cmds, c)
		}
		r.byID[name] = c
	}
}

func (r *Router) commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.cmds...)
}

// Menu returns the bot command menu for the registered commands.
func (r *Router) Menu() []kit.BotCommand { return menuCommands(r.commands()) }

// HelpText is the greeting followed by one padded line per visible command.
func (r *Router) HelpText() string {
	cmds := r.commands()
	width := 0
	for _, c := range cmds {
		if !c.Hidden {
			width = max(width, len(c.Name)+1)
		}
	}
	var b strings.Builder
	if r.greeting != "" {
		b.WriteString(r.greeting)
		b.WriteString("\n\n")
	}
	b.WriteString("Here are the commands you can use:")
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		fmt.Fprintf(&b, "\n%-*s  %s", width, "/"+c.Name, c.Description)
	}
	return b.String()
}

func (r *Router) helpHandler(ctx context.Context, req *Request) error {
	return req.Reply(ctx, r.HelpText())
}

// parseCommand splits "/name@bot arg1 arg2". ok is false for plain text.
func parseCommand(text string) (name, bot string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", nil, false
	}
	fields := strings.Fields(text)
	word := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word, bot = word[:i], strings.ToLower(word[i+1:])
	}
	if word == "" {
		return "", "", nil, false
	}
	return strings.ToLower(word), bot, fields[1:], true
}

// Handle routes one update synchronously. Non-command text and commands
// addressed to another bot are ignored. Unknown commands get a hint only in
// private chats so groups are not spammed.
func (r *Router) Handle(ctx context.Context, up kit.Update) error {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil
	}
	msg := up.Message
	name, bot, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil
	}
	if bot != "" && r.botName != "" && bot != r.botName {
		return nil
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, found := r.byID[name]
	r.mu.RUnlock()
	if !found {
		if msg.IsGroup {
			return nil
		}
		_, err := r.sender.SendText(ctx, chat, unknownCommandReply, nil)
		return err
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update:    up,
		Chat:      chat,
		Recipient: outbound.RecipientFor(msg.ChatID, msg.ThreadID),
		FromID:    msg.FromID,
		IsGroup:   msg.IsGroup,
		Command:   cmd.Name,
		Args:      args,
		ReqID:     rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", cmd.Name),
		),
		sender: r.sender,
	}
	mws := append([]Middleware{MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(r.timeout)}, r.extra...)
	return Chain(cmd.Handle, mws...)(ctx, req)
}

// DispatchLoop consumes updates with a bounded worker pool until ctx is done
// or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))

	jobs := make(chan kit.Update)
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-jobs:
					if !ok {
						return nil
					}
					r.handleSafe(c, idx, up)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		close(jobs)
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
			select {
			case jobs <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Router) handleSafe(ctx context.Context, worker int, up kit.Update) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	// Failures are already logged by the request middleware.
	_ = r.Handle(ctx, up)
}
