package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"newsalert/internal/eventbus"
	"newsalert/internal/news"
	"newsalert/internal/storage"
	kit "newsalert/internal/transport"
	logx "newsalert/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.msgs)}, nil
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

func (f *fakeSender) last(t *testing.T) sent {
	t.Helper()
	all := f.all()
	if len(all) == 0 {
		t.Fatal("nothing sent")
	}
	return all[len(all)-1]
}

func msg(chat int64, thread int, text string, group bool) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chat, ThreadID: thread, FromID: 7, Text: text, IsGroup: group}}
}

func newTestRouter(reg storage.Registry, bus eventbus.Bus) (*Router, *fakeSender) {
	fs := &fakeSender{}
	r := New(fs, WithLogger(logx.Nop()), WithBotName("NewsBot"), WithGreeting(DefaultGreeting))
	r.Register(AlertCommands(r, reg, bus)...)
	return r, fs
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		name string
		bot  string
		args int
		ok   bool
	}{
		{in: "/alertson", name: "alertson", ok: true},
		{in: "  /AlertsOff@NewsBot now ", name: "alertsoff", bot: "newsbot", args: 1, ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
		{in: "/@bot", ok: false},
	}
	for _, tt := range tests {
		name, bot, args, ok := parseCommand(tt.in)
		if ok != tt.ok || name != tt.name || bot != tt.bot || len(args) != tt.args {
			t.Errorf("parseCommand(%q) = %q %q %v %v", tt.in, name, bot, args, ok)
		}
	}
}

func TestAlertsOnOff(t *testing.T) {
	ctx := context.Background()
	reg := storage.NewMemory(news.DefaultRetention)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	r, fs := newTestRouter(reg, bus)

	if err := r.Handle(ctx, msg(100, 0, "/alertson", false)); err != nil {
		t.Fatalf("alertson: %v", err)
	}
	if got := fs.last(t); got.text != replyAlertsOn || got.to.ChatID != 100 {
		t.Fatalf("reply = %+v", got)
	}
	// Idempotent: same reply, no second event.
	if err := r.Handle(ctx, msg(100, 0, "/alertson", false)); err != nil {
		t.Fatalf("alertson again: %v", err)
	}
	subs, _ := reg.ListSubscribers(ctx)
	if len(subs) != 1 || subs[0] != "100" {
		t.Fatalf("subs = %v", subs)
	}

	if err := r.Handle(ctx, msg(100, 0, "/status", false)); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := fs.last(t).text; got != replyStatusOn {
		t.Fatalf("status = %q", got)
	}

	if err := r.Handle(ctx, msg(100, 0, "/alertsoff", false)); err != nil {
		t.Fatalf("alertsoff: %v", err)
	}
	if got := fs.last(t).text; got != replyAlertsOff {
		t.Fatalf("alertsoff reply = %q", got)
	}
	if on, _ := reg.IsSubscribed(ctx, "100"); on {
		t.Fatal("still subscribed")
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != eventbus.SubscriberAdded || types[1] != eventbus.SubscriberRemoved {
		t.Fatalf("events = %v", types)
	}
}

func TestForumThreadIsOwnRecipient(t *testing.T) {
	ctx := context.Background()
	reg := storage.NewMemory(news.DefaultRetention)
	r, fs := newTestRouter(reg, nil)

	if err := r.Handle(ctx, msg(-100, 12, "/alertson@newsbot", true)); err != nil {
		t.Fatal(err)
	}
	if on, _ := reg.IsSubscribed(ctx, "-100:12"); !on {
		t.Fatal("thread recipient not subscribed")
	}
	if got := fs.last(t).to; got.ThreadID != 12 {
		t.Fatalf("reply target = %+v", got)
	}
}

func TestIgnoredMessages(t *testing.T) {
	ctx := context.Background()
	r, fs := newTestRouter(storage.NewMemory(news.DefaultRetention), nil)

	for _, up := range []kit.Update{
		msg(1, 0, "just chatting", false),
		msg(1, 0, "/alertson@otherbot", false),
		msg(-5, 0, "/nope", true),
		{Kind: kit.UpdateMessage},
	} {
		if err := r.Handle(ctx, up); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if n := len(fs.all()); n != 0 {
		t.Fatalf("sent %d messages", n)
	}

	if err := r.Handle(ctx, msg(1, 0, "/nope", false)); err != nil {
		t.Fatal(err)
	}
	if got := fs.last(t).text; got != unknownCommandReply {
		t.Fatalf("unknown reply = %q", got)
	}
}

func TestHelpAndMenu(t *testing.T) {
	r, fs := newTestRouter(storage.NewMemory(news.DefaultRetention), nil)
	if err := r.Handle(context.Background(), msg(1, 0, "/start", false)); err != nil {
		t.Fatal(err)
	}
	help := fs.last(t).text
	if !strings.HasPrefix(help, DefaultGreeting) {
		t.Fatalf("help = %q", help)
	}
	for _, want := range []string{"/alertson   turn breaking news alerts on", "/alertsoff  turn breaking news alerts off", "/help"} {
		if !strings.Contains(help, want) {
			t.Fatalf("help missing %q:\n%s", want, help)
		}
	}
	if strings.Contains(help, "/start") {
		t.Fatalf("hidden command listed:\n%s", help)
	}
	if !strings.HasSuffix(strings.TrimSpace(help), "what you're currently reading") {
		t.Fatalf("help not last:\n%s", help)
	}

	menu := r.Menu()
	var names []string
	for _, c := range menu {
		names = append(names, c.Command)
	}
	if strings.Join(names, ",") != "alertson,alertsoff,status,help" {
		t.Fatalf("menu = %v", names)
	}
}

type failingRegistry struct{ storage.Registry }

func (failingRegistry) AddSubscriber(context.Context, news.RecipientID) (bool, error) {
	return false, news.WrapStore("add_subscriber", errors.New("down"))
}

func TestStoreFailureReplies(t *testing.T) {
	r, fs := newTestRouter(failingRegistry{}, nil)
	err := r.Handle(context.Background(), msg(1, 0, "/alertson", false))
	if !errors.Is(err, news.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if got := fs.last(t).text; got != replyStoreError {
		t.Fatalf("reply = %q", got)
	}
}

func TestPanicRecovered(t *testing.T) {
	r, _ := newTestRouter(storage.NewMemory(news.DefaultRetention), nil)
	r.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("x") }})
	if err := r.Handle(context.Background(), msg(1, 0, "/boom", false)); err == nil {
		t.Fatal("panic not turned into error")
	}
}

func TestDispatchLoop(t *testing.T) {
	r, fs := newTestRouter(storage.NewMemory(news.DefaultRetention), nil)
	updates := make(chan kit.Update)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(context.Background(), updates) }()

	for i := int64(1); i <= 5; i++ {
		updates <- msg(i, 0, "/alertson", false)
	}
	close(updates)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("DispatchLoop did not stop")
	}
	if n := len(fs.all()); n != 5 {
		t.Fatalf("replies = %d", n)
	}
}

func TestSanitizeCommand(t *testing.T) {
	cases := map[string]string{
		"/AlertsOn":      "alertson",
		"alerts-off now": "alerts_off_now",
		"__x__":          "x",
		"!!!":            "",
	}
	for in, want := range cases {
		if got := sanitizeCommand(in); got != want {
			t.Errorf("sanitizeCommand(%q) = %q, want %q", in, got, want)
		}
	}
}
