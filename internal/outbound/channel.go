// Package outbound delivers rendered alerts to recipients.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"newsalert/internal/news"
	"newsalert/internal/transport"
)

// Channel sends one payload to one recipient.
type Channel interface {
	Send(ctx context.Context, to news.RecipientID, text string) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, to news.RecipientID, text string) error

func (f ChannelFunc) Send(ctx context.Context, to news.RecipientID, text string) error {
	return f(ctx, to, text)
}

var ErrBadRecipient = errors.New("bad recipient id")

// Telegram sends through a transport.Sender, treating the recipient id as a
// chat id.
type Telegram struct {
	sender transport.Sender
	opts   atomic.Pointer[transport.SendOptions]
}

func NewTelegram(sender transport.Sender, opts transport.SendOptions) *Telegram {
	t := &Telegram{sender: sender}
	t.SetOptions(opts)
	return t
}

// SetOptions swaps the send options used by later sends.
func (t *Telegram) SetOptions(opts transport.SendOptions) { t.opts.Store(&opts) }

func (t *Telegram) Send(ctx context.Context, to news.RecipientID, text string) error {
	target, err := ChatTarget(to)
	if err != nil {
		return err
	}
	opts := *t.opts.Load()
	_, err = t.sender.SendText(ctx, target, text, &opts)
	return err
}

// ChatTarget parses "chat" or "chat:thread".
func ChatTarget(id news.RecipientID) (transport.ChatTarget, error) {
	raw := strings.TrimSpace(string(id))
	chat, thread, hasThread := strings.Cut(raw, ":")
	cid, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || cid == 0 {
		return transport.ChatTarget{}, fmt.Errorf("%w: %q", ErrBadRecipient, raw)
	}
	target := transport.ChatTarget{ChatID: cid}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil {
			return transport.ChatTarget{}, fmt.Errorf("%w: %q", ErrBadRecipient, raw)
		}
		target.ThreadID = tid
	}
	return target, nil
}

// RecipientFor is the inverse of ChatTarget.
func RecipientFor(chatID int64, threadID int) news.RecipientID {
	if threadID != 0 {
		return news.RecipientID(strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID))
	}
	return news.RecipientID(strconv.FormatInt(chatID, 10))
}
