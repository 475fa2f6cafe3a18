package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"newsalert/internal/news"
	"newsalert/internal/transport"
	logx "newsalert/pkg/logx"
)

type RetryPolicy struct {
	// MaxRetries excludes the first attempt.
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration // per attempt; 0 disables
}

// Retrying wraps a channel with bounded exponential backoff. Unreachable
// recipients and bad ids fail immediately; platform retry-after hints
// replace the computed delay.
func Retrying(next Channel, p RetryPolicy, log logx.Logger) Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return &retrying{next: next, p: p, log: log.With(logx.Comp("outbound"))}
}

type retrying struct {
	next Channel
	p    RetryPolicy
	log  logx.Logger
}

func (r *retrying) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.p.BaseDelay
	eb.MaxInterval = r.p.MaxDelay
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, uint64(max(0, r.p.MaxRetries)))
}

func (r *retrying) Send(ctx context.Context, to news.RecipientID, text string) error {
	bo := &hintedBackOff{BackOff: r.newBackOff()}
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if r.p.SendTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, r.p.SendTimeout)
		}
		err := r.next.Send(actx, to, text)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrRecipientUnreachable) || errors.Is(err, ErrBadRecipient) {
			return backoff.Permanent(err)
		}
		var ra *transport.RetryAfterError
		if errors.As(err, &ra) {
			bo.hint = ra.After
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Debug("send failed; retrying",
			logx.Recipient(string(to)), logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

// hintedBackOff uses a server-provided delay once in place of the next
// computed interval.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > 0 {
		next, h.hint = h.hint, 0
	}
	return next
}
