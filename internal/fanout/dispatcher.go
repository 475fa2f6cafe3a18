// Package fanout delivers new items to every current subscriber.
package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"newsalert/internal/news"
	"newsalert/internal/outbound"
	"newsalert/internal/storage"
	logx "newsalert/pkg/logx"
)

// Outcome is the result of one (item, recipient) send. Err is a
// *news.DeliveryError when the send failed.
type Outcome struct {
	ItemID    string
	Recipient news.RecipientID
	Err       error
	Took      time.Duration
}

type Report struct {
	Outcomes []Outcome
	Sent     int
	Failed   int
}

// Failures returns the failed outcomes' errors.
func (r Report) Failures() []error {
	var out []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o.Err)
		}
	}
	return out
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Err != nil {
		r.Failed++
	} else {
		r.Sent++
	}
}

// OutcomeHook observes every outcome as it completes. It must not block.
type OutcomeHook func(Outcome)

type Dispatcher struct {
	reg     storage.Registry
	ch      outbound.Channel
	workers int
	log     logx.Logger
	render  atomic.Pointer[news.RenderOptions]
	hook    OutcomeHook
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option          { return func(d *Dispatcher) { d.workers = n } }
func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }
func WithOutcomeHook(h OutcomeHook) Option {
	return func(d *Dispatcher) { d.hook = h }
}

func New(reg storage.Registry, ch outbound.Channel, render news.RenderOptions, opts ...Option) *Dispatcher {
	d := &Dispatcher{reg: reg, ch: ch, workers: 8}
	for _, o := range opts {
		o(d)
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.Comp("fanout"))
	d.SetRenderOptions(render)
	return d
}

// SetRenderOptions applies to items dispatched afterwards.
func (d *Dispatcher) SetRenderOptions(opt news.RenderOptions) { d.render.Store(&opt) }

// Dispatch sends items in order. Each item reads a fresh subscriber snapshot
// and is sent to all recipients concurrently; a failed send never affects
// the others and is not retried here.
//
// A registry failure stops dispatch and returns a *news.StoreError with the
// outcomes gathered so far.
func (d *Dispatcher) Dispatch(ctx context.Context, items []news.Item) (Report, error) {
	var rep Report
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		recipients, err := d.reg.ListSubscribers(ctx)
		if err != nil {
			d.log.Error("subscriber snapshot failed", logx.ItemID(it.ID), logx.Err(err))
			return rep, news.WrapStore("list_subscribers", err)
		}
		for _, o := range d.dispatchItem(ctx, it, recipients) {
			rep.add(o)
		}
	}
	return rep, nil
}

func (d *Dispatcher) dispatchItem(ctx context.Context, it news.Item, recipients []news.RecipientID) []Outcome {
	if len(recipients) == 0 {
		d.log.Debug("no subscribers", logx.ItemID(it.ID))
		return nil
	}
	text := news.Render(it, *d.render.Load())
	outcomes := make([]Outcome, len(recipients))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, to := range recipients {
		g.Go(func() error {
			start := time.Now()
			o := Outcome{ItemID: it.ID, Recipient: to}
			if err := d.ch.Send(ctx, to, text); err != nil {
				o.Err = &news.DeliveryError{ItemID: it.ID, Recipient: to, Err: err}
				d.log.Warn("delivery failed", logx.ItemID(it.ID), logx.Recipient(string(to)), logx.Err(err))
			}
			o.Took = time.Since(start)
			outcomes[i] = o
			if d.hook != nil {
				d.hook(o)
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
