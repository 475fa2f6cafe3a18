// Package pipeline joins ingestion and fanout into one batch operation.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"newsalert/internal/eventbus"
	"newsalert/internal/fanout"
	"newsalert/internal/ingest"
	"newsalert/internal/news"
	"newsalert/internal/observability/metrics"
	logx "newsalert/pkg/logx"
)

type Ingester interface {
	Ingest(ctx context.Context, batch []news.Item) (ingest.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, items []news.Item) (fanout.Report, error)
}

// BatchResult is the full account of one HandleBatch call. New holds the
// items marked by this batch even when dispatch failed, so the caller can
// dispatch them again.
type BatchResult struct {
	BatchID    string
	New        []news.Item
	Duplicates []string
	Rejected   []ingest.Rejection
	Delivery   fanout.Report
	Took       time.Duration
}

// Summary is the eventbus payload for batch events.
type Summary struct {
	BatchID    string
	Source     string
	Size       int
	New        int
	Duplicates int
	Rejected   int
	Sent       int
	Failed     int
	Err        string
}

type Pipeline struct {
	ing     Ingester
	disp    Dispatcher
	timeout time.Duration
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

type Option func(*Pipeline)

func WithLogger(log logx.Logger) Option       { return func(p *Pipeline) { p.log = log } }
func WithBus(b eventbus.Bus) Option           { return func(p *Pipeline) { p.bus = b } }
func WithMetrics(m *metrics.Metrics) Option   { return func(p *Pipeline) { p.metrics = m } }
func WithBatchTimeout(d time.Duration) Option { return func(p *Pipeline) { p.timeout = d } }

func New(ing Ingester, disp Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{ing: ing, disp: disp}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if p.bus == nil {
		p.bus = eventbus.Nop{}
	}
	p.log = p.log.With(logx.Comp("pipeline"))
	return p
}

type sourceKey struct{}

// WithSource tags batches handled under ctx with a feed source name.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceOf(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// Handle matches feed.Handler.
func (p *Pipeline) Handle(ctx context.Context, batch []news.Item) error {
	_, err := p.HandleBatch(ctx, batch)
	return err
}

// HandleBatch ingests batch and dispatches the new items. Concurrent calls
// are safe; same-id races are settled by the dedup store.
func (p *Pipeline) HandleBatch(ctx context.Context, batch []news.Item) (BatchResult, error) {
	start := time.Now()
	res := BatchResult{BatchID: uuid.NewString()}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	log := p.log.With(logx.String("batch", res.BatchID))
	sum := Summary{BatchID: res.BatchID, Source: sourceOf(ctx), Size: len(batch)}

	ir, err := p.ing.Ingest(ctx, batch)
	res.Duplicates, res.Rejected = ir.Duplicates, ir.Rejected
	sum.Duplicates, sum.Rejected = len(ir.Duplicates), len(ir.Rejected)
	if err != nil {
		res.Took = time.Since(start)
		if errors.Is(err, news.ErrStoreUnavailable) {
			p.metrics.StoreError("mark_seen")
		}
		p.fail(log, sum, "ingest", err)
		return res, err
	}
	res.New = ir.New
	sum.New = len(ir.New)

	if len(res.New) > 0 {
		rep, err := p.disp.Dispatch(ctx, res.New)
		res.Delivery = rep
		sum.Sent, sum.Failed = rep.Sent, rep.Failed
		if err != nil {
			res.Took = time.Since(start)
			if errors.Is(err, news.ErrStoreUnavailable) {
				p.metrics.StoreError("list_subscribers")
			}
			p.metrics.Batch(len(batch), len(res.New), len(res.Duplicates), len(res.Rejected), res.Took)
			p.fail(log, sum, "dispatch", err)
			return res, err
		}
	}

	res.Took = time.Since(start)
	p.metrics.Batch(len(batch), len(res.New), len(res.Duplicates), len(res.Rejected), res.Took)
	p.bus.Publish(eventbus.Event{Type: eventbus.BatchIngested, Data: sum})

	lvl := log.Debug
	if sum.New > 0 || sum.Failed > 0 {
		lvl = log.Info
	}
	lvl("batch handled",
		logx.String("source", sum.Source),
		logx.Int("size", sum.Size),
		logx.Int("new", sum.New),
		logx.Int("duplicates", sum.Duplicates),
		logx.Int("rejected", sum.Rejected),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", sum.Failed),
		logx.Duration("took", res.Took),
	)
	return res, nil
}

func (p *Pipeline) fail(log logx.Logger, sum Summary, stage string, err error) {
	sum.Err = err.Error()
	p.bus.Publish(eventbus.Event{Type: eventbus.BatchFailed, Data: sum})
	log.Error("batch failed", logx.String("stage", stage), logx.String("source", sum.Source), logx.Int("new", sum.New), logx.Err(err))
}

// DeliveryHook records send outcomes as metrics and publishes failures.
// Pass it to fanout.WithOutcomeHook.
func DeliveryHook(m *metrics.Metrics, bus eventbus.Bus) fanout.OutcomeHook {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return func(o fanout.Outcome) {
		m.Delivery(o.Err == nil, o.Took)
		if o.Err != nil {
			bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: o})
		}
	}
}
