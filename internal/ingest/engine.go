// Package ingest filters incoming batches down to the items not seen within
// the dedup window.
package ingest

import (
	"context"
	"time"

	"newsalert/internal/news"
	"newsalert/internal/storage"
	logx "newsalert/pkg/logx"
)

// Rejection is an item dropped for failing validation.
type Rejection struct {
	Item news.Item
	Err  error
}

// Result partitions a batch. New preserves input order.
type Result struct {
	New        []news.Item
	Duplicates []string
	Rejected   []Rejection
}

type Engine struct {
	store storage.DedupStore
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// WithClock overrides time.Now. Tests use it to cross the window boundary.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(store storage.DedupStore, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.Comp("ingest"))
	return e
}

// Ingest marks each valid item as seen and returns the ones that were not.
// A repeated id inside the batch counts as a duplicate after its first
// occurrence.
//
// A store failure aborts the batch with a *news.StoreError and no new items;
// records already written stay written.
func (e *Engine) Ingest(ctx context.Context, batch []news.Item) (Result, error) {
	var res Result
	if len(batch) == 0 {
		return res, nil
	}
	now := e.now()
	fresh := make([]news.Item, 0, len(batch))

	for _, it := range batch {
		if err := ctx.Err(); err != nil {
			return Result{Duplicates: res.Duplicates, Rejected: res.Rejected}, err
		}
		if err := it.Validate(); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Item: it, Err: err})
			e.log.Warn("item rejected", logx.ItemID(it.ID), logx.Err(err))
			continue
		}
		created, err := e.store.MarkSeen(ctx, it.ID, now)
		if err != nil {
			e.log.Error("mark seen failed; batch aborted", logx.ItemID(it.ID), logx.Err(err))
			return Result{Duplicates: res.Duplicates, Rejected: res.Rejected}, news.WrapStore("mark_seen", err)
		}
		if !created {
			res.Duplicates = append(res.Duplicates, it.ID)
			continue
		}
		fresh = append(fresh, it)
	}

	res.New = fresh
	e.log.Debug("batch ingested",
		logx.Int("size", len(batch)),
		logx.Int("new", len(res.New)),
		logx.Int("duplicates", len(res.Duplicates)),
		logx.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

// Preview partitions batch the way Ingest would without writing to the
// store: items are checked with HasSeen and nothing is marked.
func (e *Engine) Preview(ctx context.Context, batch []news.Item) (Result, error) {
	var res Result
	if len(batch) == 0 {
		return res, nil
	}
	now := e.now()
	seen := make(map[string]struct{}, len(batch))

	for _, it := range batch {
		if err := ctx.Err(); err != nil {
			return Result{Duplicates: res.Duplicates, Rejected: res.Rejected}, err
		}
		if err := it.Validate(); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Item: it, Err: err})
			continue
		}
		if _, dup := seen[it.ID]; dup {
			res.Duplicates = append(res.Duplicates, it.ID)
			continue
		}
		seen[it.ID] = struct{}{}
		live, err := e.store.HasSeen(ctx, it.ID, now)
		if err != nil {
			return Result{Duplicates: res.Duplicates, Rejected: res.Rejected}, news.WrapStore("has_seen", err)
		}
		if live {
			res.Duplicates = append(res.Duplicates, it.ID)
			continue
		}
		res.New = append(res.New, it)
	}
	return res, nil
}
