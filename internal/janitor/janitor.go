// Package janitor physically removes expired seen records on a schedule.
//
// Expiry is enforced by every store query, so pruning only bounds storage
// growth; a missed run never lets a duplicate through.
package janitor

import (
	"context"
	"time"

	"newsalert/internal/eventbus"
	"newsalert/internal/observability/metrics"
	"newsalert/internal/schedule"
	"newsalert/internal/storage"
	logx "newsalert/pkg/logx"
)

// JobName is the schedule entry registered by Register.
const JobName = "dedup.prune"

type Janitor struct {
	store   storage.DedupStore
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Janitor)

func WithLogger(log logx.Logger) Option     { return func(j *Janitor) { j.log = log } }
func WithBus(b eventbus.Bus) Option         { return func(j *Janitor) { j.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(j *Janitor) { j.metrics = m } }
func WithClock(now func() time.Time) Option { return func(j *Janitor) { j.now = now } }

func New(store storage.DedupStore, opts ...Option) *Janitor {
	j := &Janitor{store: store, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	if j.log.IsZero() {
		j.log = logx.Nop()
	}
	if j.bus == nil {
		j.bus = eventbus.Nop{}
	}
	j.log = j.log.With(logx.Comp("janitor"))
	return j
}

// PruneOnce removes every record expired at the current time.
func (j *Janitor) PruneOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := j.store.Prune(ctx, j.now())
	if err != nil {
		j.metrics.StoreError("prune")
		j.log.Warn("prune failed", logx.Err(err))
		return 0, err
	}
	if j.metrics != nil {
		j.metrics.Pruned.Add(float64(n))
	}
	j.bus.Publish(eventbus.Event{Type: eventbus.StorePruned, Data: n})
	lvl := j.log.Debug
	if n > 0 {
		lvl = j.log.Info
	}
	lvl("expired records pruned", logx.Int("removed", n), logx.Duration("took", time.Since(start)))
	return n, nil
}

// Register schedules PruneOnce on sched under spec.
func (j *Janitor) Register(sched *schedule.Scheduler, spec string, timeout time.Duration) error {
	return sched.Add(JobName, spec, timeout, func(ctx context.Context) error {
		_, err := j.PruneOnce(ctx)
		return err
	})
}
