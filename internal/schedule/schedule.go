// Package schedule runs named jobs on cron specs.
//
// Specs are standard 5-field cron expressions or descriptors such as
// "@hourly" and "@every 2m". A job never overlaps itself: a trigger that
// fires while the previous run is still going is skipped.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "newsalert/pkg/logx"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether spec parses.
func Validate(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return fmt.Errorf("empty schedule")
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Job is one scheduled run. ctx carries the job timeout and is canceled
// when the scheduler stops.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

type Scheduler struct {
	mu      sync.Mutex
	log     logx.Logger
	c       *cron.Cron
	entries []*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{log: log.With(logx.Comp("schedule"))}
}

// Add registers job under spec. Jobs added after Start are scheduled
// immediately.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, job Job) error {
	if err := Validate(spec); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	e := &entry{name: name, spec: strings.TrimSpace(spec), timeout: timeout, job: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if s.c != nil {
		return s.addLocked(e)
	}
	return nil
}

func (s *Scheduler) addLocked(e *entry) error {
	fn := cron.FuncJob(func() { s.run(e) })
	if every, ok := parseEvery(e.spec); ok {
		sched, jitter := makeIntervalScheduleWithSpread(every, time.Now(), e.name)
		s.c.Schedule(sched, fn)
		s.log.Debug("job scheduled", logx.String("job", e.name), logx.String("spec", e.spec), logx.Duration("spread", jitter))
		return nil
	}
	_, err := s.c.AddJob(e.spec, fn)
	return err
}

func parseEvery(spec string) (time.Duration, bool) {
	if !strings.HasPrefix(spec, "@every") {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
	return d, err == nil && d > 0
}

func (s *Scheduler) run(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Warn("job still running; trigger skipped", logx.String("job", e.name))
		return
	}
	s.mu.Lock()
	base := s.ctx
	if base == nil || base.Err() != nil {
		s.mu.Unlock()
		e.running.Store(false)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	defer e.running.Store(false)

	ctx := base
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, e.timeout)
		defer cancel()
	}
	start := time.Now()
	err := safeRun(ctx, e.job)
	e.runs.Add(1)
	if err != nil && base.Err() == nil {
		s.log.Error("job failed", logx.String("job", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job done", logx.String("job", e.name), logx.Duration("took", time.Since(start)))
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

// RunNow runs name synchronously outside its schedule, honoring the
// no-overlap rule. It does nothing before Start.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	var e *entry
	for _, x := range s.entries {
		if x.name == name {
			e = x
		}
	}
	s.mu.Unlock()
	if e == nil {
		return false
	}
	s.run(e)
	return true
}

// Runs returns how many times name has completed.
func (s *Scheduler) Runs(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.name == name {
			return e.runs.Load()
		}
	}
	return 0
}

// Start is idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{s.log}))
	for _, e := range s.entries {
		if err := s.addLocked(e); err != nil {
			s.c = nil
			s.cancel()
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.entries)))
	return nil
}

// Stop halts triggers, cancels running jobs and waits for them or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if c != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
