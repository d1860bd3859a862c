package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/park285/gridmatch/internal/obslog"
	"github.com/park285/gridmatch/internal/outcome"
	"github.com/park285/gridmatch/internal/stats"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job names accepted by Run and cmd/jobs.
const (
	JobReconcile = "reconcile"
	JobIntegrity = "integrity"
	JobPrune     = "prune-cache"
	JobRedeliver = "redeliver-outcomes"
)

var Names = []string{JobReconcile, JobIntegrity, JobPrune, JobRedeliver}

// Consistency is the work the scheduler drives.
type Consistency interface {
	ReconcileAll(ctx context.Context, batchSize int) (stats.Summary, error)
	CheckIntegrity(ctx context.Context) stats.Report
	PruneCache(ctx context.Context, retention time.Duration) (int, error)
}

// Outcomes re-runs completions whose settlement never finished.
type Outcomes interface {
	Redeliver(ctx context.Context) (outcome.RedeliverySummary, error)
}

// Options holds six-field cron specs (seconds first). An empty spec disables the job.
type Options struct {
	Reconcile string
	Integrity string
	Prune     string
	Redeliver string
	BatchSize int
	Retention time.Duration
	Timeout   time.Duration
}

type Scheduler struct {
	cron *cron.Cron
	work Consistency
	outc Outcomes
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

func NewScheduler(work Consistency, opts Options) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	log := obslog.Named("jobs")
	cl := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		work: work,
		opts: opts,
		log:  log,
		last: make(map[string]time.Time),
	}
}

// AttachOutcomes enables the redeliver-outcomes job.
func (s *Scheduler) AttachOutcomes(o Outcomes) *Scheduler {
	s.outc = o
	return s
}

// Start registers the configured jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	for _, j := range []struct{ name, spec string }{
		{JobReconcile, s.opts.Reconcile},
		{JobIntegrity, s.opts.Integrity},
		{JobPrune, s.opts.Prune},
		{JobRedeliver, s.opts.Redeliver},
	} {
		if j.spec == "" { continue }
		if j.name == JobRedeliver && s.outc == nil { continue }
		name := j.name
		if _, err := s.cron.AddFunc(j.spec, func() { s.scheduled(name) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, j.spec, err)
		}
		s.log.Info("job_scheduled", zap.String("job", name), zap.String("spec", j.spec))
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) scheduled(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	if _, err := s.Run(ctx, name); err != nil {
		s.log.Error("job_failed", zap.String("job", name), zap.Error(err))
	}
}

// Run executes one job now and returns its result.
func (s *Scheduler) Run(ctx context.Context, name string) (any, error) {
	start := time.Now()
	s.log.Info("job_start", zap.String("job", name))
	var (
		out any
		err error
	)
	switch name {
	case JobReconcile:
		out, err = s.work.ReconcileAll(ctx, s.opts.BatchSize)
	case JobIntegrity:
		out = s.work.CheckIntegrity(ctx)
	case JobPrune:
		var n int
		n, err = s.work.PruneCache(ctx, s.opts.Retention)
		out = map[string]int{"removed": n}
	case JobRedeliver:
		if s.outc == nil { return nil, fmt.Errorf("job %s: no outcome processor attached", name) }
		out, err = s.outc.Redeliver(ctx)
	default:
		return nil, fmt.Errorf("unknown job %q (want one of %v)", name, Names)
	}
	if err != nil { return out, err }
	s.mu.Lock()
	s.last[name] = time.Now()
	s.mu.Unlock()
	s.log.Info("job_done", zap.String("job", name), zap.Duration("took", time.Since(start)))
	return out, nil
}

// LastRun reports when name last completed successfully.
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[name]
	return t, ok
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug("cron_"+msg, zap.Any("kv", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron_"+msg, zap.Error(err), zap.Any("kv", kv))
}
