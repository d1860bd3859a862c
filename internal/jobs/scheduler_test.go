package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/gridmatch/internal/outcome"
	"github.com/park285/gridmatch/internal/stats"
)

type fakeWork struct {
	reconciles, checks, prunes atomic.Int32
	batch                      atomic.Int32
	retention                  atomic.Int64
	failPrune                  bool
}

func (f *fakeWork) ReconcileAll(ctx context.Context, batchSize int) (stats.Summary, error) {
	f.reconciles.Add(1)
	f.batch.Store(int32(batchSize))
	return stats.Summary{Checked: 4, Updated: 1}, nil
}

func (f *fakeWork) CheckIntegrity(ctx context.Context) stats.Report {
	f.checks.Add(1)
	return stats.Report{Total: 2}
}

func (f *fakeWork) PruneCache(ctx context.Context, retention time.Duration) (int, error) {
	f.prunes.Add(1)
	f.retention.Store(int64(retention))
	if f.failPrune { return 0, errors.New("redis down") }
	return 5, nil
}

type fakeOutcomes struct{ runs atomic.Int32 }

func (f *fakeOutcomes) Redeliver(ctx context.Context) (outcome.RedeliverySummary, error) {
	f.runs.Add(1)
	return outcome.RedeliverySummary{Pending: 2, Settled: 2}, nil
}

func TestRunEachJob(t *testing.T) {
	w := &fakeWork{}
	s := NewScheduler(w, Options{BatchSize: 250, Retention: time.Hour})
	ctx := context.Background()

	if _, err := s.Run(ctx, JobRedeliver); err == nil { t.Fatalf("redeliver without processor should fail") }
	o := &fakeOutcomes{}
	s.AttachOutcomes(o)
	out, err := s.Run(ctx, JobRedeliver)
	if sum, ok := out.(outcome.RedeliverySummary); err != nil || !ok || sum.Settled != 2 || o.runs.Load() != 1 {
		t.Fatalf("redeliver out = %#v, %v", out, err)
	}

	out, err = s.Run(ctx, JobReconcile)
	if err != nil { t.Fatalf("reconcile: %v", err) }
	if sum, ok := out.(stats.Summary); !ok || sum.Updated != 1 || w.batch.Load() != 250 { t.Fatalf("reconcile out = %#v", out) }

	out, _ = s.Run(ctx, JobIntegrity)
	if rep, ok := out.(stats.Report); !ok || rep.Total != 2 { t.Fatalf("integrity out = %#v", out) }

	out, _ = s.Run(ctx, JobPrune)
	if m, ok := out.(map[string]int); !ok || m["removed"] != 5 || time.Duration(w.retention.Load()) != time.Hour {
		t.Fatalf("prune out = %#v", out)
	}
	for _, n := range Names {
		if _, ok := s.LastRun(n); !ok { t.Fatalf("LastRun(%s) missing", n) }
	}

	if _, err := s.Run(ctx, "vacuum"); err == nil || !strings.Contains(err.Error(), "unknown job") { t.Fatalf("err = %v", err) }
}

func TestRunFailureNotRecorded(t *testing.T) {
	s := NewScheduler(&fakeWork{failPrune: true}, Options{})
	if _, err := s.Run(context.Background(), JobPrune); err == nil { t.Fatalf("expected error") }
	if _, ok := s.LastRun(JobPrune); ok { t.Fatalf("failed run recorded as success") }
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewScheduler(&fakeWork{}, Options{Reconcile: "every day"})
	if err := s.Start(); err == nil { t.Fatalf("expected parse error") }
}

func TestScheduledJobFires(t *testing.T) {
	w := &fakeWork{}
	s := NewScheduler(w, Options{Prune: "* * * * * *"})
	if err := s.Start(); err != nil { t.Fatalf("Start: %v", err) }
	defer func() { _ = s.Stop(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for w.prunes.Load() == 0 {
		if time.Now().After(deadline) { t.Fatalf("prune never ran") }
		time.Sleep(20 * time.Millisecond)
	}
	if w.reconciles.Load() != 0 || w.checks.Load() != 0 { t.Fatalf("unscheduled jobs ran") }
}
