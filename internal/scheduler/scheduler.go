package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/splax/permadeploy/internal/domain"
	"github.com/splax/permadeploy/internal/executor"
)

// Stats is a point-in-time copy of the scheduler state.
type Stats struct {
	Max       int    `json:"max"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type outcome struct {
	result domain.BuildResult
	err    error
}

type pending struct {
	ctx  context.Context
	job  domain.BuildJob
	done chan outcome
}

// Scheduler bounds the number of concurrently executing build jobs and queues
// the rest in submission order.
type Scheduler struct {
	exec   executor.Executor
	max    int
	logger *slog.Logger

	mu        sync.Mutex
	running   int
	queue     []*pending
	completed uint64
	failed    uint64
}

// New constructs a Scheduler. A max of zero or less uses the number of CPUs.
func New(exec executor.Executor, max int, logger *slog.Logger) *Scheduler {
	if max <= 0 {
		max = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initMetrics()
	return &Scheduler{
		exec:   exec,
		max:    max,
		logger: logger.With("component", "scheduler"),
	}
}

// Submit enqueues the job and blocks until it has run. If ctx ends while the
// job is still queued it is withdrawn and ctx.Err() is returned; once
// dispatched the job runs to completion regardless of ctx.
func (s *Scheduler) Submit(ctx context.Context, job domain.BuildJob) (domain.BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.BuildResult{}, err
	}
	p := &pending{ctx: context.WithoutCancel(ctx), job: job, done: make(chan outcome, 1)}

	s.mu.Lock()
	start := s.running < s.max
	if start {
		s.running++
	} else {
		s.queue = append(s.queue, p)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	if start {
		s.dispatch(p)
	} else {
		s.logger.Debug("build queued", "job_id", job.ID, "owner", job.Owner, "repo", job.RepoName)
	}

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		if s.withdraw(p) {
			s.logger.Info("queued build withdrawn", "job_id", job.ID, "owner", job.Owner, "error", ctx.Err())
			return domain.BuildResult{}, ctx.Err()
		}
		out := <-p.done
		return out.result, out.err
	}
}

// Stats returns a copy of the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Max:       s.max,
		Running:   s.running,
		Queued:    len(s.queue),
		Completed: s.completed,
		Failed:    s.failed,
	}
}

func (s *Scheduler) withdraw(p *pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.queue {
		if candidate == p {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.updateGaugesLocked()
			return true
		}
	}
	return false
}

func (s *Scheduler) dispatch(p *pending) {
	go func() {
		started := time.Now()
		s.logger.Info("build started", "job_id", p.job.ID, "owner", p.job.Owner, "repo", p.job.RepoName)
		out := s.run(p)
		status := "success"
		if out.err != nil {
			status = "failure"
		}
		observeBuild(status, time.Since(started))
		s.logger.Info("build finished", "job_id", p.job.ID, "owner", p.job.Owner, "status", status, "duration", time.Since(started))
		p.done <- out
		s.complete(out.err == nil)
	}()
}

func (s *Scheduler) run(p *pending) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("build panicked: %v", r)}
		}
	}()
	result, err := s.exec.Execute(p.ctx, p.job)
	return outcome{result: result, err: err}
}

func (s *Scheduler) complete(ok bool) {
	var next []*pending
	s.mu.Lock()
	s.running--
	if ok {
		s.completed++
	} else {
		s.failed++
	}
	for s.running < s.max && len(s.queue) > 0 {
		p := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.running++
		next = append(next, p)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, p := range next {
		s.dispatch(p)
	}
}

func (s *Scheduler) updateGaugesLocked() {
	setGauges(s.running, len(s.queue))
}
