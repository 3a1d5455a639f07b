package rebuild

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/splax/permadeploy/internal/domain"
	"github.com/splax/permadeploy/internal/service/deploy"
)

// Records lists every registered deployment.
type Records interface {
	Global(ctx context.Context) ([]domain.DeploymentRecord, error)
}

// Deployer runs a deploy request through the pipeline.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

// Summary counts the outcomes of one pass.
type Summary struct {
	Published int
	Unchanged int
	Skipped   int
	Failed    int
}

// Poller replays registered deployments so new commits are built without a
// fresh request.
type Poller struct {
	records  Records
	deployer Deployer
	interval time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// New constructs a poller. It returns nil when interval is not positive.
func New(records Records, deployer Deployer, interval time.Duration, logger *slog.Logger) *Poller {
	if records == nil || deployer == nil || interval <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		records:  records,
		deployer: deployer,
		interval: interval,
		logger:   logger.With("component", "rebuild"),
		now:      time.Now,
	}
}

// Run polls until the context is cancelled. Passes never overlap; a tick that
// fires during a long pass is coalesced into the next one.
func (p *Poller) Run(ctx context.Context) {
	if p == nil {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("rebuild poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("rebuild poller stopped")
			return
		case <-ticker.C:
			p.runIteration(ctx)
		}
	}
}

func (p *Poller) runIteration(ctx context.Context) Summary {
	var summary Summary
	started := p.now()

	records, err := p.records.Global(ctx)
	if err != nil {
		p.logger.Warn("failed to list deployments", "error", err)
		return summary
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		log := p.logger.With("owner", rec.Owner, "repo", rec.RepoName)
		if rec.QuotaExhausted(p.now()) {
			summary.Skipped++
			continue
		}
		result, err := p.deployer.Deploy(ctx, deploy.RequestFromRecord(rec))
		switch {
		case err == nil && result.Status == deploy.StatusNoChanges:
			summary.Unchanged++
		case err == nil:
			summary.Published++
			log.Info("rebuilt deployment", "commit", result.Commit, "address", result.Address)
		case errors.Is(err, deploy.ErrQuotaExceeded), errors.Is(err, deploy.ErrConflict):
			summary.Skipped++
		default:
			summary.Failed++
			log.Error("rebuild failed", "error", err)
		}
	}

	if summary.Published > 0 || summary.Failed > 0 {
		p.logger.Info("rebuild pass complete",
			"published", summary.Published,
			"unchanged", summary.Unchanged,
			"skipped", summary.Skipped,
			"failed", summary.Failed,
			"duration", p.now().Sub(started),
		)
	}
	return summary
}
