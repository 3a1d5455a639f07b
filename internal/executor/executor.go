package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/permadeploy/internal/domain"
	"github.com/splax/permadeploy/internal/git"
)

var (
	// ErrBuildFailed indicates the checkout or the build commands failed.
	ErrBuildFailed = errors.New("executor: build failed")
	// ErrOutputMissing indicates the build finished without producing the output directory.
	ErrOutputMissing = errors.New("executor: output directory missing")
)

// Executor runs one build job to completion.
type Executor interface {
	Execute(ctx context.Context, job domain.BuildJob) (domain.BuildResult, error)
}

// Runner executes the combined install and build script for a job in an
// isolated context. Output is written to out.
type Runner interface {
	Run(ctx context.Context, job domain.BuildJob, script string, out io.Writer) error
}

// LineSink receives build output lines as they are produced.
type LineSink interface {
	Publish(key, line string)
}

// CloneFunc checks out a branch of the repository into dest.
type CloneFunc func(ctx context.Context, repoURL, branch, dest string, out io.Writer) error

// Options configures a Builder.
type Options struct {
	GitTimeout   time.Duration
	BuildTimeout time.Duration
	Clone        CloneFunc
	Sink         LineSink
	Logger       *slog.Logger
}

// Builder checks out sources, runs the build through a Runner and moves the
// artifact into the build area.
type Builder struct {
	runner       Runner
	clone        CloneFunc
	sink         LineSink
	gitTimeout   time.Duration
	buildTimeout time.Duration
	logger       *slog.Logger
}

var _ Executor = (*Builder)(nil)

// New constructs a Builder around the given runner.
func New(runner Runner, opts Options) *Builder {
	clone := opts.Clone
	if clone == nil {
		clone = git.Clone
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{
		runner:       runner,
		clone:        clone,
		sink:         opts.Sink,
		gitTimeout:   opts.GitTimeout,
		buildTimeout: opts.BuildTimeout,
		logger:       logger.With("component", "executor"),
	}
}

// Execute runs the job. The build log at job.LogPath() is truncated first and
// receives all clone and command output. The source checkout is always removed.
func (b *Builder) Execute(ctx context.Context, job domain.BuildJob) (domain.BuildResult, error) {
	log := b.logger.With("job_id", job.ID, "owner", job.Owner, "repo", job.RepoName)
	if err := os.MkdirAll(job.AreaPath(), 0o755); err != nil {
		return domain.BuildResult{}, fmt.Errorf("create build area: %w", err)
	}
	logFile, err := os.Create(job.LogPath())
	if err != nil {
		return domain.BuildResult{}, fmt.Errorf("create build log: %w", err)
	}
	defer logFile.Close()
	defer os.RemoveAll(job.SourcePath())

	key := job.Owner + "/" + job.RepoName
	stream := newLineStream(func(line string) {
		if b.sink != nil {
			b.sink.Publish(key, line)
		}
	})
	defer stream.Close()
	out := io.MultiWriter(logFile, stream)

	started := time.Now()
	fmt.Fprintf(out, "==> cloning %s (branch %s)\n", job.Repository, job.Branch)
	cloneCtx, cancel := withOptionalTimeout(ctx, b.gitTimeout)
	err = b.clone(cloneCtx, job.Repository, job.Branch, job.SourcePath(), out)
	cancel()
	if err != nil {
		fmt.Fprintf(out, "clone failed: %v\n", err)
		log.Warn("clone failed", "error", err)
		return domain.BuildResult{}, fmt.Errorf("%w: clone: %v", ErrBuildFailed, err)
	}

	if info, err := os.Stat(job.WorkDir()); err != nil || !info.IsDir() {
		fmt.Fprintf(out, "subdirectory %q not found in repository\n", job.SubDirectory)
		return domain.BuildResult{}, fmt.Errorf("%w: subdirectory %q not found", ErrBuildFailed, job.SubDirectory)
	}

	script := Script(job.InstallCommand, job.BuildCommand)
	fmt.Fprintf(out, "==> running %s\n", script)
	buildCtx, cancel := withOptionalTimeout(ctx, b.buildTimeout)
	err = b.runner.Run(buildCtx, job, script, out)
	cancel()
	if err != nil {
		fmt.Fprintf(out, "build failed: %v\n", err)
		stream.Flush()
		log.Warn("build failed", "error", err, "tail", stream.Snapshot(20))
		return domain.BuildResult{}, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	if err := moveOutput(job); err != nil {
		fmt.Fprintf(out, "%v\n", err)
		log.Warn("collect output failed", "error", err)
		return domain.BuildResult{}, err
	}
	fmt.Fprintf(out, "==> build completed in %s\n", time.Since(started).Round(time.Millisecond))
	log.Info("build completed", "duration", time.Since(started))
	return domain.BuildResult{JobID: job.ID, OutputPath: job.OutputPath()}, nil
}

// Script joins the install and build commands so the build only runs after a
// successful install.
func Script(install, build string) string {
	install = strings.TrimSpace(install)
	build = strings.TrimSpace(build)
	switch {
	case install == "":
		return build
	case build == "":
		return install
	default:
		return install + " && " + build
	}
}

func moveOutput(job domain.BuildJob) error {
	src := filepath.Join(job.WorkDir(), filepath.FromSlash(job.OutputDir))
	rel, err := filepath.Rel(job.SourcePath(), src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s escapes the checkout", ErrOutputMissing, job.OutputDir)
	}
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrOutputMissing, job.OutputDir)
		}
		return fmt.Errorf("stat output: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrOutputMissing, job.OutputDir)
	}
	if err := os.RemoveAll(job.OutputPath()); err != nil {
		return fmt.Errorf("clear previous output: %w", err)
	}
	if err := os.Rename(src, job.OutputPath()); err != nil {
		return fmt.Errorf("move output: %w", err)
	}
	return nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
