package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/splax/permadeploy/internal/domain"
	"github.com/splax/permadeploy/internal/lock"
	"github.com/splax/permadeploy/internal/naming"
	"github.com/splax/permadeploy/internal/registry"
	"github.com/splax/permadeploy/internal/storage"
	"github.com/splax/permadeploy/internal/workspace"
	"github.com/splax/permadeploy/pkg/config"
)

const (
	namingTimeout   = 30 * time.Second
	registryTimeout = 30 * time.Second
)

// Result statuses.
const (
	StatusPublished = "published"
	StatusNoChanges = "no_changes"
)

// Result summarizes deployment outcome.
type Result struct {
	Status      string `json:"status"`
	Owner       string `json:"owner"`
	RepoName    string `json:"repoName"`
	Commit      string `json:"commit"`
	Address     string `json:"address,omitempty"`
	URL         string `json:"url,omitempty"`
	Undername   string `json:"undername,omitempty"`
	NamingError string `json:"namingError,omitempty"`
	DeployCount int    `json:"deployCount"`
}

// CommitSource resolves the head commit of a branch.
type CommitSource interface {
	LatestCommit(ctx context.Context, repoURL, branch string) (string, error)
}

// Builder runs build jobs, typically through the scheduler.
type Builder interface {
	Submit(ctx context.Context, job domain.BuildJob) (domain.BuildResult, error)
}

// Publisher uploads a build output directory.
type Publisher interface {
	Publish(ctx context.Context, dir string) (storage.Publication, error)
}

// Binder assigns a human-readable name to a published address.
type Binder interface {
	Bind(ctx context.Context, desired, address string, meta naming.Metadata) (naming.Binding, error)
}

// Dependencies are the collaborators of a Service. Binder may be nil when no
// naming service is configured.
type Dependencies struct {
	Registry  registry.Store
	Workspace *workspace.Manager
	Source    CommitSource
	Builder   Builder
	Publisher Publisher
	Binder    Binder
	Locker    lock.Locker
}

// Options tunes deploy policy.
type Options struct {
	MaxDailyDeploys int
	NamingPolicy    string
}

// Service sequences commit check, build, upload, naming and registry update
// for one deploy request and cleans the build area on failure.
type Service struct {
	registry  registry.Store
	workspace *workspace.Manager
	source    CommitSource
	builder   Builder
	publisher Publisher
	binder    Binder
	locker    lock.Locker
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a deployment service.
func New(deps Dependencies, opts Options, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemory()
	}
	if opts.NamingPolicy == "" {
		opts.NamingPolicy = config.NamingBestEffort
	}
	return Service{
		registry:  deps.Registry,
		workspace: deps.Workspace,
		source:    deps.Source,
		builder:   deps.Builder,
		publisher: deps.Publisher,
		binder:    deps.Binder,
		locker:    deps.Locker,
		opts:      opts,
		logger:    logger.With("component", "deploy"),
		now:       time.Now,
	}
}

// Deploy runs one deploy request to completion.
func (s Service) Deploy(ctx context.Context, req Request) (Result, error) {
	req = req.normalize()
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	addr, err := req.Address()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	log := s.logger.With("owner", addr.Owner, "repo", addr.RepoName)

	unlock, err := s.locker.Lock(ctx, addr.Owner)
	if err != nil {
		return Result{}, fmt.Errorf("acquire owner lock: %w", err)
	}
	defer unlock()

	existing, found, err := s.checkConflict(ctx, addr)
	if err != nil {
		return Result{}, err
	}

	commit, err := s.source.LatestCommit(ctx, req.Repository, req.Branch)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSource, err)
	}
	log = log.With("commit", commit)

	if found && existing.LastBuiltCommit == commit {
		log.Info("no new commits")
		return Result{
			Status:      StatusNoChanges,
			Owner:       addr.Owner,
			RepoName:    addr.RepoName,
			Commit:      commit,
			Address:     existing.URL,
			Undername:   existing.Undername,
			DeployCount: existing.EffectiveDeployCount(s.now()),
		}, nil
	}
	if found && existing.QuotaExhausted(s.now()) {
		log.Info("daily deploy limit reached", "max", existing.MaxDailyDeploys)
		return Result{}, ErrQuotaExceeded
	}

	output, err := s.build(ctx, addr, req, log)
	if err != nil {
		return Result{}, err
	}

	// A finished build is published and recorded even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	pub, err := s.publisher.Publish(ctx, output)
	if cleanupErr := s.workspace.Cleanup(output); cleanupErr != nil {
		log.Warn("failed to remove build output", "error", cleanupErr)
	}
	if err != nil {
		log.Error("upload failed", "error", err)
		return Result{}, s.fail(addr, StageUpload, ErrUpload, err, log)
	}
	log = log.With("address", pub.ID)

	result := Result{
		Status:   StatusPublished,
		Owner:    addr.Owner,
		RepoName: addr.RepoName,
		Commit:   commit,
		Address:  pub.ID,
		URL:      pub.URL,
	}
	bindCtx, cancelBind := context.WithTimeout(ctx, namingTimeout)
	err = s.bindName(bindCtx, req, addr, commit, &result, log)
	cancelBind()
	if err != nil {
		s.abandon(addr, found, log)
		return Result{}, err
	}

	recordCtx, cancelRecord := context.WithTimeout(ctx, registryTimeout)
	rec, err := s.record(recordCtx, addr, req, existing, found, result)
	cancelRecord()
	if err != nil {
		log.Error("registry update failed", "error", err)
		s.abandon(addr, found, log)
		return Result{}, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	result.DeployCount = rec.EffectiveDeployCount(s.now())
	if result.Undername == "" {
		result.Undername = rec.Undername
	}
	log.Info("deployment published", "url", pub.URL, "deploy_count", result.DeployCount)
	return result, nil
}

// checkConflict loads the owner's record and rejects the request when the
// owner's build area or registry entry belongs to another repository.
func (s Service) checkConflict(ctx context.Context, addr domain.Address) (domain.DeploymentRecord, bool, error) {
	folders, err := s.workspace.OwnerFolders(addr.Owner)
	if err != nil {
		return domain.DeploymentRecord{}, false, fmt.Errorf("inspect build area: %w", err)
	}
	for _, folder := range folders {
		if folder != addr.RepoName {
			return domain.DeploymentRecord{}, false, fmt.Errorf("%w: %s has %s", ErrConflict, addr.Owner, folder)
		}
	}
	rec, err := s.registry.FindByOwner(ctx, addr.Owner)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return domain.DeploymentRecord{}, false, nil
		}
		return domain.DeploymentRecord{}, false, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	if rec.RepoName != addr.RepoName {
		return domain.DeploymentRecord{}, false, fmt.Errorf("%w: %s has %s", ErrConflict, addr.Owner, rec.RepoName)
	}
	return rec, true, nil
}

func (s Service) build(ctx context.Context, addr domain.Address, req Request, log *slog.Logger) (string, error) {
	if _, err := s.workspace.Prepare(addr); err != nil {
		return "", fmt.Errorf("prepare build area: %w", err)
	}
	job := domain.NewBuildJob(domain.BuildJob{
		Owner:          addr.Owner,
		RepoName:       addr.RepoName,
		Repository:     req.Repository,
		Branch:         req.Branch,
		InstallCommand: req.InstallCommand,
		BuildCommand:   req.BuildCommand,
		OutputDir:      req.OutputDir,
		SubDirectory:   req.SubDirectory,
		Root:           s.workspace.Root(),
	})
	log.Info("submitting build", "job_id", job.ID)
	result, err := s.builder.Submit(ctx, job)
	if err != nil {
		log.Error("build failed", "job_id", job.ID, "error", err)
		return "", s.fail(addr, StageBuild, ErrBuild, err, log)
	}
	return result.OutputPath, nil
}

// fail removes the whole build area and returns the log it held.
func (s Service) fail(addr domain.Address, stage string, kind, cause error, log *slog.Logger) error {
	buildLog, readErr := s.workspace.ReadLog(addr)
	if readErr != nil && !errors.Is(readErr, workspace.ErrLogNotFound) {
		log.Warn("failed to read build log", "error", readErr)
	}
	if stage == StageUpload && len(buildLog) > 0 {
		buildLog = append(buildLog, []byte(fmt.Sprintf("\nupload failed: %v\n", cause))...)
	}
	if rmErr := s.workspace.RemoveArea(addr); rmErr != nil {
		log.Error("failed to remove build area", "error", rmErr)
	}
	return &FailureError{Stage: stage, Log: buildLog, Err: fmt.Errorf("%w: %w", kind, cause)}
}

// abandon removes the build area of a first deploy that never reached the
// registry. A redeploy keeps its area because the record still owns it.
func (s Service) abandon(addr domain.Address, found bool, log *slog.Logger) {
	if found {
		return
	}
	if err := s.workspace.RemoveArea(addr); err != nil {
		log.Error("failed to remove build area", "error", err)
	}
}

func (s Service) bindName(ctx context.Context, req Request, addr domain.Address, commit string, result *Result, log *slog.Logger) error {
	if req.Undername == "" {
		return nil
	}
	if s.binder == nil {
		result.NamingError = "naming service not configured"
		if s.opts.NamingPolicy == config.NamingStrict {
			return fmt.Errorf("%w: %s", ErrNaming, result.NamingError)
		}
		return nil
	}
	binding, err := s.binder.Bind(ctx, req.Undername, result.Address, naming.Metadata{
		Owner:       addr.Owner,
		Commit:      commit,
		DisplayName: addr.RepoName,
	})
	if err != nil {
		log.Warn("name binding failed", "undername", req.Undername, "error", err, "policy", s.opts.NamingPolicy)
		if s.opts.NamingPolicy == config.NamingStrict {
			return fmt.Errorf("%w: %w", ErrNaming, err)
		}
		result.NamingError = err.Error()
		return nil
	}
	result.Undername = binding.Name
	log.Info("name bound", "undername", binding.Name, "changed", binding.Changed)
	return nil
}

// record performs the single registry mutation of a successful attempt.
func (s Service) record(ctx context.Context, addr domain.Address, req Request, existing domain.DeploymentRecord, found bool, result Result) (domain.DeploymentRecord, error) {
	if !found {
		rec := domain.DeploymentRecord{
			Owner:           addr.Owner,
			RepoName:        addr.RepoName,
			Repository:      req.Repository,
			Branch:          req.Branch,
			InstallCommand:  req.InstallCommand,
			BuildCommand:    req.BuildCommand,
			OutputDir:       req.OutputDir,
			SubDirectory:    req.SubDirectory,
			ProtocolLand:    req.ProtocolLand,
			WalletAddress:   req.WalletAddress,
			LastBuiltCommit: result.Commit,
			URL:             result.Address,
			Undername:       result.Undername,
			DeployCount:     0,
			MaxDailyDeploys: s.opts.MaxDailyDeploys,
		}
		if err := s.registry.Add(ctx, rec); err != nil {
			return domain.DeploymentRecord{}, err
		}
		if stored, err := s.registry.Get(ctx, addr.Owner, addr.RepoName); err == nil {
			return stored, nil
		}
		return rec, nil
	}
	patch := registry.Patch{
		Repository:           registry.String(req.Repository),
		Branch:               registry.String(req.Branch),
		InstallCommand:       registry.String(req.InstallCommand),
		BuildCommand:         registry.String(req.BuildCommand),
		OutputDir:            registry.String(req.OutputDir),
		SubDirectory:         registry.String(req.SubDirectory),
		LastBuiltCommit:      registry.String(result.Commit),
		URL:                  registry.String(result.Address),
		IncrementDeployCount: true,
	}
	if result.Undername != "" {
		patch.Undername = registry.String(result.Undername)
	}
	return s.registry.Update(ctx, existing.Owner, existing.RepoName, patch)
}

// Log returns the build log for owner/repo.
func (s Service) Log(owner, repoName string) ([]byte, error) {
	addr, err := lookupAddress(owner, repoName)
	if err != nil {
		return nil, err
	}
	data, err := s.workspace.ReadLog(addr)
	if errors.Is(err, workspace.ErrLogNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// Config returns the stored deployment configuration for owner/repo.
func (s Service) Config(ctx context.Context, owner, repoName string) (domain.DeploymentRecord, error) {
	addr, err := lookupAddress(owner, repoName)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	rec, err := s.registry.IndividualConfig(ctx, addr.Owner, addr.RepoName)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return domain.DeploymentRecord{}, ErrNotFound
		}
		return domain.DeploymentRecord{}, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	return rec, nil
}

// Deployments returns every registered deployment.
func (s Service) Deployments(ctx context.Context) ([]domain.DeploymentRecord, error) {
	records, err := s.registry.Global(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	return records, nil
}

// Remove deletes the registry record and build area of owner/repo.
func (s Service) Remove(ctx context.Context, owner, repoName string) error {
	addr, err := lookupAddress(owner, repoName)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, addr.Owner)
	if err != nil {
		return fmt.Errorf("acquire owner lock: %w", err)
	}
	defer unlock()

	err = s.registry.Remove(ctx, addr.Owner, addr.RepoName)
	notFound := errors.Is(err, registry.ErrNotFound)
	if err != nil && !notFound {
		return fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	if rmErr := s.workspace.RemoveArea(addr); rmErr != nil {
		return fmt.Errorf("remove build area: %w", rmErr)
	}
	if notFound {
		return ErrNotFound
	}
	s.logger.Info("deployment removed", "owner", addr.Owner, "repo", addr.RepoName)
	return nil
}

func lookupAddress(owner, repoName string) (domain.Address, error) {
	addr := domain.Address{Owner: owner, RepoName: repoName}
	if err := domain.ValidSegment(owner); err != nil {
		return addr, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := domain.ValidSegment(repoName); err != nil {
		return addr, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return addr, nil
}
