package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/permadeploy/internal/domain"
	"github.com/splax/permadeploy/internal/naming"
	"github.com/splax/permadeploy/internal/registry"
	"github.com/splax/permadeploy/internal/storage"
	"github.com/splax/permadeploy/internal/workspace"
	"github.com/splax/permadeploy/pkg/config"
)

type fakeSource struct {
	mu     sync.Mutex
	commit string
	err    error
}

func (f *fakeSource) LatestCommit(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commit, f.err
}

func (f *fakeSource) set(commit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commit = commit
}

type fakeBuilder struct {
	mu    sync.Mutex
	calls int
	jobs  []domain.BuildJob
	fail  bool

	// entered is signalled and gate awaited on every Submit when set.
	entered  chan struct{}
	gate     chan struct{}
	onSubmit func()
}

func (f *fakeBuilder) Submit(_ context.Context, job domain.BuildJob) (domain.BuildResult, error) {
	f.mu.Lock()
	f.calls++
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.onSubmit != nil {
		f.onSubmit()
	}

	if err := os.MkdirAll(job.AreaPath(), 0o755); err != nil {
		return domain.BuildResult{}, err
	}
	if f.fail {
		_ = os.WriteFile(job.LogPath(), []byte("npm ERR! missing script: build\n"), 0o644)
		return domain.BuildResult{}, errors.New("exit status 1")
	}
	_ = os.WriteFile(job.LogPath(), []byte("built ok\n"), 0o644)
	if err := os.MkdirAll(job.OutputPath(), 0o755); err != nil {
		return domain.BuildResult{}, err
	}
	if err := os.WriteFile(filepath.Join(job.OutputPath(), "index.html"), []byte("<html></html>"), 0o644); err != nil {
		return domain.BuildResult{}, err
	}
	return domain.BuildResult{JobID: job.ID, OutputPath: job.OutputPath()}, nil
}

type fakePublisher struct {
	id    string
	err   error
	dirs  []string
	calls int
}

func (f *fakePublisher) Publish(ctx context.Context, dir string) (storage.Publication, error) {
	f.calls++
	f.dirs = append(f.dirs, dir)
	if err := ctx.Err(); err != nil {
		return storage.Publication{}, err
	}
	if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
		return storage.Publication{}, err
	}
	if f.err != nil {
		return storage.Publication{}, f.err
	}
	return storage.Publication{ID: f.id, URL: "https://gw.example/" + f.id, Files: 1}, nil
}

type fakeBinder struct {
	err   error
	calls int
	meta  naming.Metadata
}

func (f *fakeBinder) Bind(ctx context.Context, desired, address string, meta naming.Metadata) (naming.Binding, error) {
	f.calls++
	f.meta = meta
	if err := ctx.Err(); err != nil {
		return naming.Binding{}, err
	}
	if f.err != nil {
		return naming.Binding{}, f.err
	}
	return naming.Binding{Name: desired, Address: address, Changed: true}, nil
}

type harness struct {
	svc       Service
	ws        *workspace.Manager
	store     *registry.FileStore
	source    *fakeSource
	builder   *fakeBuilder
	publisher *fakePublisher
	binder    *fakeBinder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.New(filepath.Join(root, "builds"))
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	store := registry.NewFileStore(filepath.Join(root, "registry", "global.json"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init registry: %v", err)
	}
	h := &harness{
		ws:        ws,
		store:     store,
		source:    &fakeSource{commit: "c1"},
		builder:   &fakeBuilder{},
		publisher: &fakePublisher{id: "abc123"},
		binder:    &fakeBinder{},
	}
	if opts.MaxDailyDeploys == 0 {
		opts.MaxDailyDeploys = 10000000
	}
	h.svc = New(Dependencies{
		Registry:  store,
		Workspace: ws,
		Source:    h.source,
		Builder:   h.builder,
		Publisher: h.publisher,
		Binder:    h.binder,
	}, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func aliceRequest() Request {
	return Request{
		Repository:     "https://host/alice/site.git",
		Branch:         "main",
		InstallCommand: "x",
		BuildCommand:   "y",
		OutputDir:      "./dist",
	}
}

func TestDeployFirstThenNoChanges(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	result, err := h.svc.Deploy(ctx, aliceRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != StatusPublished || result.Address != "abc123" || result.Owner != "alice" || result.RepoName != "site" {
		t.Fatalf("unexpected result %+v", result)
	}
	records, err := h.store.Global(ctx)
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	rec := records[0]
	if rec.DeployCount != 0 || rec.URL != "abc123" || rec.LastBuiltCommit != "c1" || rec.OutputDir != "dist" {
		t.Fatalf("unexpected record %+v", rec)
	}
	job := h.builder.jobs[0]
	if job.OutputDir != "dist" || job.Owner != "alice" || job.RepoName != "site" {
		t.Fatalf("unexpected job %+v", job)
	}
	if _, err := os.Stat(job.OutputPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected output removed after upload, got %v", err)
	}
	if _, err := os.Stat(job.LogPath()); err != nil {
		t.Fatalf("expected build log kept: %v", err)
	}

	again, err := h.svc.Deploy(ctx, aliceRequest())
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	if again.Status != StatusNoChanges || again.Address != "abc123" {
		t.Fatalf("expected no changes, got %+v", again)
	}
	if h.builder.calls != 1 || h.publisher.calls != 1 {
		t.Fatalf("expected no second build, builds=%d uploads=%d", h.builder.calls, h.publisher.calls)
	}
}

func TestDeployChangedCommitUpdatesRecord(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.svc.Deploy(ctx, aliceRequest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	h.source.set("c2")
	h.publisher.id = "def456"
	req := aliceRequest()
	req.BuildCommand = "npm run build:prod"

	result, err := h.svc.Deploy(ctx, req)
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if result.Address != "def456" || result.DeployCount != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	rec, err := h.store.Get(ctx, "alice", "site")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.LastBuiltCommit != "c2" || rec.URL != "def456" || rec.DeployCount != 1 || rec.BuildCommand != "npm run build:prod" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Owner != "alice" || rec.RepoName != "site" {
		t.Fatalf("identity changed: %+v", rec)
	}
	records, _ := h.store.Global(ctx)
	if len(records) != 1 {
		t.Fatalf("expected record updated in place, got %d records", len(records))
	}
}

func TestDeployConflictFromRegistry(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.svc.Deploy(ctx, aliceRequest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	// A successful deploy leaves only the log; drop it so the registry alone decides.
	if err := h.ws.RemoveArea(domain.Address{Owner: "alice", RepoName: "site"}); err != nil {
		t.Fatalf("remove area: %v", err)
	}
	req := aliceRequest()
	req.Repository = "https://host/alice/blog.git"

	_, err := h.svc.Deploy(ctx, req)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := os.Stat(h.ws.AreaPath(domain.Address{Owner: "alice", RepoName: "blog"})); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("conflict must not create a build area, got %v", err)
	}
	if h.builder.calls != 1 {
		t.Fatalf("conflict must not build")
	}
}

func TestDeployConflictFromBuildArea(t *testing.T) {
	h := newHarness(t, Options{})
	if err := os.MkdirAll(h.ws.AreaPath(domain.Address{Owner: "alice", RepoName: "other"}), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := h.svc.Deploy(context.Background(), aliceRequest()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if h.builder.calls != 0 {
		t.Fatalf("conflict must not build")
	}
}

func TestDeployQuotaExceeded(t *testing.T) {
	h := newHarness(t, Options{MaxDailyDeploys: 1})
	ctx := context.Background()
	if _, err := h.svc.Deploy(ctx, aliceRequest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	h.source.set("c2")
	if _, err := h.svc.Deploy(ctx, aliceRequest()); err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	h.source.set("c3")
	_, err := h.svc.Deploy(ctx, aliceRequest())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if h.builder.calls != 2 {
		t.Fatalf("quota rejection must not build, calls=%d", h.builder.calls)
	}
}

func TestDeployQuotaResetsNextDay(t *testing.T) {
	h := newHarness(t, Options{MaxDailyDeploys: 1})
	ctx := context.Background()
	if _, err := h.svc.Deploy(ctx, aliceRequest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	h.source.set("c2")
	if _, err := h.svc.Deploy(ctx, aliceRequest()); err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	h.svc.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	h.source.set("c3")
	if _, err := h.svc.Deploy(ctx, aliceRequest()); errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota to reset on a new day")
	}
}

func TestDeployBuildFailureCleansUp(t *testing.T) {
	h := newHarness(t, Options{})
	h.builder.fail = true

	_, err := h.svc.Deploy(context.Background(), aliceRequest())
	var failure *FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected FailureError, got %v", err)
	}
	if !errors.Is(err, ErrBuild) || failure.Stage != StageBuild {
		t.Fatalf("expected build failure, got %v", err)
	}
	if string(failure.Log) != "npm ERR! missing script: build\n" {
		t.Fatalf("expected verbatim log, got %q", failure.Log)
	}
	if _, err := os.Stat(filepath.Join(h.ws.Root(), "alice")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected owner area removed, got %v", err)
	}
	records, _ := h.store.Global(context.Background())
	if len(records) != 0 {
		t.Fatalf("failed build must not be recorded")
	}

	h.builder.fail = false
	if _, err := h.svc.Deploy(context.Background(), aliceRequest()); err != nil {
		t.Fatalf("retry after failure should start clean: %v", err)
	}
}

func TestDeployUploadFailureCleansUp(t *testing.T) {
	h := newHarness(t, Options{})
	h.publisher.err = errors.New("gateway timeout")

	_, err := h.svc.Deploy(context.Background(), aliceRequest())
	var failure *FailureError
	if !errors.As(err, &failure) || !errors.Is(err, ErrUpload) {
		t.Fatalf("expected upload FailureError, got %v", err)
	}
	if !strings.Contains(string(failure.Log), "built ok") || !strings.Contains(string(failure.Log), "gateway timeout") {
		t.Fatalf("unexpected failure log %q", failure.Log)
	}
	if _, err := os.Stat(filepath.Join(h.ws.Root(), "alice")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected owner area removed, got %v", err)
	}
	if _, err := h.store.FindByOwner(context.Background(), "alice"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("upload failure must not touch the registry, got %v", err)
	}
}

func TestDeployNamingBestEffort(t *testing.T) {
	h := newHarness(t, Options{})
	h.binder.err = naming.ErrNameTaken
	req := aliceRequest()
	req.Undername = "site"

	result, err := h.svc.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.NamingError == "" || result.Undername != "" {
		t.Fatalf("expected naming error reported, got %+v", result)
	}
	if _, err := h.store.Get(context.Background(), "alice", "site"); err != nil {
		t.Fatalf("expected record despite naming failure: %v", err)
	}
}

func TestDeployNamingStrict(t *testing.T) {
	h := newHarness(t, Options{NamingPolicy: config.NamingStrict})
	h.binder.err = naming.ErrNameTaken
	req := aliceRequest()
	req.Undername = "site"

	_, err := h.svc.Deploy(context.Background(), req)
	if !errors.Is(err, ErrNaming) || !errors.Is(err, naming.ErrNameTaken) {
		t.Fatalf("expected strict naming failure, got %v", err)
	}
	if _, err := h.store.FindByOwner(context.Background(), "alice"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("strict naming failure must not record, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.ws.Root(), "alice")); !os.IsNotExist(err) {
		t.Fatalf("expected owner area removed after strict naming failure, stat err=%v", err)
	}

	other := aliceRequest()
	other.Repository = "https://host/alice/other.git"
	if _, err := h.svc.Deploy(context.Background(), other); err != nil {
		t.Fatalf("owner without a registered deployment should deploy another repository: %v", err)
	}
}

func TestDeployNamingStrictRedeployKeepsArea(t *testing.T) {
	h := newHarness(t, Options{NamingPolicy: config.NamingStrict})
	if _, err := h.svc.Deploy(context.Background(), aliceRequest()); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	h.source.set("c2")
	h.binder.err = naming.ErrNameTaken
	req := aliceRequest()
	req.Undername = "site"

	if _, err := h.svc.Deploy(context.Background(), req); !errors.Is(err, ErrNaming) {
		t.Fatalf("expected strict naming failure, got %v", err)
	}
	rec, err := h.store.Get(context.Background(), "alice", "site")
	if err != nil || rec.LastBuiltCommit != "c1" {
		t.Fatalf("expected record untouched, got %+v err=%v", rec, err)
	}
	if _, err := os.Stat(filepath.Join(h.ws.Root(), "alice", "site", domain.LogFileName)); err != nil {
		t.Fatalf("expected registered area kept: %v", err)
	}
}

type failingStore struct {
	*registry.FileStore
	addErr    error
	updateErr error
}

func (f *failingStore) Add(ctx context.Context, rec domain.DeploymentRecord) error {
	if f.addErr != nil {
		return f.addErr
	}
	return f.FileStore.Add(ctx, rec)
}

func (f *failingStore) Update(ctx context.Context, owner, repoName string, patch registry.Patch) (domain.DeploymentRecord, error) {
	if f.updateErr != nil {
		return domain.DeploymentRecord{}, f.updateErr
	}
	return f.FileStore.Update(ctx, owner, repoName, patch)
}

func TestDeployRegistryAddFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.registry = &failingStore{FileStore: h.store, addErr: errors.New("disk full")}

	result, err := h.svc.Deploy(context.Background(), aliceRequest())
	if !errors.Is(err, ErrRegistry) {
		t.Fatalf("expected registry failure, got %v", err)
	}
	if result.Status != "" {
		t.Fatalf("registry failure must not report success, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(h.ws.Root(), "alice")); !os.IsNotExist(err) {
		t.Fatalf("expected owner area removed, stat err=%v", err)
	}
	if _, err := h.store.FindByOwner(context.Background(), "alice"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected no record, got %v", err)
	}
}

func TestDeployRegistryUpdateFailure(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.svc.Deploy(context.Background(), aliceRequest()); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	h.svc.registry = &failingStore{FileStore: h.store, updateErr: errors.New("disk full")}
	h.source.set("c2")

	if _, err := h.svc.Deploy(context.Background(), aliceRequest()); !errors.Is(err, ErrRegistry) {
		t.Fatalf("expected registry failure, got %v", err)
	}
	rec, err := h.store.Get(context.Background(), "alice", "site")
	if err != nil || rec.LastBuiltCommit != "c1" || rec.DeployCount != 0 {
		t.Fatalf("expected record untouched, got %+v err=%v", rec, err)
	}
	if _, err := os.Stat(filepath.Join(h.ws.Root(), "alice", "site")); err != nil {
		t.Fatalf("expected registered area kept: %v", err)
	}
}

func TestDeployOutlivesCallerAfterBuild(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.builder.onSubmit = cancel
	req := aliceRequest()
	req.Undername = "site"

	result, err := h.svc.Deploy(ctx, req)
	if err != nil {
		t.Fatalf("deploy after caller cancelled mid-build: %v", err)
	}
	if result.Status != StatusPublished || result.Undername != "site" {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := h.store.Get(context.Background(), "alice", "site"); err != nil {
		t.Fatalf("expected record: %v", err)
	}
}

func TestDeploySerializesSameOwner(t *testing.T) {
	h := newHarness(t, Options{})
	h.builder.entered = make(chan struct{}, 2)
	h.builder.gate = make(chan struct{})

	type outcome struct {
		result Result
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := h.svc.Deploy(context.Background(), aliceRequest())
		first <- outcome{result, err}
	}()
	select {
	case <-h.builder.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first build never started")
	}

	second := make(chan outcome, 1)
	go func() {
		result, err := h.svc.Deploy(context.Background(), aliceRequest())
		second <- outcome{result, err}
	}()
	select {
	case <-h.builder.entered:
		t.Fatalf("second build started while the first held the owner")
	case out := <-second:
		t.Fatalf("second deploy finished while the first held the owner: %+v %v", out.result, out.err)
	case <-time.After(100 * time.Millisecond):
	}

	close(h.builder.gate)
	out := <-first
	if out.err != nil || out.result.Status != StatusPublished {
		t.Fatalf("first deploy: %+v %v", out.result, out.err)
	}
	select {
	case out = <-second:
	case <-time.After(2 * time.Second):
		t.Fatalf("second deploy never finished")
	}
	if out.err != nil || out.result.Status != StatusNoChanges {
		t.Fatalf("expected second deploy to see the first's commit, got %+v %v", out.result, out.err)
	}
	if h.builder.calls != 1 {
		t.Fatalf("expected one build, got %d", h.builder.calls)
	}
}

func TestDeployNamingSuccess(t *testing.T) {
	h := newHarness(t, Options{})
	req := aliceRequest()
	req.Undername = "site"

	result, err := h.svc.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Undername != "site" {
		t.Fatalf("unexpected undername %q", result.Undername)
	}
	if h.binder.meta.Owner != "alice" || h.binder.meta.Commit != "c1" || h.binder.meta.DisplayName != "site" {
		t.Fatalf("unexpected metadata %+v", h.binder.meta)
	}
	rec, _ := h.store.Get(context.Background(), "alice", "site")
	if rec.Undername != "site" {
		t.Fatalf("expected undername recorded, got %+v", rec)
	}
}

func TestDeployValidation(t *testing.T) {
	h := newHarness(t, Options{})
	cases := []func(*Request){
		func(r *Request) { r.Repository = "" },
		func(r *Request) { r.InstallCommand = " " },
		func(r *Request) { r.BuildCommand = "" },
		func(r *Request) { r.OutputDir = "" },
		func(r *Request) { r.Branch = "" },
		func(r *Request) { r.OutputDir = "../../etc" },
		func(r *Request) { r.ProtocolLand = true },
		func(r *Request) { r.Repository = "site" },
	}
	for i, mutate := range cases {
		req := aliceRequest()
		mutate(&req)
		if _, err := h.svc.Deploy(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
	if h.builder.calls != 0 {
		t.Fatalf("validation failures must not build")
	}
}

func TestDeployAlternativeAddressing(t *testing.T) {
	h := newHarness(t, Options{})
	req := aliceRequest()
	req.ProtocolLand = true
	req.WalletAddress = "wallet123"
	req.RepoName = "portfolio"

	result, err := h.svc.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Owner != "wallet123" || result.RepoName != "portfolio" {
		t.Fatalf("unexpected address %+v", result)
	}
}

func TestDeploySourceFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.err = errors.New("remote unreachable")
	if _, err := h.svc.Deploy(context.Background(), aliceRequest()); !errors.Is(err, ErrSource) {
		t.Fatalf("expected ErrSource, got %v", err)
	}
}

func TestRemoveDeployment(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.svc.Deploy(ctx, aliceRequest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := h.svc.Log("alice", "site"); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := h.svc.Remove(ctx, "alice", "site"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.svc.Config(ctx, "alice", "site"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.svc.Log("alice", "site"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected log removed, got %v", err)
	}
	if err := h.svc.Remove(ctx, "alice", "site"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
	if _, err := h.svc.Log("..", "site"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for traversal, got %v", err)
	}
}
