package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/splax/permadeploy/internal/docker"
	"github.com/splax/permadeploy/internal/domain"
)

type recordingSink struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (s *recordingSink) Publish(key, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lines == nil {
		s.lines = make(map[string][]string)
	}
	s.lines[key] = append(s.lines[key], line)
}

func fakeClone(files map[string]string) CloneFunc {
	return func(_ context.Context, repoURL, branch, dest string, out io.Writer) error {
		fmt.Fprintf(out, "Cloning into '%s'...\n", dest)
		for name, body := range files {
			path := filepath.Join(dest, filepath.FromSlash(name))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

func testJob(root string) domain.BuildJob {
	return domain.NewBuildJob(domain.BuildJob{
		Owner:          "alice",
		RepoName:       "site",
		Repository:     "https://example.com/alice/site.git",
		Branch:         "main",
		InstallCommand: "echo installing",
		BuildCommand:   "mkdir -p dist && cp index.html dist/index.html && echo built",
		OutputDir:      "dist",
		Root:           root,
	})
}

func TestExecuteLocalProducesOutput(t *testing.T) {
	root := t.TempDir()
	sink := &recordingSink{}
	b := New(Local{}, Options{Clone: fakeClone(map[string]string{"index.html": "<html></html>"}), Sink: sink})
	job := testJob(root)

	result, err := b.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.OutputPath != job.OutputPath() || result.JobID != job.ID {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := os.Stat(filepath.Join(job.OutputPath(), "index.html")); err != nil {
		t.Fatalf("expected artifact: %v", err)
	}
	if _, err := os.Stat(job.SourcePath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected source checkout removed, got %v", err)
	}
	logData, err := os.ReadFile(job.LogPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(logData), "installing") || !strings.Contains(string(logData), "built") {
		t.Fatalf("log missing command output: %s", logData)
	}
	if len(sink.lines["alice/site"]) == 0 {
		t.Fatalf("expected streamed lines")
	}
}

func TestExecuteHonoursSubDirectory(t *testing.T) {
	root := t.TempDir()
	b := New(Local{}, Options{Clone: fakeClone(map[string]string{"web/index.html": "<html></html>"})})
	job := testJob(root)
	job.SubDirectory = "web"

	if _, err := b.Execute(context.Background(), job); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := os.Stat(filepath.Join(job.OutputPath(), "index.html")); err != nil {
		t.Fatalf("expected artifact from subdirectory: %v", err)
	}
}

func TestExecuteCommandFailureKeepsLog(t *testing.T) {
	root := t.TempDir()
	b := New(Local{}, Options{Clone: fakeClone(map[string]string{"index.html": "x"})})
	job := testJob(root)
	job.BuildCommand = "echo boom-output && exit 3"

	_, err := b.Execute(context.Background(), job)
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
	logData, readErr := os.ReadFile(job.LogPath())
	if readErr != nil {
		t.Fatalf("read log: %v", readErr)
	}
	if !strings.Contains(string(logData), "boom-output") {
		t.Fatalf("expected failing output in log, got %s", logData)
	}
}

func TestExecuteInstallFailureSkipsBuild(t *testing.T) {
	root := t.TempDir()
	b := New(Local{}, Options{Clone: fakeClone(map[string]string{"index.html": "x"})})
	job := testJob(root)
	job.InstallCommand = "exit 1"
	job.BuildCommand = "echo should-not-run"

	if _, err := b.Execute(context.Background(), job); !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
	logData, _ := os.ReadFile(job.LogPath())
	if strings.Contains(strings.ReplaceAll(string(logData), "echo should-not-run", ""), "should-not-run") {
		t.Fatalf("build ran after failed install: %s", logData)
	}
}

func TestExecuteMissingOutput(t *testing.T) {
	root := t.TempDir()
	b := New(Local{}, Options{Clone: fakeClone(map[string]string{"index.html": "x"})})
	job := testJob(root)
	job.BuildCommand = "true"

	if _, err := b.Execute(context.Background(), job); !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("expected ErrOutputMissing, got %v", err)
	}
}

func TestExecuteCloneFailure(t *testing.T) {
	root := t.TempDir()
	clone := func(context.Context, string, string, string, io.Writer) error {
		return errors.New("repository not found")
	}
	b := New(Local{}, Options{Clone: clone})
	job := testJob(root)

	if _, err := b.Execute(context.Background(), job); !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
	logData, _ := os.ReadFile(job.LogPath())
	if !strings.Contains(string(logData), "repository not found") {
		t.Fatalf("expected clone error in log, got %s", logData)
	}
}

func TestScript(t *testing.T) {
	if got := Script("npm ci", "npm run build"); got != "npm ci && npm run build" {
		t.Fatalf("unexpected script %q", got)
	}
	if got := Script("", "make"); got != "make" {
		t.Fatalf("unexpected script %q", got)
	}
}

type fakeContainers struct {
	pulled string
	spec   docker.RunSpec
	code   int64
}

func (f *fakeContainers) EnsureImage(_ context.Context, ref string, _ io.Writer) error {
	f.pulled = ref
	return nil
}

func (f *fakeContainers) RunToCompletion(_ context.Context, spec docker.RunSpec, out io.Writer) (int64, error) {
	f.spec = spec
	fmt.Fprintln(out, "container output")
	return f.code, nil
}

func TestDockerRunnerSpec(t *testing.T) {
	fake := &fakeContainers{}
	runner := Docker{Client: fake, Image: "node:20-alpine", CPUs: 1.5, MemoryMB: 512}
	job := testJob(t.TempDir())
	job.SubDirectory = "web"

	if err := runner.Run(context.Background(), job, "npm ci && npm run build", io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.pulled != "node:20-alpine" {
		t.Fatalf("expected image pull, got %q", fake.pulled)
	}
	if fake.spec.WorkingDir != "/workspace/web" {
		t.Fatalf("unexpected working dir %q", fake.spec.WorkingDir)
	}
	if fake.spec.NanoCPUs != 1_500_000_000 || fake.spec.MemoryBytes != 512*1024*1024 {
		t.Fatalf("unexpected limits %+v", fake.spec)
	}
	if len(fake.spec.Binds) != 1 || !strings.HasSuffix(fake.spec.Binds[0], ":/workspace") {
		t.Fatalf("unexpected binds %v", fake.spec.Binds)
	}
	if fake.spec.Cmd[len(fake.spec.Cmd)-1] != "npm ci && npm run build" {
		t.Fatalf("unexpected cmd %v", fake.spec.Cmd)
	}
}

func TestDockerRunnerNonZeroExit(t *testing.T) {
	runner := Docker{Client: &fakeContainers{code: 2}, Image: "node:20-alpine"}
	if err := runner.Run(context.Background(), testJob(t.TempDir()), "false", io.Discard); err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
}

func TestLineStreamCollapsesRepeats(t *testing.T) {
	var got []string
	s := newLineStream(func(line string) { got = append(got, line) })
	_, _ = s.Write([]byte("a\na\na\nb\npartial"))
	s.Flush()
	want := []string{"a", "a (repeated 2 more times)", "b", "partial"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if tail := s.Snapshot(2); len(tail) != 2 || tail[1] != "partial" {
		t.Fatalf("unexpected tail %v", tail)
	}
}
