package executor

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"github.com/splax/permadeploy/internal/docker"
	"github.com/splax/permadeploy/internal/domain"
)

const containerWorkspace = "/workspace"

// ContainerRunner is the subset of the Docker client used for builds.
type ContainerRunner interface {
	EnsureImage(ctx context.Context, ref string, out io.Writer) error
	RunToCompletion(ctx context.Context, spec docker.RunSpec, out io.Writer) (int64, error)
}

// Docker runs build scripts inside a throwaway container with the checkout
// bind-mounted and CPU and memory limits applied.
type Docker struct {
	Client   ContainerRunner
	Image    string
	CPUs     float64
	MemoryMB int
}

// Run pulls the build image when needed and runs the script in a container.
func (d Docker) Run(ctx context.Context, job domain.BuildJob, script string, out io.Writer) error {
	if d.Client == nil {
		return fmt.Errorf("docker client not configured")
	}
	if err := d.Client.EnsureImage(ctx, d.Image, out); err != nil {
		return err
	}
	source, err := filepath.Abs(job.SourcePath())
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}
	spec := d.spec(job, source, script)
	code, err := d.Client.RunToCompletion(ctx, spec, out)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("build container exited with status %d", code)
	}
	return nil
}

func (d Docker) spec(job domain.BuildJob, source, script string) docker.RunSpec {
	workdir := containerWorkspace
	if job.SubDirectory != "" {
		workdir = path.Join(containerWorkspace, filepath.ToSlash(job.SubDirectory))
	}
	spec := docker.RunSpec{
		Name:       "permadeploy-build-" + job.ID,
		Image:      d.Image,
		Cmd:        []string{"sh", "-c", script},
		Env:        []string{"CI=true"},
		WorkingDir: workdir,
		Binds:      []string{source + ":" + containerWorkspace},
	}
	if d.CPUs > 0 {
		spec.NanoCPUs = int64(d.CPUs * 1e9)
	}
	if d.MemoryMB > 0 {
		spec.MemoryBytes = int64(d.MemoryMB) * 1024 * 1024
	}
	return spec
}
