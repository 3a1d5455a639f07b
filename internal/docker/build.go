package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const removeTimeout = 30 * time.Second

// RunSpec describes a one-shot build container.
type RunSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Binds       []string
	NanoCPUs    int64
	MemoryBytes int64
}

// EnsureImage pulls the image unless it is already present locally. Pull
// progress is rendered line by line to out.
func (c *Client) EnsureImage(ctx context.Context, ref string, out io.Writer) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image name cannot be empty")
	}
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: image %s", ErrNotFound, ref)
		}
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	decoder := json.NewDecoder(rc)
	for {
		var msg progressMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("image pull: %s", errMsg)
		}
		if line := msg.render(); line != "" && out != nil {
			fmt.Fprintln(out, line)
		}
	}
}

// RunToCompletion creates and starts the container, streams its combined
// output to out, waits for it to exit and removes it. It returns the exit code.
func (c *Client) RunToCompletion(ctx context.Context, spec RunSpec, out io.Writer) (int64, error) {
	if c == nil || c.inner == nil {
		return 0, fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return 0, fmt.Errorf("image name cannot be empty")
	}
	if out == nil {
		out = io.Discard
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Binds,
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
		NetworkMode: "bridge",
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return 0, fmt.Errorf("container create: %w", err)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		_ = c.RemoveContainer(removeCtx, created.ID)
	}()

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("container start: %w", err)
	}

	logs, err := c.inner.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return 0, fmt.Errorf("container logs: %w", err)
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		defer logs.Close()
		_, _ = stdcopy.StdCopy(out, out, logs)
	}()

	code, err := c.WaitForStop(ctx, created.ID)
	if err != nil {
		return 0, err
	}
	select {
	case <-copied:
	case <-time.After(5 * time.Second):
	}
	return code, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, fmt.Errorf("%w: container %s", ErrNotFound, containerID)
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			if status.Error != nil && status.Error.Message != "" {
				return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
			}
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

type progressMessage struct {
	Stream         string         `json:"stream"`
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    errorDetail    `json:"errorDetail"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type errorDetail struct {
	Message string `json:"message"`
}

func (m progressMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m progressMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if strings.TrimSpace(m.ID) != "" {
		parts = append(parts, strings.TrimSpace(m.ID))
	}
	parts = append(parts, strings.TrimSpace(m.Status))
	// Byte-level progress bars are noise in a build log; keep only totals.
	if m.Progress == "" && m.ProgressDetail.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
