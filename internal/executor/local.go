package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/splax/permadeploy/internal/domain"
)

// Local runs build scripts as host processes. It provides no isolation beyond
// the working directory and is intended for development.
type Local struct {
	Shell string
}

// Run executes the script with the shell in the job's working directory.
func (l Local) Run(ctx context.Context, job domain.BuildJob, script string, out io.Writer) error {
	shell := l.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = job.WorkDir()
	cmd.Env = append(os.Environ(), "CI=true")
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("command %q failed: %w", script, err)
	}
	return nil
}
