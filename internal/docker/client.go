package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/docker/docker/client"
)

var (
	// ErrNotFound indicates an image or build container does not exist.
	ErrNotFound = errors.New("docker: resource not found")
	// ErrDaemonUnavailable indicates the daemon did not answer a ping.
	ErrDaemonUnavailable = errors.New("docker: daemon unavailable")
)

// Daemon describes the engine builds run on.
type Daemon struct {
	APIVersion string
	OSType     string
}

// Client runs build containers on one Docker daemon.
type Client struct {
	inner *client.Client

	mu     sync.RWMutex
	daemon Daemon
}

// Connect creates a client for host (environment defaults when empty) and
// verifies the daemon answers before any build is scheduled on it.
func Connect(ctx context.Context, host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if strings.TrimSpace(host) != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	c := &Client{inner: inner}
	if err := c.Ping(ctx); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return c, nil
}

// Daemon returns what the last successful ping reported.
func (c *Client) Daemon() Daemon {
	if c == nil {
		return Daemon{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.daemon
}

// Ping checks the daemon is reachable. It doubles as the health check.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("%w: client not initialized", ErrDaemonUnavailable)
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("%w: empty API version", ErrDaemonUnavailable)
	}
	c.mu.Lock()
	c.daemon = Daemon{APIVersion: ping.APIVersion, OSType: ping.OSType}
	c.mu.Unlock()
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
