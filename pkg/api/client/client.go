package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:3050"

// Client provides typed access to the builder API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API. For failed builds the
// message is the build log.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// untimed returns a copy of the HTTP client without an overall timeout, for
// requests that last as long as a build does.
func (c *Client) untimed() *http.Client {
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	return req, nil
}

func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	resp, err := c.send(c.httpClient, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// DeployInput is the body of a deploy request.
type DeployInput struct {
	Repository     string `json:"repository"`
	InstallCommand string `json:"installCommand"`
	BuildCommand   string `json:"buildCommand"`
	OutputDir      string `json:"outputDir"`
	Branch         string `json:"branch"`
	SubDirectory   string `json:"subDirectory,omitempty"`
	ProtocolLand   bool   `json:"protocolLand,omitempty"`
	WalletAddress  string `json:"walletAddress,omitempty"`
	RepoName       string `json:"repoName,omitempty"`
	Undername      string `json:"undername,omitempty"`
}

// DeployResult reports a deploy outcome. Status is "no_changes" when the
// branch head was already deployed.
type DeployResult struct {
	Status      string `json:"status"`
	Owner       string `json:"owner"`
	RepoName    string `json:"repoName"`
	Commit      string `json:"commit"`
	Address     string `json:"address"`
	URL         string `json:"url"`
	Undername   string `json:"undername"`
	NamingError string `json:"namingError"`
	DeployCount int    `json:"deployCount"`
}

// Deploy runs a deployment and waits for it to finish.
func (c *Client) Deploy(ctx context.Context, token string, input DeployInput) (DeployResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/deploy", input, token)
	if err != nil {
		return DeployResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.send(c.untimed(), req)
	if err != nil {
		return DeployResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return DeployResult{Status: "no_changes", Undername: resp.Header.Get("X-Undername")}, nil
	}
	var result DeployResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return DeployResult{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

// Deployment mirrors a registry record.
type Deployment struct {
	Owner           string    `json:"owner"`
	RepoName        string    `json:"repoName"`
	Repository      string    `json:"repository"`
	Branch          string    `json:"branch"`
	InstallCommand  string    `json:"installCommand"`
	BuildCommand    string    `json:"buildCommand"`
	OutputDir       string    `json:"outputDir"`
	SubDirectory    string    `json:"subDirectory"`
	ProtocolLand    bool      `json:"protocolLand"`
	WalletAddress   string    `json:"walletAddress"`
	LastBuiltCommit string    `json:"lastBuiltCommit"`
	URL             string    `json:"url"`
	Undername       string    `json:"undername"`
	DeployCount     int       `json:"deployCount"`
	MaxDailyDeploys int       `json:"maxDailyDeploys"`
	QuotaDay        string    `json:"quotaDay"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Config fetches the stored deployment configuration of owner/repo.
func (c *Client) Config(ctx context.Context, owner, repo string) (Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, deploymentPath("/config", owner, repo), nil, "", &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// ListDeployments returns every registered deployment.
func (c *Client) ListDeployments(ctx context.Context) ([]Deployment, error) {
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments", nil, "", &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// RemoveDeployment deletes the registry record and build area of owner/repo.
func (c *Client) RemoveDeployment(ctx context.Context, token, owner, repo string) error {
	return c.do(ctx, http.MethodDelete, deploymentPath("/deployments", owner, repo), nil, token, nil)
}

// Logs returns the most recent build log of owner/repo.
func (c *Client) Logs(ctx context.Context, owner, repo string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, deploymentPath("/logs", owner, repo), nil, "")
	if err != nil {
		return "", err
	}
	resp, err := c.send(c.httpClient, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}
	return string(data), nil
}

// LogLine is one streamed line of build output.
type LogLine struct {
	Line string    `json:"line"`
	Time time.Time `json:"time"`
}

// StreamLogs follows live build output of owner/repo until ctx is cancelled
// or the server closes the stream, calling fn for every line.
func (c *Client) StreamLogs(ctx context.Context, owner, repo string, fn func(LogLine)) error {
	req, err := c.newRequest(ctx, http.MethodGet, deploymentPath("/logs", owner, repo)+"/events", nil, "")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.send(c.untimed(), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var line LogLine
		if err := json.Unmarshal([]byte(data), &line); err != nil {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func deploymentPath(prefix, owner, repo string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, url.PathEscape(owner), url.PathEscape(repo))
}
