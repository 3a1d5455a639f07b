package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4096
)

var (
	// ErrUnauthorized indicates the storage gateway rejected the token.
	ErrUnauthorized = errors.New("storage: unauthorized")
	// ErrInvalidResponse indicates the gateway returned a malformed payload.
	ErrInvalidResponse = errors.New("storage: invalid response")
)

// Client is the storage network collaborator.
type Client interface {
	Balance(ctx context.Context) (int64, error)
	UploadCosts(ctx context.Context, sizes []int64) ([]int64, error)
	UploadFile(ctx context.Context, r io.Reader, size int64, contentType string) (string, error)
}

// HTTPClient talks to an upload gateway over HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the gateway at baseURL. Request
// deadlines come from the caller's context.
func NewHTTPClient(baseURL, token string, client *http.Client) (*HTTPClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("storage base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{baseURL: trimmed, token: strings.TrimSpace(token), client: client}, nil
}

// Balance returns the account balance in the network's smallest unit.
func (c *HTTPClient) Balance(ctx context.Context) (int64, error) {
	var payload struct {
		Balance json.Number `json:"balance"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/account/balance", nil, &payload); err != nil {
		return 0, err
	}
	balance, err := payload.Balance.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: balance %q", ErrInvalidResponse, payload.Balance)
	}
	return balance, nil
}

// UploadCosts prices uploads of the given sizes.
func (c *HTTPClient) UploadCosts(ctx context.Context, sizes []int64) ([]int64, error) {
	var payload struct {
		Costs []json.Number `json:"costs"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/price/bytes", map[string]any{"sizes": sizes}, &payload); err != nil {
		return nil, err
	}
	if len(payload.Costs) != len(sizes) {
		return nil, fmt.Errorf("%w: expected %d costs, got %d", ErrInvalidResponse, len(sizes), len(payload.Costs))
	}
	costs := make([]int64, len(payload.Costs))
	for i, raw := range payload.Costs {
		value, err := raw.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: cost %q", ErrInvalidResponse, raw)
		}
		costs[i] = value
	}
	return costs, nil
}

// UploadFile streams one data item and returns its content address.
func (c *HTTPClient) UploadFile(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tx", r)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Tag-Content-Type", contentType)
	req.Header.Set("X-Data-Size", strconv.FormatInt(size, 10))
	c.authorize(req)

	var payload struct {
		ID string `json:"id"`
	}
	if err := c.send(req, &payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	return payload.ID, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	return c.send(req, v)
}

func (c *HTTPClient) send(req *http.Request, v any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("storage request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	default:
		return fmt.Errorf("storage request failed (%d): %s", resp.StatusCode, summary)
	}
}
