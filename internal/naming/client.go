package naming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the naming service rejected the token.
var ErrUnauthorized = errors.New("naming: unauthorized")

// HTTPClient reads and writes records of one naming process over HTTP.
type HTTPClient struct {
	baseURL string
	process string
	token   string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a naming client.
func NewHTTPClient(baseURL, process, token string, client *http.Client) (*HTTPClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("naming base url required")
	}
	if strings.TrimSpace(process) == "" {
		return nil, errors.New("naming process id required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{baseURL: trimmed, process: strings.TrimSpace(process), token: strings.TrimSpace(token), client: client}, nil
}

// Records returns every binding keyed by name.
func (c *HTTPClient) Records(ctx context.Context) (map[string]Record, error) {
	var payload struct {
		Records map[string]Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, c.recordsPath(), nil, &payload); err != nil {
		return nil, err
	}
	if payload.Records == nil {
		payload.Records = map[string]Record{}
	}
	return payload.Records, nil
}

// SetRecord creates or replaces the binding for name.
func (c *HTTPClient) SetRecord(ctx context.Context, name string, record Record) error {
	return c.do(ctx, http.MethodPut, c.recordsPath()+"/"+url.PathEscape(name), record, nil)
}

func (c *HTTPClient) recordsPath() string {
	return "/v1/processes/" + url.PathEscape(c.process) + "/records"
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, v any) error {
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("naming request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		summary := strings.TrimSpace(string(buf))
		if summary == "" {
			summary = resp.Status
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
		}
		return fmt.Errorf("naming request failed (%d): %s", resp.StatusCode, summary)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode naming response: %w", err)
	}
	return nil
}
