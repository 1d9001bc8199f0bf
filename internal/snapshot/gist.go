package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tinytelemetry/snapsync/internal/model"
)

const (
	// DefaultGistBaseURL is the public GitHub REST endpoint.
	DefaultGistBaseURL = "https://api.github.com"
	gistAPIVersion     = "2022-11-28"
	gistAccept         = "application/vnd.github+json"

	// maxResponseBytes bounds a single response body (gists cap files at 10 MB).
	maxResponseBytes = 16 << 20
)

// GistClient stores the snapshot as a private GitHub gist.
type GistClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*GistClient)(nil)

// NewGistClient returns a client for baseURL. An empty baseURL means
// DefaultGistBaseURL; a nil httpClient means http.DefaultClient.
func NewGistClient(baseURL string, httpClient *http.Client) *GistClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGistBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GistClient{baseURL: baseURL, http: httpClient}
}

// Get fetches a gist by id. Files GitHub truncated in the listing are
// downloaded in full from their raw URL.
func (c *GistClient) Get(ctx context.Context, token, id string) (*model.Snapshot, error) {
	var out wireSnapshot
	if err := c.do(ctx, "get", http.MethodGet, "/gists/"+url.PathEscape(id), token, nil, &out); err != nil {
		return nil, err
	}
	for name, f := range out.Files {
		if !f.Truncated || f.RawURL == "" {
			continue
		}
		content, err := c.raw(ctx, token, f.RawURL)
		if err != nil {
			return nil, err
		}
		f.Content = content
		f.Truncated = false
		out.Files[name] = f
	}
	return out.toModel(), nil
}

// Create makes a new private gist holding one file.
func (c *GistClient) Create(ctx context.Context, token string, req Request) (*model.Snapshot, error) {
	var out wireSnapshot
	if err := c.do(ctx, "create", http.MethodPost, "/gists", token, newWireRequest(req), &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, fmt.Errorf("snapshot: create: response carries no id: %w", model.ErrRemoteAPI)
	}
	return out.toModel(), nil
}

// Update replaces the file content of an existing gist.
func (c *GistClient) Update(ctx context.Context, token, id string, req Request) (*model.Snapshot, error) {
	if req.Description == "" {
		req.Description = model.UpdateDescription
	}
	var out wireSnapshot
	if err := c.do(ctx, "update", http.MethodPatch, "/gists/"+url.PathEscape(id), token, newWireRequest(req), &out); err != nil {
		return nil, err
	}
	return out.toModel(), nil
}

func (c *GistClient) do(ctx context.Context, op, method, path, token string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("snapshot: %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("snapshot: %s: build request: %w", op, err)
	}
	setHeaders(req, token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return networkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return networkError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: apiMessage(data)}
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("snapshot: %s: decode response: %w: %w", op, model.ErrRemoteAPI, err)
	}
	return nil
}

func (c *GistClient) raw(ctx context.Context, token, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("snapshot: get raw: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", networkError("get raw", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", networkError("get raw", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{Op: "get raw", StatusCode: resp.StatusCode, Message: apiMessage(data)}
	}
	return string(data), nil
}

func setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", gistAccept)
	req.Header.Set("X-GitHub-Api-Version", gistAPIVersion)
}

// apiMessage extracts GitHub's {"message": ...} error text, falling back to a
// trimmed body.
func apiMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
