package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/google/uuid"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// DefaultDropboxFolder is where snapshot files are kept when no folder is set.
const DefaultDropboxFolder = "/snapsync"

// DropboxClient keeps each snapshot as <folder>/<id>.json in a Dropbox
// account. The per-call token is the Dropbox access token.
type DropboxClient struct {
	folder   string
	newFiles func(token string) files.Client
	newID    func() string
}

var _ Client = (*DropboxClient)(nil)

// NewDropboxClient returns a client rooted at folder.
func NewDropboxClient(folder string, timeout time.Duration) *DropboxClient {
	httpClient := &http.Client{Timeout: timeout}
	return newDropboxClient(folder, func(token string) files.Client {
		return files.New(dropbox.Config{Token: token, Client: httpClient})
	})
}

func newDropboxClient(folder string, factory func(token string) files.Client) *DropboxClient {
	folder = "/" + strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "/" {
		folder = DefaultDropboxFolder
	}
	return &DropboxClient{folder: folder, newFiles: factory, newID: uuid.NewString}
}

// Get downloads and decodes the file for id.
func (c *DropboxClient) Get(ctx context.Context, token, id string) (*model.Snapshot, error) {
	client := c.newFiles(token)
	var data []byte
	err := dropboxCall(ctx, func() error {
		_, body, err := client.Download(files.NewDownloadArg(c.path(id)))
		if err != nil {
			return err
		}
		defer body.Close()
		data, err = io.ReadAll(io.LimitReader(body, maxResponseBytes))
		return err
	})
	if err != nil {
		return nil, classifyDropboxError("get", err)
	}
	return decodeDocument(id, data)
}

// Create uploads a new file under a fresh id.
func (c *DropboxClient) Create(ctx context.Context, token string, req Request) (*model.Snapshot, error) {
	id := c.newID()
	if err := c.upload(ctx, "create", token, id, req, "add"); err != nil {
		return nil, err
	}
	return snapshotFromRequest(id, req), nil
}

// Update overwrites the file for id.
func (c *DropboxClient) Update(ctx context.Context, token, id string, req Request) (*model.Snapshot, error) {
	if req.Description == "" {
		req.Description = model.UpdateDescription
	}
	if err := c.upload(ctx, "update", token, id, req, "overwrite"); err != nil {
		return nil, err
	}
	return snapshotFromRequest(id, req), nil
}

func (c *DropboxClient) upload(ctx context.Context, op, token, id string, req Request, mode string) error {
	body, err := encodeDocument(id, req)
	if err != nil {
		return err
	}
	client := c.newFiles(token)
	arg := files.NewUploadArg(c.path(id))
	arg.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: mode}}
	arg.Autorename = false
	err = dropboxCall(ctx, func() error {
		_, err := client.Upload(arg, bytes.NewReader(body))
		return err
	})
	if err != nil {
		return classifyDropboxError(op, err)
	}
	return nil
}

func (c *DropboxClient) path(id string) string {
	return path.Join(c.folder, id+".json")
}

// dropboxCall runs fn, returning early when ctx ends. The SDK takes no
// context, so an abandoned call finishes in the background bounded by the
// HTTP client timeout.
func dropboxCall(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyDropboxError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return networkError(op, err)
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return networkError(op, err)
	}
	switch {
	case isDropboxAuthError(err):
		return &APIError{Op: op, StatusCode: http.StatusUnauthorized, Message: err.Error()}
	case isDropboxPathNotFound(err):
		return &APIError{Op: op, StatusCode: http.StatusNotFound, Message: err.Error()}
	case isDropboxRateLimited(err):
		return &APIError{Op: op, StatusCode: http.StatusTooManyRequests, Message: err.Error()}
	default:
		return &APIError{Op: op, Message: err.Error()}
	}
}

func isDropboxAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "expired_access_token") ||
		strings.Contains(msg, "invalid_access_token") ||
		strings.Contains(msg, "invalid_client")
}

func isDropboxPathNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "path/not_found") ||
		strings.Contains(msg, "path_lookup/") && strings.Contains(msg, "not_found")
}

func isDropboxRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too_many_requests") || strings.Contains(msg, "too_many_write_operations")
}
