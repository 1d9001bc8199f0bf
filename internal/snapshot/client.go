// Package snapshot is the transport for the single remote snapshot object.
//
// A Client offers exactly three calls: fetch by id, create and update by id.
// It holds no sync state; the credential is passed on every call.
package snapshot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// Backend names accepted by New.
const (
	BackendGist    = "gist"
	BackendS3      = "s3"
	BackendDropbox = "dropbox"
)

// Request is the content written by Create and Update. Public is never set:
// snapshots are always private.
type Request struct {
	Description string
	Filename    string
	Content     string
}

// Client talks to the remote snapshot store.
type Client interface {
	Get(ctx context.Context, token, id string) (*model.Snapshot, error)
	Create(ctx context.Context, token string, req Request) (*model.Snapshot, error)
	Update(ctx context.Context, token, id string, req Request) (*model.Snapshot, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend     string
	HTTPTimeout time.Duration

	GistBaseURL string

	S3 S3Config

	DropboxFolder string
}

// New builds the configured backend. An empty backend means gist.
func New(ctx context.Context, cfg Config) (Client, error) {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendGist:
		return NewGistClient(cfg.GistBaseURL, &http.Client{Timeout: timeout}), nil
	case BackendS3:
		return NewS3Client(ctx, cfg.S3)
	case BackendDropbox:
		return NewDropboxClient(cfg.DropboxFolder, timeout), nil
	default:
		return nil, fmt.Errorf("snapshot: unknown backend %q: %w", cfg.Backend, model.ErrConfig)
	}
}
