package snapshot

import (
	"fmt"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// APIError is a non-2xx answer from the remote store.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("snapshot: %s: remote returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("snapshot: %s: remote returned %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return model.ErrRemoteAPI }

func networkError(op string, err error) error {
	return fmt.Errorf("snapshot: %s: %w: %w", op, model.ErrNetwork, err)
}
