package socketrpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tinytelemetry/snapsync/internal/control"
	"github.com/tinytelemetry/snapsync/internal/model"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes the sync controller over a Unix domain socket.
//
//   Method          Params                                            Result
//   ─────────────   ───────────────────────────────────────────────   ──────────────────
//   Backup          (none)                                            control.JobResult
//   Restore         (none)                                            control.JobResult
//   ExportFile      {Path: string}                                    control.JobResult
//   ImportFile      {Path: string}                                    control.JobResult
//   Cancel          {Category: string}                                bool
//   Status          (none)                                            control.Status
//   GetSettings     (none)                                            model.Settings
//   SaveSettings    control.SettingsUpdate                            model.Settings
//   SetSnapshotID   {SnapshotID: string}                              model.Settings
//   ListLinks       (none)                                            []model.Link
//   WipeLinks       (none)                                            control.WipeResult
//
// Backup, Restore, ExportFile and ImportFile stream "progress" notifications (no id) on the same
// connection before the response line.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error

// MethodProgress is the notification method used for progress messages.
const MethodProgress = "progress"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification sent by the server.
type Notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  ProgressParams `json:"params"`
}

// ProgressParams carries one progress message.
type ProgressParams struct {
	Message string `json:"message"`
}

// envelope decodes either a Response or a Notification.
type envelope struct {
	Response
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// Controller is the command surface exposed over the socket.
type Controller interface {
	Backup(ctx context.Context, sink model.ProgressSink) control.JobResult
	Restore(ctx context.Context, sink model.ProgressSink) control.JobResult
	ExportFile(ctx context.Context, path string, sink model.ProgressSink) control.JobResult
	ImportFile(ctx context.Context, path string, sink model.ProgressSink) control.JobResult
	Cancel(category string) (bool, error)
	Status(ctx context.Context) control.Status
	Settings() model.Settings
	SaveSettings(ctx context.Context, u control.SettingsUpdate) (model.Settings, error)
	SetSnapshotID(ctx context.Context, id string) (model.Settings, error)
	ListLinks(ctx context.Context) ([]model.Link, error)
	WipeLinks(ctx context.Context) (control.WipeResult, error)
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/snapsync/snapsync.sock, falling back to
// ~/.local/state/snapsync/snapsync.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "snapsync", "snapsync.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/snapsync.sock"
	}
	return filepath.Join(home, ".local", "state", "snapsync", "snapsync.sock")
}
