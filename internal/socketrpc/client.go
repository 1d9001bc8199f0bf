package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/snapsync/internal/control"
	"github.com/tinytelemetry/snapsync/internal/model"
)

// Client calls the sync daemon over a Unix domain socket using JSON-RPC 2.0.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
	timeout time.Duration
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
		timeout: 30 * time.Second,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest. Progress
// notifications received before the response are passed to onProgress.
func (c *Client) call(ctx context.Context, method string, params interface{}, dest interface{}, onProgress model.ProgressSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socketrpc: marshal params: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsData,
	}

	// Long calls keep the connection alive with progress; the deadline is
	// pushed forward on every line received.
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.encoder.Encode(req); err != nil {
		return c.wrap(ctx, "send", err)
	}

	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return c.wrap(ctx, "read", err)
			}
			return fmt.Errorf("socketrpc: connection closed")
		}
		if ctx.Err() != nil {
			return c.wrap(ctx, "read", ctx.Err())
		}
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))

		var env envelope
		if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
			return fmt.Errorf("socketrpc: unmarshal response: %w", err)
		}

		if env.Method == MethodProgress {
			var p ProgressParams
			if err := json.Unmarshal(env.Params, &p); err == nil {
				onProgress.Emit(p.Message)
			}
			continue
		}

		if env.ID != id && env.Error == nil {
			continue
		}
		if env.Error != nil {
			return env.Error
		}
		if dest != nil {
			if err := json.Unmarshal(env.Result, dest); err != nil {
				return fmt.Errorf("socketrpc: unmarshal result: %w", err)
			}
		}
		return nil
	}
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("socketrpc: %s: %w", op, ctx.Err())
	}
	return fmt.Errorf("socketrpc: %s: %w", op, err)
}

// Backup runs a user backup on the daemon.
func (c *Client) Backup(ctx context.Context, onProgress model.ProgressSink) (control.JobResult, error) {
	var result control.JobResult
	err := c.call(ctx, "Backup", map[string]interface{}{}, &result, onProgress)
	return result, err
}

// Restore runs a restore on the daemon.
func (c *Client) Restore(ctx context.Context, onProgress model.ProgressSink) (control.JobResult, error) {
	var result control.JobResult
	err := c.call(ctx, "Restore", map[string]interface{}{}, &result, onProgress)
	return result, err
}

// ExportFile has the daemon write its links to path, which must be absolute.
func (c *Client) ExportFile(ctx context.Context, path string, onProgress model.ProgressSink) (control.JobResult, error) {
	var result control.JobResult
	err := c.call(ctx, "ExportFile", map[string]interface{}{"Path": path}, &result, onProgress)
	return result, err
}

// ImportFile has the daemon import the export document at path.
func (c *Client) ImportFile(ctx context.Context, path string, onProgress model.ProgressSink) (control.JobResult, error) {
	var result control.JobResult
	err := c.call(ctx, "ImportFile", map[string]interface{}{"Path": path}, &result, onProgress)
	return result, err
}

func (c *Client) Cancel(ctx context.Context, category string) (bool, error) {
	var result bool
	err := c.call(ctx, "Cancel", map[string]interface{}{"Category": category}, &result, nil)
	return result, err
}

func (c *Client) Status(ctx context.Context) (control.Status, error) {
	var result control.Status
	err := c.call(ctx, "Status", map[string]interface{}{}, &result, nil)
	return result, err
}

func (c *Client) Settings(ctx context.Context) (model.Settings, error) {
	var result model.Settings
	err := c.call(ctx, "GetSettings", map[string]interface{}{}, &result, nil)
	return result, err
}

func (c *Client) SaveSettings(ctx context.Context, u control.SettingsUpdate) (model.Settings, error) {
	var result model.Settings
	err := c.call(ctx, "SaveSettings", u, &result, nil)
	return result, err
}

func (c *Client) SetSnapshotID(ctx context.Context, id string) (model.Settings, error) {
	var result model.Settings
	err := c.call(ctx, "SetSnapshotID", map[string]interface{}{"SnapshotID": id}, &result, nil)
	return result, err
}

func (c *Client) ListLinks(ctx context.Context) ([]model.Link, error) {
	var result []model.Link
	err := c.call(ctx, "ListLinks", map[string]interface{}{}, &result, nil)
	return result, err
}

func (c *Client) WipeLinks(ctx context.Context) (control.WipeResult, error) {
	var result control.WipeResult
	err := c.call(ctx, "WipeLinks", map[string]interface{}{}, &result, nil)
	return result, err
}
