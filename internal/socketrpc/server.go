package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/control"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (64 KB).
	scannerInitBufSize = 64 * 1024
	// scannerMaxTokenSize is the maximum token size the scanner will accept (1 MB).
	scannerMaxTokenSize = 1024 * 1024
)

// Server exposes a Controller over a Unix domain socket using JSON-RPC 2.0.
type Server struct {
	socketPath string
	ctl        Controller
	log        logrus.FieldLogger
	listener   net.Listener
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, ctl Controller, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		ctl:        ctl,
		log:        log.WithField("component", "socketrpc"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	// Remove stale socket if it exists.
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			os.Remove(s.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.WithField("path", s.socketPath).Info("listening")
	return nil
}

// Stop cancels running calls, closes the listener, waits for connections to
// drain and removes the socket file.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.WithError(err).Warn("accept")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Closing the listener does not unblock Scan on open connections.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	out := &lineWriter{enc: json.NewEncoder(conn)}

	for scanner.Scan() {
		if s.ctx.Err() != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			out.write(Response{JSONRPC: "2.0", ID: 0, Error: &RPCError{Code: -32700, Message: "parse error"}})
			continue
		}

		resp := s.dispatch(s.ctx, req, out)
		if err := out.write(resp); err != nil {
			return
		}
	}
}

// lineWriter serialises writes of progress notifications and responses.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func (w *lineWriter) progress(msg string) {
	_ = w.write(Notification{JSONRPC: "2.0", Method: MethodProgress, Params: ProgressParams{Message: msg}})
}

func (s *Server) dispatch(ctx context.Context, req Request, out *lineWriter) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v interface{}, err error) Response {
		if err != nil {
			resp.Error = &RPCError{Code: -32000, Message: err.Error()}
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &RPCError{Code: -32603, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) Response {
		resp.Error = &RPCError{Code: -32602, Message: fmt.Sprintf("invalid params: %v", err)}
		return resp
	}

	var sink func(string)
	if out != nil {
		sink = out.progress
	}

	switch req.Method {
	case "Backup":
		return marshalResult(s.ctl.Backup(ctx, sink), nil)

	case "Restore":
		return marshalResult(s.ctl.Restore(ctx, sink), nil)

	case "ExportFile", "ImportFile":
		var p struct{ Path string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if !filepath.IsAbs(p.Path) {
			return invalidParams(fmt.Errorf("path must be absolute: %q", p.Path))
		}
		if req.Method == "ExportFile" {
			return marshalResult(s.ctl.ExportFile(ctx, p.Path, sink), nil)
		}
		return marshalResult(s.ctl.ImportFile(ctx, p.Path, sink), nil)

	case "Cancel":
		var p struct{ Category string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.ctl.Cancel(p.Category))

	case "Status":
		return marshalResult(s.ctl.Status(ctx), nil)

	case "GetSettings":
		return marshalResult(s.ctl.Settings(), nil)

	case "SaveSettings":
		var p control.SettingsUpdate
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.ctl.SaveSettings(ctx, p))

	case "SetSnapshotID":
		var p struct{ SnapshotID *string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if p.SnapshotID == nil {
			return invalidParams(fmt.Errorf("missing SnapshotID"))
		}
		return marshalResult(s.ctl.SetSnapshotID(ctx, *p.SnapshotID))

	case "ListLinks":
		return marshalResult(s.ctl.ListLinks(ctx))

	case "WipeLinks":
		return marshalResult(s.ctl.WipeLinks(ctx))

	default:
		resp.Error = &RPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}
