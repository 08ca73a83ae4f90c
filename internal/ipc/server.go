package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
)

// readTimeout bounds how long a client may take to send its request.
const readTimeout = 5 * time.Second

// Handler answers one request from the login shell.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Server accepts login shell requests on a Unix socket. Each connection
// carries exactly one request and one response.
type Server struct {
	socketPath string
	handler    Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once

	// cancelled on Stop so a connect blocked on push polling does not hold
	// up shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new IPC server
func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start creates the socket and serves it in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := listenUnix(s.socketPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	slog.Info("IPC server started", "socket", s.socketPath)

	s.wg.Add(1)
	go s.serve(listener)

	return nil
}

// listenUnix replaces a stale socket at path and restricts it to owner and
// group: the login shell runs in the daemon's group, other local users must
// not submit credentials or cancel attempts.
func listenUnix(path string) (net.Listener, error) {
	// 0755 so the shell can traverse the directory
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove old socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return listener, nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { _ = conn.Close() }()
			s.reply(conn, s.handle(conn))
		}()
	}
}

// handle reads the request from conn and runs the handler. Failures become
// error responses.
func (s *Server) handle(conn net.Conn) *Response {
	var req Request

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		slog.Error("failed to decode request", "error", err)
		return errorResponse("invalid request format")
	}
	_ = conn.SetReadDeadline(time.Time{})

	if !knownType(req.Type) {
		slog.Error("invalid request type", "type", logsanitize.Sanitize(string(req.Type)))
		return errorResponse("invalid request type")
	}

	slog.Debug("IPC request received",
		"type", string(req.Type),
		"session_id", logsanitize.Sanitize(req.SessionID),
		"username", logsanitize.Sanitize(req.Username),
	)

	resp, err := s.handler(s.ctx, &req)
	if err != nil {
		slog.Warn("request failed", "type", string(req.Type), "error", err)
		return errorResponse(err.Error())
	}
	if resp == nil {
		resp = &Response{}
	}
	if resp.Status == "" {
		resp.Status = StatusOK
	}

	slog.Debug("IPC response",
		"type", string(req.Type),
		"status", resp.Status,
		"decision", resp.Decision,
	)
	return resp
}

func (s *Server) reply(conn net.Conn, resp *Response) {
	resp.Type = MessageTypeResponse
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Error("failed to send response", "error", err)
	}
}

func errorResponse(msg string) *Response {
	return &Response{Status: StatusError, Error: msg}
}

func knownType(t MessageType) bool {
	switch t {
	case MessageTypeBegin, MessageTypeConnect, MessageTypeDecide, MessageTypeWait, MessageTypeReport,
		MessageTypePasswordChanged, MessageTypeCancel, MessageTypeEnd:
		return true
	}
	return false
}

// Stop closes the listener, cancels running handlers and waits for them.
// It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		slog.Info("stopping IPC server")

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				slog.Warn("failed to close listener", "error", err)
			}
		}
		s.mu.Unlock()

		s.wg.Wait()

		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove socket file", "error", err)
		}

		slog.Info("IPC server stopped")
	})
	return nil
}
