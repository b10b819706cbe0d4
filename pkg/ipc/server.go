package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// CommandHandler executes one scheduler command and returns its result
// payload. Returned errors become failed command results, not transport
// errors.
type CommandHandler func(ctx context.Context, cmd *Command) (any, error)

// serverConn is one accepted control-plane connection. Writes are
// serialized by the mutex; reads happen on a dedicated goroutine.
type serverConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *serverConn) send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return WriteFrame(c.conn, msg)
}

// Server is the daemon side of the control socket. It accepts
// connections from the control plane, answers scheduler commands through
// the handler, and broadcasts scheduler events to every connection.
type Server struct {
	socketPath string
	handler    CommandHandler

	listener net.Listener
	mu       sync.Mutex
	conns    map[*serverConn]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server for the given unix socket path.
func NewServer(socketPath string, handler CommandHandler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[*serverConn]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start binds the socket and begins accepting connections. A stale
// socket file from a dead process is removed first; a live listener on
// the path surfaces as a bind error.
func (s *Server) Start(ctx context.Context) error {
	if _, err := os.Stat(s.socketPath); err == nil {
		// Probe before unlinking: if something answers, it owns the path.
		probe, derr := net.DialTimeout("unix", s.socketPath, time.Second)
		if derr == nil {
			probe.Close()
			return fmt.Errorf("socket %s is already in use", s.socketPath)
		}
		if rerr := os.Remove(s.socketPath); rerr != nil {
			return fmt.Errorf("remove stale socket: %w", rerr)
		}
		slog.Info("Removed stale daemon socket", "path", s.socketPath)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	slog.Info("IPC server listening", "path", s.socketPath)
	return nil
}

// Stop closes the listener and all connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	os.Remove(s.socketPath)
	slog.Info("IPC server stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			slog.Error("IPC accept failed", "error", err)
			return
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, sc)
	}
}

func (s *Server) serveConn(ctx context.Context, sc *serverConn) {
	defer s.wg.Done()
	defer func() {
		sc.conn.Close()
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
	}()

	slog.Debug("IPC connection opened")
	for {
		msg, err := ReadFrame(sc.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("IPC read failed", "error", err)
			}
			return
		}
		switch msg.Type {
		case MessageTypeHello:
			var hello Hello
			if err := json.Unmarshal(msg.Data, &hello); err == nil {
				slog.Info("IPC client identified",
					"client_type", hello.ClientType, "version", hello.Version, "pid", hello.PID)
			}
			continue
		case MessageTypeSchedulerCommand:
		default:
			slog.Warn("Ignoring unexpected IPC message", "type", msg.Type)
			continue
		}
		var cmd Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			slog.Warn("Malformed scheduler command", "error", err)
			continue
		}
		// Commands run concurrently; replies carry the request id so the
		// control plane can match them out of order.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runCommand(ctx, sc, &cmd)
		}()
	}
}

func (s *Server) runCommand(ctx context.Context, sc *serverConn, cmd *Command) {
	result := CommandResult{RequestID: cmd.RequestID}

	payload, err := s.handler(ctx, cmd)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		if payload != nil {
			raw, merr := json.Marshal(payload)
			if merr != nil {
				result.Success = false
				result.Error = fmt.Sprintf("encode result: %v", merr)
			} else {
				result.Result = raw
			}
		}
	}

	msg, err := NewMessage(MessageTypeSchedulerCommandResult, result)
	if err != nil {
		slog.Error("Failed to encode command result", "request_id", cmd.RequestID, "error", err)
		return
	}
	if err := sc.send(msg); err != nil {
		slog.Warn("Failed to send command result", "request_id", cmd.RequestID, "error", err)
	}
}

// Broadcast sends an event payload to every connected control plane as a
// scheduler_event message. Send failures drop the connection's event, not
// the connection.
func (s *Server) Broadcast(event any) {
	msg, err := NewMessage(MessageTypeSchedulerEvent, event)
	if err != nil {
		slog.Error("Failed to encode scheduler event", "error", err)
		return
	}
	s.broadcast(msg)
}

// BroadcastDebug sends a debug_event message to every connection.
func (s *Server) BroadcastDebug(payload any) {
	msg, err := NewMessage(MessageTypeDebugEvent, payload)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) broadcast(msg *Message) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.send(msg); err != nil {
			slog.Debug("Dropped event for slow IPC connection", "error", err)
		}
	}
}

// ConnectionCount returns the number of live control-plane connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
