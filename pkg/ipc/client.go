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

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/version"
)

// ErrNotConnected is returned when a command is issued without a live
// daemon connection.
var ErrNotConnected = errors.New("scheduler daemon is not connected")

// EventHandler receives scheduler and debug events pushed by the daemon.
type EventHandler func(msg *Message)

// Client is the control-plane side of the daemon socket. One connection
// carries interleaved command replies and pushed events; replies are
// routed to callers by request id.
type Client struct {
	socketPath string
	timeout    time.Duration
	onEvent    EventHandler

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    net.Conn
	pending map[string]chan *CommandResult

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a client for the daemon socket. The timeout bounds
// each command round-trip; the handler, if non-nil, receives pushed
// events.
func NewClient(socketPath string, timeout time.Duration, onEvent EventHandler) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
		onEvent:    onEvent,
		pending:    make(map[string]chan *CommandResult),
		stopCh:     make(chan struct{}),
	}
}

// Connect dials the daemon socket, identifies itself, and starts the
// read loop. Calling Connect while connected is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dial daemon socket %s: %w", c.socketPath, err)
	}
	hello, err := NewMessage(MessageTypeHello, Hello{
		ClientType: "control_plane",
		Version:    version.Full(),
		PID:        os.Getpid(),
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(c.timeout))
		err = WriteFrame(conn, hello)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}
	c.conn = conn
	c.wg.Add(1)
	go c.readLoop(conn)
	slog.Info("Connected to scheduler daemon", "path", c.socketPath)
	return nil
}

// Connected reports whether a daemon connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears down the connection and fails all pending commands.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.dropConn(nil)
	c.wg.Wait()
}

// dropConn closes the current connection and fails pending calls.
func (c *Client) dropConn(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan *CommandResult)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
	if cause != nil {
		slog.Warn("Lost scheduler daemon connection", "error", cause)
	}
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	for {
		msg, err := ReadFrame(conn)
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					c.dropConn(err)
					return
				}
				c.dropConn(nil)
			}
			return
		}

		switch msg.Type {
		case MessageTypeSchedulerCommandResult:
			var result CommandResult
			if err := json.Unmarshal(msg.Data, &result); err != nil {
				slog.Warn("Malformed command result", "error", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[result.RequestID]
			if ok {
				delete(c.pending, result.RequestID)
			}
			c.mu.Unlock()
			if !ok {
				// Late or duplicate reply; the caller is gone.
				slog.Debug("Discarding unmatched command result", "request_id", result.RequestID)
				continue
			}
			ch <- &result

		case MessageTypeSchedulerEvent, MessageTypeDebugEvent:
			if c.onEvent != nil {
				c.onEvent(msg)
			}

		default:
			slog.Warn("Ignoring unexpected IPC message", "type", msg.Type)
		}
	}
}

// Call sends one command and waits for its reply, the command timeout,
// or context cancellation, whichever comes first. A timed-out request is
// unregistered, so its eventual reply is discarded, never misdelivered.
func (c *Client) Call(ctx context.Context, command string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode command params: %w", err)
		}
		raw = encoded
	}

	requestID := uuid.New().String()
	ch := make(chan *CommandResult, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	msg, err := NewMessage(MessageTypeSchedulerCommand, Command{
		RequestID: requestID,
		Command:   command,
		Params:    raw,
	})
	if err != nil {
		c.unregister(requestID)
		return nil, err
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err = WriteFrame(conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(requestID)
		c.dropConn(err)
		return nil, fmt.Errorf("send command: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !result.Success {
			return nil, errors.New(result.Error)
		}
		return result.Result, nil
	case <-timer.C:
		c.unregister(requestID)
		return nil, fmt.Errorf("command %s timed out after %v", command, c.timeout)
	case <-ctx.Done():
		c.unregister(requestID)
		return nil, ctx.Err()
	}
}

func (c *Client) unregister(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}
