package ipc

import (
	"encoding/json"
	"time"
)

// MessageType names the frame payload shapes flowing over the daemon
// socket.
type MessageType string

const (
	// MessageTypeSchedulerEvent carries one scheduler event, daemon to
	// control plane.
	MessageTypeSchedulerEvent MessageType = "scheduler_event"

	// MessageTypeDebugEvent carries diagnostic payloads, daemon to control
	// plane. Consumers may ignore it entirely.
	MessageTypeDebugEvent MessageType = "debug_event"

	// MessageTypeSchedulerCommand carries one command, control plane to
	// daemon.
	MessageTypeSchedulerCommand MessageType = "scheduler_command"

	// MessageTypeSchedulerCommandResult carries the reply to exactly one
	// command, correlated by request id.
	MessageTypeSchedulerCommandResult MessageType = "scheduler_command_result"

	// MessageTypeHello identifies the connecting client. Sent once after
	// dialing; the daemon logs it and expects nothing back.
	MessageTypeHello MessageType = "hello"
)

// Message is the envelope of every frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewMessage wraps data into an envelope, stamping the current time.
func NewMessage(t MessageType, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Timestamp: time.Now().UTC(), Data: raw}, nil
}

// Command names understood by the daemon.
const (
	CommandSubmitGoal  = "submit_goal"
	CommandCancelGoal  = "cancel_goal"
	CommandGoalStatus  = "goal_status"
	CommandListGoals   = "list_goals"
	CommandStats       = "stats"
	CommandDispatchNow = "dispatch_now"
)

// Hello is the payload of a hello message.
type Hello struct {
	ClientType string `json:"client_type"`
	Version    string `json:"version"`
	PID        int    `json:"pid"`
}

// Command is the payload of a scheduler_command message.
type Command struct {
	RequestID string          `json:"request_id"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// CommandResult is the payload of a scheduler_command_result message.
// RequestID echoes the command it answers.
type CommandResult struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}
