// Package rpc is the client-facing control plane: a unix socket serving
// length-prefixed JSON requests, authenticated sessions with permission
// levels, and per-session goal event subscriptions.
package rpc

import (
	"encoding/json"
	"time"
)

// Request is one client request frame. ID correlates the reply; clients
// may pipeline requests and receive replies out of order.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorCode classifies request failures.
type ErrorCode string

const (
	CodeInvalidRequest    ErrorCode = "invalid_request"
	CodeUnauthorized      ErrorCode = "unauthorized"
	CodeForbidden         ErrorCode = "forbidden"
	CodeNotFound          ErrorCode = "not_found"
	CodeConflict          ErrorCode = "conflict"
	CodeDaemonUnavailable ErrorCode = "daemon_unavailable"
	CodeInternal          ErrorCode = "internal"
)

// Error is the failure payload of a response.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Response answers exactly one request.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  *Error          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Notification is a server-pushed frame, currently only scheduler events
// for subscribed goals. Notifications have no ID and expect no reply.
type Notification struct {
	Method    string          `json:"method"` // "event"
	Timestamp time.Time       `json:"timestamp"`
	Params    json.RawMessage `json:"params"`
}

// Method names.
const (
	MethodAuthPair      = "auth.pair"
	MethodAuthChallenge = "auth.challenge"
	MethodAuthVerify    = "auth.verify"
	MethodAuthToken     = "auth.token.generate"

	MethodGoalSubmit      = "goal.submit"
	MethodGoalStatus      = "goal.status"
	MethodGoalCancel      = "goal.cancel"
	MethodGoalList        = "goal.list"
	MethodGoalSubscribe   = "goal.subscribe"
	MethodGoalUnsubscribe = "goal.unsubscribe"

	MethodAuditList   = "audit.list"
	MethodCronList    = "cron.list"
	MethodDaemonStats = "daemon.stats"
)
