package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/auth"
	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/events"
	"github.com/helmsman-ai/helmsman/pkg/ipc"
	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/store"
	"github.com/helmsman-ai/helmsman/pkg/workitem"
)

// clientConn is one accepted client connection. A connection has no
// session until an auth method succeeds (or auth is disabled).
type clientConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	session *Session
}

func (c *clientConn) getSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *clientConn) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *clientConn) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ipc.WriteRawFrame(c.conn, payload)
}

// Server is the control plane: it authenticates clients, answers goal
// methods against the store and the daemon, and pushes scheduler events
// to subscribed sessions.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	auth    *auth.Manager
	daemon  *ipc.Client
	auditor *audit.Writer

	socketPath string
	listener   net.Listener

	mu    sync.Mutex
	conns map[*clientConn]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates the control-plane server. The daemon client may be
// shared with other components; the server only issues commands and
// receives events through it.
func NewServer(cfg *config.Config, st *store.Store, authMgr *auth.Manager, daemon *ipc.Client, auditor *audit.Writer, socketPath string) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		auth:       authMgr,
		daemon:     daemon,
		auditor:    auditor,
		socketPath: socketPath,
		conns:      make(map[*clientConn]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start binds the client socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if _, err := os.Stat(s.socketPath); err == nil {
		probe, derr := net.DialTimeout("unix", s.socketPath, time.Second)
		if derr == nil {
			probe.Close()
			return fmt.Errorf("socket %s is already in use", s.socketPath)
		}
		if rerr := os.Remove(s.socketPath); rerr != nil {
			return fmt.Errorf("remove stale socket: %w", rerr)
		}
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

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.idleSweep()

	slog.Info("Control plane listening", "path", s.socketPath, "auth_enabled", s.cfg.Auth.Enabled)
	return nil
}

// Stop closes the listener and every connection.
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
	slog.Info("Control plane stopped")
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
			slog.Error("Control plane accept failed", "error", err)
			return
		}
		cc := &clientConn{conn: conn}
		if !s.cfg.Auth.Enabled {
			// Local development mode: every connection is an admin.
			cc.setSession(newSession(auth.Identity{Label: "local", Permission: auth.PermissionAdmin}))
		}
		s.mu.Lock()
		s.conns[cc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, cc)
	}
}

func (s *Server) serveConn(ctx context.Context, cc *clientConn) {
	defer s.wg.Done()
	defer func() {
		cc.conn.Close()
		s.mu.Lock()
		delete(s.conns, cc)
		s.mu.Unlock()
	}()

	for {
		payload, err := ipc.ReadRawFrame(cc.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("Client connection read failed", "error", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			cc.sendJSON(Response{OK: false, Error: &Error{Code: CodeInvalidRequest, Message: "malformed request"}})
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			resp := s.handle(ctx, cc, &req)
			if err := cc.sendJSON(resp); err != nil {
				slog.Debug("Failed to send response", "request_id", req.ID, "error", err)
			}
		}()
	}
}

// idleSweep disconnects sessions past the idle timeout.
func (s *Server) idleSweep() {
	defer s.wg.Done()
	timeout := s.cfg.Auth.SessionIdleTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-timeout)
			s.mu.Lock()
			for cc := range s.conns {
				if sess := cc.getSession(); sess != nil && sess.IdleSince(cutoff) {
					slog.Info("Closing idle session", "session_id", sess.ID)
					cc.conn.Close()
				}
			}
			s.mu.Unlock()
		}
	}
}

// HandleDaemonEvent fans a pushed daemon message out to subscribed
// sessions. Wire this as the ipc client's event handler.
func (s *Server) HandleDaemonEvent(msg *ipc.Message) {
	if msg.Type != ipc.MessageTypeSchedulerEvent {
		return
	}
	var ev events.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("Malformed scheduler event from daemon", "error", err)
		return
	}

	note := Notification{Method: "event", Timestamp: msg.Timestamp, Params: msg.Data}

	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()

	for _, cc := range conns {
		sess := cc.getSession()
		if sess == nil || !sess.SubscribedTo(ev.GoalID) {
			continue
		}
		if err := cc.sendJSON(note); err != nil {
			slog.Debug("Dropped event for slow client", "session_id", sess.ID, "error", err)
		}
	}
}

func errorResponse(id string, code ErrorCode, msg string) Response {
	return Response{ID: id, OK: false, Error: &Error{Code: code, Message: msg}}
}

func resultResponse(id string, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, CodeInternal, "encode result: "+err.Error())
	}
	return Response{ID: id, OK: true, Result: raw}
}

// methodPermissions maps non-auth methods to the permission they require.
var methodPermissions = map[string]auth.Permission{
	MethodGoalSubmit:      auth.PermissionWrite,
	MethodGoalCancel:      auth.PermissionWrite,
	MethodGoalStatus:      auth.PermissionRead,
	MethodGoalList:        auth.PermissionRead,
	MethodGoalSubscribe:   auth.PermissionRead,
	MethodGoalUnsubscribe: auth.PermissionRead,
	MethodAuditList:       auth.PermissionRead,
	MethodCronList:        auth.PermissionRead,
	MethodDaemonStats:     auth.PermissionRead,
	MethodAuthToken:       auth.PermissionAdmin,
}

func (s *Server) handle(ctx context.Context, cc *clientConn, req *Request) Response {
	switch req.Method {
	case MethodAuthPair:
		return s.handlePair(cc, req)
	case MethodAuthChallenge:
		return s.handleChallenge(req)
	case MethodAuthVerify:
		return s.handleVerify(cc, req)
	}

	sess := cc.getSession()
	if sess == nil {
		return errorResponse(req.ID, CodeUnauthorized, "authentication required")
	}
	sess.Touch()

	required, known := methodPermissions[req.Method]
	if !known {
		return errorResponse(req.ID, CodeInvalidRequest, fmt.Sprintf("unknown method %q", req.Method))
	}
	if !sess.Can(required) {
		return errorResponse(req.ID, CodeForbidden,
			fmt.Sprintf("method %s requires %s permission", req.Method, required))
	}

	switch req.Method {
	case MethodAuthToken:
		return s.handleTokenGenerate(ctx, sess, req)
	case MethodGoalSubmit:
		return s.handleGoalSubmit(ctx, sess, req)
	case MethodGoalStatus:
		return s.handleGoalStatus(ctx, req)
	case MethodGoalCancel:
		return s.handleGoalCancel(ctx, sess, req)
	case MethodGoalList:
		return s.handleGoalList(ctx, req)
	case MethodGoalSubscribe, MethodGoalUnsubscribe:
		return s.handleSubscription(sess, req)
	case MethodAuditList:
		return s.handleAuditList(ctx, req)
	case MethodCronList:
		return s.handleCronList(ctx, req)
	case MethodDaemonStats:
		return s.handleDaemonStats(ctx, req)
	default:
		return errorResponse(req.ID, CodeInvalidRequest, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) handlePair(cc *clientConn, req *Request) Response {
	var params struct {
		Token     string `json:"token"`
		PublicKey string `json:"public_key"`
		Label     string `json:"label"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "malformed params")
	}
	pub, err := base64.StdEncoding.DecodeString(params.PublicKey)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "public_key must be base64")
	}
	identity, err := s.auth.Pair(params.Token, pub, params.Label)
	if err != nil {
		return errorResponse(req.ID, CodeUnauthorized, err.Error())
	}
	sess := newSession(identity)
	cc.setSession(sess)
	return resultResponse(req.ID, map[string]any{
		"session_id": sess.ID,
		"permission": identity.Permission,
	})
}

func (s *Server) handleChallenge(req *Request) Response {
	var params struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "malformed params")
	}
	pub, err := base64.StdEncoding.DecodeString(params.PublicKey)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "public_key must be base64")
	}
	id, nonce, err := s.auth.IssueChallenge(pub)
	if err != nil {
		return errorResponse(req.ID, CodeUnauthorized, err.Error())
	}
	return resultResponse(req.ID, map[string]any{
		"challenge_id": id,
		"nonce":        base64.StdEncoding.EncodeToString(nonce),
	})
}

func (s *Server) handleVerify(cc *clientConn, req *Request) Response {
	var params struct {
		ChallengeID string `json:"challenge_id"`
		Signature   string `json:"signature"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "malformed params")
	}
	sig, err := base64.StdEncoding.DecodeString(params.Signature)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "signature must be base64")
	}
	identity, err := s.auth.VerifyChallenge(params.ChallengeID, sig)
	if err != nil {
		return errorResponse(req.ID, CodeUnauthorized, err.Error())
	}
	sess := newSession(identity)
	cc.setSession(sess)
	slog.Info("Session authenticated", "session_id", sess.ID, "label", identity.Label)
	return resultResponse(req.ID, map[string]any{
		"session_id": sess.ID,
		"permission": identity.Permission,
	})
}

func (s *Server) handleTokenGenerate(ctx context.Context, sess *Session, req *Request) Response {
	var params struct {
		Label      string          `json:"label"`
		Permission auth.Permission `json:"permission"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "malformed params")
	}
	token, err := s.auth.GeneratePairingToken(params.Label, params.Permission)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, err.Error())
	}
	s.recordAudit(ctx, sess, "auth.token.generate", "pairing_token", params.Label, nil)
	return resultResponse(req.ID, map[string]any{"token": token})
}

func (s *Server) handleGoalSubmit(ctx context.Context, sess *Session, req *Request) Response {
	var params models.CreateGoalRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "malformed params")
	}

	goal, items, err := s.store.CreateGoal(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			return errorResponse(req.ID, CodeInvalidRequest, err.Error())
		}
		return errorResponse(req.ID, CodeInternal, err.Error())
	}

	// Reject graphs the scheduler would fail at admission, before the
	// daemon sees them.
	if err := workitem.ValidateDAG(items); err != nil {
		if uerr := s.store.UpdateGoalStatus(ctx, goal.ID, models.GoalStatusFailed, err.Error()); uerr != nil {
			slog.Error("Failed to mark invalid goal failed", "goal_id", goal.ID, "error", uerr)
		}
		return errorResponse(req.ID, CodeInvalidRequest, err.Error())
	}

	// The goal is durable either way; with no daemon it stays queued and
	// recovery admits it on the next daemon start.
	if _, err := s.daemon.Call(ctx, ipc.CommandSubmitGoal, map[string]string{"goal_id": goal.ID}); err != nil {
		if errors.Is(err, ipc.ErrNotConnected) {
			return errorResponse(req.ID, CodeDaemonUnavailable, "Scheduler daemon is not connected")
		}
		return errorResponse(req.ID, CodeInternal, err.Error())
	}

	s.recordAudit(ctx, sess, "goal.submit", "goal", goal.ID, map[string]any{"title": goal.Title})
	return resultResponse(req.ID, map[string]any{"goal": goal, "work_items": items})
}

func (s *Server) handleGoalStatus(ctx context.Context, req *Request) Response {
	var params struct {
		GoalID string `json:"goal_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.GoalID == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "goal_id is required")
	}
	goal, err := s.store.GetGoal(ctx, params.GoalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorResponse(req.ID, CodeNotFound, "goal not found")
		}
		return errorResponse(req.ID, CodeInternal, err.Error())
	}
	items, err := s.store.ListWorkItemsByGoal(ctx, params.GoalID)
	if err != nil {
		return errorResponse(req.ID, CodeInternal, err.Error())
	}
	counts, err := s.store.CountWorkItemsByStatus(ctx, params.GoalID)
	if err != nil {
		return errorResponse(req.ID, CodeInternal, err.Error())
	}
	return resultResponse(req.ID, map[string]any{
		"goal":       goal,
		"work_items": items,
		"counts":     counts,
	})
}

func (s *Server) handleGoalCancel(ctx context.Context, sess *Session, req *Request) Response {
	if !s.daemon.Connected() {
		return errorResponse(req.ID, CodeDaemonUnavailable, "Scheduler daemon is not connected")
	}
	var params struct {
		GoalID string `json:"goal_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.GoalID == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "goal_id is required")
	}
	if params.Reason == "" {
		params.Reason = "cancelled by user"
	}
	if _, err := s.daemon.Call(ctx, ipc.CommandCancelGoal, params); err != nil {
		if errors.Is(err, ipc.ErrNotConnected) {
			return errorResponse(req.ID, CodeDaemonUnavailable, "Scheduler daemon is not connected")
		}
		return errorResponse(req.ID, CodeConflict, err.Error())
	}
	s.recordAudit(ctx, sess, "goal.cancel", "goal", params.GoalID, map[string]any{"reason": params.Reason})
	return resultResponse(req.ID, map[string]any{"cancelled": true})
}

func (s *Server) handleGoalList(ctx context.Context, req *Request) Response {
	var filters models.GoalFilters
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &filters); err != nil {
			return errorResponse(req.ID, CodeInvalidRequest, "malformed params")
		}
	}
	resp, err := s.store.ListGoals(ctx, filters)
	if err != nil {
		return errorResponse(req.ID, CodeInternal, err.Error())
	}
	return resultResponse(req.ID, resp)
}

func (s *Server) handleSubscription(sess *Session, req *Request) Response {
	var params struct {
		GoalID string `json:"goal_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.GoalID == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "goal_id is required (\"*\" for all)")
	}
	if req.Method == MethodGoalSubscribe {
		sess.Subscribe(params.GoalID)
	} else {
		sess.Unsubscribe(params.GoalID)
	}
	return resultResponse(req.ID, map[string]any{"goal_id": params.GoalID})
}

func (s *Server) handleAuditList(ctx context.Context, req *Request) Response {
	var params struct {
		GoalID string `json:"goal_id"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.GoalID == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "goal_id is required")
	}
	entries, err := s.store.ListAuditEntries(ctx, params.GoalID, params.Limit)
	if err != nil {
		return errorResponse(req.ID, CodeInternal, err.Error())
	}
	return resultResponse(req.ID, map[string]any{"entries": entries})
}

func (s *Server) handleCronList(ctx context.Context, req *Request) Response {
	jobs, err := s.store.ListCronJobs(ctx)
	if err != nil {
		return errorResponse(req.ID, CodeInternal, err.Error())
	}
	return resultResponse(req.ID, map[string]any{"cron_jobs": jobs})
}

func (s *Server) handleDaemonStats(ctx context.Context, req *Request) Response {
	raw, err := s.daemon.Call(ctx, ipc.CommandStats, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrNotConnected) {
			return errorResponse(req.ID, CodeDaemonUnavailable, "Scheduler daemon is not connected")
		}
		return errorResponse(req.ID, CodeInternal, err.Error())
	}
	return Response{ID: req.ID, OK: true, Result: raw}
}

// recordAudit writes a control-plane action synchronously; failures are
// logged, not surfaced to the client.
func (s *Server) recordAudit(ctx context.Context, sess *Session, action, entityType, entityID string, metadata map[string]any) {
	if s.auditor == nil {
		return
	}
	entry := &models.AuditEntry{
		ActorID:    sess.Identity.Label,
		ActorType:  models.ActorTypeUser,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		SessionID:  sess.ID,
		Metadata:   metadata,
	}
	if entityType == "goal" {
		entry.GoalID = entityID
	}
	if err := s.auditor.RecordSync(ctx, entry); err != nil {
		slog.Error("Failed to write audit entry", "action", action, "error", err)
	}
}
