package rpc

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/auth"
)

// Session is one authenticated client connection's state. Subscriptions
// are goal ids; the wildcard "*" subscribes to every goal's events.
type Session struct {
	ID         string
	Identity   auth.Identity
	CreatedAt  time.Time
	LastActive time.Time

	mu            sync.Mutex
	subscriptions map[string]struct{}
}

// SubscriptionWildcard subscribes a session to all goals.
const SubscriptionWildcard = "*"

func newSession(identity auth.Identity) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:            uuid.New().String(),
		Identity:      identity,
		CreatedAt:     now,
		LastActive:    now,
		subscriptions: make(map[string]struct{}),
	}
}

// Touch updates the idle timer.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActive = time.Now().UTC()
	s.mu.Unlock()
}

// Subscribe adds a goal subscription.
func (s *Session) Subscribe(goalID string) {
	s.mu.Lock()
	s.subscriptions[goalID] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes a goal subscription.
func (s *Session) Unsubscribe(goalID string) {
	s.mu.Lock()
	delete(s.subscriptions, goalID)
	s.mu.Unlock()
}

// SubscribedTo reports whether events for the goal should be delivered.
func (s *Session) SubscribedTo(goalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[SubscriptionWildcard]; ok {
		return true
	}
	_, ok := s.subscriptions[goalID]
	return ok
}

// IdleSince reports whether the session has been idle past the cutoff.
func (s *Session) IdleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActive.Before(cutoff)
}

// Can reports whether the session's permission level covers the required
// one.
func (s *Session) Can(required auth.Permission) bool {
	return s.Identity.Permission.Allows(required)
}
