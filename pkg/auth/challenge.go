package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// challengeSize is the nonce length in bytes.
const challengeSize = 32

// ErrChallengeInvalid covers unknown, expired, and already-consumed
// challenges; callers cannot distinguish which, deliberately.
var ErrChallengeInvalid = errors.New("challenge is invalid or expired")

// challenge is one outstanding nonce bound to a claimed public key.
type challenge struct {
	nonce     []byte
	publicKey string // base64, as presented at issue time
	expiresAt time.Time
}

// challengeStore holds outstanding challenges. Each is single-use:
// consuming removes it whether or not the signature then verifies.
type challengeStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	challenges map[string]challenge
}

func newChallengeStore(ttl time.Duration) *challengeStore {
	return &challengeStore{
		ttl:        ttl,
		challenges: make(map[string]challenge),
	}
}

// issue creates a challenge for the claimed public key.
func (s *challengeStore) issue(publicKey string) (id string, nonce []byte, err error) {
	nonce = make([]byte, challengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("generate challenge: %w", err)
	}
	id = uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	s.challenges[id] = challenge{
		nonce:     nonce,
		publicKey: publicKey,
		expiresAt: time.Now().Add(s.ttl),
	}
	return id, nonce, nil
}

// consume removes and returns the challenge, failing on unknown, expired,
// or reused ids.
func (s *challengeStore) consume(id string) (challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return challenge{}, ErrChallengeInvalid
	}
	delete(s.challenges, id)
	if time.Now().After(ch.expiresAt) {
		return challenge{}, ErrChallengeInvalid
	}
	return ch, nil
}

// gcLocked sweeps expired challenges. Called with the lock held.
func (s *challengeStore) gcLocked() {
	now := time.Now()
	for id, ch := range s.challenges {
		if now.After(ch.expiresAt) {
			delete(s.challenges, id)
		}
	}
}
