package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/config"
)

// Identity is the authenticated result handed to the session layer.
type Identity struct {
	PublicKey  string
	Label      string
	Permission Permission
}

// Manager owns the credentials file and the challenge store, and
// implements the two authentication flows: pairing (token + public key)
// and login (challenge + signature).
type Manager struct {
	path       string
	challenges *challengeStore

	mu    sync.Mutex
	creds *Credentials
}

// NewManager loads the credentials file and prepares the challenge store.
func NewManager(cfg *config.AuthConfig, credentialsPath string) (*Manager, error) {
	creds, err := LoadCredentials(credentialsPath)
	if err != nil {
		return nil, err
	}
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Manager{
		path:       credentialsPath,
		challenges: newChallengeStore(ttl),
		creds:      creds,
	}, nil
}

// GeneratePairingToken mints a single-use pairing token at the given
// permission level and persists its hash. The cleartext token is returned
// exactly once.
func (m *Manager) GeneratePairingToken(label string, perm Permission) (string, error) {
	if !perm.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrBadPermission, perm)
	}
	token, record, err := newPairingToken(label, perm)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds.PairingTokens = append(m.creds.PairingTokens, record)
	if err := m.creds.Save(m.path); err != nil {
		m.creds.PairingTokens = m.creds.PairingTokens[:len(m.creds.PairingTokens)-1]
		return "", err
	}
	slog.Info("Pairing token generated", "label", label, "permission", perm)
	return token, nil
}

// Pair consumes a pairing token and binds the presented public key with
// the token's permission level.
func (m *Manager) Pair(token string, publicKey []byte, label string) (Identity, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return Identity{}, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.creds.findKey(publicKey); exists {
		return Identity{}, ErrKeyExists
	}
	record, ok := m.creds.consumeToken(token)
	if !ok {
		return Identity{}, ErrTokenInvalid
	}

	encoded := base64.StdEncoding.EncodeToString(publicKey)
	m.creds.Keys = append(m.creds.Keys, PairedKey{
		PublicKey:  encoded,
		Label:      label,
		Permission: record.Permission,
		PairedAt:   time.Now().UTC(),
	})
	if err := m.creds.Save(m.path); err != nil {
		// Roll the in-memory state back; the token stays usable.
		m.creds.Keys = m.creds.Keys[:len(m.creds.Keys)-1]
		m.creds.PairingTokens = append(m.creds.PairingTokens, record)
		return Identity{}, err
	}

	slog.Info("Public key paired", "label", label, "permission", record.Permission)
	return Identity{PublicKey: encoded, Label: label, Permission: record.Permission}, nil
}

// IssueChallenge starts a login: the caller claims a paired public key
// and receives a nonce to sign. Unknown keys fail before a nonce is
// spent.
func (m *Manager) IssueChallenge(publicKey []byte) (id string, nonce []byte, err error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	m.mu.Lock()
	_, ok := m.creds.findKey(publicKey)
	m.mu.Unlock()
	if !ok {
		return "", nil, ErrKeyNotPaired
	}
	return m.challenges.issue(base64.StdEncoding.EncodeToString(publicKey))
}

// VerifyChallenge completes a login: the signature must cover the nonce
// with the key the challenge was issued for. The challenge is consumed
// either way.
func (m *Manager) VerifyChallenge(id string, signature []byte) (Identity, error) {
	ch, err := m.challenges.consume(id)
	if err != nil {
		return Identity{}, err
	}

	raw, err := base64.StdEncoding.DecodeString(ch.publicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return Identity{}, ErrChallengeInvalid
	}
	if !ed25519.Verify(ed25519.PublicKey(raw), ch.nonce, signature) {
		return Identity{}, fmt.Errorf("signature verification failed")
	}

	m.mu.Lock()
	key, ok := m.creds.findKey(raw)
	m.mu.Unlock()
	if !ok {
		// Unpaired between issue and verify.
		return Identity{}, ErrKeyNotPaired
	}
	return Identity{PublicKey: key.PublicKey, Label: key.Label, Permission: key.Permission}, nil
}

// KeyCount returns the number of paired keys.
func (m *Manager) KeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creds.Keys)
}
