package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sentinel errors for the credential flows.
var (
	ErrTokenInvalid  = errors.New("pairing token is invalid or already used")
	ErrKeyNotPaired  = errors.New("public key is not paired")
	ErrKeyExists     = errors.New("public key is already paired")
	ErrBadPermission = errors.New("unknown permission level")
)

// PairingToken is a stored (hashed) single-use pairing token.
type PairingToken struct {
	TokenHash  string     `json:"token_hash"`
	Label      string     `json:"label,omitempty"`
	Permission Permission `json:"permission"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PairedKey is an ed25519 public key bound through a pairing token.
type PairedKey struct {
	PublicKey  string     `json:"public_key"` // base64, raw 32 bytes
	Label      string     `json:"label,omitempty"`
	Permission Permission `json:"permission"`
	PairedAt   time.Time  `json:"paired_at"`
}

// Credentials is the on-disk credential set. The file is owner-only
// (0600); tokens are stored hashed so the file never contains a usable
// secret for pairing.
type Credentials struct {
	PairingTokens []PairingToken `json:"pairing_tokens"`
	Keys          []PairedKey    `json:"keys"`
}

// LoadCredentials reads the credentials file. A missing file yields an
// empty credential set, not an error.
func LoadCredentials(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Credentials{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}

// Save writes the credentials atomically with mode 0600.
func (c *Credentials) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.tmp", filepath.Base(path)))
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// hashToken derives the stored form of a pairing token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// newPairingToken generates a fresh token and its stored record.
func newPairingToken(label string, perm Permission) (string, PairingToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", PairingToken{}, fmt.Errorf("generate pairing token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return token, PairingToken{
		TokenHash:  hashToken(token),
		Label:      label,
		Permission: perm,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// consumeToken finds and removes the token matching the presented value.
func (c *Credentials) consumeToken(token string) (PairingToken, bool) {
	want := hashToken(token)
	for i, t := range c.PairingTokens {
		if subtle.ConstantTimeCompare([]byte(t.TokenHash), []byte(want)) == 1 {
			c.PairingTokens = append(c.PairingTokens[:i], c.PairingTokens[i+1:]...)
			return t, true
		}
	}
	return PairingToken{}, false
}

// findKey returns the paired key record for a public key.
func (c *Credentials) findKey(pub ed25519.PublicKey) (PairedKey, bool) {
	want := base64.StdEncoding.EncodeToString(pub)
	for _, k := range c.Keys {
		if k.PublicKey == want {
			return k, true
		}
	}
	return PairedKey{}, false
}
