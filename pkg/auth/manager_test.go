package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/pkg/config"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	mgr, err := NewManager(&config.AuthConfig{Enabled: true, ChallengeTTL: ttl}, path)
	require.NoError(t, err)
	return mgr, path
}

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestPermission_Allows(t *testing.T) {
	tests := []struct {
		holder   Permission
		required Permission
		want     bool
	}{
		{PermissionRead, PermissionRead, true},
		{PermissionRead, PermissionWrite, false},
		{PermissionRead, PermissionAdmin, false},
		{PermissionWrite, PermissionRead, true},
		{PermissionWrite, PermissionWrite, true},
		{PermissionWrite, PermissionAdmin, false},
		{PermissionAdmin, PermissionRead, true},
		{PermissionAdmin, PermissionWrite, true},
		{PermissionAdmin, PermissionAdmin, true},
		{Permission("bogus"), PermissionRead, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.holder.Allows(tt.required),
			"%s should allow %s: %v", tt.holder, tt.required, tt.want)
	}
}

func TestManager_PairFlow(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	pub, _ := testKeyPair(t)

	token, err := mgr.GeneratePairingToken("laptop", PermissionWrite)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	identity, err := mgr.Pair(token, pub, "laptop")
	require.NoError(t, err)
	assert.Equal(t, PermissionWrite, identity.Permission)
	assert.Equal(t, "laptop", identity.Label)
	assert.Equal(t, 1, mgr.KeyCount())
}

func TestManager_PairingTokenIsSingleUse(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	pub1, _ := testKeyPair(t)
	pub2, _ := testKeyPair(t)

	token, err := mgr.GeneratePairingToken("shared", PermissionRead)
	require.NoError(t, err)

	_, err = mgr.Pair(token, pub1, "first")
	require.NoError(t, err)

	_, err = mgr.Pair(token, pub2, "second")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestManager_PairRejectsBogusToken(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	pub, _ := testKeyPair(t)

	_, err := mgr.Pair("not-a-token", pub, "laptop")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestManager_PairRejectsDuplicateKey(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	pub, _ := testKeyPair(t)

	token, err := mgr.GeneratePairingToken("laptop", PermissionRead)
	require.NoError(t, err)
	_, err = mgr.Pair(token, pub, "laptop")
	require.NoError(t, err)

	token2, err := mgr.GeneratePairingToken("laptop-again", PermissionAdmin)
	require.NoError(t, err)
	_, err = mgr.Pair(token2, pub, "laptop-again")
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestManager_GenerateTokenRejectsBadPermission(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	_, err := mgr.GeneratePairingToken("x", Permission("root"))
	assert.ErrorIs(t, err, ErrBadPermission)
}

func TestManager_ChallengeLogin(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	pub, priv := testKeyPair(t)

	token, err := mgr.GeneratePairingToken("laptop", PermissionAdmin)
	require.NoError(t, err)
	_, err = mgr.Pair(token, pub, "laptop")
	require.NoError(t, err)

	id, nonce, err := mgr.IssueChallenge(pub)
	require.NoError(t, err)
	require.Len(t, nonce, 32)

	identity, err := mgr.VerifyChallenge(id, ed25519.Sign(priv, nonce))
	require.NoError(t, err)
	assert.Equal(t, PermissionAdmin, identity.Permission)
	assert.Equal(t, "laptop", identity.Label)
}

func TestManager_ChallengeForUnknownKey(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	pub, _ := testKeyPair(t)

	_, _, err := mgr.IssueChallenge(pub)
	assert.ErrorIs(t, err, ErrKeyNotPaired)
}

func TestManager_ChallengeIsSingleUse(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	pub, priv := testKeyPair(t)
	token, _ := mgr.GeneratePairingToken("laptop", PermissionRead)
	_, err := mgr.Pair(token, pub, "laptop")
	require.NoError(t, err)

	id, nonce, err := mgr.IssueChallenge(pub)
	require.NoError(t, err)

	sig := ed25519.Sign(priv, nonce)
	_, err = mgr.VerifyChallenge(id, sig)
	require.NoError(t, err)

	// Replay with the same challenge id fails.
	_, err = mgr.VerifyChallenge(id, sig)
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestManager_BadSignatureConsumesChallenge(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	pub, priv := testKeyPair(t)
	token, _ := mgr.GeneratePairingToken("laptop", PermissionRead)
	_, err := mgr.Pair(token, pub, "laptop")
	require.NoError(t, err)

	id, _, err := mgr.IssueChallenge(pub)
	require.NoError(t, err)

	// Signature over the wrong bytes.
	_, err = mgr.VerifyChallenge(id, ed25519.Sign(priv, []byte("wrong nonce")))
	require.Error(t, err)

	// The failed attempt burned the challenge.
	_, err = mgr.VerifyChallenge(id, ed25519.Sign(priv, []byte("wrong nonce")))
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestManager_ChallengeExpires(t *testing.T) {
	mgr, _ := newTestManager(t, 20*time.Millisecond)
	pub, priv := testKeyPair(t)
	token, _ := mgr.GeneratePairingToken("laptop", PermissionRead)
	_, err := mgr.Pair(token, pub, "laptop")
	require.NoError(t, err)

	id, nonce, err := mgr.IssueChallenge(pub)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = mgr.VerifyChallenge(id, ed25519.Sign(priv, nonce))
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestManager_CredentialsPersistAcrossRestart(t *testing.T) {
	mgr, path := newTestManager(t, time.Minute)
	pub, priv := testKeyPair(t)

	token, err := mgr.GeneratePairingToken("laptop", PermissionWrite)
	require.NoError(t, err)
	_, err = mgr.Pair(token, pub, "laptop")
	require.NoError(t, err)

	// A fresh manager over the same file sees the paired key.
	reloaded, err := NewManager(&config.AuthConfig{Enabled: true, ChallengeTTL: time.Minute}, path)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.KeyCount())

	id, nonce, err := reloaded.IssueChallenge(pub)
	require.NoError(t, err)
	identity, err := reloaded.VerifyChallenge(id, ed25519.Sign(priv, nonce))
	require.NoError(t, err)
	assert.Equal(t, PermissionWrite, identity.Permission)
}

func TestLoadCredentials_MissingFileIsEmpty(t *testing.T) {
	creds, err := LoadCredentials(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, creds.Keys)
	assert.Empty(t, creds.PairingTokens)
}

func TestManager_PairRejectsShortKey(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	_, err := mgr.Pair("token", []byte("short"), "x")
	assert.ErrorContains(t, err, "public key must be 32 bytes")
}
