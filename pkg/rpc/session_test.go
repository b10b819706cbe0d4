package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/helmsman-ai/helmsman/pkg/auth"
)

func TestSession_Subscriptions(t *testing.T) {
	sess := newSession(auth.Identity{Label: "laptop", Permission: auth.PermissionRead})
	assert.NotEmpty(t, sess.ID)

	assert.False(t, sess.SubscribedTo("g1"))

	sess.Subscribe("g1")
	assert.True(t, sess.SubscribedTo("g1"))
	assert.False(t, sess.SubscribedTo("g2"))

	sess.Unsubscribe("g1")
	assert.False(t, sess.SubscribedTo("g1"))
}

func TestSession_WildcardSubscription(t *testing.T) {
	sess := newSession(auth.Identity{Permission: auth.PermissionRead})
	sess.Subscribe(SubscriptionWildcard)
	assert.True(t, sess.SubscribedTo("g1"))
	assert.True(t, sess.SubscribedTo("anything"))

	sess.Unsubscribe(SubscriptionWildcard)
	assert.False(t, sess.SubscribedTo("g1"))
}

func TestSession_IdleTracking(t *testing.T) {
	sess := newSession(auth.Identity{Permission: auth.PermissionRead})

	assert.False(t, sess.IdleSince(time.Now().UTC().Add(-time.Minute)))
	assert.True(t, sess.IdleSince(time.Now().UTC().Add(time.Minute)))

	before := sess.LastActive
	time.Sleep(5 * time.Millisecond)
	sess.Touch()
	assert.True(t, sess.LastActive.After(before))
}

func TestSession_Can(t *testing.T) {
	read := newSession(auth.Identity{Permission: auth.PermissionRead})
	assert.True(t, read.Can(auth.PermissionRead))
	assert.False(t, read.Can(auth.PermissionWrite))

	admin := newSession(auth.Identity{Permission: auth.PermissionAdmin})
	assert.True(t, admin.Can(auth.PermissionWrite))
	assert.True(t, admin.Can(auth.PermissionAdmin))
}
