package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUser(t *testing.T) {
	const now = 1000.0

	u, err := DecodeUser("u1", map[string]any{"name": "A", "email": "a@x", "isOnline": true, "lastSeen": 5.0}, now)
	require.NoError(t, err)
	assert.True(t, u.IsOnline)
	assert.Equal(t, 5.0, u.LastSeen)

	u, err = DecodeUser("u2", map[string]any{"name": "B", "email": "b@x"}, now)
	require.NoError(t, err)
	assert.False(t, u.IsOnline, "isOnline defaults to false")
	assert.Equal(t, now, u.LastSeen, "lastSeen defaults to now")

	_, err = DecodeUser("u3", map[string]any{"name": "C"}, now)
	assert.ErrorIs(t, err, ErrIncomplete)
	_, err = DecodeUser("u4", map[string]any{"email": "d@x"}, now)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestPartitionOnline(t *testing.T) {
	users := []ChatUser{{ID: "a", IsOnline: true}, {ID: "b"}, {ID: "c", IsOnline: true}}
	online, offline := PartitionOnline(users)
	assert.Len(t, online, 2)
	require.Len(t, offline, 1)
	assert.Equal(t, "b", offline[0].ID)
}

func TestPresenceFor(t *testing.T) {
	p := PresenceFor(Identity{UID: "u1", Email: "a@x"}, 42)
	assert.Equal(t, UnknownSenderName, p.Name)
	assert.True(t, p.IsOnline)
	assert.Equal(t, 42.0, p.LastSeen)
}

func TestEpochSeconds(t *testing.T) {
	ts := time.Unix(1700000000, 500_000_000)
	assert.InDelta(t, 1700000000.5, EpochSeconds(ts), 1e-6)
}
