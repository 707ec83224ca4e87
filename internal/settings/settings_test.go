package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsFalseForUnsetKey(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Set(MaxConcurrentIndexKey, "7"))
	assert.Equal(t, 7, s.GetInt(MaxConcurrentIndexKey, 1))
}

func TestSetPersistsAcrossReopen(t *testing.T) {
	home := t.TempDir()
	s, err := Open(home)
	require.NoError(t, err)
	require.NoError(t, s.Set(AutoAcceptPeersKey, "false"))

	reopened, err := Open(home)
	require.NoError(t, err)
	assert.False(t, reopened.GetBool(AutoAcceptPeersKey, true))
}

func TestAutoAcceptPeersDefaultsToTrueWhenUnset(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.True(t, s.AutoAcceptPeers()())
}

func TestAutoAcceptPeersReflectsLiveUpdates(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	fn := s.AutoAcceptPeers()
	assert.True(t, fn())
	require.NoError(t, s.Set(AutoAcceptPeersKey, "false"))
	assert.False(t, fn())
}
