package amp

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyFormatRe = regexp.MustCompile(`^amp_(live|test)_[a-z]+_[0-9a-f]{64}$`)

func TestGenerateKeyFormatAndVerify(t *testing.T) {
	ks, err := OpenKeyStore(t.TempDir())
	require.NoError(t, err)

	raw, entry, err := ks.GenerateKey(EnvLive, "agent")
	require.NoError(t, err)
	assert.Regexp(t, keyFormatRe, raw)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, entry.HashedKey)

	verified, ok := ks.Verify(raw)
	require.True(t, ok)
	assert.Equal(t, entry.ID, verified.ID)

	_, ok = ks.Verify("amp_live_agent_deadbeef")
	assert.False(t, ok)
}

func TestRotateSetsGraceExpiryOnOldKey(t *testing.T) {
	ks, err := OpenKeyStore(t.TempDir())
	require.NoError(t, err)

	rawOld, entry, err := ks.GenerateKey(EnvLive, "agent")
	require.NoError(t, err)

	rawNew, newEntry, err := ks.Rotate(entry.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rawOld, rawNew)
	assert.NotEqual(t, entry.ID, newEntry.ID)

	_, ok := ks.Verify(rawOld)
	assert.True(t, ok, "old key remains valid during grace window")

	_, ok = ks.Verify(rawNew)
	assert.True(t, ok)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer amp_live_agent_abc")
	assert.True(t, ok)
	assert.Equal(t, "amp_live_agent_abc", tok)

	_, ok = BearerToken("Basic xyz")
	assert.False(t, ok)
}
