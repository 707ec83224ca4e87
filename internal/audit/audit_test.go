package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostLoggerAppendsTaggedEntry(t *testing.T) {
	log := Open(t.TempDir())
	log.HostLogger()("add_host", "id=peer-1")

	entries, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "host", entries[0].Source)
	assert.Equal(t, "add_host", entries[0].Action)
	assert.Equal(t, "id=peer-1", entries[0].Detail)
}

func TestAgentLoggerAppendsTaggedEntry(t *testing.T) {
	log := Open(t.TempDir())
	log.AgentLogger()("create_agent", "name=lola")

	entries, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent", entries[0].Source)
}

func TestTailReturnsMostRecentNEntries(t *testing.T) {
	log := Open(t.TempDir())
	for i := 0; i < 5; i++ {
		log.HostLogger()("add_host", "n")
	}
	entries, err := log.Tail(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTailOnMissingFileReturnsEmpty(t *testing.T) {
	log := Open(t.TempDir())
	entries, err := log.Tail(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
