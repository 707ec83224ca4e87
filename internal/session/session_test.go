package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(Record{ID: "lola", WorkingDirectory: "/home/lola", CreatedAt: time.Now()}))

	s2, err := Open(dir)
	require.NoError(t, err)
	all := s2.All()
	require.Len(t, all, 1)
	assert.Equal(t, "lola", all[0].ID)
}

func TestUpsertUpdatesExisting(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(Record{ID: "lola", WorkingDirectory: "/a"}))
	require.NoError(t, s.Upsert(Record{ID: "lola", WorkingDirectory: "/b"}))

	all := s.All()
	require.Len(t, all, 1)
	assert.Equal(t, "/b", all[0].WorkingDirectory)
}

func TestReconcileSplitsLiveFromStale(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(Record{ID: "lola"}))
	require.NoError(t, s.Upsert(Record{ID: "bob"}))

	resumable, stale := s.Reconcile(map[string]bool{"lola": true})
	require.Len(t, resumable, 1)
	require.Len(t, stale, 1)
	assert.Equal(t, "lola", resumable[0].ID)
	assert.Equal(t, "bob", stale[0].ID)
}

func TestMarkStatusNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	err = s.MarkStatus("missing", StatusOffline, time.Now())
	assert.Error(t, err)
}
