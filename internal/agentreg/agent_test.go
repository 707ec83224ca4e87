package agentreg

import (
	"testing"

	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEnforcesNameUniqueness(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = r.Create(Agent{Name: "lola", HostID: "h1"})
	require.NoError(t, err)

	_, err = r.Create(Agent{Name: "lola", HostID: "h1"})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestCreateRejectsInvalidName(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = r.Create(Agent{Name: "bad name!", HostID: "h1"})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestByNameCaseInsensitive(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	created, err := r.Create(Agent{Name: "Lola", HostID: "h1"})
	require.NoError(t, err)

	found, ok := r.ByName("lola")
	require.True(t, ok)
	assert.Equal(t, created.ID, found.ID)
}

func TestDeriveSessionName(t *testing.T) {
	assert.Equal(t, "lola", DeriveSessionName("lola", 0))
	assert.Equal(t, "lola-1", DeriveSessionName("lola", 1))
	assert.Equal(t, "my-bot", DeriveSessionName("my-bot!", 0))
}

func TestUpdateNotFound(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	err = r.Update(Agent{ID: "missing"})
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	_, err = r.Create(Agent{Name: "lola", HostID: "h1"})
	require.NoError(t, err)

	r2, err := Open(dir)
	require.NoError(t, err)
	assert.Len(t, r2.List(), 1)
}
