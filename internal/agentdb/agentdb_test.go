package agentdb

import (
	"path/filepath"
	"testing"

	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.InitializeSchema())
	require.NoError(t, db.InitializeSchema())
	assert.True(t, db.schemaInit)
}

func TestRelationNotFoundBeforeSchemaInit(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Conn().Query("SELECT * FROM node_files")
	require.Error(t, err)
	assert.True(t, RelationNotFound(err))

	wrapped := WrapQueryError("query node_files", err)
	assert.Equal(t, core.KindSchemaNotReady, core.KindOf(wrapped))
}

func TestEscapeLiteral(t *testing.T) {
	assert.Equal(t, "O''Brien", EscapeLiteral("O'Brien"))
}

func TestPlaceholderSQLite(t *testing.T) {
	db := openTestDB(t)
	assert.Equal(t, "?", db.Placeholder(1))
}
