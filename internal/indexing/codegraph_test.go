package indexing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimaestro/aimaestrod/internal/agentdb"
)

func openTestDB(t *testing.T) *agentdb.DB {
	t.Helper()
	db, err := agentdb.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIndexProjectCreatesFileNodes(t *testing.T) {
	db := openTestDB(t)
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.go"), []byte("package main\n"), 0o644))

	require.NoError(t, IndexProject(db, projectDir, IndexOptions{}))

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM node_files").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCountEdgesToleratesMissingRelation(t *testing.T) {
	db := openTestDB(t)
	n, err := CountEdges(db, "associations")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIndexProjectDeltaFallsBackToFullIndexWhenUninitialized(t *testing.T) {
	db := openTestDB(t)
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "a.go"), []byte("package a\n"), 0o644))

	require.NoError(t, IndexProjectDelta(db, "agent-1", projectDir, IndexOptions{}))

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM node_files").Scan(&count))
	assert.Equal(t, 1, count)

	initialized, err := fileMetadataInitialized(db, "agent-1")
	require.NoError(t, err)
	assert.True(t, initialized)
}

func TestIndexProjectExtractsGoFunctionsAndComponents(t *testing.T) {
	db := openTestDB(t)
	projectDir := t.TempDir()
	src := `package demo

type Base struct {
	Name string ` + "`json:\"name\"`" + `
}

type Widget struct {
	Base
	Owner string
}

func (w *Widget) Render() string {
	return helper(w.Owner)
}

func helper(s string) string {
	return s
}
`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "widget.go"), []byte(src), 0o644))
	require.NoError(t, IndexProject(db, projectDir, IndexOptions{}))

	var functionCount, componentCount int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM node_functions").Scan(&functionCount))
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM node_components").Scan(&componentCount))
	assert.Equal(t, 2, functionCount)  // helper, Widget.Render
	assert.Equal(t, 2, componentCount) // Base, Widget

	extends, err := CountEdges(db, EdgeExtends)
	require.NoError(t, err)
	assert.Equal(t, 1, extends) // Widget extends Base (embedding)

	calls, err := CountEdges(db, EdgeCalls)
	require.NoError(t, err)
	assert.Equal(t, 1, calls) // Render calls helper

	serializes, err := CountEdges(db, EdgeSerializes)
	require.NoError(t, err)
	assert.Equal(t, 1, serializes) // Base.Name carries a json tag
}

func TestIndexProjectDeltaSkipsUnchangedFiles(t *testing.T) {
	db := openTestDB(t)
	projectDir := t.TempDir()
	filePath := filepath.Join(projectDir, "a.go")
	require.NoError(t, os.WriteFile(filePath, []byte("package a\n"), 0o644))

	require.NoError(t, IndexProjectDelta(db, "agent-1", projectDir, IndexOptions{}))
	// Second run: metadata already initialized, file unchanged -> no error, no-op.
	require.NoError(t, IndexProjectDelta(db, "agent-1", projectDir, IndexOptions{}))

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM node_files").Scan(&count))
	assert.Equal(t, 1, count)
}
