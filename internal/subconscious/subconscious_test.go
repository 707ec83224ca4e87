package subconscious

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimaestro/aimaestrod/internal/agentdb"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBelongsToAgentBySessionID(t *testing.T) {
	ctx := AgentContext{AgentID: "agent-1", SessionIDs: map[string]bool{"sess-1": true}}
	assert.True(t, BelongsToAgent(ctx, "/x/t.jsonl", "sess-1", ""))
	assert.False(t, BelongsToAgent(ctx, "/x/t.jsonl", "sess-2", ""))
}

func TestBelongsToAgentByCwd(t *testing.T) {
	ctx := AgentContext{AgentID: "agent-1", KnownWorkingDirs: map[string]bool{"/home/lola": true}}
	assert.True(t, BelongsToAgent(ctx, "/x/t.jsonl", "", "/home/lola"))
}

func TestBelongsToAgentByPathSubstring(t *testing.T) {
	ctx := AgentContext{AgentID: "agent-1"}
	assert.True(t, BelongsToAgent(ctx, "/data/agent-1/transcripts/t.jsonl", "", ""))
	assert.False(t, BelongsToAgent(ctx, "/data/agent-2/transcripts/t.jsonl", "", ""))
}

func TestDeltaIndexOneSkipsWhenNoNewLines(t *testing.T) {
	path := writeTranscript(t, `{"role":"user","content":"hi"}`)
	db, err := agentdb.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitializeSchema())

	rec := ConversationRecord{JSONLFile: path, LastIndexedMessageCount: 1}
	updated, err := DeltaIndexOne(db, "conv-1", rec, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.LastIndexedMessageCount)
	assert.True(t, updated.LastIndexedAt.IsZero(), "no-op run must not touch the watermark timestamp")
}

func TestDeltaIndexOneIngestsTail(t *testing.T) {
	path := writeTranscript(t,
		`{"role":"user","content":"hi"}`,
		`{"role":"assistant","content":"hello"}`,
	)
	db, err := agentdb.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitializeSchema())

	rec := ConversationRecord{JSONLFile: path, LastIndexedMessageCount: 0}
	updated, err := DeltaIndexOne(db, "conv-1", rec, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.LastIndexedMessageCount)
	assert.False(t, updated.LastIndexedAt.IsZero())

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM messages").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestDeltaIndexOneIsIdempotentOnRetry(t *testing.T) {
	path := writeTranscript(t, `{"role":"user","content":"hi"}`)
	db, err := agentdb.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitializeSchema())

	rec := ConversationRecord{JSONLFile: path}
	_, err = DeltaIndexOne(db, "conv-1", rec, 10)
	require.NoError(t, err)
	_, err = DeltaIndexOne(db, "conv-1", ConversationRecord{JSONLFile: path}, 10)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM messages").Scan(&count))
	assert.Equal(t, 1, count, "retrying the same delta range must not duplicate rows")
}

func TestLoadConversationRecordReturnsZeroValueWhenUnseen(t *testing.T) {
	db, err := agentdb.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitializeSchema())

	rec, err := LoadConversationRecord(db, "/projects/a/transcript.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.LastIndexedMessageCount)
}

func TestSaveThenLoadConversationRecordRoundTrips(t *testing.T) {
	db, err := agentdb.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitializeSchema())

	path := writeTranscript(t, `{"role":"user","content":"hi"}`)
	saved := ConversationRecord{JSONLFile: path, MessageCount: 1, LastIndexedMessageCount: 1}
	require.NoError(t, SaveConversationRecord(db, saved))

	loaded, err := LoadConversationRecord(db, path)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.LastIndexedMessageCount)
	assert.Equal(t, 1, loaded.MessageCount)
}

func TestDeltaIndexOneResumesFromPersistedWatermarkAcrossTicks(t *testing.T) {
	path := writeTranscript(t, `{"role":"user","content":"hi"}`)
	db, err := agentdb.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitializeSchema())

	rec, err := LoadConversationRecord(db, path)
	require.NoError(t, err)
	updated, err := DeltaIndexOne(db, "conv-1", rec, 10)
	require.NoError(t, err)
	require.NoError(t, SaveConversationRecord(db, updated))

	// Simulate the next tick starting from a blank in-memory record: it
	// must rehydrate the watermark from the database instead of
	// reparsing the transcript from line 0.
	reloaded, err := LoadConversationRecord(db, path)
	require.NoError(t, err)
	again, err := DeltaIndexOne(db, "conv-1", reloaded, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, again.LastIndexedMessageCount)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM messages").Scan(&count))
	assert.Equal(t, 1, count, "resuming from the persisted watermark must not reparse the whole transcript")
}

func TestParseLineExtractsFields(t *testing.T) {
	msg := parseLine(`{"role":"user","content":"hi","model":"claude","timestamp":"2026-01-01T00:00:00Z"}`, 0)
	assert.Equal(t, "user", msg.Role)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "claude", msg.Model)
	assert.Equal(t, 2026, msg.Timestamp.Year())
}
