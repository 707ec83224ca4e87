package subconscious

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aimaestro/aimaestrod/internal/agentdb"
	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/aimaestro/aimaestrod/internal/indexing"
)

// ConversationRecord mirrors spec.md §3's Conversation Record.
type ConversationRecord struct {
	JSONLFile               string
	ProjectPath             string
	SessionID               string
	MessageCount            int
	LastIndexedAt           time.Time
	LastIndexedMessageCount int
}

// AgentContext is the slice of agent state the Subconscious loop needs
// to decide transcript ownership (spec.md §4.C8 Discovery).
type AgentContext struct {
	AgentID             string
	SessionIDs          map[string]bool
	KnownWorkingDirs     map[string]bool
	ProjectsDir         string // the external agent-tool's projects directory root
}

// BelongsToAgent implements spec.md §4.C8's discovery rule: a transcript
// belongs to this agent if its session id is known, its cwd is known, or
// the agent id appears in the transcript path or cwd.
func BelongsToAgent(ctx AgentContext, transcriptPath, sessionID, cwd string) bool {
	if sessionID != "" && ctx.SessionIDs[sessionID] {
		return true
	}
	if cwd != "" && ctx.KnownWorkingDirs[cwd] {
		return true
	}
	if strings.Contains(transcriptPath, ctx.AgentID) || strings.Contains(cwd, ctx.AgentID) {
		return true
	}
	return false
}

// DiscoverTranscripts walks ctx.ProjectsDir and returns the path of every
// *.jsonl transcript file believed to belong to this agent. sessionOf
// returns a transcript's session id and working directory, either of
// which may be "" if unknown. cwdOf is not called.
func DiscoverTranscripts(ctx AgentContext, sessionOf, cwdOf func(path string) (string, string)) ([]string, error) {
	var found []string
	err := filepath.WalkDir(ctx.ProjectsDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(p, ".jsonl") {
			return nil
		}
		sessionID, cwd := sessionOf(p)
		if BelongsToAgent(ctx, p, sessionID, cwd) {
			found = append(found, p)
		}
		return nil
	})
	return found, err
}

// DeltaIndexOne implements spec.md §4.C8's delta step for one transcript.
func DeltaIndexOne(db *agentdb.DB, conversationID string, rec ConversationRecord, batchSize int) (ConversationRecord, error) {
	currentLines, err := nonEmptyLines(rec.JSONLFile)
	if err != nil {
		return rec, err
	}
	if currentLines <= rec.LastIndexedMessageCount {
		return rec, nil // nothing new
	}

	for from := rec.LastIndexedMessageCount; from < currentLines; from += batchSize {
		to := from + batchSize
		if to > currentLines {
			to = currentLines
		}
		messages, err := parseLineRange(rec.JSONLFile, from, to)
		if err != nil {
			return rec, err
		}
		if err := IngestBatch(db, conversationID, messages); err != nil {
			return rec, err
		}
	}

	rec.LastIndexedMessageCount = currentLines
	rec.LastIndexedAt = time.Now().UTC()
	rec.MessageCount = currentLines
	return rec, nil
}

// LoadConversationRecord reads the persisted watermark for jsonlFile from
// the conversations table, so a delta run resumes from where the last
// one left off instead of reparsing the transcript from line 0 (spec.md
// §4.C8 step 5, §8 invariant 3). A transcript seen for the first time
// has no row yet; that is not an error, it just means "start at zero."
func LoadConversationRecord(db *agentdb.DB, jsonlFile string) (ConversationRecord, error) {
	rec := ConversationRecord{JSONLFile: jsonlFile}
	row := db.Conn().QueryRow(
		`SELECT project_path, session_id, message_count, last_indexed_at, last_indexed_message_count
		 FROM conversations WHERE jsonl_file = `+db.Placeholder(1),
		jsonlFile,
	)
	var projectPath, sessionID, lastIndexedAt sql.NullString
	err := row.Scan(&projectPath, &sessionID, &rec.MessageCount, &lastIndexedAt, &rec.LastIndexedMessageCount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return rec, nil
	case err != nil:
		if core.IsSchemaNotReady(err) {
			return rec, nil
		}
		return rec, agentdb.WrapQueryError("load conversation record", err)
	}
	rec.ProjectPath = projectPath.String
	rec.SessionID = sessionID.String
	if lastIndexedAt.Valid {
		if parsed, perr := time.Parse(time.RFC3339, lastIndexedAt.String); perr == nil {
			rec.LastIndexedAt = parsed
		}
	}
	return rec, nil
}

// SaveConversationRecord persists rec's watermark, upserting by the
// jsonl_file unique key so a repeated save never duplicates a row.
func SaveConversationRecord(db *agentdb.DB, rec ConversationRecord) error {
	_, err := db.Conn().Exec(
		`INSERT INTO conversations (jsonl_file, project_path, session_id, message_count, last_indexed_at, last_indexed_message_count)
		 VALUES (`+db.Placeholder(1)+`,`+db.Placeholder(2)+`,`+db.Placeholder(3)+`,`+db.Placeholder(4)+`,`+db.Placeholder(5)+`,`+db.Placeholder(6)+`)
		 ON CONFLICT(jsonl_file) DO UPDATE SET
			project_path=excluded.project_path,
			session_id=excluded.session_id,
			message_count=excluded.message_count,
			last_indexed_at=excluded.last_indexed_at,
			last_indexed_message_count=excluded.last_indexed_message_count`,
		rec.JSONLFile, rec.ProjectPath, rec.SessionID, rec.MessageCount,
		rec.LastIndexedAt.Format(time.RFC3339), rec.LastIndexedMessageCount,
	)
	if err != nil {
		return agentdb.WrapQueryError("save conversation record", err)
	}
	return nil
}

// Loop runs the Subconscious's message/conversation delta cadence until
// ctx is cancelled. messageCheckInterval matches spec.md §4.C8. Loop
// acquires the global indexing slot from allocator before each runOnce
// call and releases it afterward, so runOnce must not acquire it again.
func Loop(ctx context.Context, agentID string, allocator *indexing.Allocator, messageCheckInterval time.Duration, runOnce func(ctx context.Context) error) {
	ticker := time.NewTicker(messageCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := allocator.Acquire(ctx, agentID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("subconscious: slot acquire failed", "agent", agentID, "err", err)
				continue
			}
			if result.WaitedMs > 0 {
				slog.Info("subconscious: queued for indexing slot", "agent", agentID, "waitedMs", result.WaitedMs)
			}
			if err := runOnce(ctx); err != nil {
				slog.Warn("subconscious: delta run failed", "agent", agentID, "err", err)
			}
			result.Release()
		}
	}
}
