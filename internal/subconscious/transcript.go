// Package subconscious implements the per-agent Subconscious loop
// (spec.md §4.C8): transcript discovery and delta indexing of
// conversation JSONL files on a fast cadence. Memory consolidation is not
// scheduled here; cmd/aimaestrod runs its own slower ticker for it.
// Grounded on the teacher's AccountResyncer
// (internal/ap/resync.go) periodic-loop-with-manual-trigger shape, and
// on tidwall/gjson for fast per-line field extraction instead of a full
// JSON unmarshal per transcript line.
package subconscious

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aimaestro/aimaestrod/internal/agentdb"
	"github.com/aimaestro/aimaestrod/internal/core"
)

// TranscriptMessage is one parsed line of a conversation JSONL transcript.
type TranscriptMessage struct {
	Role      string
	Content   string
	Model     string
	Timestamp time.Time
	LineIndex int
}

// nonEmptyLines counts non-blank lines in a file without loading it
// fully into memory, used for currentLines in the delta step.
func nonEmptyLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, core.Wrap(core.KindTransient, "open transcript", err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			n++
		}
	}
	return n, scanner.Err()
}

// parseLineRange parses transcript lines [from, to) (0-indexed among
// non-empty lines) into TranscriptMessages (spec.md §4.C8 step 3).
func parseLineRange(path string, from, to int) ([]TranscriptMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "open transcript", err)
	}
	defer f.Close()

	var out []TranscriptMessage
	idx := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if idx >= from && idx < to {
			out = append(out, parseLine(line, idx))
		}
		idx++
		if idx >= to {
			break
		}
	}
	return out, scanner.Err()
}

func parseLine(line string, lineIndex int) TranscriptMessage {
	result := gjson.Parse(line)
	msg := TranscriptMessage{
		Role:      result.Get("role").String(),
		Model:     result.Get("model").String(),
		LineIndex: lineIndex,
	}
	if content := result.Get("content"); content.Exists() {
		if content.IsArray() {
			var b strings.Builder
			content.ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text"); text.Exists() {
					if b.Len() > 0 {
						b.WriteString("\n")
					}
					b.WriteString(text.String())
				}
				return true
			})
			msg.Content = b.String()
		} else {
			msg.Content = content.String()
		}
	} else {
		msg.Content = result.Get("message.content").String()
	}
	if ts := result.Get("timestamp"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			msg.Timestamp = parsed
		}
	}
	return msg
}

// IngestBatch upserts a batch of messages by message id, giving the
// idempotence spec.md §4.C8 requires: a repeated delta run for the same
// range never duplicates rows.
func IngestBatch(db *agentdb.DB, conversationID string, messages []TranscriptMessage) error {
	for _, m := range messages {
		messageID := conversationID + ":" + strconv.Itoa(m.LineIndex)
		_, err := db.Conn().Exec(
			`INSERT INTO messages (message_id, conversation_id, role, content, model, line_index, timestamp)
			 VALUES (`+db.Placeholder(1)+`,`+db.Placeholder(2)+`,`+db.Placeholder(3)+`,`+db.Placeholder(4)+`,`+db.Placeholder(5)+`,`+db.Placeholder(6)+`,`+db.Placeholder(7)+`)
			 ON CONFLICT(message_id) DO UPDATE SET content=excluded.content, model=excluded.model`,
			messageID, conversationID, m.Role, m.Content, m.Model, m.LineIndex, m.Timestamp.Format(time.RFC3339),
		)
		if err != nil {
			return agentdb.WrapQueryError("upsert message", err)
		}
	}
	return nil
}
