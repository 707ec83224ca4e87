// Package audit implements the append-only audit trail supplementing
// the Host Registry (spec.md §4.C2) and Agent Registry (§4.C7):
// generalized from the teacher's audit_log table (internal/db/db.go)
// to a home-directory-level append-only JSONL file, since every other
// registry this daemon keeps is a flat file rather than a SQL table.
package audit

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audit row: a mutating operation against the Host
// Registry or Agent Registry, recorded for read-only display on the
// admin dashboard.
type Entry struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"` // "host" or "agent"
	Action string    `json:"action"`
	Detail string    `json:"detail"`
}

// Log is a single-writer append-only sink at <home>/audit.log.
type Log struct {
	mu   sync.Mutex
	path string
}

// Open returns a Log writing to <home>/audit.log. The file is created
// lazily on first Append; a missing file is not an error.
func Open(home string) *Log {
	return &Log{path: filepath.Join(home, "audit.log")}
}

// HostLogger returns a closure matching hostreg.Registry.SetAuditLogger's
// expected signature.
func (l *Log) HostLogger() func(action, detail string) {
	return func(action, detail string) { l.append("host", action, detail) }
}

// AgentLogger returns a closure matching agentreg.Registry.SetAuditLogger's
// expected signature.
func (l *Log) AgentLogger() func(action, detail string) {
	return func(action, detail string) { l.append("agent", action, detail) }
}

func (l *Log) append(source, action, detail string) {
	entry := Entry{At: time.Now().UTC(), Source: source, Action: action, Detail: detail}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("audit: failed to marshal entry", "err", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		slog.Warn("audit: failed to open log", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("audit: failed to append entry", "err", err)
	}
}

// Tail returns the most recent n entries, oldest first. A missing log
// file yields an empty slice rather than an error.
func (l *Log) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
