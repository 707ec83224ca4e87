// Package session implements Session Persistence (spec.md §4.C5): the
// durable record of multiplexer session intent that the Terminal Broker
// reconciles against ground truth on startup. Grounded on hostreg's
// atomic single-writer JSON persistence, narrowed to one record shape.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// Status is a session's last-known liveness.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Record is one persisted session intent (spec.md §3 Session, minus the
// derived tmuxSessionName which Broker computes on demand).
type Record struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
	Status           Status    `json:"status"`
	LastActive       time.Time `json:"lastActive,omitempty"`
}

type document struct {
	Sessions []Record `json:"sessions"`
}

// Store is the per-agent session persistence file, sessions.json under
// the agent's directory.
type Store struct {
	path string
	mu   sync.Mutex
	doc  document
}

// Open loads (or initializes) the session store at <agentDir>/sessions.json.
func Open(agentDir string) (*Store, error) {
	s := &Store{path: filepath.Join(agentDir, "sessions.json")}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = document{}
			return nil
		}
		return core.Wrap(core.KindTransient, "read sessions.json", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.Wrap(core.KindIntegrity, "parse sessions.json", err)
	}
	s.doc = doc
	return nil
}

// All returns a copy of every persisted session record.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.doc.Sessions))
	copy(out, s.doc.Sessions)
	return out
}

// Upsert records or updates a session's intent.
func (s *Store) Upsert(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Sessions {
		if s.doc.Sessions[i].ID == r.ID {
			s.doc.Sessions[i] = r
			return s.saveLocked()
		}
	}
	s.doc.Sessions = append(s.doc.Sessions, r)
	return s.saveLocked()
}

// MarkStatus updates a session's status and lastActive timestamp.
func (s *Store) MarkStatus(id string, status Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Sessions {
		if s.doc.Sessions[i].ID == id {
			s.doc.Sessions[i].Status = status
			s.doc.Sessions[i].LastActive = at
			return s.saveLocked()
		}
	}
	return core.Newf(core.KindNotFound, "session %q not found", id)
}

// Remove deletes a session record (on hibernate, once offline is recorded
// elsewhere, or on explicit teardown).
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.doc.Sessions {
		if r.ID == id {
			s.doc.Sessions = append(s.doc.Sessions[:i], s.doc.Sessions[i+1:]...)
			return s.saveLocked()
		}
	}
	return core.Newf(core.KindNotFound, "session %q not found", id)
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return core.Wrap(core.KindTransient, "marshal sessions.json", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return core.Wrap(core.KindTransient, "mkdir agent dir", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.Wrap(core.KindTransient, "write sessions.json.tmp", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return core.Wrap(core.KindTransient, "rename sessions.json.tmp", err)
	}
	return nil
}

// Reconcile computes the set of sessions that should be resumable: the
// intersection of persisted intent and the multiplexer's live session
// list (spec.md §4.C5). liveNames is the ground truth from the
// multiplexer; any persisted record not present there is returned in
// stale. Reconcile changes no record's status.
func (s *Store) Reconcile(liveNames map[string]bool) (resumable []Record, stale []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.doc.Sessions {
		if liveNames[r.ID] {
			resumable = append(resumable, r)
		} else {
			stale = append(stale, r)
		}
	}
	return resumable, stale
}
