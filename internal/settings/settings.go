// Package settings implements the KV settings store supplement
// (spec.md §4): small mutable runtime toggles — an autoAcceptPeers
// switch for the Peer Mesh Controller, a MaxConcurrentIndex override
// for the global indexing throttle — that survive a restart without a
// config reload. Grounded on the teacher's kv table pattern
// (internal/db/db.go), generalized from a SQL table to a flat JSON
// document since every other host-level store in this daemon (hosts.json,
// registry.json) is a file, not a table.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// AutoAcceptPeersKey and MaxConcurrentIndexKey are the two settings
// SPEC_FULL.md names explicitly; callers may use arbitrary keys beyond
// these.
const (
	AutoAcceptPeersKey   = "autoAcceptPeers"
	MaxConcurrentIndexKey = "maxConcurrentIndex"
)

// Store is the settings.json KV document under the instance home
// directory, mutex-guarded with atomic temp-file-then-rename writes.
type Store struct {
	path string
	mu   sync.RWMutex
	doc  map[string]string
}

// Open loads (or initializes) the store at <home>/settings.json.
func Open(home string) (*Store, error) {
	s := &Store{path: filepath.Join(home, "settings.json"), doc: map[string]string{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.Wrap(core.KindTransient, "read settings.json", err)
	}
	var doc map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.Wrap(core.KindIntegrity, "parse settings.json", err)
	}
	s.doc = doc
	return nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return core.Wrap(core.KindTransient, "marshal settings.json", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.Wrap(core.KindTransient, "write settings.json.tmp", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return core.Wrap(core.KindTransient, "rename settings.json.tmp", err)
	}
	return nil
}

// Get returns the raw string value for key, or ("", false) if unset.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.doc[key]
	return v, ok
}

// Set persists key=value.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc[key] = value
	return s.save()
}

// GetBool returns key parsed as a bool, or def if unset/unparseable.
func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetInt returns key parsed as an int, or def if unset/unparseable.
func (s *Store) GetInt(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// AutoAcceptPeers returns a closure suitable for
// mesh.Controller.SetAutoAcceptPolicy, reading the toggle live on every
// call so a setting change takes effect without a daemon restart.
// Defaults to true: an unconfigured instance accepts peers, matching
// the mesh's pre-settings-store behavior.
func (s *Store) AutoAcceptPeers() func() bool {
	return func() bool { return s.GetBool(AutoAcceptPeersKey, true) }
}
