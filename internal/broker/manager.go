package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// Manager owns every live PTYSession on this host, keyed by session id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*PTYSession
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*PTYSession)}
}

// Create starts a new PTY session. sessionID is assigned by the caller
// (spec.md §4.C7 derives it via agentreg.DeriveSessionName); a random id
// is generated only as a fallback.
func (m *Manager) Create(agentID, sessionID, workingDir, program string, args []string) (*PTYSession, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return nil, core.Newf(core.KindConflict, "session %s already running", sessionID)
	}
	m.mu.Unlock()

	s, err := Start(sessionID, agentID, workingDir, program, args)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the live session by id, if any.
func (m *Manager) Get(sessionID string) (*PTYSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// All returns every live session, for idle-scanning and shutdown.
func (m *Manager) All() []*PTYSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PTYSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Hibernate gracefully stops a session's subprocess and marks it
// hibernated, but keeps its working directory/program recorded in the
// Manager so Wake can relaunch it later.
func (m *Manager) Hibernate(ctx context.Context, sessionID string, grace time.Duration) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return core.Newf(core.KindNotFound, "session %s not running", sessionID)
	}
	return s.Hibernate(ctx, grace)
}

// Wake relaunches a hibernated session's program under a fresh PTY,
// re-using the same session id, working directory and program (spec.md
// §4.C6 wake: re-create session, re-launch program, re-persist).
func (m *Manager) Wake(sessionID string) (*PTYSession, error) {
	m.mu.RLock()
	old, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.Newf(core.KindNotFound, "session %s unknown", sessionID)
	}
	if old.State() == StatusRunning {
		return old, nil
	}

	fresh, err := Start(old.ID, old.AgentID, old.WorkingDir, old.Program, old.Args)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[sessionID] = fresh
	m.mu.Unlock()
	return fresh, nil
}

// Remove closes and forgets a session entirely (used when its Agent is
// deleted, not on ordinary hibernate).
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// IdleSince returns every running session whose last PTY activity is
// older than threshold, candidates for automatic hibernation (spec.md
// §4.C6's hibernate-on-idle policy).
func (m *Manager) IdleSince(threshold time.Duration) []*PTYSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-threshold)
	var idle []*PTYSession
	for _, s := range m.sessions {
		if s.State() == StatusRunning && s.SubscriberCount() == 0 && s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

// ReconcileWorkingDirectory compares a session's recorded working
// directory against the Agent Registry's current value, returning true
// if they diverge; an empty registry value never counts as divergent.
// It only reports the comparison: Wake does not call it and it updates
// nothing.
func ReconcileWorkingDirectory(sessionWorkingDir, registryWorkingDir string) bool {
	return registryWorkingDir != "" && sessionWorkingDir != registryWorkingDir
}
