package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreateRejectsDuplicateSessionID(t *testing.T) {
	m := NewManager()
	_, err := m.Create("agent-1", "sess-1", t.TempDir(), "/bin/cat", nil)
	require.NoError(t, err)
	defer m.Remove("sess-1")

	_, err = m.Create("agent-1", "sess-1", t.TempDir(), "/bin/cat", nil)
	assert.Error(t, err)
}

func TestManagerHibernateAndWake(t *testing.T) {
	m := NewManager()
	_, err := m.Create("agent-1", "sess-1", t.TempDir(), "/bin/cat", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Hibernate(ctx, "sess-1", 200*time.Millisecond))

	s, ok := m.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, StatusHibernated, s.State())

	woken, err := m.Wake("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, woken.State())
	defer m.Remove("sess-1")
}

func TestManagerIdleSinceExcludesActiveSessions(t *testing.T) {
	m := NewManager()
	s, err := m.Create("agent-1", "sess-1", t.TempDir(), "/bin/cat", nil)
	require.NoError(t, err)
	defer m.Remove("sess-1")

	idle := m.IdleSince(time.Hour)
	assert.Empty(t, idle, "a session created moments ago is not idle")

	s.mu.Lock()
	s.activityAt = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	idle = m.IdleSince(time.Hour)
	require.Len(t, idle, 1)
	assert.Equal(t, "sess-1", idle[0].ID)
}

func TestManagerHibernateUnknownSession(t *testing.T) {
	m := NewManager()
	err := m.Hibernate(context.Background(), "missing", time.Second)
	assert.Error(t, err)
}
