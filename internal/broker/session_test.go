package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCatSession(t *testing.T) *PTYSession {
	t.Helper()
	s, err := Start("sess-1", "agent-1", t.TempDir(), "/bin/cat", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubscribeReceivesLiveOutput(t *testing.T) {
	s := startCatSession(t)
	sub, history := s.Subscribe("client-1")
	assert.Empty(t, history)

	_, err := s.Write([]byte("hello\n"))
	require.NoError(t, err)

	select {
	case chunk := <-sub.Send:
		assert.Contains(t, string(chunk), "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed output")
	}
}

func TestSubscribeReplaysHistoryToLateJoiner(t *testing.T) {
	s := startCatSession(t)
	_, err := s.Write([]byte("before\n"))
	require.NoError(t, err)

	// give the pump loop time to read the echoed output into history
	deadline := time.Now().Add(2 * time.Second)
	for s.history.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_, history := s.Subscribe("late-joiner")
	assert.Contains(t, string(history), "before")
}

func TestUnsubscribeDoesNotStopSession(t *testing.T) {
	s := startCatSession(t)
	sub, _ := s.Subscribe("client-1")
	s.Unsubscribe("client-1")

	_, ok := <-sub.Send
	assert.False(t, ok, "subscriber channel should be closed on unsubscribe")
	assert.Equal(t, StatusRunning, s.State())
}

func TestBroadcastDropsSlowSubscriberWithoutBlocking(t *testing.T) {
	s := startCatSession(t)
	s.mu.Lock()
	slow := &Subscriber{ID: "slow", Send: make(chan []byte)} // unbuffered: any send blocks
	s.subscribers["slow"] = slow
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.broadcast([]byte("data"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}

	s.mu.Lock()
	_, stillPresent := s.subscribers["slow"]
	s.mu.Unlock()
	assert.False(t, stillPresent, "slow subscriber should have been dropped")
}

func TestHibernateStopsProcessAndMarksStatus(t *testing.T) {
	s := startCatSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Hibernate(ctx, 200*time.Millisecond))
	assert.Equal(t, StatusHibernated, s.State())
	assert.Equal(t, 0, s.SubscriberCount())
}

func TestReconcileWorkingDirectory(t *testing.T) {
	assert.True(t, ReconcileWorkingDirectory("/old", "/new"))
	assert.False(t, ReconcileWorkingDirectory("/same", "/same"))
	assert.False(t, ReconcileWorkingDirectory("/old", ""))
}
