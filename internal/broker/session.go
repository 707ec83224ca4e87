// Package broker implements the Agent Lifecycle & Terminal Broker
// (spec.md §4.C6): one PTY-backed subprocess per agent session, fanned
// out to any number of attached terminal clients with a pause/resume
// backpressure discipline, plus hibernate/wake for reclaiming idle
// processes. Grounded on the teacher's relayCircuit/broadcast shape in
// internal/nostr/relay.go, generalized from "broadcast a Nostr event to
// subscribed websocket clients" to "broadcast a PTY output chunk to
// subscribed terminal clients", and on creack/pty, the PTY library
// carried by terminal-facing Go systems in the retrieval pack
// (gravitational-teleport, hashicorp-nomad).
package broker

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// historyLimit bounds the replay buffer offered to a client attaching
// mid-session (spec.md §4.C6: newly attached clients replay recent
// history before receiving live output).
const historyLimit = 256 * 1024

// hibernateGraceDefault is the wait after a graceful interrupt before a
// hibernate falls back to a force kill.
const hibernateGraceDefault = 1500 * time.Millisecond

// Status is a session's lifecycle state.
type Status string

const (
	StatusRunning    Status = "running"
	StatusHibernated Status = "hibernated"
	StatusExited     Status = "exited"
)

// Subscriber is one attached terminal client's outbound queue. Send is
// buffered so a slow client never blocks the PTY reader directly; it is
// instead dropped during broadcast once the buffer is full (spec.md
// §4.C6: a failed subscriber is removed, not allowed to stall resume).
type Subscriber struct {
	ID   string
	Send chan []byte
}

// PTYSession is one agent session's PTY-backed subprocess plus its
// fan-out state.
type PTYSession struct {
	ID          string
	AgentID     string
	WorkingDir  string
	Program     string
	Args        []string

	mu          sync.Mutex
	cmd         *exec.Cmd
	pty         *os.File
	status      Status
	subscribers map[string]*Subscriber
	paused      bool
	history     *bytes.Buffer
	activityAt  time.Time
	createdAt   time.Time

	done chan struct{}
}

// Start launches program with args in workingDir under a new PTY and
// begins pumping its output to subscribers.
func Start(id, agentID, workingDir, program string, args []string) (*PTYSession, error) {
	cmd := exec.Command(program, args...)
	cmd.Dir = workingDir

	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "start pty process", err)
	}

	s := &PTYSession{
		ID:          id,
		AgentID:     agentID,
		WorkingDir:  workingDir,
		Program:     program,
		Args:        args,
		cmd:         cmd,
		pty:         ptyFile,
		status:      StatusRunning,
		subscribers: make(map[string]*Subscriber),
		history:     bytes.NewBuffer(nil),
		activityAt:  time.Now(),
		createdAt:   time.Now(),
		done:        make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// pump reads PTY output continuously and fans it out until the process
// exits or the PTY closes. The process itself is never killed by a
// reader error (spec.md §4.C6: the PTY survives client disconnects; it
// is only torn down by Hibernate/Close).
func (s *PTYSession) pump() {
	defer close(s.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.mu.Lock()
			s.activityAt = time.Now()
			s.appendHistory(chunk)
			s.mu.Unlock()
			s.broadcast(chunk)
		}
		if err != nil {
			s.mu.Lock()
			if s.status == StatusRunning {
				s.status = StatusExited
			}
			s.mu.Unlock()
			return
		}
	}
}

// appendHistory must be called with s.mu held.
func (s *PTYSession) appendHistory(chunk []byte) {
	s.history.Write(chunk)
	if s.history.Len() > historyLimit {
		trimmed := s.history.Bytes()[s.history.Len()-historyLimit:]
		s.history = bytes.NewBuffer(append([]byte(nil), trimmed...))
	}
}

// broadcast fans a PTY output chunk out to every subscriber under the
// mandatory pause/resume discipline: mark paused before sending, send to
// every subscriber, drop (never block on) subscribers whose buffer is
// full, and only clear paused once every send has settled. Resume never
// waits on a stuck subscriber (spec.md §4.C6).
func (s *PTYSession) broadcast(chunk []byte) {
	s.mu.Lock()
	s.paused = true
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var failed []string
	for _, sub := range subs {
		select {
		case sub.Send <- chunk:
		default:
			failed = append(failed, sub.ID)
		}
	}

	s.mu.Lock()
	for _, id := range failed {
		if sub, ok := s.subscribers[id]; ok {
			close(sub.Send)
			delete(s.subscribers, id)
		}
	}
	s.paused = false
	s.mu.Unlock()
}

// Subscribe attaches a new terminal client, returning its outbound queue
// and a snapshot of recent history to replay before live output.
func (s *PTYSession) Subscribe(id string) (*Subscriber, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscriber{ID: id, Send: make(chan []byte, 256)}
	s.subscribers[id] = sub
	history := append([]byte(nil), s.history.Bytes()...)
	return sub, history
}

// Unsubscribe detaches a terminal client. The PTY process is unaffected
// (spec.md §4.C6: disconnect policy survives last-client-disconnect).
func (s *PTYSession) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.Send)
		delete(s.subscribers, id)
	}
}

// Write sends keystrokes to the PTY's stdin.
func (s *PTYSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.activityAt = time.Now()
	s.mu.Unlock()
	return s.pty.Write(p)
}

// Resize applies a terminal resize control frame.
func (s *PTYSession) Resize(rows, cols uint16) error {
	return pty.Setsize(s.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

// State returns the session's current lifecycle state.
func (s *PTYSession) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the time of the most recent PTY read or write.
func (s *PTYSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activityAt
}

// SubscriberCount reports how many terminal clients are attached.
func (s *PTYSession) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Hibernate attempts a graceful shutdown: interrupt, then "exit"+Enter,
// waiting up to grace (default hibernateGraceDefault) before force
// killing the process (spec.md §4.C6). Subscribers are closed so their
// read loops unwind; the session itself is marked hibernated.
func (s *PTYSession) Hibernate(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = hibernateGraceDefault
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Warn("broker: interrupt signal failed", "session", s.ID, "err", err)
	}
	_, _ = s.pty.Write([]byte("exit\r"))

	select {
	case <-s.done:
	case <-time.After(grace):
		if err := s.cmd.Process.Kill(); err != nil {
			slog.Warn("broker: force kill failed", "session", s.ID, "err", err)
		}
		<-s.done
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.status = StatusHibernated
	for id, sub := range s.subscribers {
		close(sub.Send)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	return nil
}

// Close tears down the PTY unconditionally, used on process shutdown.
func (s *PTYSession) Close() error {
	return s.pty.Close()
}
