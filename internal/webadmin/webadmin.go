package webadmin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rivo/uniseg"

	"github.com/aimaestro/aimaestrod/internal/agentreg"
	"github.com/aimaestro/aimaestrod/internal/audit"
	"github.com/aimaestro/aimaestrod/internal/broker"
	"github.com/aimaestro/aimaestrod/internal/hostreg"
)

// maxAuditEntries bounds how many recent audit rows the dashboard shows.
const maxAuditEntries = 50

// maxLogLineGraphemes bounds how much of a log line the dashboard shows
// inline; truncation happens on grapheme-cluster boundaries via uniseg
// so multi-byte sequences (emoji, combining marks in agent output) are
// never split mid-cluster.
const maxLogLineGraphemes = 200

// Dashboard aggregates the state the admin page renders: this host's
// identity and known peers, the live agent roster, and a recent log
// tail.
type Dashboard struct {
	hosts  *hostreg.Registry
	agents *agentreg.Registry
	broker *broker.Manager
	logs   *LogBroadcaster
	audit  *audit.Log
	start  time.Time
}

// New builds a Dashboard. auditLog may be nil, in which case the
// snapshot's audit_log field is always empty.
func New(hosts *hostreg.Registry, agents *agentreg.Registry, brk *broker.Manager, logs *LogBroadcaster, auditLog *audit.Log) *Dashboard {
	return &Dashboard{hosts: hosts, agents: agents, broker: brk, logs: logs, audit: auditLog, start: time.Now()}
}

// AgentSummary is one agent's dashboard row.
type AgentSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Sessions     int    `json:"sessions"`
	LastActive   string `json:"last_active"`
}

// Snapshot is the dashboard's JSON payload.
type Snapshot struct {
	Uptime       string         `json:"uptime"`
	SelfHostID   string         `json:"self_host_id"`
	Organization string         `json:"organization"`
	PeerCount    int            `json:"peer_count"`
	Agents       []AgentSummary `json:"agents"`
	LogLines     []LogLine      `json:"log_lines"`
	AuditLog     []audit.Entry  `json:"audit_log,omitempty"`
}

func (d *Dashboard) snapshot() Snapshot {
	snap := Snapshot{Uptime: humanize.RelTime(d.start, time.Now(), "", "")}

	if self, err := d.hosts.SelfHost(); err == nil {
		snap.SelfHostID = self.ID
	}
	if org := d.hosts.Organization(); org != nil {
		snap.Organization = org.Name
	}
	snap.PeerCount = len(d.hosts.Hosts())

	for _, a := range d.agents.List() {
		sessionCount := len(a.Sessions)
		lastActive := "never"
		if !a.LastActive.IsZero() {
			lastActive = humanize.Time(a.LastActive)
		}
		snap.Agents = append(snap.Agents, AgentSummary{
			ID: a.ID, Name: a.Name, Status: string(a.Status),
			Sessions: sessionCount, LastActive: lastActive,
		})
	}

	if d.logs != nil {
		for _, line := range d.logs.Lines() {
			line.Text = truncateGraphemes(line.Text, maxLogLineGraphemes)
			snap.LogLines = append(snap.LogLines, line)
		}
	}

	if d.audit != nil {
		if entries, err := d.audit.Tail(maxAuditEntries); err == nil {
			snap.AuditLog = entries
		}
	}
	return snap
}

// truncateGraphemes shortens s to at most n grapheme clusters, appending
// an ellipsis if anything was cut.
func truncateGraphemes(s string, n int) string {
	gr := uniseg.NewGraphemes(s)
	count := 0
	cut := len(s)
	for gr.Next() {
		count++
		if count > n {
			start, _ := gr.Positions()
			cut = start
			return s[:cut] + "…"
		}
	}
	return s
}

// ServeHTTP renders the JSON snapshot. No HTML page is served for it;
// the transport layer mounts only this endpoint and StreamLogs.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.snapshot()); err != nil {
		http.Error(w, fmt.Sprintf("encode snapshot: %v", err), http.StatusInternalServerError)
	}
}

// StreamLogs serves a Server-Sent-Events log tail: recent history
// first, then live lines as they're written.
func (d *Dashboard) StreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, ch, cancel := d.logs.Subscribe()
	defer cancel()

	for _, line := range history {
		writeLogEvent(w, line)
	}
	flusher.Flush()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			writeLogEvent(w, line)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeLogEvent renders one SSE frame as "[source] text", with the text
// truncated the same way the dashboard's JSON snapshot truncates LogLine.
func writeLogEvent(w http.ResponseWriter, line LogLine) {
	fmt.Fprintf(w, "data: [%s] %s\n\n", line.Source, truncateGraphemes(line.Text, maxLogLineGraphemes))
}
