// Package agentreg implements the Agent Registry & Portable Archive
// (spec.md §4.C7): the per-host JSON list of agents with mutex-guarded
// read-modify-write, and export/import of an agent's entire directory as
// a ZIP archive. Grounded on the teacher's internal/db single-writer
// discipline (generalized to a flat JSON list, since §6 names
// registry.json as a file) and on internal/ap/keys.go's file-mode
// re-application pattern for restoring 0600/0644 on import.
package agentreg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aimaestro/aimaestrod/internal/amp"
	"github.com/aimaestro/aimaestrod/internal/core"
)

// Status is an agent's last-known liveness, aggregated from its sessions.
type Status string

const (
	StatusActive  Status = "active"
	StatusOffline Status = "offline"
)

// nameRe enforces spec.md §3's agent name grammar.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SessionRef is the lightweight session summary an Agent carries; the
// authoritative record lives in the session package.
type SessionRef struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
}

// AMPIdentity mirrors the agent's identity fingerprint and address for
// fast listing without opening the keys directory.
type AMPIdentity struct {
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"` // base64 of the raw 32-byte Ed25519 key
	Address     string `json:"address"`
}

// Agent is one registry entry (spec.md §3).
type Agent struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Label            string                 `json:"label,omitempty"`
	Alias            string                 `json:"alias,omitempty"` // legacy mirror of Name
	HostID           string                 `json:"hostId"`
	WorkingDirectory string                 `json:"workingDirectory"`
	Deployment       string                 `json:"deployment,omitempty"`
	Sessions         []SessionRef           `json:"sessions"`
	Tools            []string               `json:"tools,omitempty"`
	Preferences      map[string]interface{} `json:"preferences,omitempty"`
	Status           Status                 `json:"status"`
	AMPIdentity      AMPIdentity            `json:"ampIdentity"`
	Email            string                 `json:"email,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	LastActive       time.Time              `json:"lastActive,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

type document struct {
	Agents []Agent `json:"agents"`
}

// Registry is the host's agent list, registry.json under agents/.
type Registry struct {
	path string
	mu   sync.Mutex
	doc  document

	byName       map[string]int
	byEmail      map[string]int
	byAMPAddress map[string]int

	auditLog func(action, detail string) // optional, set by the daemon wiring
}

// SetAuditLogger attaches a sink invoked after a successful Create, Delete
// or Import (spec.md §4's Audit log supplement). Update, SetWorkingDirectory
// and SetStatus do not write audit entries.
func (r *Registry) SetAuditLogger(fn func(action, detail string)) {
	r.auditLog = fn
}

func (r *Registry) logAudit(action, detail string) {
	if r.auditLog != nil {
		r.auditLog(action, detail)
	}
}

// Open loads (or initializes) the registry at <home>/agents/registry.json.
func Open(home string) (*Registry, error) {
	r := &Registry{path: filepath.Join(home, "agents", "registry.json")}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.doc = document{}
			r.reindex()
			return nil
		}
		return core.Wrap(core.KindTransient, "read registry.json", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.Wrap(core.KindIntegrity, "parse registry.json", err)
	}
	r.doc = doc
	r.reindex()
	return nil
}

func (r *Registry) reindex() {
	r.byName = make(map[string]int, len(r.doc.Agents))
	r.byEmail = make(map[string]int, len(r.doc.Agents))
	r.byAMPAddress = make(map[string]int, len(r.doc.Agents))
	for i, a := range r.doc.Agents {
		r.byName[strings.ToLower(a.Name)] = i
		if a.Email != "" {
			r.byEmail[strings.ToLower(a.Email)] = i
		}
		if a.AMPIdentity.Address != "" {
			r.byAMPAddress[a.AMPIdentity.Address] = i
		}
	}
}

func (r *Registry) save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return core.Wrap(core.KindTransient, "mkdir agents dir", err)
	}
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return core.Wrap(core.KindTransient, "marshal registry.json", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.Wrap(core.KindTransient, "write registry.json.tmp", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return core.Wrap(core.KindTransient, "rename registry.json.tmp", err)
	}
	r.reindex()
	return nil
}

// List returns a copy of every registered agent.
func (r *Registry) List() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, len(r.doc.Agents))
	copy(out, r.doc.Agents)
	return out
}

// Get looks up an agent by id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.doc.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// ByName looks up an agent by name (case-insensitive).
func (r *Registry) ByName(name string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byName[strings.ToLower(name)]; ok {
		return r.doc.Agents[i], true
	}
	return Agent{}, false
}

// ByAMPAddress looks up an agent by its AMP address, used to route
// inbound local deliveries.
func (r *Registry) ByAMPAddress(address string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byAMPAddress[address]; ok {
		return r.doc.Agents[i], true
	}
	return Agent{}, false
}

// Create registers a new agent, enforcing name uniqueness and grammar
// (spec.md §3, §4.C7).
func (r *Registry) Create(a Agent) (Agent, error) {
	if !nameRe.MatchString(a.Name) {
		return Agent{}, core.Newf(core.KindValidation, "invalid agent name %q", a.Name).WithCode("invalid_agent_name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[strings.ToLower(a.Name)]; exists {
		return Agent{}, core.Newf(core.KindConflict, "agent %q already exists", a.Name).WithCode("agent_exists")
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Alias == "" {
		a.Alias = a.Name
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = StatusOffline
	}

	r.doc.Agents = append(r.doc.Agents, a)
	if err := r.save(); err != nil {
		return Agent{}, err
	}
	r.logAudit("create_agent", fmt.Sprintf("id=%s name=%s", a.ID, a.Name))
	return a, nil
}

// Update replaces an existing agent record by id.
func (r *Registry) Update(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.doc.Agents {
		if r.doc.Agents[i].ID == a.ID {
			r.doc.Agents[i] = a
			return r.save()
		}
	}
	return core.Newf(core.KindNotFound, "agent %q not found", a.ID)
}

// Delete removes an agent from the registry. Callers are responsible for
// tearing down the agent's directory, sessions, and identity separately.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.doc.Agents {
		if a.ID == id {
			r.doc.Agents = append(r.doc.Agents[:i], r.doc.Agents[i+1:]...)
			if err := r.save(); err != nil {
				return err
			}
			r.logAudit("delete_agent", fmt.Sprintf("id=%s name=%s", a.ID, a.Name))
			return nil
		}
	}
	return core.Newf(core.KindNotFound, "agent %q not found", id)
}

// SetWorkingDirectory updates the stored working directory of agent id.
func (r *Registry) SetWorkingDirectory(id, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.doc.Agents {
		if r.doc.Agents[i].ID == id {
			r.doc.Agents[i].WorkingDirectory = dir
			return r.save()
		}
	}
	return core.Newf(core.KindNotFound, "agent %q not found", id)
}

// SetStatus updates an agent's aggregate status.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.doc.Agents {
		if r.doc.Agents[i].ID == id {
			r.doc.Agents[i].Status = status
			r.doc.Agents[i].LastActive = time.Now().UTC()
			return r.save()
		}
	}
	return core.Newf(core.KindNotFound, "agent %q not found", id)
}

// ampIdentityFrom builds the registry's denormalized AMPIdentity summary.
func ampIdentityFrom(fingerprint, pubKeyB64 string, addr amp.Address) AMPIdentity {
	return AMPIdentity{
		Fingerprint: fingerprint,
		PublicKey:   pubKeyB64,
		Address:     addr.String(),
	}
}

// SanitizeSessionName enforces the session-name character set (spec.md
// §6 normative derivation).
func SanitizeSessionName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DeriveSessionName implements spec.md §6's normative session-name rule:
// sanitize(agentName) + ("-"+index if index>0).
func DeriveSessionName(agentName string, index int) string {
	base := SanitizeSessionName(agentName)
	if index > 0 {
		return fmt.Sprintf("%s-%d", base, index)
	}
	return base
}
