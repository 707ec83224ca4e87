// Package hostreg implements the Host Registry (spec.md §4.C2): self
// identity, peer list, organization, and atomic file persistence under
// the instance home directory. Grounded on the teacher's single-writer
// JSON persistence posture (internal/db's migrate-then-serve discipline)
// generalized from a SQL store to a flat JSON document, since §6 names
// hosts.json as a file, not a table.
package hostreg

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// HostType distinguishes the local daemon from a peer.
type HostType string

const (
	HostSelf   HostType = "self"
	HostRemote HostType = "remote"
)

// Host is one entry in the mesh's peer list (spec.md §3).
type Host struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Aliases     []string  `json:"aliases"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
	Type        HostType  `json:"type"`
	SyncedAt    time.Time `json:"syncedAt,omitempty"`
	SyncSource  string    `json:"syncSource,omitempty"`
}

// Organization is the mesh's soft partition (spec.md §3).
type Organization struct {
	Name  string    `json:"name"`
	SetAt time.Time `json:"setAt"`
	SetBy string    `json:"setBy"`
}

// document is the on-disk shape of hosts.json.
type document struct {
	Hosts        []Host        `json:"hosts"`
	Organization *Organization `json:"organization,omitempty"`
}

// Registry is the Host Registry service: one per daemon process, owning
// the single writer discipline and the cached snapshot described in §5.
type Registry struct {
	path string

	mu      sync.RWMutex
	doc     document
	version uint64 // monotonic, bumped on every successful write

	auditLog func(action, detail string) // optional, set by the daemon wiring
}

// orgNameRe implements spec.md §3's organization name grammar. The base
// pattern "^[a-z][a-z0-9-]*[a-z0-9]$" requires two characters minimum;
// the trailing group is made optional so a single letter like "a" is
// still accepted (spec.md §8 boundary behavior).
var orgNameRe = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Open loads (or initializes) the registry file at <home>/hosts.json.
func Open(home string) (*Registry, error) {
	path := filepath.Join(home, "hosts.json")
	r := &Registry{path: path}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetAuditLogger attaches a sink invoked after a successful AddHost,
// RemovePeer or AdoptOrganization. Self-host synthesis and MarkSynced do
// not write audit entries.
func (r *Registry) SetAuditLogger(fn func(action, detail string)) {
	r.auditLog = fn
}

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.doc = document{}
			return nil
		}
		return core.Wrap(core.KindTransient, "read hosts.json", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.Wrap(core.KindIntegrity, "parse hosts.json", err)
	}
	r.doc = doc
	return nil
}

// save atomically replaces hosts.json: write to a sibling temp file, fsync,
// then rename — the rename is what makes concurrent readers of the old
// file never observe a partial write.
func (r *Registry) save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return core.Wrap(core.KindTransient, "mkdir hosts dir", err)
	}
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return core.Wrap(core.KindTransient, "marshal hosts.json", err)
	}
	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return core.Wrap(core.KindTransient, "open hosts.json.tmp", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return core.Wrap(core.KindTransient, "write hosts.json.tmp", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return core.Wrap(core.KindTransient, "fsync hosts.json.tmp", err)
	}
	if err := f.Close(); err != nil {
		return core.Wrap(core.KindTransient, "close hosts.json.tmp", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return core.Wrap(core.KindTransient, "rename hosts.json.tmp", err)
	}
	r.version++
	return nil
}

// Version returns the monotonic write version, used by callers that want
// to detect whether their cached snapshot is stale (§5).
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Hosts returns a copy of the current host list.
func (r *Registry) Hosts() []Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Host, len(r.doc.Hosts))
	copy(out, r.doc.Hosts)
	return out
}

// Organization returns the current organization, or nil if unset.
func (r *Registry) Organization() *Organization {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.doc.Organization == nil {
		return nil
	}
	o := *r.doc.Organization
	return &o
}

// SelfHost returns the self entry, synthesizing a default one on first
// call if absent (spec.md §4.C2 selfHost()).
func (r *Registry) SelfHost() (Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.doc.Hosts {
		if h.Type == HostSelf {
			return h, nil
		}
	}

	id, err := canonicalHostname()
	if err != nil {
		return Host{}, core.Wrap(core.KindTransient, "resolve hostname", err)
	}
	ip, err := preferredNonLoopbackIP()
	if err != nil {
		return Host{}, core.Wrap(core.KindTransient, "resolve preferred IP", err)
	}
	self := Host{
		ID:      id,
		Name:    id,
		URL:     "http://" + ip,
		Aliases: []string{},
		Enabled: true,
		Type:    HostSelf,
	}
	r.doc.Hosts = append(r.doc.Hosts, self)
	if err := r.save(); err != nil {
		return Host{}, err
	}
	return self, nil
}

// IsSelf reports whether id, an IP, or a URL form refers to this host.
func (r *Registry) IsSelf(candidate string) bool {
	self, err := r.SelfHost()
	if err != nil {
		return false
	}
	c := normalizeComparable(candidate)
	if c == normalizeComparable(self.ID) || c == normalizeComparable(self.URL) {
		return true
	}
	for _, a := range self.Aliases {
		if c == normalizeComparable(a) {
			return true
		}
	}
	ips, _ := localIPs()
	for _, ip := range ips {
		if c == normalizeComparable(ip) {
			return true
		}
	}
	hn, _ := os.Hostname()
	if hn != "" && c == normalizeComparable(hn) {
		return true
	}
	return false
}

// AddHost registers a peer. Rejects self-as-peer and collisions on id,
// URL, or any alias, compared case-insensitively with URLs normalized
// (spec.md invariant 1 / §4.C2 addHost).
func (r *Registry) AddHost(h Host) error {
	if strings.TrimSpace(h.ID) == "" {
		return core.New(core.KindValidation, "host id is required")
	}
	if isLoopback(h.URL) {
		return core.New(core.KindValidation, "loopback address cannot be used as a host URL")
	}
	if r.IsSelf(h.ID) || r.IsSelf(h.URL) {
		return core.New(core.KindConflict, "cannot add self as a peer").WithCode("self_as_peer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := append([]string{h.ID, h.URL}, h.Aliases...)
	for _, existing := range r.doc.Hosts {
		if existing.Type == HostSelf {
			continue
		}
		existingForms := append([]string{existing.ID, existing.URL}, existing.Aliases...)
		for _, c := range candidates {
			for _, e := range existingForms {
				if normalizeComparable(c) == normalizeComparable(e) {
					return core.Newf(core.KindConflict, "host collides with existing peer %q on %q", existing.ID, c).WithCode("host_collision")
				}
			}
		}
	}

	h.Type = HostRemote
	if h.Aliases == nil {
		h.Aliases = []string{}
	}
	r.doc.Hosts = append(r.doc.Hosts, h)
	if err := r.save(); err != nil {
		return err
	}
	r.logAudit("add_host", fmt.Sprintf("id=%s url=%s", h.ID, h.URL))
	return nil
}

// FindHost looks up a peer by id or any alias.
func (r *Registry) FindHost(idOrAlias string) (Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := normalizeComparable(idOrAlias)
	for _, h := range r.doc.Hosts {
		if normalizeComparable(h.ID) == c {
			return h, true
		}
		for _, a := range h.Aliases {
			if normalizeComparable(a) == c {
				return h, true
			}
		}
	}
	return Host{}, false
}

// RemovePeer deletes a peer by id. Self cannot be removed.
func (r *Registry) RemovePeer(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.doc.Hosts {
		if h.ID == id {
			if h.Type == HostSelf {
				return core.New(core.KindValidation, "cannot remove self host")
			}
			r.doc.Hosts = append(r.doc.Hosts[:i], r.doc.Hosts[i+1:]...)
			if err := r.save(); err != nil {
				return err
			}
			r.logAudit("remove_peer", id)
			return nil
		}
	}
	return core.Newf(core.KindNotFound, "peer %q not found", id)
}

// MarkSynced updates a peer's syncedAt/syncSource bookkeeping after a
// successful sync wave touched it.
func (r *Registry) MarkSynced(id, source string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.doc.Hosts {
		if r.doc.Hosts[i].ID == id {
			r.doc.Hosts[i].SyncedAt = at
			r.doc.Hosts[i].SyncSource = source
			_ = r.save()
			return
		}
	}
}

// AdoptOrganization implements spec.md §4.C2 adoptOrganization: succeeds
// if unset; no-op if set and equal; fails with organizationMismatch if
// set and different.
func (r *Registry) AdoptOrganization(name, setBy string) (adopted bool, err error) {
	if len(name) < 1 || len(name) > 63 || !orgNameRe.MatchString(name) {
		return false, core.Newf(core.KindValidation, "invalid organization name %q", name).WithCode("invalid_organization_name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.doc.Organization != nil {
		if r.doc.Organization.Name == name {
			return false, nil
		}
		return false, core.Newf(core.KindConflict, "organization mismatch: local=%q incoming=%q", r.doc.Organization.Name, name).WithCode("organization_mismatch")
	}

	r.doc.Organization = &Organization{Name: name, SetAt: time.Now().UTC(), SetBy: setBy}
	if err := r.save(); err != nil {
		return false, err
	}
	r.logAudit("adopt_organization", fmt.Sprintf("name=%s setBy=%s", name, setBy))
	return true, nil
}

func (r *Registry) logAudit(action, detail string) {
	if r.auditLog != nil {
		r.auditLog(action, detail)
	}
}

// ─── address normalization helpers ─────────────────────────────────────────

// normalizeComparable lowercases and strips scheme/trailing-slash so "Foo",
// "http://foo", and "http://foo/" compare equal, per the invariant that
// host id/URL/alias sets are pairwise disjoint under case-insensitive,
// URL-normalized comparison.
func normalizeComparable(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimSuffix(s, "/")
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	s = strings.TrimSuffix(s, ".local")
	return s
}

func isLoopback(rawURL string) bool {
	host := normalizeComparable(rawURL)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// canonicalHostname returns the lowercase hostname with any ".local"
// (dot-local / mDNS) suffix stripped, per spec.md §3.
func canonicalHostname() (string, error) {
	hn, err := os.Hostname()
	if err != nil {
		return "", err
	}
	hn = strings.ToLower(hn)
	hn = strings.TrimSuffix(hn, ".local")
	return hn, nil
}

// preferredNonLoopbackIP picks, in priority order: Tailscale 100.x, then
// RFC1918 private ranges, then the first non-internal IPv4 (spec.md §4.C2).
func preferredNonLoopbackIP() (string, error) {
	ips, err := localIPs()
	if err != nil {
		return "", err
	}
	var tailscale, rfc1918, other string
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.IsLoopback() {
			continue
		}
		v4 := parsed.To4()
		if v4 == nil {
			continue
		}
		switch {
		case v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127:
			if tailscale == "" {
				tailscale = ip
			}
		case isRFC1918(v4):
			if rfc1918 == "" {
				rfc1918 = ip
			}
		default:
			if other == "" {
				other = ip
			}
		}
	}
	for _, candidate := range []string{tailscale, rfc1918, other} {
		if candidate != "" {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}

func isRFC1918(ip net.IP) bool {
	return ip[0] == 10 ||
		(ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31) ||
		(ip[0] == 192 && ip[1] == 168)
}

func localIPs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out, nil
}
