// Package mesh implements the Peer Mesh Controller (spec.md §4.C11):
// the register-peer mutation protocol with propagation-id loop
// suppression and organization reconciliation, sync-wave origination,
// and federated query fan-out. Grounded on the teacher's
// internal/ap/federation.go bounded-concurrency fan-out pattern and
// internal/nostr/relay.go's per-peer circuit breaker, generalized from
// ActivityPub inbox delivery / Nostr relay publish to mesh peer RPC.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/aimaestro/aimaestrod/internal/hostreg"
)

// MaxPropagationDepth bounds register-peer fan-out (spec.md §4.C11).
const MaxPropagationDepth = 3

// FederatedQueryHeader marks an outbound federated query so the
// recipient handles it locally only (spec.md §4.C11, §8 invariant 7).
const FederatedQueryHeader = "X-Federated-Query"

// PeerSource identifies the propagation chain of a register-peer request.
type PeerSource struct {
	Initiator        string `json:"initiator"`
	PropagationID    string `json:"propagationId"`
	PropagationDepth int    `json:"propagationDepth"`
}

// RegisterPeerRequest is the register-peer wire body (spec.md §4.C11).
type RegisterPeerRequest struct {
	Host                hostreg.Host `json:"host"`
	Source              PeerSource   `json:"source"`
	Organization        string       `json:"organization,omitempty"`
	OrganizationSetAt   time.Time    `json:"organizationSetAt,omitempty"`
	OrganizationSetBy   string       `json:"organizationSetBy,omitempty"`
}

// RegisterPeerResponse is the register-peer wire response.
type RegisterPeerResponse struct {
	Registered         bool           `json:"registered"`
	AlreadyKnown       bool           `json:"alreadyKnown"`
	KnownHosts         []hostreg.Host `json:"knownHosts"`
	Host               *hostreg.Host  `json:"host,omitempty"`
	Organization       string         `json:"organization,omitempty"`
	OrganizationAdopted bool          `json:"organizationAdopted,omitempty"`
}

// Controller is the Peer Mesh Controller service: one per host daemon.
type Controller struct {
	registry *hostreg.Registry
	prop     *propagationCache

	peerTimeout time.Duration
	cbThreshold int

	mu       sync.Mutex
	circuits map[string]*peerCircuit
	limiters map[string]*rate.Limiter

	httpClient *http.Client

	autoAcceptPeers func() bool // optional; nil means "always accept"
}

// SetAutoAcceptPolicy wires the KV settings store's autoAcceptPeers
// toggle (spec.md §4's KV settings store supplement) into register-peer
// handling: when fn returns false, an otherwise-valid incoming peer is
// declined rather than added to the Host Registry.
func (c *Controller) SetAutoAcceptPolicy(fn func() bool) {
	c.autoAcceptPeers = fn
}

// New builds a Controller. peerTimeout bounds a single outbound peer RPC
// (spec.md §5: 5s default); cbThreshold is consecutive failures before a
// peer's circuit opens.
func New(registry *hostreg.Registry, peerTimeout time.Duration, cbThreshold int) *Controller {
	return &Controller{
		registry:    registry,
		prop:        newPropagationCache(),
		peerTimeout: peerTimeout,
		cbThreshold: cbThreshold,
		circuits:    make(map[string]*peerCircuit),
		limiters:    make(map[string]*rate.Limiter),
		httpClient:  &http.Client{Timeout: peerTimeout},
	}
}

func (c *Controller) circuitFor(peerID string) *peerCircuit {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.circuits[peerID]
	if !ok {
		cb = newPeerCircuit(c.cbThreshold)
		c.circuits[peerID] = cb
	}
	return cb
}

func (c *Controller) limiterFor(peerID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[peerID]
	if !ok {
		// 2 outbound RPCs/sec per peer, burst 5 — the same shape as the
		// teacher's nostr publisher limiter, applied per destination peer
		// instead of per relay.
		l = rate.NewLimiter(rate.Limit(2), 5)
		c.limiters[peerID] = l
	}
	return l
}

// HandleRegisterPeer implements spec.md §4.C11's server algorithm.
func (c *Controller) HandleRegisterPeer(req RegisterPeerRequest) (RegisterPeerResponse, error) {
	if req.Host.ID == "" || req.Host.URL == "" {
		return RegisterPeerResponse{}, core.New(core.KindValidation, "register-peer request missing host id or url")
	}

	if req.Source.PropagationDepth > MaxPropagationDepth {
		return RegisterPeerResponse{Registered: false, AlreadyKnown: true, KnownHosts: []hostreg.Host{}}, nil
	}

	if req.Source.PropagationID != "" && c.prop.seenOrMark(req.Source.PropagationID) {
		return RegisterPeerResponse{Registered: false, AlreadyKnown: true, KnownHosts: []hostreg.Host{}}, nil
	}

	if c.registry.IsSelf(req.Host.ID) || c.registry.IsSelf(req.Host.URL) {
		return RegisterPeerResponse{}, core.New(core.KindConflict, "incoming host matches self").WithCode("self_as_peer")
	}
	for _, alias := range req.Host.Aliases {
		if c.registry.IsSelf(alias) {
			return RegisterPeerResponse{}, core.New(core.KindConflict, "incoming alias matches self").WithCode("self_as_peer")
		}
	}

	var orgAdopted bool
	var orgName string
	if req.Organization != "" {
		adopted, err := c.registry.AdoptOrganization(req.Organization, req.OrganizationSetBy)
		if err != nil {
			if aerr, ok := err.(*core.Error); ok && aerr.Code == "organization_mismatch" {
				return RegisterPeerResponse{}, err
			}
			return RegisterPeerResponse{}, err
		}
		orgAdopted = adopted
		orgName = req.Organization
	}

	if existing, found := c.registry.FindHost(req.Host.ID); found {
		_ = existing
		return c.alreadyKnownResponse(req.Host.ID)
	}
	for _, alias := range req.Host.Aliases {
		if _, found := c.registry.FindHost(alias); found {
			return c.alreadyKnownResponse(req.Host.ID)
		}
	}

	if c.autoAcceptPeers != nil && !c.autoAcceptPeers() {
		return RegisterPeerResponse{Registered: false, AlreadyKnown: false}, nil
	}

	if err := c.registry.AddHost(req.Host); err != nil {
		return RegisterPeerResponse{}, err
	}

	self, err := c.registry.SelfHost()
	if err != nil {
		return RegisterPeerResponse{}, err
	}

	resp := RegisterPeerResponse{
		Registered:          true,
		Host:                &self,
		KnownHosts:          c.peersExcluding(req.Host.ID),
		OrganizationAdopted: orgAdopted,
	}
	if orgName != "" {
		resp.Organization = orgName
	}
	return resp, nil
}

func (c *Controller) alreadyKnownResponse(excludeID string) (RegisterPeerResponse, error) {
	return RegisterPeerResponse{
		Registered:   false,
		AlreadyKnown: true,
		KnownHosts:   c.peersExcluding(excludeID),
	}, nil
}

func (c *Controller) peersExcluding(id string) []hostreg.Host {
	var out []hostreg.Host
	for _, h := range c.registry.Hosts() {
		if h.Type == hostreg.HostSelf || h.ID == id {
			continue
		}
		out = append(out, h)
	}
	if out == nil {
		out = []hostreg.Host{}
	}
	return out
}

// newPropagationID generates a fresh propagation id for an originated
// sync wave. Uses a monotonically-increasing counter seeded from wall
// time rather than crypto/rand: ids only need to be unique per host
// process, not unguessable.
var propagationSeq uint64
var propagationSeqMu sync.Mutex

func newPropagationID() string {
	propagationSeqMu.Lock()
	defer propagationSeqMu.Unlock()
	propagationSeq++
	return fmt.Sprintf("prop_%d_%d", time.Now().UnixNano(), propagationSeq)
}

// SyncWithAllPeers originates a sync wave: register-peer to every known
// peer with the local identity and a fresh propagationId, following up
// on any unknown hosts a peer returns, bounded by depth and the
// propagation-id cache (spec.md §4.C11, §8 invariant 8).
func (c *Controller) SyncWithAllPeers(ctx context.Context) error {
	self, err := c.registry.SelfHost()
	if err != nil {
		return err
	}
	org := c.registry.Organization()
	var orgName, orgSetBy string
	var orgSetAt time.Time
	if org != nil {
		orgName, orgSetBy, orgSetAt = org.Name, org.SetBy, org.SetAt
	}

	// One propagation id for the whole wave, marked seen locally so a
	// register-peer carrying it back to this host is answered alreadyKnown.
	propagationID := newPropagationID()
	c.prop.seenOrMark(propagationID)

	visited := make(map[string]bool)
	var walk func(peers []hostreg.Host, depth int)
	walk = func(peers []hostreg.Host, depth int) {
		for _, peer := range peers {
			if visited[peer.ID] || peer.Type == hostreg.HostSelf || !peer.Enabled {
				continue
			}
			visited[peer.ID] = true

			req := RegisterPeerRequest{
				Host: self,
				Source: PeerSource{
					Initiator:        self.ID,
					PropagationID:    propagationID,
					PropagationDepth: depth,
				},
				Organization:      orgName,
				OrganizationSetAt: orgSetAt,
				OrganizationSetBy: orgSetBy,
			}
			resp, err := c.sendRegisterPeer(ctx, peer, req)
			if err != nil {
				slog.Warn("mesh: register-peer failed", "peer", peer.ID, "err", err)
				continue
			}
			if depth+1 <= MaxPropagationDepth && len(resp.KnownHosts) > 0 {
				walk(resp.KnownHosts, depth+1)
			}
		}
	}
	walk(c.registry.Hosts(), 0)
	return nil
}

func (c *Controller) sendRegisterPeer(ctx context.Context, peer hostreg.Host, req RegisterPeerRequest) (RegisterPeerResponse, error) {
	cb := c.circuitFor(peer.ID)
	if cb.isOpen() {
		return RegisterPeerResponse{}, core.Newf(core.KindTransient, "peer %q circuit open", peer.ID)
	}
	if err := c.limiterFor(peer.ID).Wait(ctx); err != nil {
		return RegisterPeerResponse{}, core.Wrap(core.KindTransient, "rate limiter wait", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return RegisterPeerResponse{}, core.Wrap(core.KindTransient, "marshal register-peer request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.peerTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.URL+"/mesh/register-peer", bytes.NewReader(body))
	if err != nil {
		return RegisterPeerResponse{}, core.Wrap(core.KindTransient, "build register-peer request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cb.recordFailure()
		return RegisterPeerResponse{}, core.Wrap(core.KindTransient, "register-peer RPC", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		cb.recordFailure()
		return RegisterPeerResponse{}, core.Newf(core.KindTransient, "peer %q returned %d", peer.ID, resp.StatusCode)
	}

	var out RegisterPeerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		cb.recordFailure()
		return RegisterPeerResponse{}, core.Wrap(core.KindTransient, "decode register-peer response", err)
	}
	cb.recordSuccess()
	return out, nil
}
