package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aimaestro/aimaestrod/internal/hostreg"
)

// QueryResult is one peer's contribution to a federated query, keyed by
// whatever identifier the query type defines (e.g. an email address for
// an email-index lookup).
type QueryResult struct {
	PeerID string
	Data   map[string]json.RawMessage
	Err    error
}

// FederatedQuery fans a read-only query out to every known peer unless
// isFederated is true, in which case it is handled locally only — this
// is what makes the recipient side of spec.md §4.C11's loop-prevention
// rule hold (§8 invariant 7). path is the remote query endpoint; the
// local handler for an inbound federated request must set isFederated to
// mirror the same rule on the server side.
func (c *Controller) FederatedQuery(ctx context.Context, path string, isFederated bool) (map[string]json.RawMessage, []string) {
	aggregate := make(map[string]json.RawMessage)
	if isFederated {
		return aggregate, nil
	}

	peers := c.registry.Hosts()
	results := make(chan QueryResult, len(peers))
	var wg sync.WaitGroup
	for _, peer := range peers {
		if peer.Type == hostreg.HostSelf || !peer.Enabled {
			continue
		}
		wg.Add(1)
		go func(p hostreg.Host) {
			defer wg.Done()
			results <- c.queryOnePeer(ctx, p, path)
		}(peer)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var failed []string
	for r := range results {
		if r.Err != nil {
			slog.Warn("mesh: federated query failed", "peer", r.PeerID, "err", r.Err)
			failed = append(failed, r.PeerID)
			continue
		}
		// First host wins on key collision (spec.md §4.C11 aggregation policy).
		for k, v := range r.Data {
			if _, exists := aggregate[k]; !exists {
				aggregate[k] = v
			}
		}
	}
	return aggregate, failed
}

func (c *Controller) queryOnePeer(ctx context.Context, peer hostreg.Host, path string) QueryResult {
	cb := c.circuitFor(peer.ID)
	if cb.isOpen() {
		return QueryResult{PeerID: peer.ID, Err: errCircuitOpen(peer.ID)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.peerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.URL+path, nil)
	if err != nil {
		return QueryResult{PeerID: peer.ID, Err: err}
	}
	req.Header.Set(FederatedQueryHeader, "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cb.recordFailure()
		return QueryResult{PeerID: peer.ID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		cb.recordFailure()
		return QueryResult{PeerID: peer.ID, Err: httpStatusError(peer.ID, resp.StatusCode)}
	}

	var data map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		cb.recordFailure()
		return QueryResult{PeerID: peer.ID, Err: err}
	}
	cb.recordSuccess()
	return QueryResult{PeerID: peer.ID, Data: data}
}
