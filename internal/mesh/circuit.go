package mesh

import (
	"sync"
	"time"
)

// cbCooldown matches the teacher's relay circuit breaker cooldown: once a
// peer's circuit opens, it half-opens for one retry after this long.
const cbCooldown = 5 * time.Minute

// peerCircuit is a per-peer circuit breaker, generalized from the
// teacher's relayCircuit (internal/nostr/relay.go) from Nostr relay
// publish failures to peer register/query RPC failures.
type peerCircuit struct {
	mu        sync.Mutex
	failCount int
	openedAt  time.Time
	open      bool
	threshold int
}

func newPeerCircuit(threshold int) *peerCircuit {
	if threshold <= 0 {
		threshold = 3
	}
	return &peerCircuit{threshold: threshold}
}

// isOpen reports whether the circuit is open; it half-opens for retry
// once cbCooldown has elapsed since it tripped.
func (cb *peerCircuit) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return false
	}
	if time.Since(cb.openedAt) >= cbCooldown {
		cb.open = false
		// Half-open: a single further failure re-opens the circuit.
		cb.failCount = cb.threshold - 1
		return false
	}
	return true
}

// recordFailure increments the failure count and opens the circuit at
// threshold. Returns true the first time the circuit opens.
func (cb *peerCircuit) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failCount++
	if !cb.open && cb.failCount >= cb.threshold {
		cb.open = true
		cb.openedAt = time.Now()
		return true
	}
	return false
}

// recordSuccess clears all failure state.
func (cb *peerCircuit) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.failCount = 0
}
