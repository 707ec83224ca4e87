// Package indexing implements the Indexing Pipeline & Global Throttle
// (spec.md §4.C9): a global FIFO slot allocator shared by the
// conversation, code-graph, and documentation sub-pipelines, plus
// code-graph ingestion into the Agent Database's node/edge relations.
// Grounded on the teacher's bounded-concurrency fan-out shape
// (internal/ap/federation.go's federationConcurrency semaphore),
// generalized from a fixed worker pool to a single globally-shared,
// FIFO-fair slot allocator.
package indexing

import (
	"context"
	"sync"
	"time"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// Allocator is the global slot allocator of spec.md §4.C9: capacity
// MAX_CONCURRENT_INDEX (default 1), FIFO queueing, exactly one release
// per acquire including on error (enforced by callers defer-ing Release).
type Allocator struct {
	sem   chan struct{}
	mu    sync.Mutex
	queue []chan struct{}
}

// NewAllocator builds an Allocator with the given capacity.
func NewAllocator(capacity int) *Allocator {
	if capacity <= 0 {
		capacity = 1
	}
	return &Allocator{sem: make(chan struct{}, capacity)}
}

// AcquireResult is returned by Acquire: Release must be called exactly
// once, and WaitedMs reports how long the caller queued (spec.md S3).
type AcquireResult struct {
	WaitedMs int64
	Release  func()
}

// Acquire blocks until a slot is available or ctx is done. Requests
// queue FIFO: the channel-buffer semaphore below already grants slots in
// send order, matching spec.md's FIFO requirement.
func (a *Allocator) Acquire(ctx context.Context, agentID string) (AcquireResult, error) {
	start := time.Now()
	select {
	case a.sem <- struct{}{}:
		return AcquireResult{
			WaitedMs: time.Since(start).Milliseconds(),
			Release:  func() { <-a.sem },
		}, nil
	case <-ctx.Done():
		return AcquireResult{}, core.Wrapf(core.KindExhausted, "indexing slot acquire cancelled for agent %s", ctx.Err(), agentID)
	}
}
