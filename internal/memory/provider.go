// Package memory implements the Memory Consolidator (spec.md §4.C10):
// LLM-driven memory extraction from recently-indexed conversations,
// nearest-neighbor dedup/reinforcement, tier promotion, and relationship
// linking. Grounded on the teacher's provider-interface boundary
// (internal/ap's narrow Federator/Client seams) generalized to an
// LLMProvider abstraction, since spec.md explicitly treats the concrete
// LLM backend as an external collaborator consumed through a narrow
// interface.
package memory

import "context"

// Category is a memory's semantic class (spec.md §3).
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryDecision   Category = "decision"
	CategoryPreference Category = "preference"
	CategoryPattern    Category = "pattern"
	CategoryInsight    Category = "insight"
	CategoryReasoning  Category = "reasoning"
)

// System derives the cognitive system a category belongs to (spec.md §3
// invariant: system=1 for {fact, decision, preference}, else system=2).
func System(c Category) int {
	switch c {
	case CategoryFact, CategoryDecision, CategoryPreference:
		return 1
	default:
		return 2
	}
}

// ExtractedMemory is one candidate memory returned by an LLMProvider.
type ExtractedMemory struct {
	Category   Category `json:"category"`
	Content    string   `json:"content"`
	Context    string   `json:"context"`
	Confidence float64  `json:"confidence"`
}

// ExtractOptions bounds an extraction call (spec.md §4.C10 step 2).
type ExtractOptions struct {
	MaxMemories   int
	MinConfidence float64
	Categories    []Category
}

// ExtractResult is what extractMemories returns.
type ExtractResult struct {
	Memories             []ExtractedMemory `json:"memories"`
	ConversationSummary  string             `json:"conversation_summary,omitempty"`
}

// RelationshipKind is one of the four edge types memories may hold
// between each other (spec.md §3).
type RelationshipKind string

const (
	RelationLeadsTo    RelationshipKind = "leads_to"
	RelationContradicts RelationshipKind = "contradicts"
	RelationSupports   RelationshipKind = "supports"
	RelationSupersedes RelationshipKind = "supersedes"
)

// SuggestedRelationship is a candidate edge between a new memory and a
// neighbor, proposed by the provider (spec.md §4.C10 step 5).
type SuggestedRelationship struct {
	NeighborMemoryID string
	Relationship     RelationshipKind
	Confidence       float64
}

// LLMProvider is the narrow interface the Memory Consolidator drives.
// Two concrete selectors are named in spec.md §4.C10: "local" (a
// hardware-agnostic JSON-mode endpoint) and "remote" (a managed
// provider); "auto" tries local first and falls back to remote.
type LLMProvider interface {
	ExtractMemories(ctx context.Context, text string, opts ExtractOptions) (ExtractResult, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	SuggestRelationships(ctx context.Context, newMemory ExtractedMemory, neighbors []ExtractedMemory) ([]SuggestedRelationship, error)
}

// AutoProvider tries Local first and falls back to Remote if Local
// returns an error (e.g. the local endpoint is unreachable), implementing
// spec.md §4.C10's "auto" selector.
type AutoProvider struct {
	Local  LLMProvider
	Remote LLMProvider
}

func (a AutoProvider) ExtractMemories(ctx context.Context, text string, opts ExtractOptions) (ExtractResult, error) {
	if a.Local != nil {
		if res, err := a.Local.ExtractMemories(ctx, text, opts); err == nil {
			return res, nil
		}
	}
	return a.Remote.ExtractMemories(ctx, text, opts)
}

func (a AutoProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if a.Local != nil {
		if v, err := a.Local.Embed(ctx, text); err == nil {
			return v, nil
		}
	}
	return a.Remote.Embed(ctx, text)
}

func (a AutoProvider) SuggestRelationships(ctx context.Context, newMemory ExtractedMemory, neighbors []ExtractedMemory) ([]SuggestedRelationship, error) {
	if a.Local != nil {
		if v, err := a.Local.SuggestRelationships(ctx, newMemory, neighbors); err == nil {
			return v, nil
		}
	}
	return a.Remote.SuggestRelationships(ctx, newMemory, neighbors)
}
