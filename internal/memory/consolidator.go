package memory

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aimaestro/aimaestrod/internal/agentdb"
	"github.com/aimaestro/aimaestrod/internal/core"
)

// Tier is a memory's promotion stage (spec.md §3). Promotion is
// monotonic: short → warm → long, never backward (§8 invariant 6).
type Tier string

const (
	TierShort Tier = "short"
	TierWarm  Tier = "warm"
	TierLong  Tier = "long"
)

// tierRank gives Tier a total order so Promote can refuse to demote.
var tierRank = map[Tier]int{TierShort: 0, TierWarm: 1, TierLong: 2}

// phs joins n sequential placeholders for db's driver, e.g. "?,?,?" for
// sqlite or "$1,$2,$3" for postgres.
func phs(db *agentdb.DB, n int) string {
	s := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			s += ","
		}
		s += db.Placeholder(i)
	}
	return s
}

// DedupeThreshold is the minimum cosine similarity against an existing
// memory's embedding that triggers reinforcement instead of creation.
// Not consistently parameterized in the source (an explicit Open
// Question); fixed here as required configuration alongside the
// promotion thresholds.
const DedupeThreshold = 0.85

// ReinforcementConfidenceBump is how much a reinforced memory's
// confidence is raised, bounded to never exceed 1.0.
const ReinforcementConfidenceBump = 0.05

// RelationshipConfidenceFloor is the confidence a suggested relationship
// must exceed to be persisted; a suggestion at exactly this value is
// dropped (spec.md §4.C10 step 5).
const RelationshipConfidenceFloor = 0.6

// Consolidator runs the memory extraction/dedupe/promotion pipeline for
// one agent's database.
type Consolidator struct {
	db                   *agentdb.DB
	provider             LLMProvider
	promoteReinforcements int
	promoteAgeDays       int
}

// NewConsolidator builds a Consolidator. promoteReinforcements (N_promote)
// and promoteAgeDays (D_promote) are required configuration per spec.md
// §9's Open Question resolution.
func NewConsolidator(db *agentdb.DB, provider LLMProvider, promoteReinforcements, promoteAgeDays int) *Consolidator {
	return &Consolidator{db: db, provider: provider, promoteReinforcements: promoteReinforcements, promoteAgeDays: promoteAgeDays}
}

// RunStatus is a consolidation_runs row's terminal state.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ConsolidateConversation implements spec.md §4.C10 steps 1-5 for one
// conversation's compact text.
func (c *Consolidator) ConsolidateConversation(ctx context.Context, agentID, conversationID, text string, opts ExtractOptions) (created int, err error) {
	result, err := c.provider.ExtractMemories(ctx, text, opts)
	if err != nil {
		return 0, core.Wrap(core.KindTransient, "extract memories", err)
	}

	for _, candidate := range result.Memories {
		if candidate.Confidence < opts.MinConfidence {
			continue
		}
		if !validCategory(candidate.Category, opts.Categories) {
			continue
		}

		vector, err := c.provider.Embed(ctx, candidate.Content)
		if err != nil {
			return created, core.Wrap(core.KindTransient, "embed memory content", err)
		}

		neighborID, similarity, err := c.nearestNeighbor(agentID, vector)
		if err != nil {
			return created, err
		}

		if neighborID != "" && similarity >= DedupeThreshold {
			if err := c.reinforce(neighborID); err != nil {
				return created, err
			}
			continue
		}

		memoryID, err := c.create(agentID, conversationID, candidate, vector)
		if err != nil {
			return created, err
		}
		created++

		if neighborID != "" {
			if err := c.linkRelationships(ctx, memoryID, neighborID, candidate); err != nil {
				return created, err
			}
		}
	}
	return created, nil
}

func validCategory(c Category, allowed []Category) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == c {
			return true
		}
	}
	return false
}

func (c *Consolidator) create(agentID, conversationID string, m ExtractedMemory, vector []float32) (string, error) {
	id := "mem_" + uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := c.db.Conn().Exec(
		`INSERT INTO memories (memory_id, agent_id, tier, system, category, content, context, confidence,
			reinforcement_count, access_count, created_at, source_conversations)
		 VALUES (`+phs(c.db, 8)+`,1,0,`+c.db.Placeholder(9)+`,`+c.db.Placeholder(10)+`)`,
		id, agentID, TierShort, System(m.Category), m.Category, m.Content, m.Context, m.Confidence, now, conversationID,
	)
	if err != nil {
		return "", agentdb.WrapQueryError("insert memory", err)
	}
	if err := c.storeEmbedding(id, vector); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Consolidator) storeEmbedding(memoryID string, vector []float32) error {
	_, err := c.db.Conn().Exec(
		`INSERT INTO memory_embeddings (memory_id, vector) VALUES (`+phs(c.db, 2)+`)`,
		memoryID, encodeVector(vector),
	)
	return agentdb.WrapQueryError("store embedding", err)
}

// reinforce bumps reinforcement_count and confidence on an existing
// memory (spec.md §4.C10 step 4).
func (c *Consolidator) reinforce(memoryID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := c.db.Conn().Exec(
		`UPDATE memories SET reinforcement_count = reinforcement_count + 1,
			last_reinforced_at = `+c.db.Placeholder(1)+`,
			confidence = MIN(1.0, confidence + `+c.db.Placeholder(2)+`)
		 WHERE memory_id = `+c.db.Placeholder(3),
		now, ReinforcementConfidenceBump, memoryID,
	)
	return agentdb.WrapQueryError("reinforce memory", err)
}

// linkRelationships asks the provider whether the new memory relates to
// its nearest neighbor and persists edges above the confidence floor.
func (c *Consolidator) linkRelationships(ctx context.Context, memoryID, neighborID string, candidate ExtractedMemory) error {
	var neighbors []ExtractedMemory
	var neighbor ExtractedMemory
	var category string
	if err := c.db.Conn().QueryRow(
		`SELECT category, content, context, confidence FROM memories WHERE memory_id = `+c.db.Placeholder(1), neighborID,
	).Scan(&category, &neighbor.Content, &neighbor.Context, &neighbor.Confidence); err == nil {
		neighbor.Category = Category(category)
		neighbors = append(neighbors, neighbor)
	}
	suggestions, err := c.provider.SuggestRelationships(ctx, candidate, neighbors)
	if err != nil {
		return nil // relationship suggestion is best-effort, never fatal
	}
	for _, s := range suggestions {
		if s.Confidence <= RelationshipConfidenceFloor {
			continue
		}
		target := s.NeighborMemoryID
		if target == "" {
			target = neighborID
		}
		_, err := c.db.Conn().Exec(
			`INSERT INTO memory_edges (from_memory_id, to_memory_id, relationship, confidence) VALUES (`+phs(c.db, 4)+`)
			 ON CONFLICT(from_memory_id, to_memory_id, relationship) DO NOTHING`,
			memoryID, target, s.Relationship, s.Confidence,
		)
		if err != nil {
			return agentdb.WrapQueryError("insert memory edge", err)
		}
	}
	return nil
}

// nearestNeighbor performs a top-1 nearest-neighbor search over the
// agent's existing memory embeddings (spec.md §4.C10 step 4). A full
// O(N) scan is acceptable at the per-agent memory scale this system
// targets; spec.md leaves exact-vs-approximate semantics
// implementation-defined for a different query (the `focus` traversal),
// not this one.
func (c *Consolidator) nearestNeighbor(agentID string, vector []float32) (memoryID string, similarity float64, err error) {
	rows, queryErr := c.db.Conn().Query(
		`SELECT me.memory_id, me.vector FROM memory_embeddings me
		 JOIN memories m ON m.memory_id = me.memory_id
		 WHERE m.agent_id = `+c.db.Placeholder(1), agentID)
	if queryErr != nil {
		wrapped := agentdb.WrapQueryError("scan memory embeddings", queryErr)
		if core.IsSchemaNotReady(wrapped) {
			return "", 0, nil
		}
		return "", 0, wrapped
	}
	defer rows.Close()

	best := -1.0
	var bestID string
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		sim := cosineSimilarity(vector, decodeVector(blob))
		if sim > best {
			best = sim
			bestID = id
		}
	}
	if bestID == "" {
		return "", 0, nil
	}
	return bestID, best, rows.Err()
}

// Promote implements spec.md §4.C10's promoteMemories pass: short→warm
// after reinforcement_count≥2, warm→long after reinforcement_count≥N_promote
// and age≥D_promote days. Never demotes (§8 invariant 6).
func (c *Consolidator) Promote(agentID string) (promoted int, err error) {
	rows, queryErr := c.db.Conn().Query(
		`SELECT memory_id, tier, reinforcement_count, created_at FROM memories WHERE agent_id = `+c.db.Placeholder(1), agentID)
	if queryErr != nil {
		return 0, agentdb.WrapQueryError("scan memories for promotion", queryErr)
	}
	defer rows.Close()

	type candidate struct {
		id                 string
		tier               Tier
		reinforcementCount int
		createdAt          time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var id, tierStr, createdAtStr string
		var rc int
		if err := rows.Scan(&id, &tierStr, &rc, &createdAtStr); err != nil {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, createdAtStr)
		candidates = append(candidates, candidate{id, Tier(tierStr), rc, createdAt})
	}

	now := time.Now().UTC()
	for _, cand := range candidates {
		next := cand.tier
		switch cand.tier {
		case TierShort:
			if cand.reinforcementCount >= 2 {
				next = TierWarm
			}
		case TierWarm:
			age := now.Sub(cand.createdAt).Hours() / 24
			if cand.reinforcementCount >= c.promoteReinforcements && age >= float64(c.promoteAgeDays) {
				next = TierLong
			}
		}
		if tierRank[next] <= tierRank[cand.tier] {
			continue
		}
		_, err := c.db.Conn().Exec(
			`UPDATE memories SET tier = `+c.db.Placeholder(1)+`, promoted_at = `+c.db.Placeholder(2)+` WHERE memory_id = `+c.db.Placeholder(3),
			next, now.Format(time.RFC3339), cand.id,
		)
		if err != nil {
			return promoted, agentdb.WrapQueryError("promote memory", err)
		}
		promoted++
	}
	return promoted, nil
}

// StartRun records a new consolidation_runs row (spec.md §4.C10).
func (c *Consolidator) StartRun() (runID string, err error) {
	runID = "run_" + uuid.NewString()
	_, err = c.db.Conn().Exec(
		`INSERT INTO consolidation_runs (run_id, started_at, status) VALUES (`+phs(c.db, 2)+`, 'running')`,
		runID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", agentdb.WrapQueryError("start consolidation run", err)
	}
	return runID, nil
}

// FinishRun closes out a consolidation_runs row. Partial success is
// fine: a failed run still records memoriesCreated so far, and the next
// run resumes using started_at as a watermark (spec.md §4.C10).
func (c *Consolidator) FinishRun(runID string, memoriesCreated, errorCount int, status RunStatus) error {
	_, err := c.db.Conn().Exec(
		`UPDATE consolidation_runs SET finished_at = `+c.db.Placeholder(1)+`, memories_created = `+c.db.Placeholder(2)+
			`, status = `+c.db.Placeholder(3)+`, error_count = `+c.db.Placeholder(4)+` WHERE run_id = `+c.db.Placeholder(5),
		time.Now().UTC().Format(time.RFC3339), memoriesCreated, status, errorCount, runID,
	)
	return agentdb.WrapQueryError("finish consolidation run", err)
}

// LastWatermark returns the started_at of the most recent run, used to
// resume a resumable consolidation pass (spec.md §4.C10).
func (c *Consolidator) LastWatermark(agentID string) (time.Time, error) {
	var startedAt string
	err := c.db.Conn().QueryRow(
		`SELECT started_at FROM consolidation_runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&startedAt)
	if err != nil {
		wrapped := agentdb.WrapQueryError("read last watermark", err)
		if core.IsSchemaNotReady(wrapped) {
			return time.Time{}, nil
		}
		return time.Time{}, nil
	}
	t, _ := time.Parse(time.RFC3339, startedAt)
	return t, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
