// Package config loads instance configuration from environment variables,
// the same posture as the teacher's LOCAL_DOMAIN/DATABASE_URL style knobs.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all runtime configuration for a host daemon.
type Config struct {
	// HomeDir is the root of the on-disk layout described in spec.md §6
	// (AIMAESTRO_HOME, default ~/.aimaestro).
	HomeDir string

	// Port the transport adapter listens on.
	Port string

	// DatabaseURL selects the Agent Database backend: a bare path or
	// "sqlite://..." for the embedded store, "postgres://..." for the
	// optional shared backend. Matches the teacher's db.Open convention.
	DatabaseURL string

	// MaxConcurrentIndex is the global indexing slot allocator capacity
	// (§4.C9). Default 1.
	MaxConcurrentIndex int

	// MessageCheckInterval is the Subconscious delta-indexing cadence (§4.C8).
	MessageCheckInterval time.Duration

	// ConsolidationInterval is the Memory Consolidator's scheduled cadence.
	// Nightly by default.
	ConsolidationInterval time.Duration

	// PromoteReinforcements is N_promote: reinforcement count required for
	// warm→long promotion (§4.C10, an Open Question resolved as required config).
	PromoteReinforcements int

	// PromoteAgeDays is D_promote: minimum age in days for warm→long promotion.
	PromoteAgeDays int

	// MeshCircuitBreakerThreshold is consecutive register-peer/query
	// failures to one peer before that peer's circuit opens.
	MeshCircuitBreakerThreshold int

	// PeerTimeout bounds a single outbound peer RPC (register-peer or
	// federated query). Spec §5: 5s.
	PeerTimeout time.Duration

	// LLMExtractionTimeout bounds a single LLMProvider.extractMemories call.
	// Spec §5: 120s.
	LLMExtractionTimeout time.Duration

	// HibernateGraceWindow bounds how long hibernate waits for a graceful
	// exit before force-killing the multiplexer session. Spec §5: 1.5s.
	HibernateGraceWindow time.Duration

	// IndexBatchSize is the Subconscious delta-index insert batch size
	// (§4.C8, default 10).
	IndexBatchSize int
}

// Load reads configuration from the environment, applying the same
// fallback-chain pattern as the teacher's config.Load.
func Load() *Config {
	home := getEnv("AIMAESTRO_HOME", defaultHome())

	return &Config{
		HomeDir:                     home,
		Port:                        getEnv("PORT", "7420"),
		DatabaseURL:                 getEnv("DATABASE_URL", filepath.Join(home, "agents", "registry.db")),
		MaxConcurrentIndex:          parseInt(os.Getenv("MAX_CONCURRENT_INDEX"), 1),
		MessageCheckInterval:        parseDuration(os.Getenv("MESSAGE_CHECK_INTERVAL"), 30*time.Second),
		ConsolidationInterval:       parseDuration(os.Getenv("CONSOLIDATION_INTERVAL"), 24*time.Hour),
		PromoteReinforcements:       parseInt(os.Getenv("PROMOTE_REINFORCEMENTS"), 5),
		PromoteAgeDays:              parseInt(os.Getenv("PROMOTE_AGE_DAYS"), 7),
		MeshCircuitBreakerThreshold: parseInt(os.Getenv("MESH_CB_THRESHOLD"), 3),
		PeerTimeout:                 parseDuration(os.Getenv("PEER_TIMEOUT"), 5*time.Second),
		LLMExtractionTimeout:        parseDuration(os.Getenv("LLM_EXTRACTION_TIMEOUT"), 120*time.Second),
		HibernateGraceWindow:        parseDuration(os.Getenv("HIBERNATE_GRACE_WINDOW"), 1500*time.Millisecond),
		IndexBatchSize:              parseInt(os.Getenv("INDEX_BATCH_SIZE"), 10),
	}
}

func defaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".aimaestro"
	}
	return filepath.Join(h, ".aimaestro")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
