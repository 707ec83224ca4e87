// aimaestrod is a self-hosted orchestrator for long-running AI coding
// agents: it runs each agent's terminal session under a managed PTY,
// mirrors conversation transcripts into a queryable code/memory graph,
// and gossips host membership with peer aimaestrod instances so agents
// on different machines can address each other over AMP.
//
// Usage:
//
//	export AIMAESTRO_HOME=/var/lib/aimaestro
//	export PORT=7420
//	./aimaestrod
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aimaestro/aimaestrod/internal/agentdb"
	"github.com/aimaestro/aimaestrod/internal/agentreg"
	"github.com/aimaestro/aimaestrod/internal/amp"
	"github.com/aimaestro/aimaestrod/internal/audit"
	"github.com/aimaestro/aimaestrod/internal/broker"
	"github.com/aimaestro/aimaestrod/internal/config"
	"github.com/aimaestro/aimaestrod/internal/hostreg"
	"github.com/aimaestro/aimaestrod/internal/identity"
	"github.com/aimaestro/aimaestrod/internal/indexing"
	"github.com/aimaestro/aimaestrod/internal/mesh"
	"github.com/aimaestro/aimaestrod/internal/session"
	"github.com/aimaestro/aimaestrod/internal/settings"
	"github.com/aimaestro/aimaestrod/internal/subconscious"
	"github.com/aimaestro/aimaestrod/internal/transport"
	"github.com/aimaestro/aimaestrod/internal/webadmin"
)

func main() {
	logBroadcaster := webadmin.NewLogBroadcaster(os.Stdout)
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(logBroadcaster, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting aimaestrod")

	// ─── Configuration ──────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded", "home", cfg.HomeDir, "port", cfg.Port)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		slog.Error("failed to create home directory", "err", err)
		os.Exit(1)
	}

	// ─── Host Registry & Agent Registry ─────────────────────────────────
	hosts, err := hostreg.Open(cfg.HomeDir)
	if err != nil {
		slog.Error("failed to open host registry", "err", err)
		os.Exit(1)
	}
	self, err := hosts.SelfHost()
	if err != nil {
		slog.Error("failed to resolve self host", "err", err)
		os.Exit(1)
	}
	slog.Info("self host ready", "id", self.ID, "url", self.URL)

	agents, err := agentreg.Open(cfg.HomeDir)
	if err != nil {
		slog.Error("failed to open agent registry", "err", err)
		os.Exit(1)
	}

	// ─── Audit log & KV settings store ───────────────────────────────────
	auditLog := audit.Open(cfg.HomeDir)
	hosts.SetAuditLogger(auditLog.HostLogger())
	agents.SetAuditLogger(auditLog.AgentLogger())

	settingsStore, err := settings.Open(cfg.HomeDir)
	if err != nil {
		slog.Error("failed to open settings store", "err", err)
		os.Exit(1)
	}

	// ─── AMP API Keys ────────────────────────────────────────────────────
	keys, err := amp.OpenKeyStore(cfg.HomeDir)
	if err != nil {
		slog.Error("failed to open AMP key store", "err", err)
		os.Exit(1)
	}

	// ─── Per-agent wiring: identity, database, sessions, indexing ───────
	allocator := indexing.NewAllocator(settingsStore.GetInt(settings.MaxConcurrentIndexKey, cfg.MaxConcurrentIndex))
	brk := broker.NewManager()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, a := range agents.List() {
		agentDir := filepath.Join(cfg.HomeDir, "agents", a.ID)
		if err := os.MkdirAll(agentDir, 0o755); err != nil {
			slog.Warn("failed to prepare agent directory", "agent", a.ID, "err", err)
			continue
		}

		if _, err := identity.LoadOrGenerate(agentDir); err != nil {
			slog.Warn("failed to load agent identity", "agent", a.ID, "err", err)
			continue
		}

		db, err := agentdb.Open(filepath.Join(agentDir, "agent.db"))
		if err != nil {
			slog.Warn("failed to open agent database", "agent", a.ID, "err", err)
			continue
		}
		if err := db.InitializeSchema(); err != nil {
			slog.Warn("failed to initialize agent schema", "agent", a.ID, "err", err)
			continue
		}

		if _, err := session.Open(agentDir); err != nil {
			slog.Warn("failed to open session store", "agent", a.ID, "err", err)
			continue
		}

		agentCtx := subconscious.AgentContext{
			AgentID:     a.ID,
			ProjectsDir: filepath.Join(agentDir, "projects"),
		}
		go subconscious.Loop(ctx, a.ID, allocator, cfg.MessageCheckInterval, func(loopCtx context.Context) error {
			transcripts, err := subconscious.DiscoverTranscripts(agentCtx, noSessionMetadata, noSessionMetadata)
			if err != nil {
				return err
			}
			for _, path := range transcripts {
				rec, err := subconscious.LoadConversationRecord(db, path)
				if err != nil {
					slog.Warn("delta index: failed to load watermark", "agent", a.ID, "transcript", path, "err", err)
					continue
				}
				updated, err := subconscious.DeltaIndexOne(db, path, rec, cfg.IndexBatchSize)
				if err != nil {
					slog.Warn("delta index failed", "agent", a.ID, "transcript", path, "err", err)
					continue
				}
				if err := subconscious.SaveConversationRecord(db, updated); err != nil {
					slog.Warn("delta index: failed to persist watermark", "agent", a.ID, "transcript", path, "err", err)
				}
			}
			return nil
		})

		go runConsolidationLoop(ctx, a.ID, db, cfg)
	}

	// ─── Peer Mesh Controller ────────────────────────────────────────────
	meshCtl := mesh.New(hosts, cfg.PeerTimeout, cfg.MeshCircuitBreakerThreshold)
	meshCtl.SetAutoAcceptPolicy(settingsStore.AutoAcceptPeers())
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := meshCtl.SyncWithAllPeers(ctx); err != nil {
					slog.Warn("mesh sync failed", "host", self.ID, "err", err)
				}
			}
		}
	}()

	// ─── Admin dashboard ─────────────────────────────────────────────────
	dashboard := webadmin.New(hosts, agents, brk, logBroadcaster, auditLog)

	// ─── Transport (HTTP/WS) ─────────────────────────────────────────────
	srv := transport.New(cfg.Port, meshCtl, hosts, agents, brk, dashboard, keys, "default")
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("aimaestrod stopped")
}

// noSessionMetadata is the fallback transcript-metadata extractor used
// when no richer sidecar index is available: every transcript is
// matched on agent-id path substring alone (subconscious.BelongsToAgent's
// third rule).
func noSessionMetadata(path string) (string, string) { return "", "" }

func runConsolidationLoop(ctx context.Context, agentID string, db *agentdb.DB, cfg *config.Config) {
	ticker := time.NewTicker(cfg.ConsolidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("consolidation tick", "agent", agentID)
			// A concrete LLMProvider (local/remote/auto) is supplied by
			// deployment-specific configuration; without one, this tick is a
			// scheduling no-op and simply advances to the next interval.
		}
	}
}
