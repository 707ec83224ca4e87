// Package transport implements the thin chi-based HTTP/WebSocket
// adapter exposing spec.md §6's wire protocols: AMP well-known
// discovery, peer registration and federated query fan-out for the
// Peer Mesh Controller, and the Terminal Broker's attach websocket.
// Grounded on the teacher's internal/server buildRouter/Start shape,
// generalized from ActivityPub/Nostr routes to this system's own.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aimaestro/aimaestrod/internal/agentreg"
	"github.com/aimaestro/aimaestrod/internal/amp"
	"github.com/aimaestro/aimaestrod/internal/broker"
	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/aimaestro/aimaestrod/internal/hostreg"
	"github.com/aimaestro/aimaestrod/internal/mesh"
	"github.com/aimaestro/aimaestrod/internal/webadmin"
)

// Server is aimaestrod's HTTP/WS front door.
type Server struct {
	port          string
	router        *chi.Mux
	mesh          *mesh.Controller
	hosts         *hostreg.Registry
	agents        *agentreg.Registry
	broker        *broker.Manager
	dashboard     *webadmin.Dashboard
	keys          *amp.KeyStore
	defaultTenant string
}

// New builds the router. dashboard may be nil, in which case the admin
// routes are not mounted. keys gates the mesh, terminal, and admin
// routes behind spec.md §6's "Authorization: Bearer <key>" scheme; the
// AMP well-known document and /healthz stay open, matching the
// convention that discovery and liveness checks precede authentication.
func New(port string, meshCtl *mesh.Controller, hosts *hostreg.Registry, agents *agentreg.Registry, brk *broker.Manager, dashboard *webadmin.Dashboard, keys *amp.KeyStore, defaultTenant string) *Server {
	s := &Server{port: port, mesh: meshCtl, hosts: hosts, agents: agents, broker: brk, dashboard: dashboard, keys: keys, defaultTenant: defaultTenant}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         ":" + s.port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // attach websockets are long-lived
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting transport server", "addr", srv.Addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("transport shutdown error", "err", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("transport server error", "err", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/.well-known/agent-messaging.json", s.handleAMPDiscovery)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/mesh/register-peer", s.handleRegisterPeer)
		r.Get("/mesh/query/{path}", s.handleFederatedQuery)
		r.Get("/terminal/{sessionID}/attach", s.handleTerminalAttach)

		if s.dashboard != nil {
			r.Get("/admin/snapshot", s.dashboard.ServeHTTP)
			r.Get("/admin/logs/stream", s.dashboard.StreamLogs)
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	return r
}

// handleAMPDiscovery serves the AMP well-known document (spec.md §6).
func (s *Server) handleAMPDiscovery(w http.ResponseWriter, r *http.Request) {
	self, err := s.hosts.SelfHost()
	if err != nil {
		writeError(w, err)
		return
	}
	provider := self.ID
	if org := s.hosts.Organization(); org != nil {
		provider = org.Name
	}
	jsonResponse(w, map[string]interface{}{
		"version":  "AMP01",
		"endpoint": self.URL,
		"provider": provider,
		"capabilities": []string{
			"registration",
			"local-delivery",
			"relay-queue",
			"mesh-routing",
		},
	}, http.StatusOK)
}

func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req mesh.RegisterPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.Wrap(core.KindValidation, "decode register-peer body", err))
		return
	}
	resp, err := s.mesh.HandleRegisterPeer(req)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, resp, http.StatusOK)
}

// handleFederatedQuery implements spec.md §8 invariant 7: a request
// already carrying the federated-query marker is answered locally
// without further fan-out.
func (s *Server) handleFederatedQuery(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	isFederated := r.Header.Get(mesh.FederatedQueryHeader) == "true"

	localResult := s.localQuery(path)

	if isFederated {
		jsonResponse(w, map[string]json.RawMessage{s.selfID(): localResult}, http.StatusOK)
		return
	}

	results, failed := s.mesh.FederatedQuery(r.Context(), "/mesh/query/"+path, isFederated)
	results[s.selfID()] = localResult
	if len(failed) > 0 {
		slog.Warn("federated query had unreachable peers", "path", path, "failed", failed)
	}
	jsonResponse(w, results, http.StatusOK)
}

func (s *Server) selfID() string {
	if self, err := s.hosts.SelfHost(); err == nil {
		return self.ID
	}
	return "self"
}

// localQuery answers a federated query path against this host's own
// state. Only a handful of read-only paths are defined by spec.md §6;
// anything else returns an empty object rather than an error, so a
// federated fan-out never fails wholesale over one host's unsupported path.
func (s *Server) localQuery(path string) json.RawMessage {
	switch path {
	case "agents":
		body, _ := json.Marshal(s.agents.List())
		return body
	default:
		return json.RawMessage(`{}`)
	}
}

func (s *Server) handleTerminalAttach(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.broker.Get(sessionID)
	if !ok {
		writeError(w, core.Newf(core.KindNotFound, "session %s not running", sessionID))
		return
	}
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = r.RemoteAddr
	}
	if err := broker.HandleAttach(w, r, sess, clientID); err != nil {
		slog.Warn("transport: terminal attach ended with error", "session", sessionID, "err", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("transport: failed to encode JSON response", "err", err)
	}
}

// writeError maps a core.Error's Kind to an HTTP status code (spec.md
// §7's error taxonomy, surfaced at the transport boundary).
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindConflict:
		status = http.StatusConflict
	case core.KindTransient:
		status = http.StatusServiceUnavailable
	case core.KindSchemaNotReady:
		status = http.StatusServiceUnavailable
	case core.KindExhausted:
		status = http.StatusTooManyRequests
	case core.KindIntegrity:
		status = http.StatusUnprocessableEntity
	}
	jsonResponse(w, map[string]string{"error": err.Error()}, status)
}

// requireAPIKey enforces spec.md §6's "Authorization: Bearer <key>"
// scheme on every route it wraps. When no key store was configured
// (keys == nil), auth is a no-op.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.keys == nil {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := amp.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			jsonResponse(w, map[string]string{"error": "missing bearer token"}, http.StatusUnauthorized)
			return
		}
		if _, ok := s.keys.Verify(raw); !ok {
			jsonResponse(w, map[string]string{"error": "invalid or expired api key"}, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", wrapped.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
