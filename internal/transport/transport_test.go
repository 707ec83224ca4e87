package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimaestro/aimaestrod/internal/agentreg"
	"github.com/aimaestro/aimaestrod/internal/amp"
	"github.com/aimaestro/aimaestrod/internal/broker"
	"github.com/aimaestro/aimaestrod/internal/hostreg"
	"github.com/aimaestro/aimaestrod/internal/mesh"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	hosts, err := hostreg.Open(t.TempDir())
	require.NoError(t, err)
	agents, err := agentreg.Open(t.TempDir())
	require.NoError(t, err)
	meshCtl := mesh.New(hosts, 0, 3)
	brk := broker.NewManager()
	keys, err := amp.OpenKeyStore(t.TempDir())
	require.NoError(t, err)
	rawKey, _, err := keys.GenerateKey(amp.EnvTest, "admin")
	require.NoError(t, err)
	return New("0", meshCtl, hosts, agents, brk, nil, keys, "default"), rawKey
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAMPDiscoveryReturnsSelfHost(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/agent-messaging.json", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AMP01")
	assert.Contains(t, rec.Body.String(), "mesh-routing")
}

func TestTerminalAttachUnknownSessionReturns404(t *testing.T) {
	s, key := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/terminal/missing/attach", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterPeerRejectsMalformedBody(t *testing.T) {
	s, key := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/mesh/register-peer", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFederatedQueryAnswersLocallyWhenAlreadyFederated(t *testing.T) {
	s, key := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/mesh/query/agents", nil)
	req.Header.Set(mesh.FederatedQueryHeader, "true")
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/mesh/query/agents", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteRejectsInvalidBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/mesh/query/agents", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-key")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
