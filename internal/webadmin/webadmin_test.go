package webadmin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimaestro/aimaestrod/internal/agentreg"
	"github.com/aimaestro/aimaestrod/internal/audit"
	"github.com/aimaestro/aimaestrod/internal/hostreg"
)

func TestTruncateGraphemesLeavesShortStringsUntouched(t *testing.T) {
	assert.Equal(t, "hello", truncateGraphemes("hello", 10))
}

func TestTruncateGraphemesCutsAtClusterBoundary(t *testing.T) {
	out := truncateGraphemes("hello world", 5)
	assert.Equal(t, "hello…", out)
}

func TestTruncateGraphemesHandlesMultibyteRunes(t *testing.T) {
	out := truncateGraphemes("日本語のテキストです", 3)
	assert.Equal(t, "日本語…", out)
}

func TestLogBroadcasterFanOutAndRingBuffer(t *testing.T) {
	var discard discardWriter
	lb := NewLogBroadcaster(discard)

	history, ch, cancel := lb.Subscribe()
	defer cancel()
	assert.Empty(t, history)

	lb.Write([]byte("line one\n"))
	select {
	case line := <-ch:
		assert.Equal(t, "line one", line.Text)
		assert.Equal(t, "daemon", line.Source)
	default:
		t.Fatal("expected subscriber to receive new line")
	}

	assert.Equal(t, []LogLine{{Source: "daemon", Text: "line one"}}, lb.Lines())
}

func TestLogBroadcasterTagsSourceFromJSONAgentField(t *testing.T) {
	var discard discardWriter
	lb := NewLogBroadcaster(discard)
	lb.Write([]byte(`{"msg":"delta index failed","agent":"a1"}` + "\n"))
	require.Len(t, lb.Lines(), 1)
	assert.Equal(t, "agent:a1", lb.Lines()[0].Source)
}

func TestLogBroadcasterTagsSourceFromJSONHostField(t *testing.T) {
	var discard discardWriter
	lb := NewLogBroadcaster(discard)
	lb.Write([]byte(`{"msg":"mesh sync failed","host":"h1"}` + "\n"))
	require.Len(t, lb.Lines(), 1)
	assert.Equal(t, "host:h1", lb.Lines()[0].Source)
}

func TestLogBroadcasterBoundsBuffer(t *testing.T) {
	var discard discardWriter
	lb := NewLogBroadcaster(discard)
	for i := 0; i < logBufSize+10; i++ {
		lb.Write([]byte("x\n"))
	}
	assert.Len(t, lb.Lines(), logBufSize)
}

func TestDashboardServeHTTPReturnsSnapshot(t *testing.T) {
	hosts, err := hostreg.Open(t.TempDir())
	require.NoError(t, err)
	agents, err := agentreg.Open(t.TempDir())
	require.NoError(t, err)

	d := New(hosts, agents, nil, NewLogBroadcaster(discardWriter{}), nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/snapshot", nil)
	rec := httptest.NewRecorder()

	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uptime")
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDashboardSnapshotIncludesAuditLog(t *testing.T) {
	hosts, err := hostreg.Open(t.TempDir())
	require.NoError(t, err)
	agents, err := agentreg.Open(t.TempDir())
	require.NoError(t, err)

	log := audit.Open(t.TempDir())
	log.HostLogger()("add_host", "id=peer-1")

	d := New(hosts, agents, nil, NewLogBroadcaster(discardWriter{}), log)
	snap := d.snapshot()
	require.Len(t, snap.AuditLog, 1)
	assert.Equal(t, "add_host", snap.AuditLog[0].Action)
}
