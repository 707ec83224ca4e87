package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/aimaestro/aimaestrod/internal/hostreg"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	reg, err := hostreg.Open(t.TempDir())
	require.NoError(t, err)
	_, err = reg.SelfHost()
	require.NoError(t, err)
	return New(reg, 5*time.Second, 3)
}

func TestHandleRegisterPeerRejectsSelf(t *testing.T) {
	c := newTestController(t)
	self, err := c.registry.SelfHost()
	require.NoError(t, err)

	_, err = c.HandleRegisterPeer(RegisterPeerRequest{
		Host: hostreg.Host{ID: self.ID, URL: "http://elsewhere"},
	})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestHandleRegisterPeerDeclinedByAutoAcceptPolicy(t *testing.T) {
	c := newTestController(t)
	c.SetAutoAcceptPolicy(func() bool { return false })

	resp, err := c.HandleRegisterPeer(RegisterPeerRequest{
		Host: hostreg.Host{ID: "peer-1", URL: "http://peer-1"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Registered)

	_, found := c.registry.FindHost("peer-1")
	assert.False(t, found, "declined peer must not be added to the host registry")
}

func TestHandleRegisterPeerBeyondMaxDepthStopsPropagation(t *testing.T) {
	c := newTestController(t)
	resp, err := c.HandleRegisterPeer(RegisterPeerRequest{
		Host:   hostreg.Host{ID: "peer-1", URL: "http://10.0.0.5:7420"},
		Source: PeerSource{PropagationDepth: MaxPropagationDepth + 1},
	})
	require.NoError(t, err)
	assert.False(t, resp.Registered)
	assert.True(t, resp.AlreadyKnown)
	assert.Empty(t, resp.KnownHosts)
}

func TestHandleRegisterPeerDedupesByPropagationID(t *testing.T) {
	c := newTestController(t)
	req := RegisterPeerRequest{
		Host:   hostreg.Host{ID: "peer-1", URL: "http://10.0.0.5:7420"},
		Source: PeerSource{PropagationID: "P"},
	}
	resp1, err := c.HandleRegisterPeer(req)
	require.NoError(t, err)
	assert.True(t, resp1.Registered)

	req2 := RegisterPeerRequest{
		Host:   hostreg.Host{ID: "peer-2", URL: "http://10.0.0.6:7420"},
		Source: PeerSource{PropagationID: "P"},
	}
	resp2, err := c.HandleRegisterPeer(req2)
	require.NoError(t, err)
	assert.False(t, resp2.Registered)
	assert.True(t, resp2.AlreadyKnown)
}

func TestHandleRegisterPeerAdoptsOrganization(t *testing.T) {
	c := newTestController(t)
	resp, err := c.HandleRegisterPeer(RegisterPeerRequest{
		Host:              hostreg.Host{ID: "peer-1", URL: "http://10.0.0.5:7420"},
		Organization:      "acme",
		OrganizationSetBy: "h2",
	})
	require.NoError(t, err)
	assert.True(t, resp.Registered)
	assert.True(t, resp.OrganizationAdopted)

	org := c.registry.Organization()
	require.NotNil(t, org)
	assert.Equal(t, "acme", org.Name)
}

func TestHandleRegisterPeerOrganizationMismatch(t *testing.T) {
	c := newTestController(t)
	_, err := c.registry.AdoptOrganization("acme", "local")
	require.NoError(t, err)

	_, err = c.HandleRegisterPeer(RegisterPeerRequest{
		Host:         hostreg.Host{ID: "peer-1", URL: "http://10.0.0.5:7420"},
		Organization: "other",
	})
	require.Error(t, err)
	aerr := err.(*core.Error)
	assert.Equal(t, core.KindConflict, aerr.Kind)
	assert.Equal(t, "organization_mismatch", aerr.Code)
}

func TestHandleRegisterPeerAlreadyKnown(t *testing.T) {
	c := newTestController(t)
	req := RegisterPeerRequest{Host: hostreg.Host{ID: "peer-1", URL: "http://10.0.0.5:7420"}}
	_, err := c.HandleRegisterPeer(req)
	require.NoError(t, err)

	resp, err := c.HandleRegisterPeer(req)
	require.NoError(t, err)
	assert.False(t, resp.Registered)
	assert.True(t, resp.AlreadyKnown)
}

func TestPropagationCacheReportsRepeatedID(t *testing.T) {
	c := newPropagationCache()
	assert.False(t, c.seenOrMark("a"))
	assert.True(t, c.seenOrMark("a"))
}

func TestPeerCircuitOpensAfterThreshold(t *testing.T) {
	cb := newPeerCircuit(3)
	assert.False(t, cb.isOpen())
	cb.recordFailure()
	cb.recordFailure()
	assert.False(t, cb.isOpen())
	cb.recordFailure()
	assert.True(t, cb.isOpen())
	cb.recordSuccess()
	assert.False(t, cb.isOpen())
}
