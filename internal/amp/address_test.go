package amp

import (
	"testing"

	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressBoundaryCases(t *testing.T) {
	cases := []struct {
		in       string
		tenant   string
		provider string
		isLocal  bool
	}{
		{"foo", "t", "aimaestro.local", true},
		{"foo@bar", "bar", "aimaestro.local", true},
		{"foo@bar.aimaestro.local", "bar", "aimaestro.local", true},
		{"foo@ws.crabmail.ai", "ws", "crabmail.ai", false},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			addr, err := ParseAddress(c.in, "t")
			require.NoError(t, err)
			assert.Equal(t, "foo", addr.Agent)
			assert.Equal(t, c.tenant, addr.Tenant)
			assert.Equal(t, c.provider, addr.Provider)
			assert.Equal(t, c.isLocal, addr.IsLocal)
		})
	}
}

func TestParseAddressRejectsEmpty(t *testing.T) {
	_, err := ParseAddress("", "t")
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestParseAddressRejectsMissingAgent(t *testing.T) {
	_, err := ParseAddress("@bar.com", "t")
	require.Error(t, err)
}
