package amp

import (
	"encoding/json"
	"testing"

	"github.com/aimaestro/aimaestrod/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMessageFillsThreadID(t *testing.T) {
	msg := CreateMessage("alice@h1.aimaestro.local", CreateOptions{
		To:      "bob@h2.aimaestro.local",
		Payload: Payload{Type: "text", Message: "hi"},
	})
	assert.Equal(t, msg.ID, msg.ThreadID)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Equal(t, "amp/0.1", msg.Version)
}

func TestCreateMessageThreadIDFromInReplyTo(t *testing.T) {
	msg := CreateMessage("alice@h1.aimaestro.local", CreateOptions{
		To:        "bob@h2.aimaestro.local",
		InReplyTo: "msg_1_abcdefg",
		Payload:   Payload{Type: "text", Message: "reply"},
	})
	assert.Equal(t, "msg_1_abcdefg", msg.ThreadID)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := identity.LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	msg := CreateMessage("alice@h1.aimaestro.local", CreateOptions{
		To:      "bob@ws.crabmail.ai",
		Payload: Payload{Type: "text", Message: "hello"},
	})
	require.NoError(t, msg.Sign(kp))
	assert.NotEmpty(t, msg.Signature)

	ok, err := msg.Verify(kp.Public)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	kp, err := identity.LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	msg := CreateMessage("alice@h1.aimaestro.local", CreateOptions{
		To:      "bob@ws.crabmail.ai",
		Payload: Payload{Type: "text", Message: "hello"},
	})
	require.NoError(t, msg.Sign(kp))

	msg.Payload.Message = "tampered"
	ok, err := msg.Verify(kp.Public)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseSerializeRoundTripIsIdentityModuloOrdering(t *testing.T) {
	msg := CreateMessage("alice@h1.aimaestro.local", CreateOptions{
		To:      "bob@h2.aimaestro.local",
		Subject: "status",
		Payload: Payload{Type: "text", Message: "hi", Context: map[string]interface{}{"k": "v"}},
	})
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var round Envelope
	require.NoError(t, json.Unmarshal(data, &round))
	assert.Equal(t, msg, round)
}

func TestRequiresSignatureForNonLocal(t *testing.T) {
	local, err := ParseAddress("bob@h2.aimaestro.local", "t")
	require.NoError(t, err)
	external, err := ParseAddress("bob@ws.crabmail.ai", "t")
	require.NoError(t, err)

	assert.False(t, RequiresSignature(local))
	assert.True(t, RequiresSignature(external))
}
