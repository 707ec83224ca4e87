package amp

import (
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/aimaestro/aimaestrod/internal/identity"
)

// canonicalJSON serializes maps with sorted keys, giving every sender and
// verifier the same byte string to sign over regardless of struct field
// order (spec.md §4.C3 "keys sorted").
var canonicalJSON = jsoniter.Config{SortMapKeys: true}.Froze()

// Priority is the envelope urgency class (spec.md §3).
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Status is local delivery-state metadata, never transmitted to the peer.
type Status string

const (
	StatusUnread   Status = "unread"
	StatusRead     Status = "read"
	StatusArchived Status = "archived"
)

// Payload is the envelope's message body (spec.md §3).
type Payload struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Envelope is the AMP wire message (spec.md §3). Signature is omitted
// from the canonical form used for signing, then re-attached.
type Envelope struct {
	Version    string   `json:"version"`
	ID         string   `json:"id"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	Subject    string   `json:"subject,omitempty"`
	Priority   Priority `json:"priority"`
	Timestamp  int64    `json:"timestamp"`
	ThreadID   string   `json:"thread_id"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	ExpiresAt  int64    `json:"expires_at,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	Payload    Payload  `json:"payload"`

	// Local-only delivery metadata, never part of the signature.
	Status           Status `json:"status,omitempty"`
	QueuedAt         int64  `json:"queued_at,omitempty"`
	DeliveryAttempts int    `json:"delivery_attempts,omitempty"`
}

// CreateOptions configures CreateMessage.
type CreateOptions struct {
	To        string
	Subject   string
	Priority  Priority
	InReplyTo string
	ExpiresAt int64
	Payload   Payload
}

// randomSuffix7 produces the 7-character random suffix of an envelope id.
// Uses math/rand rather than crypto/rand: envelope ids need uniqueness
// for dedup, not unpredictability, matching spec.md's plain "random7".
const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix7() string {
	b := make([]byte, 7)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}

// nowFunc is overridable in tests for deterministic envelope ids/timestamps.
var nowFunc = time.Now

// CreateMessage implements spec.md §4.C3 createMessage(from, opts).
func CreateMessage(from string, opts CreateOptions) Envelope {
	now := nowFunc()
	id := fmt.Sprintf("msg_%d_%s", now.UnixMilli(), randomSuffix7())
	threadID := opts.InReplyTo
	if threadID == "" {
		threadID = id
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return Envelope{
		Version:   "amp/0.1",
		ID:        id,
		From:      from,
		To:        opts.To,
		Subject:   opts.Subject,
		Priority:  priority,
		Timestamp: now.UnixMilli(),
		ThreadID:  threadID,
		InReplyTo: opts.InReplyTo,
		ExpiresAt: opts.ExpiresAt,
		Payload:   opts.Payload,
		Status:    StatusUnread,
		QueuedAt:  now.UnixMilli(),
	}
}

// canonicalForm returns the envelope-without-signature serialized with
// sorted keys, the exact bytes that Sign and Verify operate over.
func (e Envelope) canonicalForm() ([]byte, error) {
	unsigned := e
	unsigned.Signature = ""
	m := make(map[string]interface{})
	raw, err := canonicalJSON.Marshal(unsigned)
	if err != nil {
		return nil, core.Wrap(core.KindIntegrity, "marshal envelope for signing", err)
	}
	if err := canonicalJSON.Unmarshal(raw, &m); err != nil {
		return nil, core.Wrap(core.KindIntegrity, "normalize envelope for signing", err)
	}
	delete(m, "signature")
	return canonicalJSON.Marshal(m)
}

// Sign populates e.Signature with an Ed25519 signature over the
// canonical envelope-without-signature form (spec.md §3 invariant,
// §4.C3). Required for all external sends.
func (e *Envelope) Sign(kp *identity.KeyPair) error {
	form, err := e.canonicalForm()
	if err != nil {
		return err
	}
	e.Signature = encodeSig(kp.Sign(form))
	return nil
}

// Verify checks e.Signature against pub, reconstructing the same
// canonical form used at signing time.
func (e Envelope) Verify(pub ed25519.PublicKey) (bool, error) {
	if e.Signature == "" {
		return false, core.New(core.KindIntegrity, "envelope has no signature")
	}
	sig, err := decodeSig(e.Signature)
	if err != nil {
		return false, err
	}
	form, err := e.canonicalForm()
	if err != nil {
		return false, err
	}
	return identity.Verify(pub, form, sig), nil
}

// RequiresSignature reports whether spec.md §8 invariant 5 applies: any
// envelope addressed to a non-local recipient must carry a valid signature.
func RequiresSignature(to Address) bool {
	return !to.IsLocal
}
