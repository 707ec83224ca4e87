package amp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// Env is the API key environment class (spec.md §6).
type Env string

const (
	EnvLive Env = "live"
	EnvTest Env = "test"
)

// APIKey is one entry in amp-api-keys.json. The raw key is never stored;
// only its sha256 digest is.
type APIKey struct {
	ID        string     `json:"id"`
	Env       Env        `json:"env"`
	Type      string     `json:"type"`
	HashedKey string     `json:"hashedKey"` // "sha256:<hex>"
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"` // grace expiry after rotation
}

type keyStoreDocument struct {
	Keys []APIKey `json:"keys"`
}

// KeyStore is the amp-api-keys.json store (§6), mode 0600, single-writer.
type KeyStore struct {
	path string
	mu   sync.Mutex
	doc  keyStoreDocument
}

// OpenKeyStore loads (or initializes) the API key store at <home>/amp-api-keys.json.
func OpenKeyStore(home string) (*KeyStore, error) {
	ks := &KeyStore{path: filepath.Join(home, "amp-api-keys.json")}
	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) load() error {
	data, err := os.ReadFile(ks.path)
	if err != nil {
		if os.IsNotExist(err) {
			ks.doc = keyStoreDocument{}
			return nil
		}
		return core.Wrap(core.KindTransient, "read amp-api-keys.json", err)
	}
	var doc keyStoreDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.Wrap(core.KindIntegrity, "parse amp-api-keys.json", err)
	}
	ks.doc = doc
	return nil
}

func (ks *KeyStore) save() error {
	data, err := json.MarshalIndent(ks.doc, "", "  ")
	if err != nil {
		return core.Wrap(core.KindTransient, "marshal amp-api-keys.json", err)
	}
	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return core.Wrap(core.KindTransient, "write amp-api-keys.json.tmp", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return core.Wrap(core.KindTransient, "rename amp-api-keys.json.tmp", err)
	}
	return nil
}

// GenerateKey creates a new key of the form amp_<env>_<type>_<64 hex>,
// persists its sha256 digest, and returns the raw key (shown to the
// caller exactly once).
func (ks *KeyStore) GenerateKey(env Env, keyType string) (rawKey string, entry APIKey, err error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", APIKey{}, core.Wrap(core.KindTransient, "generate key material", err)
	}
	secret := hex.EncodeToString(raw)
	rawKey = fmt.Sprintf("amp_%s_%s_%s", env, keyType, secret)

	entry = APIKey{
		ID:        fmt.Sprintf("key_%d", time.Now().UnixNano()),
		Env:       env,
		Type:      keyType,
		HashedKey: hashKey(rawKey),
		CreatedAt: time.Now().UTC(),
	}
	ks.doc.Keys = append(ks.doc.Keys, entry)
	if err := ks.save(); err != nil {
		return "", APIKey{}, err
	}
	return rawKey, entry, nil
}

// Rotate creates a new key for the same env/type as oldID, and sets a
// 24h grace expiry on the old key (spec.md §6).
func (ks *KeyStore) Rotate(oldID string) (rawKey string, newEntry APIKey, err error) {
	ks.mu.Lock()
	var old *APIKey
	for i := range ks.doc.Keys {
		if ks.doc.Keys[i].ID == oldID {
			old = &ks.doc.Keys[i]
			break
		}
	}
	if old == nil {
		ks.mu.Unlock()
		return "", APIKey{}, core.Newf(core.KindNotFound, "api key %q not found", oldID)
	}
	grace := time.Now().UTC().Add(24 * time.Hour)
	old.ExpiresAt = &grace
	env, keyType := old.Env, old.Type
	if err := ks.save(); err != nil {
		ks.mu.Unlock()
		return "", APIKey{}, err
	}
	ks.mu.Unlock()

	return ks.GenerateKey(env, keyType)
}

// Verify checks a raw "Bearer <key>"-stripped key against the store,
// honoring the 24h grace window on rotated keys.
func (ks *KeyStore) Verify(rawKey string) (APIKey, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	h := hashKey(rawKey)
	now := time.Now().UTC()
	for _, k := range ks.doc.Keys {
		if k.HashedKey != h {
			continue
		}
		if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
			return APIKey{}, false
		}
		return k, true
	}
	return APIKey{}, false
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// BearerToken strips the "Bearer " prefix from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}
