// Package identity implements the Identity Store (spec.md §4.C1): an
// Ed25519 keypair per agent, generated on first use and persisted as PEM
// files with the file modes §3 requires. Grounded directly on the
// teacher's internal/ap/keys.go LoadOrGenerateKeyPair, generalized from
// RSA/x509 PKCS1 to Ed25519/SPKI per spec.md's fingerprint and signing
// requirements.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// spkiHeaderLen is the length of the DER SPKI envelope preceding the raw
// 32-byte Ed25519 public key, per spec.md §4.C1 ("extracts the raw bytes
// from an SPKI-encoded key — 12-byte header + 32-byte key").
const spkiHeaderLen = 12

// KeyPair holds an agent's Ed25519 identity.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Fingerprint returns "SHA256:"+base64(sha256(raw 32-byte public key)),
// the canonical identity fingerprint of spec.md §4.C1.
func (k *KeyPair) Fingerprint() string {
	return Fingerprint(k.Public)
}

// Fingerprint computes the fingerprint for a raw 32-byte Ed25519 public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign signs message with the agent's private key.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify checks sig over message against the raw 32-byte public key. A key
// of any other length is rejected; no SPKI wrapper is built, since
// crypto/ed25519 verifies directly against the raw key bytes.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// LoadOrGenerate loads an agent's Ed25519 keypair from
// <agentDir>/keys/{private,public}.pem, generating and persisting a new
// pair on first use. File modes match spec.md §3: private 0600, public 0644.
func LoadOrGenerate(agentDir string) (*KeyPair, error) {
	keysDir := filepath.Join(agentDir, "keys")
	privPath := filepath.Join(keysDir, "private.pem")
	pubPath := filepath.Join(keysDir, "public.pem")

	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, core.Wrap(core.KindTransient, "read private key", err)
		}
		slog.Info("identity: key pair not found, generating new one", "dir", keysDir)
		return generateAndSave(keysDir, privPath, pubPath)
	}

	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "read public key", err)
	}
	return parseKeyPair(privPEM, pubPEM)
}

func generateAndSave(keysDir, privPath, pubPath string) (*KeyPair, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, core.Wrap(core.KindTransient, "mkdir keys dir", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "generate ed25519 key", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "marshal private key", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "marshal public key", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, core.Wrap(core.KindTransient, "write private key", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return nil, core.Wrap(core.KindTransient, "write public key", err)
	}

	slog.Info("identity: generated ed25519 key pair", "dir", keysDir)
	return &KeyPair{Private: priv, Public: pub}, nil
}

func parseKeyPair(privPEM, pubPEM []byte) (*KeyPair, error) {
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, core.New(core.KindIntegrity, "failed to decode private key PEM")
	}
	privAny, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, core.Wrap(core.KindIntegrity, "parse private key", err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, core.New(core.KindIntegrity, "private key is not Ed25519")
	}

	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, core.New(core.KindIntegrity, "failed to decode public key PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, core.Wrap(core.KindIntegrity, "parse public key", err)
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, core.New(core.KindIntegrity, "public key is not Ed25519")
	}

	return &KeyPair{Private: priv, Public: pub}, nil
}

// RawPublicKeyFromSPKI extracts the 32-byte Ed25519 public key from a full
// SPKI-encoded public key (header + key), per spec.md §4.C1.
func RawPublicKeyFromSPKI(spki []byte) (ed25519.PublicKey, error) {
	if len(spki) != spkiHeaderLen+ed25519.PublicKeySize {
		return nil, core.New(core.KindIntegrity, "malformed SPKI-encoded Ed25519 key")
	}
	return ed25519.PublicKey(spki[spkiHeaderLen:]), nil
}
