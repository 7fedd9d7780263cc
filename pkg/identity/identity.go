// Package identity implements node identity: Ed25519/X25519 key
// generation, JSON persistence, and the 18-hex-char identity hash other
// nodes address this node by over the overlay transport.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// HexHashLen is the width, in hex characters, of an identity's derived
// hex hash, matching wire.SourceHashLen.
const HexHashLen = 18

// Identity is a node's signing and key-agreement key pair.
type Identity struct {
	SigningPublicKey  ed25519.PublicKey `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	hexHash string
}

// Generate creates a fresh identity with new Ed25519 and X25519 key pairs.
func Generate() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate Ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.hexHash = computeHexHash(sigPub)
	return id, nil
}

// HexHash returns this identity's stable short identifier, the value
// used as an overlay.Transport's HexHash and as a broadcast frame's
// source field.
func (id *Identity) HexHash() string {
	if id.hexHash == "" {
		id.hexHash = computeHexHash(id.SigningPublicKey)
	}
	return id.hexHash
}

func computeHexHash(pub ed25519.PublicKey) string {
	sum := sha256.Sum224(pub)
	return hex.EncodeToString(sum[:])[:HexHashLen]
}

// HexHashFromPublicKey computes the hex hash a bare signing public key would
// have, for verifying a peer's self-claimed identity against the key it
// actually presents during a handshake.
func HexHashFromPublicKey(pub ed25519.PublicKey) string {
	return computeHexHash(pub)
}

// SaveToFile persists the identity as JSON with restricted permissions.
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("identity: write file: %w", err)
	}
	return nil
}

// LoadFromFile loads an identity previously written by SaveToFile.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("identity: read file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("identity: unmarshal: %w", err)
	}
	id.hexHash = computeHexHash(id.SigningPublicKey)
	return &id, nil
}
