// Package noiseik implements a Noise IK handshake that runs over the first
// stream of an established quictransport connection, binding the session to
// the two nodes' identity hex-hashes instead of trusting the QUIC/TLS layer
// alone (which only proves possession of whatever self-signed key a dialer
// happened to present).
package noiseik

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/beenet-mesh/meshfs/pkg/identity"
	"github.com/beenet-mesh/meshfs/pkg/wire/cborcanon"
	"github.com/flynn/noise"
)

// protocolVersion is the noiseik wire version, bumped on breaking changes
// to ClientHello/ServerHello.
const protocolVersion = uint16(1)

// ClientHello is the client's handshake message.
type ClientHello struct {
	Version        uint16   `cbor:"v"`
	NetworkID      string   `cbor:"net"`                       // source hash identifying the tree being replicated
	From           string   `cbor:"from"`                       // sender's identity hex-hash
	Nonce          uint64   `cbor:"nonce"`                      // replay protection nonce
	Caps           []string `cbor:"caps"`                       // capability tags, e.g. "chunks/1"
	NoiseKey       []byte   `cbor:"noisekey"`                   // X25519 public key for the Noise session
	SigningKey     []byte   `cbor:"signing_key"`                // Ed25519 public key backing From and Proof
	Proof          []byte   `cbor:"proof"`                      // Ed25519 signature over canonical fields
	PSKHint        *string  `cbor:"psk_hint,omitempty"`         // optional PSK hint
	PSKProof       []byte   `cbor:"psk_proof,omitempty"`        // optional PSK proof
	AdmissionToken *string  `cbor:"admission_token,omitempty"`  // optional admission token
	TokenProof     []byte   `cbor:"token_proof,omitempty"`      // optional token proof
	TokenExpiry    *uint64  `cbor:"token_expiry,omitempty"`     // optional token expiry
}

// ServerHello is the server's handshake response.
type ServerHello struct {
	Version  uint16   `cbor:"v"`
	NetworkID string  `cbor:"net"`
	From     string   `cbor:"from"`
	Nonce    uint64   `cbor:"nonce"`
	Caps     []string `cbor:"caps"`
	NoiseKey []byte   `cbor:"noisekey"`
	SigningKey []byte `cbor:"signing_key"`
	Proof    []byte   `cbor:"proof"`
	PSKProof []byte   `cbor:"psk_proof,omitempty"`
}

// Sign signs the ClientHello with the provided Ed25519 private key
func (ch *ClientHello) Sign(privateKey ed25519.PrivateKey) error {
	// Encode for signing (excluding proof field)
	sigData, err := cborcanon.EncodeForSigning(ch, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ClientHello for signing: %w", err)
	}

	// Sign the canonical bytes
	ch.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify verifies the ClientHello signature using the provided Ed25519 public key
func (ch *ClientHello) Verify(publicKey ed25519.PublicKey) error {
	if len(ch.Proof) == 0 {
		return fmt.Errorf("ClientHello has no proof")
	}

	// Encode for verification (excluding proof field)
	sigData, err := cborcanon.EncodeForSigning(ch, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ClientHello for verification: %w", err)
	}

	// Verify the signature
	if !ed25519.Verify(publicKey, sigData, ch.Proof) {
		return fmt.Errorf("ClientHello signature verification failed")
	}

	return nil
}

// Marshal encodes the ClientHello to canonical CBOR
func (ch *ClientHello) Marshal() ([]byte, error) {
	return cborcanon.Marshal(ch)
}

// Unmarshal decodes the ClientHello from CBOR
func (ch *ClientHello) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, ch)
}

// Sign signs the ServerHello with the provided Ed25519 private key
func (sh *ServerHello) Sign(privateKey ed25519.PrivateKey) error {
	// Encode for signing (excluding proof field)
	sigData, err := cborcanon.EncodeForSigning(sh, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ServerHello for signing: %w", err)
	}

	// Sign the canonical bytes
	sh.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify verifies the ServerHello signature using the provided Ed25519 public key
func (sh *ServerHello) Verify(publicKey ed25519.PublicKey) error {
	if len(sh.Proof) == 0 {
		return fmt.Errorf("ServerHello has no proof")
	}

	// Encode for verification (excluding proof field)
	sigData, err := cborcanon.EncodeForSigning(sh, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode ServerHello for verification: %w", err)
	}

	// Verify the signature
	if !ed25519.Verify(publicKey, sigData, sh.Proof) {
		return fmt.Errorf("ServerHello signature verification failed")
	}

	return nil
}

// Marshal encodes the ServerHello to canonical CBOR
func (sh *ServerHello) Marshal() ([]byte, error) {
	return cborcanon.Marshal(sh)
}

// Unmarshal decodes the ServerHello from CBOR
func (sh *ServerHello) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, sh)
}

// Handshake manages the Noise IK handshake state
type Handshake struct {
	identity        *identity.Identity
	networkID       string
	nonce           uint64
	complete        bool
	noiseKey        []byte // X25519 private key
	peerKey         []byte // Peer's X25519 public key
	noiseState      *noise.HandshakeState
	cipherSuite     noise.CipherSuite
	isInitiator     bool
	sequenceTracker *SequenceTracker // Replay protection and sequence tracking
	config          *HandshakeConfig // PSK and admission control configuration
}

// NewHandshake creates a new handshake instance
func NewHandshake(id *identity.Identity, networkID string) *Handshake {
	// Generate a random nonce for replay protection
	nonce := uint64(time.Now().UnixNano())

	// Add some randomness to ensure uniqueness
	var randomBytes [8]byte
	rand.Read(randomBytes[:])
	randomPart := uint64(randomBytes[0])<<56 | uint64(randomBytes[1])<<48 |
		uint64(randomBytes[2])<<40 | uint64(randomBytes[3])<<32 |
		uint64(randomBytes[4])<<24 | uint64(randomBytes[5])<<16 |
		uint64(randomBytes[6])<<8 | uint64(randomBytes[7])
	nonce ^= randomPart

	// Initialize Noise IK cipher suite (X25519, ChaCha20-Poly1305, BLAKE2b)
	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

	return &Handshake{
		identity:        id,
		networkID:       networkID,
		nonce:           nonce,
		complete:        false,
		noiseKey:        make([]byte, 32), // Will be filled with X25519 private key
		cipherSuite:     cipherSuite,
		sequenceTracker: NewSequenceTracker(),
		config:          NewHandshakeConfig(),
	}
}

// NewHandshakeWithPSK creates a new handshake instance with PSK configuration
func NewHandshakeWithPSK(id *identity.Identity, networkID string, pskConfig *PSKConfig) *Handshake {
	h := NewHandshake(id, networkID)
	h.config.PSKConfig = pskConfig
	return h
}

// NewHandshakeWithAdmission creates a new handshake instance with admission control
func NewHandshakeWithAdmission(id *identity.Identity, networkID string, admissionConfig *AdmissionConfig, clientToken string, tokenSigningKey ed25519.PrivateKey) *Handshake {
	h := NewHandshake(id, networkID)
	h.config.AdmissionConfig = admissionConfig
	h.config.ClientToken = clientToken
	h.config.TokenSigningKey = tokenSigningKey
	return h
}

// SetTokenValidator sets the token validation public key (for servers)
func (h *Handshake) SetTokenValidator(publicKey ed25519.PublicKey) {
	h.config.TokenPublicKey = publicKey
}

// NewClientHandshake creates a new client-side handshake instance
func NewClientHandshake(id *identity.Identity, networkID string, serverPublicKey []byte) (*Handshake, error) {
	h := NewHandshake(id, networkID)
	h.isInitiator = true

	// Create Noise IK handshake state for initiator
	config := noise.Config{
		CipherSuite: h.cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: h.identity.KeyAgreementPrivateKey[:],
			Public:  h.identity.KeyAgreementPublicKey[:],
		},
		PeerStatic: serverPublicKey,
	}

	var err error
	h.noiseState, err = noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create client handshake state: %w", err)
	}

	return h, nil
}

// NewServerHandshake creates a new server-side handshake instance
func NewServerHandshake(id *identity.Identity, networkID string) (*Handshake, error) {
	h := NewHandshake(id, networkID)
	h.isInitiator = false

	// Create Noise IK handshake state for responder
	config := noise.Config{
		CipherSuite: h.cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: h.identity.KeyAgreementPrivateKey[:],
			Public:  h.identity.KeyAgreementPublicKey[:],
		},
	}

	var err error
	h.noiseState, err = noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create server handshake state: %w", err)
	}

	return h, nil
}

// CreateClientHello creates a ClientHello message
func (h *Handshake) CreateClientHello() (*ClientHello, error) {
	// The Noise key is the identity's key agreement key; no new X25519
	// key pair is generated
	copy(h.noiseKey, h.identity.KeyAgreementPrivateKey[:])

	hello := &ClientHello{
		Version:  protocolVersion,
		NetworkID: h.networkID,
		From:     h.identity.HexHash(),
		Nonce:    h.nonce,
		Caps:     []string{"chunks/1"},
		NoiseKey: h.identity.KeyAgreementPublicKey[:],
		SigningKey: h.identity.SigningPublicKey,
	}

	// Add admission token fields if configured
	if h.config.AdmissionConfig != nil && h.config.ClientToken != "" {
		token, proof, expiry := h.config.GenerateAdmissionTokenProof(h.networkID)
		if token != "" {
			hello.AdmissionToken = &token
			hello.TokenProof = proof
			hello.TokenExpiry = &expiry
		}
	}

	// Add PSK hint if configured (but not proof yet)
	if h.config.PSKConfig != nil {
		hint := h.config.PSKConfig.Hint
		hello.PSKHint = &hint
	}

	// Generate PSK proof if configured (after all fields are set)
	if h.config.PSKConfig != nil {
		// Generate PSK proof over the message without signature and PSK proof
		sigData, err := cborcanon.EncodeForSigning(hello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("failed to encode for PSK proof: %w", err)
		}

		hello.PSKProof = h.config.PSKConfig.GenerateProof(sigData)
	}

	// Sign the ClientHello
	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("failed to sign ClientHello: %w", err)
	}

	return hello, nil
}

// ProcessClientHello processes a received ClientHello and returns a ServerHello
func (h *Handshake) ProcessClientHello(clientHello *ClientHello) (*ServerHello, error) {
	// Validate network id
	if clientHello.NetworkID != h.networkID {
		return nil, fmt.Errorf("network id mismatch: expected %s, got %s", h.networkID, clientHello.NetworkID)
	}
	if clientHello.Version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", clientHello.Version)
	}

	peerKey := ed25519.PublicKey(clientHello.SigningKey)
	if identity.HexHashFromPublicKey(peerKey) != clientHello.From {
		return nil, fmt.Errorf("claimed hex hash does not match presented signing key")
	}
	if err := clientHello.Verify(peerKey); err != nil {
		return nil, fmt.Errorf("ClientHello signature verification failed: %w", err)
	}

	// Validate PSK if configured
	if h.config.PSKConfig != nil {
		// Encode message for PSK verification (excluding signature and PSK proof)
		sigData, err := cborcanon.EncodeForSigning(clientHello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("failed to encode for PSK verification: %w", err)
		}

		if err := h.config.ValidatePSK(sigData, clientHello.PSKHint, clientHello.PSKProof); err != nil {
			return nil, fmt.Errorf("PSK validation failed: %w", err)
		}
	}

	// Validate admission token if configured
	if err := h.config.ValidateAdmissionToken(h.networkID, clientHello.AdmissionToken, clientHello.TokenProof); err != nil {
		return nil, fmt.Errorf("admission token validation failed: %w", err)
	}

	// Store peer's noise key
	h.peerKey = make([]byte, len(clientHello.NoiseKey))
	copy(h.peerKey, clientHello.NoiseKey)

	// Use the identity's key agreement key as our X25519 key
	copy(h.noiseKey, h.identity.KeyAgreementPrivateKey[:])

	// Create ServerHello
	hello := &ServerHello{
		Version:  protocolVersion,
		NetworkID: h.networkID,
		From:     h.identity.HexHash(),
		Nonce:    uint64(time.Now().UnixNano()), // Generate new nonce
		Caps:     []string{"chunks/1"},
		NoiseKey: h.identity.KeyAgreementPublicKey[:],
		SigningKey: h.identity.SigningPublicKey,
	}

	// Add PSK proof if configured
	if h.config.PSKConfig != nil {
		// Generate PSK proof over message without signature and PSK proof
		sigData, err := cborcanon.EncodeForSigning(hello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("failed to encode for PSK proof: %w", err)
		}

		hello.PSKProof = h.config.PSKConfig.GenerateProof(sigData)
	}

	// Sign the ServerHello (or re-sign if PSK was added)
	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("failed to sign ServerHello: %w", err)
	}

	h.complete = true
	return hello, nil
}

// ProcessServerHello processes a received ServerHello
func (h *Handshake) ProcessServerHello(serverHello *ServerHello) error {
	// Validate network id
	if serverHello.NetworkID != h.networkID {
		return fmt.Errorf("network id mismatch: expected %s, got %s", h.networkID, serverHello.NetworkID)
	}
	if serverHello.Version != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", serverHello.Version)
	}

	peerKey := ed25519.PublicKey(serverHello.SigningKey)
	if identity.HexHashFromPublicKey(peerKey) != serverHello.From {
		return fmt.Errorf("claimed hex hash does not match presented signing key")
	}
	if err := serverHello.Verify(peerKey); err != nil {
		return fmt.Errorf("ServerHello signature verification failed: %w", err)
	}

	// Validate PSK proof if configured
	if h.config.PSKConfig != nil {
		if len(serverHello.PSKProof) == 0 {
			return fmt.Errorf("PSK proof expected but not provided in ServerHello")
		}

		// Encode message for PSK verification (excluding signature and PSK proof)
		sigData, err := cborcanon.EncodeForSigning(serverHello, "proof", "psk_proof")
		if err != nil {
			return fmt.Errorf("failed to encode ServerHello for PSK verification: %w", err)
		}

		if !h.config.PSKConfig.VerifyProof(sigData, serverHello.PSKProof) {
			return fmt.Errorf("ServerHello PSK proof verification failed")
		}
	}

	// Store peer's noise key
	h.peerKey = make([]byte, len(serverHello.NoiseKey))
	copy(h.peerKey, serverHello.NoiseKey)

	h.complete = true
	return nil
}

// IsComplete returns true if the handshake is complete
func (h *Handshake) IsComplete() bool {
	return h.complete
}

// PerformHandshake performs the Noise IK handshake
func (h *Handshake) PerformHandshake(peerMessage []byte) ([]byte, error) {
	if h.noiseState == nil {
		return nil, fmt.Errorf("handshake state not initialized")
	}

	// Perform the handshake step
	message, cs1, cs2, err := h.noiseState.WriteMessage(nil, peerMessage)
	if err != nil {
		return nil, fmt.Errorf("handshake step failed: %w", err)
	}

	// Check if handshake is complete
	if cs1 != nil && cs2 != nil {
		h.complete = true
		// The resulting cipher states are not kept
	}

	return message, nil
}

// ReadHandshakeMessage reads and processes a handshake message
func (h *Handshake) ReadHandshakeMessage(message []byte) ([]byte, error) {
	if h.noiseState == nil {
		return nil, fmt.Errorf("handshake state not initialized")
	}

	// Read the handshake message
	payload, cs1, cs2, err := h.noiseState.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake message: %w", err)
	}

	// Check if handshake is complete
	if cs1 != nil && cs2 != nil {
		h.complete = true
		// The resulting cipher states are not kept
	}

	return payload, nil
}

// GetSessionKeys returns, once the handshake is complete, copies of this
// node's own X25519 key agreement private key (first) and public key
// (second). They are not derived from the Noise handshake and are not
// shared with the peer.
func (h *Handshake) GetSessionKeys() ([]byte, []byte, error) {
	if !h.complete {
		return nil, nil, fmt.Errorf("handshake not complete")
	}

	sendKey := make([]byte, 32)
	recvKey := make([]byte, 32)

	copy(sendKey, h.identity.KeyAgreementPrivateKey[:])
	copy(recvKey, h.identity.KeyAgreementPublicKey[:])

	return sendKey, recvKey, nil
}

// NextSendSequence returns the next sequence number for outgoing messages
func (h *Handshake) NextSendSequence() uint64 {
	return h.sequenceTracker.NextSendSequence()
}

// ValidateReceiveSequence validates an incoming message sequence number
// Returns true if the sequence is valid and not a replay
func (h *Handshake) ValidateReceiveSequence(sequence uint64) bool {
	return h.sequenceTracker.ValidateReceiveSequence(sequence)
}

// GetSequenceStats returns sequence tracking statistics for debugging
func (h *Handshake) GetSequenceStats() (sendSeq uint64, lastRecvSeq uint64) {
	return h.sequenceTracker.GetSendSequence(), h.sequenceTracker.GetLastReceivedSequence()
}
