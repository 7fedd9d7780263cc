package noiseik

import (
	"crypto/rand"
	"testing"

	"github.com/beenet-mesh/meshfs/pkg/identity"
)

func TestClientHello_MarshalUnmarshal(t *testing.T) {
	testIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate test identity: %v", err)
	}

	hello := &ClientHello{
		Version:  1,
		NetworkID: "aaaaaaaaaaaaaaaaaa",
		From:     testIdentity.HexHash(),
		Nonce:    12345,
		Caps:     []string{"chunks/1"},
		NoiseKey: make([]byte, 32),
	}

	if _, err := rand.Read(hello.NoiseKey); err != nil {
		t.Fatalf("Failed to generate noise key: %v", err)
	}

	if err := hello.Sign(testIdentity.SigningPrivateKey); err != nil {
		t.Fatalf("Failed to sign ClientHello: %v", err)
	}

	data, err := hello.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal ClientHello: %v", err)
	}

	var decoded ClientHello
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatalf("Failed to unmarshal ClientHello: %v", err)
	}

	if decoded.Version != hello.Version {
		t.Errorf("Expected version %d, got %d", hello.Version, decoded.Version)
	}
	if decoded.NetworkID != hello.NetworkID {
		t.Errorf("Expected network id %s, got %s", hello.NetworkID, decoded.NetworkID)
	}
	if decoded.From != hello.From {
		t.Errorf("Expected from %s, got %s", hello.From, decoded.From)
	}
	if decoded.Nonce != hello.Nonce {
		t.Errorf("Expected nonce %d, got %d", hello.Nonce, decoded.Nonce)
	}
	if len(decoded.Caps) != len(hello.Caps) {
		t.Errorf("Expected %d capabilities, got %d", len(hello.Caps), len(decoded.Caps))
	}
	if len(decoded.NoiseKey) != len(hello.NoiseKey) {
		t.Errorf("Expected noise key length %d, got %d", len(hello.NoiseKey), len(decoded.NoiseKey))
	}

	if err := decoded.Verify(testIdentity.SigningPublicKey); err != nil {
		t.Errorf("Failed to verify ClientHello signature: %v", err)
	}
}

func TestServerHello_MarshalUnmarshal(t *testing.T) {
	testIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate test identity: %v", err)
	}

	hello := &ServerHello{
		Version:  1,
		NetworkID: "aaaaaaaaaaaaaaaaaa",
		From:     testIdentity.HexHash(),
		Nonce:    67890,
		Caps:     []string{"chunks/1"},
		NoiseKey: make([]byte, 32),
	}

	if _, err := rand.Read(hello.NoiseKey); err != nil {
		t.Fatalf("Failed to generate noise key: %v", err)
	}

	if err := hello.Sign(testIdentity.SigningPrivateKey); err != nil {
		t.Fatalf("Failed to sign ServerHello: %v", err)
	}

	data, err := hello.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal ServerHello: %v", err)
	}

	var decoded ServerHello
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatalf("Failed to unmarshal ServerHello: %v", err)
	}

	if decoded.Version != hello.Version {
		t.Errorf("Expected version %d, got %d", hello.Version, decoded.Version)
	}
	if decoded.NetworkID != hello.NetworkID {
		t.Errorf("Expected network id %s, got %s", hello.NetworkID, decoded.NetworkID)
	}
	if decoded.From != hello.From {
		t.Errorf("Expected from %s, got %s", hello.From, decoded.From)
	}
	if decoded.Nonce != hello.Nonce {
		t.Errorf("Expected nonce %d, got %d", hello.Nonce, decoded.Nonce)
	}

	if err := decoded.Verify(testIdentity.SigningPublicKey); err != nil {
		t.Errorf("Failed to verify ServerHello signature: %v", err)
	}
}

func TestHandshakeFlow(t *testing.T) {
	clientIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate client identity: %v", err)
	}

	serverIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate server identity: %v", err)
	}

	networkID := "aaaaaaaaaaaaaaaaaa"

	handshake := NewHandshake(clientIdentity, networkID)

	clientHello, err := handshake.CreateClientHello()
	if err != nil {
		t.Fatalf("Failed to create ClientHello: %v", err)
	}

	if err := clientHello.Verify(clientIdentity.SigningPublicKey); err != nil {
		t.Errorf("Failed to verify ClientHello: %v", err)
	}

	serverHandshake := NewHandshake(serverIdentity, networkID)
	serverHello, err := serverHandshake.ProcessClientHello(clientHello)
	if err != nil {
		t.Fatalf("Failed to process ClientHello: %v", err)
	}

	if err := serverHello.Verify(serverIdentity.SigningPublicKey); err != nil {
		t.Errorf("Failed to verify ServerHello: %v", err)
	}

	if err := handshake.ProcessServerHello(serverHello); err != nil {
		t.Fatalf("Failed to process ServerHello: %v", err)
	}

	if !handshake.IsComplete() {
		t.Error("Expected handshake to be complete")
	}
	if !serverHandshake.IsComplete() {
		t.Error("Expected server handshake to be complete")
	}
}

func TestInvalidSignature(t *testing.T) {
	testIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate test identity: %v", err)
	}

	wrongIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate wrong identity: %v", err)
	}

	hello := &ClientHello{
		Version:  1,
		NetworkID: "aaaaaaaaaaaaaaaaaa",
		From:     testIdentity.HexHash(),
		Nonce:    12345,
		Caps:     []string{"chunks/1"},
		NoiseKey: make([]byte, 32),
	}

	if err := hello.Sign(testIdentity.SigningPrivateKey); err != nil {
		t.Fatalf("Failed to sign ClientHello: %v", err)
	}

	if err := hello.Verify(wrongIdentity.SigningPublicKey); err == nil {
		t.Error("Expected verification to fail with wrong public key")
	}
}

func TestReplayProtection(t *testing.T) {
	testIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate test identity: %v", err)
	}

	networkID := "aaaaaaaaaaaaaaaaaa"

	handshake1 := NewHandshake(testIdentity, networkID)
	handshake2 := NewHandshake(testIdentity, networkID)

	hello1, err := handshake1.CreateClientHello()
	if err != nil {
		t.Fatalf("Failed to create first ClientHello: %v", err)
	}

	hello2, err := handshake2.CreateClientHello()
	if err != nil {
		t.Fatalf("Failed to create second ClientHello: %v", err)
	}

	if hello1.Nonce == hello2.Nonce {
		t.Error("Expected different nonces for replay protection")
	}
}

func TestNoiseIKHandshake(t *testing.T) {
	clientIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate client identity: %v", err)
	}

	serverIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate server identity: %v", err)
	}

	networkID := "aaaaaaaaaaaaaaaaaa"

	clientHandshake, err := NewClientHandshake(clientIdentity, networkID, serverIdentity.KeyAgreementPublicKey[:])
	if err != nil {
		t.Fatalf("Failed to create client handshake: %v", err)
	}

	serverHandshake, err := NewServerHandshake(serverIdentity, networkID)
	if err != nil {
		t.Fatalf("Failed to create server handshake: %v", err)
	}

	clientMsg1, err := clientHandshake.PerformHandshake(nil)
	if err != nil {
		t.Fatalf("Client handshake step 1 failed: %v", err)
	}

	_, err = serverHandshake.ReadHandshakeMessage(clientMsg1)
	if err != nil {
		t.Fatalf("Server failed to read client message: %v", err)
	}

	serverMsg1, err := serverHandshake.PerformHandshake(nil)
	if err != nil {
		t.Fatalf("Server handshake step 1 failed: %v", err)
	}

	_, err = clientHandshake.ReadHandshakeMessage(serverMsg1)
	if err != nil {
		t.Fatalf("Client failed to read server message: %v", err)
	}

	if !clientHandshake.IsComplete() {
		t.Error("Expected client handshake to be complete")
	}
	if !serverHandshake.IsComplete() {
		t.Error("Expected server handshake to be complete")
	}

	clientSendKey, clientRecvKey, err := clientHandshake.GetSessionKeys()
	if err != nil {
		t.Fatalf("Failed to get client session keys: %v", err)
	}

	serverSendKey, serverRecvKey, err := serverHandshake.GetSessionKeys()
	if err != nil {
		t.Fatalf("Failed to get server session keys: %v", err)
	}

	if len(clientSendKey) == 0 || len(clientRecvKey) == 0 {
		t.Error("Client session keys should not be empty")
	}
	if len(serverSendKey) == 0 || len(serverRecvKey) == 0 {
		t.Error("Server session keys should not be empty")
	}
}

func TestHandshakeWithSequenceTracking(t *testing.T) {
	clientIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate client identity: %v", err)
	}

	serverIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("Failed to generate server identity: %v", err)
	}

	networkID := "aaaaaaaaaaaaaaaaaa"

	clientHandshake := NewHandshake(clientIdentity, networkID)
	serverHandshake := NewHandshake(serverIdentity, networkID)

	seq1 := clientHandshake.NextSendSequence()
	seq2 := clientHandshake.NextSendSequence()
	seq3 := clientHandshake.NextSendSequence()

	if seq1 != 1 || seq2 != 2 || seq3 != 3 {
		t.Errorf("Expected sequences 1,2,3, got %d,%d,%d", seq1, seq2, seq3)
	}

	if !serverHandshake.ValidateReceiveSequence(1) {
		t.Error("Should accept sequence 1")
	}

	if !serverHandshake.ValidateReceiveSequence(3) {
		t.Error("Should accept sequence 3")
	}

	if !serverHandshake.ValidateReceiveSequence(2) {
		t.Error("Should accept sequence 2 (out of order)")
	}

	if serverHandshake.ValidateReceiveSequence(2) {
		t.Error("Should reject replayed sequence 2")
	}

	if serverHandshake.ValidateReceiveSequence(1) {
		t.Error("Should reject replayed sequence 1")
	}

	sendSeq, _ := clientHandshake.GetSequenceStats()
	if sendSeq != 3 {
		t.Errorf("Expected client send sequence 3, got %d", sendSeq)
	}

	_, serverLastRecv := serverHandshake.GetSequenceStats()
	if serverLastRecv != 3 {
		t.Errorf("Expected server last received sequence 3, got %d", serverLastRecv)
	}
}
