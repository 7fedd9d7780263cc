// Package quictransport implements overlay.Transport over real QUIC
// sockets: self-signed TLS 1.3 for transport confidentiality (grounded on
// pkg/transport/quic's ALPN-negotiated quic-go wrapper), with a noiseik
// hello exchange layered on top to bind each connection to the peer's
// identity hex-hash, since a self-signed certificate alone only proves
// possession of some key pair, not which one.
package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/beenet-mesh/meshfs/pkg/identity"
	"github.com/beenet-mesh/meshfs/pkg/log"
	"github.com/beenet-mesh/meshfs/pkg/overlay"
	"github.com/beenet-mesh/meshfs/pkg/security/noiseik"
	"github.com/quic-go/quic-go"
)

const alpn = "meshfs/1"

var quicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

// Transport is an overlay.Transport backed by one QUIC listener and a set
// of dialed-out-or-accepted peer connections, each multiplexing broadcast,
// announce, and request/response streams.
type Transport struct {
	id        *identity.Identity
	networkID string
	tlsConf   *tls.Config
	listener  *quic.Listener
	log       *log.Logger

	dedup *broadcastDedup

	mu    sync.Mutex
	seeds map[string]string // hex hash -> dial address
	peers map[string]*quic.Conn

	broadcastHooks []func([]byte)
	announceHooks  []func(string, []byte)
	linkHooks      []func(overlay.Link)
}

// New creates a Transport bound to listenAddr. networkID is the source
// hash of the tree this node replicates, and is what noiseik checks every
// peer's hello against before a connection is trusted.
func New(id *identity.Identity, networkID, listenAddr string, logger *log.Logger) (*Transport, error) {
	tlsConf, err := selfSignedTLSConfig(id)
	if err != nil {
		return nil, err
	}

	listener, err := quic.ListenAddr(listenAddr, tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quictransport: listen on %s: %w", listenAddr, err)
	}

	t := &Transport{
		id:        id,
		networkID: networkID,
		tlsConf:   tlsConf,
		listener:  listener,
		log:       logger,
		dedup:     newBroadcastDedup(),
		seeds:     make(map[string]string),
		peers:     make(map[string]*quic.Conn),
	}
	return t, nil
}

func (t *Transport) HexHash() string { return t.id.HexHash() }

// Addr reports the address the QUIC listener is bound to.
func (t *Transport) Addr() string { return t.listener.Addr().String() }

// AddSeed records a dial address for a peer's hex hash. Seeds are dialed
// lazily, the first time Link targets them; BroadcastSend and Announce
// reach only peers that are already connected.
func (t *Transport) AddSeed(hexHash, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seeds[hexHash] = addr
}

// Run accepts incoming connections until ctx is done.
func (t *Transport) Run(ctx context.Context) error {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go t.handleConn(ctx, conn, false)
	}
}

// Close shuts down the listener and every live connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	conns := make([]*quic.Conn, 0, len(t.peers))
	for _, c := range t.peers {
		conns = append(conns, c)
	}
	t.peers = make(map[string]*quic.Conn)
	t.mu.Unlock()

	for _, c := range conns {
		c.CloseWithError(0, "transport closed")
	}
	return t.listener.Close()
}

func (t *Transport) OnBroadcast(handler func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcastHooks = append(t.broadcastHooks, handler)
}

func (t *Transport) OnAnnounce(handler func(peerHexHash string, appData []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.announceHooks = append(t.announceHooks, handler)
}

func (t *Transport) OnIncomingLink(handler func(overlay.Link)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linkHooks = append(t.linkHooks, handler)
}

// connectedPeers snapshots the currently established connections.
func (t *Transport) connectedPeers() map[string]*quic.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[string]*quic.Conn, len(t.peers))
	for k, v := range t.peers {
		snap[k] = v
	}
	return snap
}

// BroadcastSend best-effort fans a plain packet out to every currently
// connected peer. Peers this node has never linked or dialed are not
// reached; the gossip nature of RH/NP/NH retransmission papers over the
// gaps as the mesh of established links grows.
func (t *Transport) BroadcastSend(data []byte) error {
	for hexHash, conn := range t.connectedPeers() {
		if err := t.sendOneShot(conn, kindBroadcast, data); err != nil && t.log != nil {
			t.log.Warnf("quictransport: broadcast to %s failed: %v", hexHash, err)
		}
	}
	return nil
}

// Announce best-effort fans this node's identity announce out to every
// currently connected peer.
func (t *Transport) Announce(appData []byte) error {
	for hexHash, conn := range t.connectedPeers() {
		if err := t.sendOneShot(conn, kindAnnounce, appData); err != nil && t.log != nil {
			t.log.Warnf("quictransport: announce to %s failed: %v", hexHash, err)
		}
	}
	return nil
}

func (t *Transport) sendOneShot(conn *quic.Conn, kind byte, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	return writeFrame(stream, kind, payload)
}

// Link opens (dialing and handshaking first, if necessary) a point-to-
// point session to target.
func (t *Transport) Link(ctx context.Context, target string) (overlay.Link, error) {
	conn, err := t.connFor(ctx, target)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open request stream to %s: %w", target, err)
	}
	return newOutboundLink(stream, target), nil
}

func (t *Transport) connFor(ctx context.Context, target string) (*quic.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.peers[target]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	addr, ok := t.seeds[target]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("quictransport: no known address for peer %s", target)
	}
	return t.dial(ctx, target, addr)
}

func (t *Transport) dial(ctx context.Context, target, addr string) (*quic.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quictransport: dial %s: %w", addr, err)
	}

	remoteHex, err := t.clientHandshake(ctx, conn)
	if err != nil {
		conn.CloseWithError(1, "handshake failed")
		return nil, err
	}
	if remoteHex != target {
		conn.CloseWithError(1, "identity mismatch")
		return nil, fmt.Errorf("quictransport: dialed %s but peer identified as %s", target, remoteHex)
	}

	t.mu.Lock()
	t.peers[remoteHex] = conn
	t.mu.Unlock()

	go t.handleConn(ctx, conn, true)
	return conn, nil
}

// clientHandshake performs the outbound half of the noiseik hello
// exchange over a dedicated handshake stream, which is then closed; the
// connection's remaining streams carry broadcasts, announces, and links.
func (t *Transport) clientHandshake(ctx context.Context, conn *quic.Conn) (string, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return "", fmt.Errorf("quictransport: open handshake stream: %w", err)
	}
	defer stream.Close()

	h := noiseik.NewHandshake(t.id, t.networkID)
	clientHello, err := h.CreateClientHello()
	if err != nil {
		return "", fmt.Errorf("quictransport: create client hello: %w", err)
	}
	data, err := clientHello.Marshal()
	if err != nil {
		return "", err
	}
	if err := writeFrame(stream, kindHandshakeClient, data); err != nil {
		return "", fmt.Errorf("quictransport: send client hello: %w", err)
	}

	kind, payload, err := readFrame(stream)
	if err != nil {
		return "", fmt.Errorf("quictransport: read server hello: %w", err)
	}
	if kind != kindHandshakeServer {
		return "", fmt.Errorf("quictransport: expected server hello, got frame kind %d", kind)
	}
	var serverHello noiseik.ServerHello
	if err := serverHello.Unmarshal(payload); err != nil {
		return "", fmt.Errorf("quictransport: decode server hello: %w", err)
	}
	if err := h.ProcessServerHello(&serverHello); err != nil {
		return "", fmt.Errorf("quictransport: server hello rejected: %w", err)
	}

	return serverHello.From, nil
}

// handleConn runs the accept-side handshake (if inbound) and then services
// every subsequent stream the peer opens until the connection closes.
func (t *Transport) handleConn(ctx context.Context, conn *quic.Conn, alreadyHandshaked bool) {
	remoteHex := ""
	if !alreadyHandshaked {
		hex, err := t.serverHandshake(ctx, conn)
		if err != nil {
			if t.log != nil {
				t.log.Warnf("quictransport: inbound handshake failed: %v", err)
			}
			conn.CloseWithError(1, "handshake failed")
			return
		}
		remoteHex = hex
		t.mu.Lock()
		t.peers[remoteHex] = conn
		t.mu.Unlock()
	} else {
		remoteHex = t.peerHexFor(conn)
	}

	defer func() {
		t.mu.Lock()
		if t.peers[remoteHex] == conn {
			delete(t.peers, remoteHex)
		}
		t.mu.Unlock()
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go t.handleStream(remoteHex, stream)
	}
}

func (t *Transport) peerHexFor(conn *quic.Conn) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for hex, c := range t.peers {
		if c == conn {
			return hex
		}
	}
	return ""
}

func (t *Transport) serverHandshake(ctx context.Context, conn *quic.Conn) (string, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return "", fmt.Errorf("quictransport: accept handshake stream: %w", err)
	}
	defer stream.Close()

	kind, payload, err := readFrame(stream)
	if err != nil {
		return "", fmt.Errorf("quictransport: read client hello: %w", err)
	}
	if kind != kindHandshakeClient {
		return "", fmt.Errorf("quictransport: expected client hello, got frame kind %d", kind)
	}
	var clientHello noiseik.ClientHello
	if err := clientHello.Unmarshal(payload); err != nil {
		return "", fmt.Errorf("quictransport: decode client hello: %w", err)
	}

	h := noiseik.NewHandshake(t.id, t.networkID)
	serverHello, err := h.ProcessClientHello(&clientHello)
	if err != nil {
		return "", fmt.Errorf("quictransport: client hello rejected: %w", err)
	}

	data, err := serverHello.Marshal()
	if err != nil {
		return "", err
	}
	if err := writeFrame(stream, kindHandshakeServer, data); err != nil {
		return "", fmt.Errorf("quictransport: send server hello: %w", err)
	}

	return clientHello.From, nil
}

// handleStream dispatches one peer-opened stream by the kind of its
// first frame: a one-shot broadcast/announce, or the first frame of a
// request/response link.
func (t *Transport) handleStream(remoteHex string, stream *quic.Stream) {
	kind, payload, err := readFrame(stream)
	if err != nil {
		stream.Close()
		return
	}

	switch kind {
	case kindBroadcast:
		stream.Close()
		if t.dedup.seenBefore(payload) {
			return
		}
		t.mu.Lock()
		hooks := append([]func([]byte){}, t.broadcastHooks...)
		t.mu.Unlock()
		for _, h := range hooks {
			h(payload)
		}
	case kindAnnounce:
		stream.Close()
		t.mu.Lock()
		hooks := append([]func(string, []byte){}, t.announceHooks...)
		t.mu.Unlock()
		for _, h := range hooks {
			h(remoteHex, payload)
		}
	case kindRequest:
		l := newInboundLink(stream, remoteHex)
		l.deliverFirstRequest(payload)
		t.mu.Lock()
		hooks := append([]func(overlay.Link){}, t.linkHooks...)
		t.mu.Unlock()
		for _, h := range hooks {
			h(l)
		}
		if l.isClosed() {
			// A hook (e.g. busy-linked backpressure) already tore this
			// link down; nothing left to serve.
			return
		}
		l.serve()
	default:
		stream.Close()
	}
}
