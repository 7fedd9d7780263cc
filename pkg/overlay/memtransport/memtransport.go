// Package memtransport implements an in-process overlay.Transport used by
// the replication engine's own tests: a shared registry plays the role of
// the mesh, delivering announces, broadcasts, and links directly between
// Transport instances without any real networking.
package memtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/beenet-mesh/meshfs/pkg/overlay"
)

// Network is the shared medium a set of Transports register on. Tests
// create one Network and attach every simulated node's Transport to it.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Transport
}

// NewNetwork creates an empty simulated network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Transport)}
}

func (n *Network) register(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.hexHash] = t
}

// Transport is a Network-attached overlay.Transport.
type Transport struct {
	net     *Network
	hexHash string

	mu             sync.Mutex
	broadcastHooks []func([]byte)
	announceHooks  []func(string, []byte)
	linkHooks      []func(overlay.Link)
}

// New creates a Transport identified by hexHash and attaches it to net.
func New(net *Network, hexHash string) *Transport {
	t := &Transport{net: net, hexHash: hexHash}
	net.register(t)
	return t
}

func (t *Transport) HexHash() string { return t.hexHash }

func (t *Transport) Announce(appData []byte) error {
	t.net.mu.Lock()
	peers := make([]*Transport, 0, len(t.net.nodes))
	for _, p := range t.net.nodes {
		if p != t {
			peers = append(peers, p)
		}
	}
	t.net.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		hooks := append([]func(string, []byte){}, p.announceHooks...)
		p.mu.Unlock()
		for _, h := range hooks {
			h(t.hexHash, appData)
		}
	}
	return nil
}

func (t *Transport) BroadcastSend(data []byte) error {
	t.net.mu.Lock()
	peers := make([]*Transport, 0, len(t.net.nodes))
	for _, p := range t.net.nodes {
		peers = append(peers, p)
	}
	t.net.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		hooks := append([]func([]byte){}, p.broadcastHooks...)
		p.mu.Unlock()
		for _, h := range hooks {
			h(data)
		}
	}
	return nil
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

func (t *Transport) Link(ctx context.Context, target string) (overlay.Link, error) {
	t.net.mu.Lock()
	peer, ok := t.net.nodes[target]
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memtransport: unknown peer %s", target)
	}

	clientSide, serverSide := newLinkPair(t.hexHash, peer.hexHash)

	peer.mu.Lock()
	hooks := append([]func(overlay.Link){}, peer.linkHooks...)
	peer.mu.Unlock()
	for _, h := range hooks {
		h(serverSide)
	}

	return clientSide, nil
}

// link is one end of an in-memory point-to-point session; the two ends
// share nothing but the request handler pointer so Request calls on one
// side synchronously invoke the handler registered on the other.
type link struct {
	selfHexHash, peerHexHash string
	peer                     *link

	mu        sync.Mutex
	handler   overlay.RequestHandler
	closed    bool
	onClosed  []func(error)
}

func newLinkPair(a, b string) (*link, *link) {
	la := &link{selfHexHash: a, peerHexHash: b}
	lb := &link{selfHexHash: b, peerHexHash: a}
	la.peer = lb
	lb.peer = la
	return la, lb
}

func (l *link) RemoteHexHash() string { return l.peerHexHash }

func (l *link) OnRequest(handler overlay.RequestHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

func (l *link) OnClosed(handler func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClosed = append(l.onClosed, handler)
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	hooks := append([]func(error){}, l.onClosed...)
	l.mu.Unlock()
	for _, h := range hooks {
		h(nil)
	}
	return nil
}

func (l *link) Request(ctx context.Context, method string, data []byte) ([]byte, error) {
	l.peer.mu.Lock()
	closed := l.peer.closed
	handler := l.peer.handler
	l.peer.mu.Unlock()

	if closed {
		return nil, errors.New("memtransport: link closed")
	}
	if handler == nil {
		return nil, errors.New("memtransport: peer has no request handler registered")
	}
	return handler(ctx, overlay.IncomingRequest{Method: method, Data: data})
}
