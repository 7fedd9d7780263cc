// Package overlay defines the Transport Adapter abstraction the
// replication engine is built against, and is the home for the concrete
// adapters in pkg/overlay/memtransport and pkg/overlay/quictransport.
package overlay

import "context"

// Transport is the minimal set of primitives the core requires from
// whatever mesh/overlay carries its traffic: best-effort identity
// announces, best-effort plain broadcasts, and point-to-point request
// links. No ordering or delivery guarantee is assumed for announces or
// broadcasts; RH/NP/NH handlers must tolerate duplicates.
type Transport interface {
	// Announce best-effort broadcasts a small payload tied to this
	// node's identity.
	Announce(appData []byte) error

	// BroadcastSend best-effort broadcasts a plain, identity-less packet.
	BroadcastSend(data []byte) error

	// OnBroadcast registers the handler invoked for every broadcast
	// packet this transport receives. Whether a node's own broadcasts
	// come back to it depends on the implementation: memtransport
	// delivers them to the sender too, quictransport does not.
	OnBroadcast(handler func(data []byte))

	// OnAnnounce registers the handler invoked for every peer identity
	// announce this transport observes, along with that peer's app-data.
	OnAnnounce(handler func(peerHexHash string, appData []byte))

	// Link opens a point-to-point session to target, identified by its
	// identity hex-hash. Establishment may block until link_up or ctx is
	// done.
	Link(ctx context.Context, target string) (Link, error)

	// OnIncomingLink registers the handler invoked whenever a peer opens
	// a link to this node.
	OnIncomingLink(handler func(Link))

	// HexHash returns this node's own identity hex-hash, the value other
	// nodes use as the target of Link and as the source field of
	// broadcasts this node emits.
	HexHash() string
}

// Link is an established point-to-point session with exactly one peer.
type Link interface {
	// Request sends one request and blocks for its response, matching
	// the core's single-outstanding-request-per-link usage.
	Request(ctx context.Context, method string, data []byte) ([]byte, error)

	// RemoteHexHash is the peer's identity hex-hash.
	RemoteHexHash() string

	// OnRequest registers the handler that answers requests the peer
	// sends over this link. Only meaningful on a link obtained via
	// OnIncomingLink; a link obtained via Link is for this node's own
	// outgoing requests.
	OnRequest(handler RequestHandler)

	// OnClosed registers the handler invoked once, when the link closes
	// for any reason (explicit Close, peer teardown, or transport
	// failure).
	OnClosed(handler func(reason error))

	// Close tears down the link.
	Close() error
}

// IncomingRequest is handed to the core's request handler for each
// request received over an accepted incoming Link.
type IncomingRequest struct {
	Method string
	Data   []byte
}

// RequestHandler answers a single incoming request with a response
// payload, or an error to report as a wire-level failure.
type RequestHandler func(ctx context.Context, req IncomingRequest) ([]byte, error)
