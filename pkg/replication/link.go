package replication

import (
	"context"
	"fmt"

	"github.com/beenet-mesh/meshfs/pkg/overlay"
	"github.com/beenet-mesh/meshfs/pkg/wire"
)

// handleIncomingLink wires a request handler onto an accepted incoming
// link: the only method served is "RH", answering with whatever the
// content index returns for the requested hash. §5's "no two concurrent
// links at any instant" rule runs both ways: if an outbound fetch already
// holds the linked semaphore, the incoming link is torn down immediately
// instead of being served; otherwise this link now holds the semaphore
// itself, for as long as it stays open, blocking any new outbound fetch or
// further incoming link until it closes.
func (e *Engine) handleIncomingLink(l overlay.Link) {
	select {
	case e.linked <- struct{}{}:
	default:
		if e.log != nil {
			e.log.Debugf("rejecting incoming link from %s: a link is already in flight", l.RemoteHexHash())
		}
		l.Close()
		return
	}
	l.OnClosed(func(error) { <-e.linked })

	if e.log != nil {
		e.log.Debugf("incoming link from %s", l.RemoteHexHash())
	}
	l.OnRequest(func(ctx context.Context, req overlay.IncomingRequest) ([]byte, error) {
		if req.Method != wire.PrefixRequestHash {
			return nil, fmt.Errorf("replication: unsupported method %q", req.Method)
		}
		if !e.isAllowed(l.RemoteHexHash()) {
			return nil, fmt.Errorf("replication: peer %s not authorized", l.RemoteHexHash())
		}
		return e.idx.GetNode(string(req.Data))
	})
}
