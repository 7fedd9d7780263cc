package replication

import (
	"context"
	"time"

	"github.com/beenet-mesh/meshfs/pkg/wire"
)

// announceLoop periodically broadcasts this node's identity announce
// carrying its current source checksum, letting peers detect drift
// without waiting for an RH/NH to arrive.
func (e *Engine) announceLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.announceOnce()
		}
	}
}

func (e *Engine) announceOnce() {
	checksum, err := e.idx.GetSourceChecksum(e.idx.SourceHash())
	if err != nil {
		if e.log != nil {
			e.log.Warnf("announce: compute checksum: %v", err)
		}
		return
	}
	if err := e.tp.Announce(wire.ChecksumAnnounceData(checksum)); err != nil {
		if e.log != nil {
			e.log.Warnf("announce: send: %v", err)
		}
	}
}
