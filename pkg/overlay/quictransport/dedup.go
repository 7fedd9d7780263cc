package quictransport

import (
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// dedupTTL is how long a broadcast's digest is remembered before it can be
// delivered again, mirroring the teacher gossip layer's seenMessages TTL.
const dedupTTL = 10 * time.Minute

// broadcastDedup suppresses re-delivery of a broadcast this transport has
// already handed to its hooks, keyed by a fast non-content-addressing
// digest of the raw wire bytes. This is independent of the SHA-224
// content-identity hashes pkg/hasher mints: those identify tree nodes,
// this just recognizes "I've already seen these exact wire bytes."
type broadcastDedup struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time
}

func newBroadcastDedup() *broadcastDedup {
	return &broadcastDedup{seen: make(map[[32]byte]time.Time)}
}

// seenBefore reports whether payload was already marked seen within the
// TTL window, marking it seen as a side effect either way.
func (d *broadcastDedup) seenBefore(payload []byte) bool {
	digest := blake3.Sum256(payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if ts, ok := d.seen[digest]; ok && now.Sub(ts) < dedupTTL {
		return true
	}
	d.seen[digest] = now
	d.cleanupLocked(now)
	return false
}

// cleanupLocked evicts expired entries. Called with mu held.
func (d *broadcastDedup) cleanupLocked(now time.Time) {
	for digest, ts := range d.seen {
		if now.Sub(ts) > dedupTTL {
			delete(d.seen, digest)
		}
	}
}
