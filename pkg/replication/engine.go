// Package replication implements the broadcast-driven discovery protocol,
// the desired-hash scheduler, the point-to-point fetch state machine, and
// the announce/checksum loop that together keep a node's index converging
// with its peers.
package replication

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beenet-mesh/meshfs/pkg/index"
	"github.com/beenet-mesh/meshfs/pkg/log"
	"github.com/beenet-mesh/meshfs/pkg/overlay"
	"github.com/beenet-mesh/meshfs/pkg/wire"
)

// Config holds the Engine's tunables. Zero values are replaced with the
// defaults below, following the nil-then-constant-fallback idiom used
// throughout this stack's other constructors.
type Config struct {
	// TickInterval is how often the scheduler considers the desired
	// table. Default 1s.
	TickInterval time.Duration
	// RetryBackoff is added to now to compute a desired entry's next
	// eligible retry after an action is taken against it. Default 60s.
	RetryBackoff time.Duration
	// MaxAttempts is the number of scheduler actions an entry tolerates
	// before being dropped. Default 5.
	MaxAttempts int
	// LinkTimeout bounds how long LINKING may wait for link
	// establishment. Default 10s.
	LinkTimeout time.Duration
	// AnnounceInterval is how often the checksum announce loop fires.
	// Default 120s.
	AnnounceInterval time.Duration
	// NPDelayMin/NPDelayMax bound the randomized delay before replying to
	// an RH with an NP. Defaults 30s/60s.
	NPDelayMin, NPDelayMax time.Duration
	// NPDelaySelf is the reduced delay used when this node is the
	// originating SRC of the requested hash. Default 5s.
	NPDelaySelf time.Duration

	// AllowAll serves any peer's RH without consulting AllowedPeers.
	AllowAll bool
	// AllowedPeers is the set of peer hex-hashes permitted to request
	// and receive content when AllowAll is false.
	AllowedPeers map[string]struct{}
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 60 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.LinkTimeout == 0 {
		c.LinkTimeout = 10 * time.Second
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = 120 * time.Second
	}
	if c.NPDelayMin == 0 {
		c.NPDelayMin = 30 * time.Second
	}
	if c.NPDelayMax == 0 {
		c.NPDelayMax = 60 * time.Second
	}
	if c.NPDelaySelf == 0 {
		c.NPDelaySelf = 5 * time.Second
	}
	if c.AllowedPeers == nil {
		c.AllowedPeers = make(map[string]struct{})
	}
	return c
}

// DesiredEntry tracks one hash this node wants to obtain.
type DesiredEntry struct {
	Providers       []string
	Attempts        int
	EarliestNextTry time.Time
}

// inflightFetch is the bookkeeping runFetch registers for the hash it is
// currently fetching, so Cancel can reach in and tear the fetch down
// instead of merely forgetting it was ever desired.
type inflightFetch struct {
	hash   string
	link   overlay.Link
	cancel context.CancelFunc
}

// Engine is the replication engine for one node.
type Engine struct {
	cfg   Config
	idx   *index.Index
	tp    overlay.Transport
	clock func() time.Time
	log   *log.Logger

	mu      sync.Mutex
	desired map[string]*DesiredEntry
	// order holds the same keys as desired, in round-robin traversal
	// order: the scheduler rotates an entry to the back of order whenever
	// it acts on it, so fairness holds across entries competing for the
	// single in-flight link.
	order    []string
	inflight map[uint64]*inflightFetch

	// linked is a capacity-1 semaphore: at most one point-to-point link
	// is tolerated system-wide, matching §5's backpressure rule.
	linked chan struct{}

	seq uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Engine over idx, driven by tp.
func New(idx *index.Index, tp overlay.Transport, cfg Config, logger *log.Logger) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		idx:      idx,
		tp:       tp,
		clock:    time.Now,
		log:      logger,
		desired:  make(map[string]*DesiredEntry),
		inflight: make(map[uint64]*inflightFetch),
		linked:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	idx.OnNewHash = e.onNewHash
	return e
}

// Start wires transport handlers and launches the scheduler and announce
// goroutines. Start must be called at most once.
func (e *Engine) Start(ctx context.Context) {
	e.tp.OnBroadcast(e.handleBroadcast)
	e.tp.OnAnnounce(e.handleAnnounce)
	e.tp.OnIncomingLink(e.handleIncomingLink)

	e.wg.Add(2)
	go e.schedulerLoop(ctx)
	go e.announceLoop(ctx)
}

// Stop halts the scheduler and announce loops and waits for them to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) isAllowed(peerHexHash string) bool {
	if e.cfg.AllowAll {
		return true
	}
	_, ok := e.cfg.AllowedPeers[peerHexHash]
	return ok
}

func (e *Engine) nextSeq() uint64 {
	return atomic.AddUint64(&e.seq, 1)
}

// onNewHash is the Update Notifier: invoked synchronously by the index
// whenever AddNodeDict inserts a previously unseen hash.
func (e *Engine) onNewHash(hash string) {
	n := e.idx.GetNodeObj(hash)
	if n == nil {
		return
	}
	if (n.Type.String() == "CHUNK" || n.Type.String() == "FILE") && !e.idx.CheckIsStored(hash) {
		e.DesireHash(hash)
	}
}

// handleBroadcast dispatches an incoming RH/NP/NH frame.
func (e *Engine) handleBroadcast(data []byte) {
	prefix, source, hash, ok := wire.DecodeBroadcast(data)
	if !ok {
		return
	}
	switch prefix {
	case wire.PrefixRequestHash:
		e.handleRH(source, hash)
	case wire.PrefixNodePresent:
		e.handleNP(source, hash)
	case wire.PrefixNewHash:
		e.handleNH(source, hash)
	}
}

// handleAnnounce dispatches an incoming identity announce, extracting a
// checksum if the app-data carries one.
func (e *Engine) handleAnnounce(peerHexHash string, appData []byte) {
	checksum, ok := wire.ParseChecksumAnnounce(appData)
	if !ok {
		return
	}
	local, err := e.idx.GetSourceChecksum(peerHexHash)
	if err != nil || local != checksum {
		e.DesireHash(peerHexHash)
	}
}

// handleRH answers a peer's request for hash with a randomized-delay NP,
// provided the peer is authorized and we actually have the content.
func (e *Engine) handleRH(source, hash string) {
	n := e.idx.GetNodeObj(hash)
	if n == nil {
		return
	}
	if !e.isAllowed(source) {
		return
	}
	if n.Type.String() == "CHUNK" && !e.idx.CheckIsStored(hash) {
		return
	}

	delay := e.cfg.NPDelayMin
	if span := int64(e.cfg.NPDelayMax - e.cfg.NPDelayMin); span > 0 {
		delay += time.Duration(rand.Int63n(span))
	}
	if hash == e.idx.SourceHash() {
		delay = e.cfg.NPDelaySelf
	}
	e.scheduleDelayedNP(hash, delay)
}

// scheduleDelayedNP spawns a short-lived goroutine that sleeps for delay
// and then broadcasts an NP for hash, unless the node has since vanished
// from the index.
func (e *Engine) scheduleDelayedNP(hash string, delay time.Duration) {
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-e.stopCh:
			return
		}
		if e.idx.GetNodeObj(hash) == nil {
			return
		}
		frame, err := wire.EncodeBroadcast(wire.PrefixNodePresent, e.tp.HexHash(), hash)
		if err != nil {
			return
		}
		e.tp.BroadcastSend(frame)
	}()
}

// handleNP records a candidate provider for a desired hash.
func (e *Engine) handleNP(source, hash string) {
	if !e.isAllowed(source) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.desired[hash]
	if !ok {
		return
	}
	entry.Providers = append(entry.Providers, source)
}

// handleNH enqueues hash as desired and immediately re-broadcasts an RH
// for it, matching a peer's announcement of a new subtree node.
func (e *Engine) handleNH(source, hash string) {
	if !e.isAllowed(source) {
		return
	}
	e.DesireHash(hash)
}

// DesireHash enqueues hash into the desired table if it is not already
// present, and emits an RH broadcast for it. Calling it twice for the
// same hash is idempotent: the second call neither resets nor duplicates
// the entry.
func (e *Engine) DesireHash(hash string) {
	e.mu.Lock()
	_, exists := e.desired[hash]
	if !exists {
		e.desired[hash] = &DesiredEntry{EarliestNextTry: e.clock()}
		e.order = append(e.order, hash)
	}
	e.mu.Unlock()

	if exists {
		if e.log != nil {
			e.log.Debugf("already desiring %s, not re-enqueuing", hash)
		}
		return
	}

	frame, err := wire.EncodeBroadcast(wire.PrefixRequestHash, e.tp.HexHash(), hash)
	if err != nil {
		return
	}
	e.tp.BroadcastSend(frame)
}

// Cancel removes hash from the desired table and tears down any in-flight
// link whose request is fetching it: its context is canceled and its link
// closed, unblocking runFetch's outstanding link.Request and releasing the
// linked semaphore through runFetch's own deferred cleanup.
func (e *Engine) Cancel(hash string) {
	e.mu.Lock()
	delete(e.desired, hash)
	for i, h := range e.order {
		if h == hash {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	var toClose []*inflightFetch
	for _, f := range e.inflight {
		if f.hash == hash {
			toClose = append(toClose, f)
		}
	}
	e.mu.Unlock()

	for _, f := range toClose {
		f.cancel()
		f.link.Close()
	}
}

// Desired reports whether hash is currently in the desired table, for
// tests and the admin status endpoint.
func (e *Engine) Desired(hash string) (DesiredEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.desired[hash]
	if !ok {
		return DesiredEntry{}, false
	}
	return *entry, true
}

// DesiredCount returns the number of hashes currently desired.
func (e *Engine) DesiredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.desired)
}
