package replication

import (
	"context"
	"time"

	"github.com/beenet-mesh/meshfs/pkg/wire"
)

// schedulerLoop is the single dedicated scheduler worker: once per tick,
// while no fetch is in flight, it takes at most one action against the
// desired table, then separately evicts any entry that has exceeded
// MaxAttempts.
func (e *Engine) schedulerLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	select {
	case e.linked <- struct{}{}:
		// acquired; a fetch may be initiated below, in which case the
		// goroutine we spawn owns releasing the semaphore. If no fetch
		// is initiated this tick, release it immediately.
	default:
		// a fetch is already in flight; skip this tick entirely.
		return
	}

	acted := e.actOnOneEntry()
	if !acted {
		<-e.linked
	}

	e.evictExhausted()
}

// actOnOneEntry scans the desired table in round-robin order and takes
// the first eligible action it finds: fetch from a known provider, or
// re-broadcast RH if no provider is known yet and the backoff has
// elapsed. It returns true if a fetch goroutine was spawned, in which case
// that goroutine owns releasing the linked semaphore.
func (e *Engine) actOnOneEntry() bool {
	e.mu.Lock()
	order := append([]string{}, e.order...)
	e.mu.Unlock()

	now := e.clock()

	for _, hash := range order {
		e.mu.Lock()
		entry, ok := e.desired[hash]
		if !ok {
			e.mu.Unlock()
			continue
		}

		if len(entry.Providers) > 0 {
			provider := entry.Providers[0]
			entry.Providers = append(entry.Providers[1:], provider)
			entry.Attempts++
			entry.EarliestNextTry = now.Add(e.cfg.RetryBackoff)
			e.rotateToBackLocked(hash)
			e.mu.Unlock()

			e.wg.Add(1)
			go e.runFetch(hash, provider)
			return true
		}

		if now.Before(entry.EarliestNextTry) {
			e.mu.Unlock()
			continue
		}

		entry.Attempts++
		entry.EarliestNextTry = now.Add(e.cfg.RetryBackoff)
		e.rotateToBackLocked(hash)
		e.mu.Unlock()

		frame, err := wire.EncodeBroadcast(wire.PrefixRequestHash, e.tp.HexHash(), hash)
		if err == nil {
			e.tp.BroadcastSend(frame)
		}
		return false
	}

	return false
}

// rotateToBackLocked moves hash to the back of e.order. Must be called
// with e.mu held.
func (e *Engine) rotateToBackLocked(hash string) {
	for i, h := range e.order {
		if h == hash {
			e.order = append(append(e.order[:i], e.order[i+1:]...), hash)
			return
		}
	}
}

// evictExhausted removes every desired entry whose Attempts has exceeded
// MaxAttempts.
func (e *Engine) evictExhausted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for hash, entry := range e.desired {
		if entry.Attempts > e.cfg.MaxAttempts {
			delete(e.desired, hash)
			for i, h := range e.order {
				if h == hash {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		}
	}
}

// runFetch drives one point-to-point fetch through
// LINKING -> REQUESTING -> INGESTING -> DONE/FAILED, releasing the linked
// semaphore on every exit path.
func (e *Engine) runFetch(hash, provider string) {
	defer e.wg.Done()
	defer func() { <-e.linked }()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LinkTimeout)
	defer cancel()

	link, err := e.tp.Link(ctx, provider)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("LINKING failed for %s via %s: %v", hash, provider, err)
		}
		return
	}
	defer link.Close()

	reqID := e.nextSeq()
	e.mu.Lock()
	e.inflight[reqID] = &inflightFetch{hash: hash, link: link, cancel: cancel}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, reqID)
		e.mu.Unlock()
	}()

	resp, err := link.Request(ctx, wire.PrefixRequestHash, []byte(hash))
	if err != nil {
		if e.log != nil {
			e.log.Warnf("REQUESTING failed for %s via %s: %v", hash, provider, err)
		}
		return
	}

	if err := e.idx.AddData(hash, resp); err != nil {
		if e.log != nil {
			e.log.Warnf("INGESTING failed for %s via %s: %v", hash, provider, err)
		}
		return
	}

	e.mu.Lock()
	delete(e.desired, hash)
	for i, h := range e.order {
		if h == hash {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}
