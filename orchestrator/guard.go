package orchestrator

import (
	"math/rand"
	"sync"
	"time"
)

// RateGuard enforces a minimum spacing between orchestrator calls of the
// same conversation, absorbing bursty chatter. The spacing carries a small
// jitter so synchronized retries spread out.
type RateGuard struct {
	mu        sync.Mutex
	lastCall  map[string]time.Time
	lastSweep time.Time

	spacing time.Duration
	jitter  time.Duration
	now     func() time.Time
}

func NewRateGuard(spacing, jitter time.Duration) *RateGuard {
	if spacing <= 0 {
		spacing = 400 * time.Millisecond
	}
	if jitter < 0 {
		jitter = 30 * time.Millisecond
	}
	return &RateGuard{
		lastCall: make(map[string]time.Time),
		spacing:  spacing,
		jitter:   jitter,
		now:      time.Now,
	}
}

// Allow returns false with a Retry-After hint when the conversation called
// again too soon.
func (g *RateGuard) Allow(conversationID string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweepLocked(now)
	minGap := g.spacing
	if g.jitter > 0 {
		minGap += time.Duration(rand.Int63n(2*int64(g.jitter))) - g.jitter
	}

	if last, ok := g.lastCall[conversationID]; ok {
		if elapsed := now.Sub(last); elapsed < minGap {
			return false, minGap - elapsed
		}
	}
	g.lastCall[conversationID] = now
	return true, 0
}

// sweepLocked evicts entries idle past the eviction window. An entry older
// than the spacing already admits every call, so dropping it only frees
// memory. Caller holds g.mu.
func (g *RateGuard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < time.Minute {
		return
	}
	g.lastSweep = now
	ttl := 10 * g.spacing
	if ttl < time.Minute {
		ttl = time.Minute
	}
	for id, last := range g.lastCall {
		if now.Sub(last) > ttl {
			delete(g.lastCall, id)
		}
	}
}

// Forget drops the conversation's entry, for closed sessions.
func (g *RateGuard) Forget(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastCall, conversationID)
}
