// Package ratelimit guards the WebSocket upgrade endpoint against
// connect storms and runaway per-client session counts.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Guard combines an upgrade-rate limit with a cap on concurrently
// live sessions, both tracked per client key. A guacd session is
// expensive (it holds a TCP connection and a remote desktop for its
// whole lifetime), so capping live sessions matters as much as
// smoothing the connect rate.
type Guard struct {
	mu      sync.Mutex
	clients map[string]*client

	rate        rate.Limit
	burst       int
	maxSessions int

	idleAfter time.Duration
	lastSweep time.Time
}

type client struct {
	limiter  *rate.Limiter
	active   int
	lastSeen time.Time
}

// NewGuard allows each client key r new connections per second (burst
// b) and at most maxSessions concurrently live sessions.
func NewGuard(r rate.Limit, b, maxSessions int) *Guard {
	return &Guard{
		clients:     make(map[string]*client),
		rate:        r,
		burst:       b,
		maxSessions: maxSessions,
		idleAfter:   3 * time.Minute,
	}
}

// Acquire reserves a session slot for key. It returns false when the
// key is connecting faster than its limit or already sits at its
// concurrent-session cap; the caller must not serve the connection
// and must not call Release.
func (g *Guard) Acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked()

	c, ok := g.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(g.rate, g.burst)}
		g.clients[key] = c
	}
	c.lastSeen = time.Now()

	if c.active >= g.maxSessions || !c.limiter.Allow() {
		return false
	}
	c.active++
	return true
}

// Release returns a previously acquired session slot.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[key]; ok && c.active > 0 {
		c.active--
		c.lastSeen = time.Now()
	}
}

// sweepLocked drops entries with no live sessions that haven't been
// seen recently. Running it inline on Acquire keeps the map bounded
// without a background goroutine per Guard.
func (g *Guard) sweepLocked() {
	now := time.Now()
	if now.Sub(g.lastSweep) < g.idleAfter {
		return
	}
	g.lastSweep = now
	for key, c := range g.clients {
		if c.active == 0 && now.Sub(c.lastSeen) > g.idleAfter {
			delete(g.clients, key)
		}
	}
}
