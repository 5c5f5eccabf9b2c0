// Package ratelimit spaces out submissions per portal and remembers
// portals that blocked us.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate holds one limiter per portal id. All submissions to a portal wait
// on the same limiter, whichever attempt they belong to.
type Gate struct {
	mu      sync.Mutex
	m       map[string]*rate.Limiter
	blocked map[string]time.Time
	every   time.Duration
	now     func() time.Time
}

// NewGate allows one submission per interval per portal. A zero interval
// disables spacing.
func NewGate(interval time.Duration) *Gate {
	return &Gate{
		m:       make(map[string]*rate.Limiter),
		blocked: make(map[string]time.Time),
		every:   interval,
		now:     time.Now,
	}
}

func (g *Gate) limiterFor(portal string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if lim, ok := g.m[portal]; ok {
		return lim
	}
	limit := rate.Inf
	if g.every > 0 {
		limit = rate.Every(g.every)
	}
	lim := rate.NewLimiter(limit, 1)
	g.m[portal] = lim
	return lim
}

// Wait blocks until portal may take another submission or ctx is done.
func (g *Gate) Wait(ctx context.Context, portal string) error {
	return g.limiterFor(portal).Wait(ctx)
}

// Block halts further submissions to portal.
func (g *Gate) Block(portal string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.blocked[portal]; !ok {
		g.blocked[portal] = g.now()
	}
}

func (g *Gate) Blocked(portal string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocked[portal]
	return ok
}

// BlockedPortals returns halted portals and when they were halted.
func (g *Gate) BlockedPortals() map[string]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]time.Time, len(g.blocked))
	for k, v := range g.blocked {
		out[k] = v
	}
	return out
}
