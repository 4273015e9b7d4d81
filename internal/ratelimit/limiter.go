// Package ratelimit provides the token-bucket limiters guarding
// connection acceptance and per-user command throughput, adapted from the
// corpus's connection rate limiter down to the two knobs this server
// needs (§5: "shared-resource policy").
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiter enforces a per-IP and a global token bucket over new
// TCP connection attempts across all three channels.
type ConnectionLimiter struct {
	mu       sync.Mutex
	perIP    map[string]*entry
	ipBurst  int
	ipRate   rate.Limit
	ipTTL    time.Duration
	global   *rate.Limiter
	lastSwept time.Time
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewConnectionLimiter(ipBurst int, ipPerSec float64, globalBurst int, globalPerSec float64, ipTTL time.Duration) *ConnectionLimiter {
	if ipTTL <= 0 {
		ipTTL = 5 * time.Minute
	}
	return &ConnectionLimiter{
		perIP:     make(map[string]*entry),
		ipBurst:   ipBurst,
		ipRate:    rate.Limit(ipPerSec),
		ipTTL:     ipTTL,
		global:    rate.NewLimiter(rate.Limit(globalPerSec), globalBurst),
		lastSwept: time.Now(),
	}
}

// Allow reports whether a new connection from ip should be admitted.
func (c *ConnectionLimiter) Allow(ip string) bool {
	if !c.global.Allow() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.perIP[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(c.ipRate, c.ipBurst)}
		c.perIP[ip] = e
	}
	e.lastAccess = time.Now()

	c.sweepLocked()
	return e.limiter.Allow()
}

// sweepLocked evicts IP entries untouched for longer than ipTTL. Called
// with mu held; cheap no-op unless a sweep interval has elapsed.
func (c *ConnectionLimiter) sweepLocked() {
	if time.Since(c.lastSwept) < time.Minute {
		return
	}
	c.lastSwept = time.Now()
	cutoff := time.Now().Add(-c.ipTTL)
	for ip, e := range c.perIP {
		if e.lastAccess.Before(cutoff) {
			delete(c.perIP, ip)
		}
	}
}

// ActionLimiter enforces a per-user token bucket over CMD-channel action
// throughput, independent from connection admission.
type ActionLimiter struct {
	mu     sync.Mutex
	users  map[string]*rate.Limiter
	perSec rate.Limit
	burst  int
}

func NewActionLimiter(perSec float64, burst int) *ActionLimiter {
	return &ActionLimiter{
		users:  make(map[string]*rate.Limiter),
		perSec: rate.Limit(perSec),
		burst:  burst,
	}
}

func (a *ActionLimiter) Allow(userID string) bool {
	a.mu.Lock()
	l, ok := a.users[userID]
	if !ok {
		l = rate.NewLimiter(a.perSec, a.burst)
		a.users[userID] = l
	}
	a.mu.Unlock()
	return l.Allow()
}

// Forget drops a user's bucket, e.g. on sign-out, so long-lived servers
// don't accumulate buckets for users who never reconnect.
func (a *ActionLimiter) Forget(userID string) {
	a.mu.Lock()
	delete(a.users, userID)
	a.mu.Unlock()
}
