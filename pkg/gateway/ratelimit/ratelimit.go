// Package ratelimit admits bridge connections per client: a connect rate
// with burst and a cap on concurrently open bridges.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// Connect attempts per second per client, with burst. Zero disables.
	RPS   float64
	Burst int

	MaxConcurrentSessions int

	// Bounds for the in-memory client table.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	connects *rate.Limiter
	open     chan struct{}

	mu   sync.Mutex
	seen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, clients: make(map[string]*client)}
}

// PrincipalKeyFromIP turns a client address into an opaque table key.
func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:12])
}

// Permit holds one concurrent-bridge slot. Release is idempotent.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int // seconds
	Permit     *Permit
}

func allowed(release func()) Decision {
	return Decision{Allowed: true, Permit: &Permit{release: release}}
}

// AcquireSession admits one bridge for key. The permit must be released
// when the bridge ends.
func (l *Limiter) AcquireSession(key string, now time.Time) Decision {
	if l == nil {
		return allowed(func() {})
	}
	if key == "" {
		key = "anonymous"
	}

	c := l.lookup(key, now)

	if c.connects != nil {
		r := c.connects.ReserveN(now, 1)
		if !r.OK() {
			return Decision{RetryAfter: 1}
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return Decision{RetryAfter: max(1, int(math.Ceil(delay.Seconds())))}
		}
	}

	if l.cfg.MaxConcurrentSessions <= 0 {
		return allowed(func() {})
	}
	select {
	case c.open <- struct{}{}:
		return allowed(func() { <-c.open })
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) lookup(key string, now time.Time) *client {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clients[key]; ok {
		c.mu.Lock()
		c.seen = now
		c.mu.Unlock()
		return c
	}

	if len(l.clients) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}

	c := &client{
		open: make(chan struct{}, max(1, l.cfg.MaxConcurrentSessions)),
		seen: now,
	}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		c.connects = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	l.clients[key] = c
	return c
}

// evictLocked drops clients idle past the TTL, then any one idle client if
// the table is still full. Clients with open bridges stay so their permits
// release into the right slot table.
func (l *Limiter) evictLocked(now time.Time) {
	for k, c := range l.clients {
		c.mu.Lock()
		stale := now.Sub(c.seen) > l.cfg.EntryTTL
		c.mu.Unlock()
		if stale && len(c.open) == 0 {
			delete(l.clients, k)
		}
	}
	if len(l.clients) < l.cfg.MaxEntries {
		return
	}
	for k, c := range l.clients {
		if len(c.open) == 0 {
			delete(l.clients, k)
			return
		}
	}
}
