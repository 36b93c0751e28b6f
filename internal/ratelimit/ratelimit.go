// Package ratelimit throttles new connections per client address.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/parley/internal/observe"
)

// Defaults used when a [Config] field is zero.
const (
	DefaultPerMinute = 60
	DefaultBurst     = 10

	// idleAfter is how long a client may be silent before its limiter is
	// forgotten.
	idleAfter = 10 * time.Minute
)

// Config tunes a [Limiter].
type Config struct {
	PerMinute int
	Burst     int

	// TrustForwarded makes [ClientKey] honour X-Forwarded-For. Only enable
	// it behind a proxy that sets the header.
	TrustForwarded bool

	Metrics *observe.Metrics
	Now     func() time.Time
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	limit          rate.Limit
	burst          int
	trustForwarded bool
	metrics        *observe.Metrics
	now            func() time.Time

	mu        sync.Mutex
	clients   map[string]*entry
	lastPrune time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		limit:          rate.Every(time.Minute / time.Duration(cfg.PerMinute)),
		burst:          cfg.Burst,
		trustForwarded: cfg.TrustForwarded,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		clients:        make(map[string]*entry),
	}
}

// Allow reports whether key may open another connection now.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	e, ok := l.clients[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.seen = now
	l.pruneLocked(now)
	l.mu.Unlock()

	return e.lim.AllowN(now, 1)
}

// pruneLocked drops limiters of clients idle for longer than idleAfter. It
// runs at most once per idleAfter.
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < idleAfter {
		return
	}
	l.lastPrune = now
	for k, e := range l.clients {
		if now.Sub(e.seen) > idleAfter {
			delete(l.clients, k)
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// ClientKey returns the address r is rate limited by.
func (l *Limiter) ClientKey(r *http.Request) string {
	if l.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 Too Many Requests.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.ClientKey(r)
		if !l.Allow(key) {
			l.metrics.ConnectsThrottled.Add(r.Context(), 1)
			observe.Logger(r.Context()).Info("connection throttled", "client", key)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
