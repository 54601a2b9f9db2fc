package middleware

import (
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"campus-portal/internal/observability"

	"golang.org/x/time/rate"
)

const (
	// Upper bound on tracked clients before eviction kicks in
	maxClients = 10000
	// How often stale client limiters are swept
	sweepInterval = 5 * time.Minute
	// A client limiter is stale after this much inactivity
	clientTTL = 15 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client IP using a token bucket per
// client. The scope names the limiter in metrics so login throttling and
// general API throttling can be told apart.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	scope   string
	rate    rate.Limit
	burst   int
	stopCh  chan struct{}
}

// NewRateLimiter builds a limiter allowing requestsPerSecond sustained with
// the given burst per client IP, and starts a background sweep of idle
// clients.
func NewRateLimiter(scope string, requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		scope:   scope,
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		stopCh:  make(chan struct{}),
	}

	go rl.sweepLoop()

	return rl
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep drops limiters that have been idle past clientTTL. If the map is
// still over maxClients afterwards, the least recently seen half goes too.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, client := range rl.clients {
		if now.Sub(client.lastSeen) > clientTTL {
			delete(rl.clients, key)
		}
	}

	if len(rl.clients) <= maxClients {
		return
	}

	keys := make([]string, 0, len(rl.clients))
	for key := range rl.clients {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return rl.clients[keys[i]].lastSeen.Before(rl.clients[keys[j]].lastSeen)
	})
	for _, key := range keys[:len(keys)-maxClients/2] {
		delete(rl.clients, key)
	}
}

// Stop terminates the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[key]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[key] = client
	}
	client.lastSeen = time.Now()
	return client.limiter
}

// clientKey extracts the client IP from the request. RealIP runs earlier in
// the chain, so RemoteAddr already reflects forwarded headers when present.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware rejects over-limit requests with 429 and a Retry-After header
// telling the client when the next token frees up.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.limiterFor(clientKey(r))

			reservation := limiter.Reserve()
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				observability.RateLimitRejectionsTotal.WithLabelValues(rl.scope).Inc()

				seconds := int(math.Ceil(delay.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
