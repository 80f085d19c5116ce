package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

// Subscription changes per IP: a burst of 5, then one every 12 minutes.
const (
	subscribeEvery = 12 * time.Minute
	subscribeBurst = 5

	// Limiters idle this long are forgotten.
	limiterIdle = time.Hour
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	clock clock.Clock
	every time.Duration
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newRateLimiter(clk clock.Clock, every time.Duration, burst int) *rateLimiter {
	return &rateLimiter{
		clock:    clk,
		every:    every,
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > limiterIdle {
			delete(rl.visitors, key)
		}
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(rl.every), rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	if s.limiter.allow(ip) {
		return false
	}
	s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
	http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	return true
}
