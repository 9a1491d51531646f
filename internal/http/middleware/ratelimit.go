package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorSweepInterval = time.Minute
	visitorIdleTimeout   = 3 * time.Minute
)

// visitorRegistry holds one token bucket per client IP and evicts buckets
// for clients that have gone quiet.
type visitorRegistry struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newVisitorRegistry(rps float64, burst int) *visitorRegistry {
	registry := &visitorRegistry{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go registry.sweep()
	return registry
}

func (vr *visitorRegistry) allow(ip string) bool {
	vr.mu.Lock()
	defer vr.mu.Unlock()

	v, ok := vr.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(vr.rps, vr.burst)}
		vr.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (vr *visitorRegistry) sweep() {
	ticker := time.NewTicker(visitorSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		vr.mu.Lock()
		for ip, v := range vr.visitors {
			if time.Since(v.lastSeen) > visitorIdleTimeout {
				delete(vr.visitors, ip)
			}
		}
		vr.mu.Unlock()
	}
}

// RateLimit applies a per-client-IP token bucket to the whole handler chain.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	registry := newVisitorRegistry(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !registry.allow(clientIP(r.RemoteAddr)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many requests"},"request_id":"` + GetRequestID(r.Context()) + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
