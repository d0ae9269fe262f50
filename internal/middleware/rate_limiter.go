package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegisproxy/backend/internal/config"
	"github.com/aegisproxy/backend/internal/infra"
)

const (
	// rateKeyTTL outlives the one-minute window slightly so a key never
	// expires while its window is still being counted.
	rateKeyTTL = 65 * time.Second

	// degradedCap is the per-identity ceiling when Redis is unreachable.
	// Budgets shrink rather than vanish: the limiter never fails open.
	degradedCap = 30

	// maxFallbackEntries bounds the in-process limiter map during an
	// extended Redis outage.
	maxFallbackEntries = 10000
)

// RateLimiter enforces fixed-window request budgets per caller identity.
// The shared counter lives in Redis so every replica sees the same
// window; when Redis is down an in-process token bucket takes over at a
// reduced budget.
type RateLimiter struct {
	store  infra.RedisStore
	global int
	auth   int
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
	lastWarn time.Time
}

func NewRateLimiter(store infra.RedisStore, cfg config.RateLimitConfig) *RateLimiter {
	global := cfg.GlobalPerMinute
	if global <= 0 {
		global = 60
	}
	auth := cfg.AuthPerMinute
	if auth <= 0 {
		auth = 10
	}
	return &RateLimiter{
		store:    store,
		global:   global,
		auth:     auth,
		logger:   log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		now:      time.Now,
		fallback: make(map[string]*rate.Limiter),
	}
}

// WithClock pins the window clock for tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipLimit(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		limit := rl.limitFor(r.URL.Path)
		if !rl.allow(r.Context(), identityFor(r), r.URL.Path, limit) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED",
				fmt.Sprintf("Limit: %d/min", limit))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// skipLimit exempts the probes monitoring hits constantly.
func skipLimit(path string) bool {
	switch path {
	case "/health", "/metrics", "/docs":
		return true
	}
	return false
}

// limitFor gives auth endpoints the tighter budget since they are the
// brute-force target.
func (rl *RateLimiter) limitFor(path string) int {
	if strings.HasPrefix(path, "/api/v1/auth") {
		return rl.auth
	}
	return rl.global
}

func (rl *RateLimiter) allow(ctx context.Context, identity, path string, limit int) bool {
	window := rl.now().Unix() / 60
	key := fmt.Sprintf("rl:%s:%s:%d", identity, path, window)

	count, err := rl.store.IncrWithTTL(ctx, key, rateKeyTTL)
	if err != nil {
		return rl.allowDegraded(identity, limit)
	}
	return count <= int64(limit)
}

// allowDegraded serves the window from process memory while Redis is
// unreachable. Per-replica counting undercounts the fleet, so the
// budget is capped low to compensate.
func (rl *RateLimiter) allowDegraded(identity string, limit int) bool {
	if limit > degradedCap {
		limit = degradedCap
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.now().Sub(rl.lastWarn) > 30*time.Second {
		rl.logger.Printf("⚠️ Redis unreachable, limiting in-process at %d/min (degraded mode)", limit)
		rl.lastWarn = rl.now()
	}
	if len(rl.fallback) > maxFallbackEntries {
		rl.fallback = make(map[string]*rate.Limiter)
	}

	lim, ok := rl.fallback[identity]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)
		rl.fallback[identity] = lim
	}
	return lim.Allow()
}

// identityFor ties the budget to client IP plus a digest of the
// presented credential, so callers sharing a NAT do not drain each
// other's budget and a key cannot dodge its own by hopping hosts.
func identityFor(r *http.Request) string {
	ip := ClientIP(r)
	cred := r.Header.Get("X-API-Key")
	if cred == "" {
		cred = r.Header.Get("Authorization")
	}
	if cred == "" {
		return ip + ":anon"
	}
	sum := sha256.Sum256([]byte(cred))
	return ip + ":" + hex.EncodeToString(sum[:])[:12]
}

// ClientIP resolves the caller address, trusting the first
// X-Forwarded-For hop when a proxy sits in front.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
