package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorSweepInterval = 5 * time.Minute
	visitorIdleTTL       = 10 * time.Minute
)

// visitor is one client address and its token bucket.
type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// visitorTable holds a token bucket per client address.
type visitorTable struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

func newVisitorTable(rps, burst int) *visitorTable {
	return &visitorTable{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// allow takes a token from addr's bucket, creating the bucket on first use.
func (t *visitorTable) allow(addr string, now time.Time) bool {
	t.mu.Lock()
	v, ok := t.visitors[addr]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[addr] = v
	}
	v.lastSeen = now
	t.mu.Unlock()
	return v.bucket.AllowN(now, 1)
}

// forgetIdle drops visitors not seen since before now-idle.
func (t *visitorTable) forgetIdle(now time.Time, idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for addr, v := range t.visitors {
		if now.Sub(v.lastSeen) > idle {
			delete(t.visitors, addr)
			dropped++
		}
	}
	return dropped
}

func (t *visitorTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visitors)
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. rps is the steady-state requests per second; burst is the
// maximum burst size. Idle visitors are dropped every few minutes until ctx
// is cancelled. rps <= 0 disables limiting.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = rps
	}
	table := newVisitorTable(rps, burst)

	go func() {
		ticker := time.NewTicker(visitorSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				table.forgetIdle(now, visitorIdleTTL)
			}
		}
	}()

	return func(c *gin.Context) {
		if !table.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "rate_limited",
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
