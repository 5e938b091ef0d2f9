package auth

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
)

const (
	burstTier          = "burst"
	limiterIdleTimeout = 10 * time.Minute
	limiterCleanup     = 5 * time.Minute
)

// clientLimiter tracks the token bucket of a single client
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BurstLimiter is a per-client token bucket guarding the HTTP surface. It is
// independent of the per-company quotas enforced by the pipeline.
type BurstLimiter struct {
	rps     rate.Limit
	burst   int
	clients map[string]*clientLimiter
	mu      sync.Mutex
	now     func() time.Time
}

// NewBurstLimiter creates a limiter allowing rps sustained requests per
// second with bursts of up to burst requests per client
func NewBurstLimiter(rps float64, burst int) *BurstLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &BurstLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow consumes a token for clientID. When the bucket is empty it reports
// how long until the next token.
func (bl *BurstLimiter) Allow(clientID string) (bool, time.Duration) {
	bl.mu.Lock()
	now := bl.now()
	client, exists := bl.clients[clientID]
	if !exists {
		client = &clientLimiter{limiter: rate.NewLimiter(bl.rps, bl.burst)}
		bl.clients[clientID] = client
	}
	client.lastSeen = now
	bl.mu.Unlock()

	reservation := client.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Cleanup removes clients idle for longer than the idle timeout
func (bl *BurstLimiter) Cleanup() int {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	cutoff := bl.now().Add(-limiterIdleTimeout)
	removed := 0
	for clientID, client := range bl.clients {
		if client.lastSeen.Before(cutoff) {
			delete(bl.clients, clientID)
			removed++
		}
	}
	return removed
}

// Run performs periodic cleanup until ctx is done
func (bl *BurstLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bl.Cleanup()
		}
	}
}

// Clients returns the number of tracked clients
func (bl *BurstLimiter) Clients() int {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return len(bl.clients)
}

// Middleware rejects requests from clients that exhausted their bucket
func (bl *BurstLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if shouldSkipAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		allowed, wait := bl.Allow(getClientID(c))
		if !allowed {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			err := apperrors.NewRateLimitError(burstTier, bl.now().Add(wait), nil)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err})
			return
		}
		c.Next()
	}
}

// getClientID gets a unique identifier for rate limiting
func getClientID(c *gin.Context) string {
	if scope, ok := GetRLSContext(c); ok {
		return "user:" + scope.CompanyID + ":" + scope.UserID
	}
	return "ip:" + c.ClientIP()
}
