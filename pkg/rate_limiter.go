package pkg

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter admits one request per client per interval.
type RateLimiter struct {
	interval    time.Duration
	logger      *zap.Logger
	lastRequest map[string]time.Time
	mu          sync.Mutex
	now         func() time.Time
}

const RateLimit = 500 * time.Millisecond

func NewRateLimiter(interval time.Duration, logger *zap.Logger) *RateLimiter {
	if interval <= 0 {
		interval = RateLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		interval:    interval,
		logger:      logger,
		lastRequest: make(map[string]time.Time),
		now:         time.Now,
	}
}

// clientKey folds loopback addresses together.
func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "localhost"
	}
	return host
}

// Allow records a request from client and reports whether it is admitted.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if last, exists := rl.lastRequest[client]; exists && now.Sub(last) < rl.interval {
		rl.logger.Debug("rate limit exceeded", zap.String("client", client))
		return false
	}
	rl.lastRequest[client] = now

	// Forget clients that have been quiet for a while.
	if len(rl.lastRequest) > 4096 {
		for key, last := range rl.lastRequest {
			if now.Sub(last) > rl.interval {
				delete(rl.lastRequest, key)
			}
		}
	}
	return true
}

// Limit wraps a net/http handler.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r.RemoteAddr)) {
			http.Error(w, "Rate limit exceeded, try again later", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware is the gin form of Limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(clientKey(c.Request.RemoteAddr)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":        false,
				"status_message": "Rate limit exceeded, try again later",
			})
			return
		}
		c.Next()
	}
}
