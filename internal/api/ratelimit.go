package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces a per-client fixed window over Redis. The window
// counter and its expiry are set atomically so concurrent first requests
// cannot leave an unexpiring key. Checks fail open: a Redis outage must
// not take the API down with it.
type RateLimiter struct {
	redis             *redis.Client
	logger            *zap.Logger
	requestsPerMinute int
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per client.
func NewRateLimiter(client *redis.Client, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		redis:             client,
		logger:            logger,
		requestsPerMinute: requestsPerMinute,
	}
}

var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// check increments the client's window and reports whether the request is
// within the limit and how long until the window resets.
func (rl *RateLimiter) check(ctx context.Context, clientID string) (bool, time.Duration) {
	key := fmt.Sprintf("netsentry:ratelimit:%s:minute", clientID)

	count, err := windowScript.Run(ctx, rl.redis, []string{key}, 60000).Int()
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return true, 0
	}
	if count <= rl.requestsPerMinute {
		return true, 0
	}

	ttl, _ := rl.redis.TTL(ctx, key).Result()
	return false, ttl
}

// Middleware wraps a handler chain with the rate limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		ok, retryAfter := rl.check(r.Context(), clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys the limiter on RemoteAddr, which middleware.RealIP has
// already rewritten from the proxy headers. Reading the headers here again
// would let a client pick its own limiter key per request.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
