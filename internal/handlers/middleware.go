package handlers

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alvaroprs8/vitascience/internal/apperr"
)

// SecretHeader carries the shared callback secret.
const SecretHeader = "X-Callback-Secret"

// CallbackAuth rejects requests whose secret header does not match before
// the body is read. An empty configured secret rejects everything.
func CallbackAuth(secret string, log *zap.Logger) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(SecretHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			log.Warn("unauthorized callback",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
				zap.Bool("header_present", len(got) > 0),
			)
			writeError(c, log, apperr.Unauthorized("unauthorized"))
			c.Abort()
			return
		}
		c.Next()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	lastGC   time.Time
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idle {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, k)
			}
		}
		l.lastGC = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// RateLimit allows each client IP limit requests per second with the given
// burst. Over-limit requests get 429.
func RateLimit(limit rate.Limit, burst int) gin.HandlerFunc {
	if burst < 1 {
		burst = 1
	}
	l := &ipLimiter{
		visitors: map[string]*visitor{},
		limit:    limit,
		burst:    burst,
		idle:     3 * time.Minute,
		lastGC:   time.Now(),
	}
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
