package hub

import (
	"errors"
	"net/http"

	"github.com/danmuck/opshub/internal/auth"
	"github.com/danmuck/opshub/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// requireToken rejects requests whose token does not match the server
// secret. Failures are logged, not audited.
func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := v.Validate(auth.TokenFromRequest(c.Request))
		if err == nil {
			c.Next()
			return
		}
		event := log.Warn().
			Str("request_id", observability.RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP())
		if errors.Is(err, auth.ErrNotConfigured) {
			event.Msg("hub write rejected: token not configured")
		} else {
			event.Msg("hub write rejected: bad token")
		}
		abortError(c, http.StatusForbidden, codeForbidden)
	}
}

// limitWrites throttles with one shared token bucket. A non-positive rate
// disables throttling.
func limitWrites(perSecond float64, burst int) gin.HandlerFunc {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			abortError(c, http.StatusTooManyRequests, codeRateLimited)
			return
		}
		c.Next()
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().
			Str("request_id", observability.RequestIDFrom(c)).
			Interface("panic", recovered).
			Str("path", c.Request.URL.Path).
			Msg("hub handler panic")
		abortError(c, http.StatusInternalServerError, codeInternal)
	})
}
