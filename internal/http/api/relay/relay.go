// Package relay serves the credentialed Ethereum API surface. Every route
// runs the same chain: bearer-token authentication, per-second rate limiting,
// then quota admission, and only admitted requests reach the upstream
// provider.
package relay

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ethgate/ethgate/internal/authn"
	"github.com/ethgate/ethgate/internal/gate"
	"github.com/ethgate/ethgate/internal/limiter"
	"github.com/ethgate/ethgate/internal/ratelimit"
	"github.com/ethgate/ethgate/internal/upstream"
)

// identityKey is the gin context key for the authenticated identity.
const identityKey = "relayIdentity"

// reasonRateLimited marks per-second throttling in the request log.
const reasonRateLimited = "rate limited"

// RegisterRelayRoutes registers the relay routes behind the admission chain.
func RegisterRelayRoutes(r *gin.Engine, g *gate.Gate, rateLimiter *ratelimit.Manager, client *upstream.Client) {
	if r == nil || g == nil {
		return
	}

	h := newRelayHandler(client)

	v1 := r.Group("/v1")
	v1.Use(admissionMiddleware(g, rateLimiter))
	v1.GET("/tx/:hash", h.TransactionByHash)
	v1.GET("/gas-price", h.GasPrice)
	v1.POST("/call", h.Call)
	v1.GET("/nft/:address/:id", h.NFTMetadata)
}

// admissionMiddleware authenticates the bearer token, applies the per-second
// rate limit, and charges the quota. Denials are logged before aborting so
// the request log covers rejected traffic too.
func admissionMiddleware(g *gate.Gate, rateLimiter *ratelimit.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestedAt := time.Now()
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		result, errAuth := g.Authenticate(c.Request.Context(), token)
		if errAuth != nil {
			g.LogDecision(c.Request.Context(), result, c.Request.Method, c.FullPath(), requestedAt)
			switch result.Reason {
			case gate.ReasonUnauthenticated:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
			}
			return
		}

		// The per-second limit runs before the quota charge so throttled
		// requests do not consume the plan allowance.
		if rateLimiter != nil {
			rate, errRate := rateLimiter.Allow(c.Request.Context(), result.Identity.Name)
			if errRate == nil && !rate.Allowed {
				result.Reason = reasonRateLimited
				g.LogDecision(c.Request.Context(), result, c.Request.Method, c.FullPath(), requestedAt)
				c.Header("X-RateLimit-Remaining", "0")
				if !rate.Reset.IsZero() {
					c.Header("Retry-After", strconv.FormatInt(int64(time.Until(rate.Reset).Seconds())+1, 10))
				}
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
				return
			}
		}

		result, errAdmit := g.Admit(c.Request.Context(), result)
		defer g.LogDecision(c.Request.Context(), result, c.Request.Method, c.FullPath(), requestedAt)
		if errAdmit != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
			return
		}

		if !result.Admitted {
			switch result.Reason {
			case limiter.ReasonInvalidAccount:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			default:
				c.Header("X-Quota-Remaining", "0")
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "quota exceeded"})
			}
			return
		}

		if result.Remaining >= 0 {
			c.Header("X-Quota-Remaining", strconv.FormatInt(result.Remaining, 10))
		}
		c.Set(identityKey, result.Identity)
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header. An empty
// string means the header was absent or malformed.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return ""
	}
	return strings.TrimSpace(token)
}

// identityFrom returns the authenticated identity stored by the middleware.
func identityFrom(c *gin.Context) (authn.Identity, bool) {
	value, exists := c.Get(identityKey)
	if !exists {
		return authn.Identity{}, false
	}
	identity, ok := value.(authn.Identity)
	return identity, ok
}
