package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/services"
)

// Context keys for the resolved credential
const (
	AuthorizedKeyContextKey = "authorized_key"
	APIKeyContextKey        = "api_key"
)

const upgradeURL = "https://agentrouter.com/pricing"

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// APIKeyAuth authenticates the bearer API key and enforces the account-wide
// usage ceiling before the handler runs. The resolved key is stored in the
// request context; metering stays with the handler, after its work is done.
func APIKeyAuth(authorizer *services.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "missing or invalid Authorization header. Use: Authorization: Bearer ar_your_api_key",
				"success": false,
			})
			c.Abort()
			return
		}

		authorized, err := authorizer.Authorize(c.Request.Context(), token)
		if err != nil {
			abortWithAuthError(c, err)
			return
		}

		c.Set(AuthorizedKeyContextKey, authorized)
		c.Set(APIKeyContextKey, authorized.Key)
		c.Next()
	}
}

// OptionalAPIKeyAuth identifies the caller when a valid key is presented but
// never rejects the request. Used by non-critical instrumentation paths.
func OptionalAPIKeyAuth(keys *services.KeyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if key, _ := keys.ValidateKeyOptional(c.Request.Context(), token); key != nil {
				c.Set(APIKeyContextKey, key)
			}
		}
		c.Next()
	}
}

// RequirePlan gates a capability on a minimum plan rank. Must run after
// APIKeyAuth.
func RequirePlan(authorizer *services.Authorizer, required models.Plan) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := KeyFromContext(c)
		if key == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication required",
				"success": false,
			})
			c.Abort()
			return
		}

		if err := authorizer.RequirePlan(key, required); err != nil {
			c.JSON(http.StatusForbidden, gin.H{
				"error":       err.Error(),
				"success":     false,
				"upgrade_url": upgradeURL,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// KeyFromContext returns the resolved API key set by APIKeyAuth, or nil.
func KeyFromContext(c *gin.Context) *models.APIKey {
	if v, exists := c.Get(APIKeyContextKey); exists {
		if key, ok := v.(*models.APIKey); ok {
			return key
		}
	}
	return nil
}

// AuthorizedFromContext returns the full authorization result, or nil.
func AuthorizedFromContext(c *gin.Context) *services.AuthorizedKey {
	if v, exists := c.Get(AuthorizedKeyContextKey); exists {
		if a, ok := v.(*services.AuthorizedKey); ok {
			return a
		}
	}
	return nil
}

// abortWithAuthError translates the authorization taxonomy into HTTP
// rejections. Infrastructure failures map to 503 so callers know a retry
// with backoff may succeed; every other outcome is definitive.
func abortWithAuthError(c *gin.Context, err error) {
	var limitErr *services.UsageLimitError
	var infraErr *services.InfraError

	switch {
	case errors.As(err, &limitErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       limitErr.Error(),
			"success":     false,
			"plan":        limitErr.Plan,
			"usage":       limitErr.Current,
			"limit":       limitErr.Limit,
			"upgrade_url": upgradeURL,
		})
	case errors.As(err, &infraErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "authorization temporarily unavailable, retry later",
			"success": false,
		})
	case errors.Is(err, services.ErrMalformedKey):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   `invalid API key format. API keys must start with "ar_"`,
			"success": false,
		})
	default:
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid or expired API key",
			"success": false,
		})
	}
	c.Abort()
}
