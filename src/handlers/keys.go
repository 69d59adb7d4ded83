package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentrouter/backend/src/middleware"
	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/services"
)

// KeysHandler exposes the key management surface: issuance, listing,
// deactivation and usage stats. Thin plumbing over KeyService.
type KeysHandler struct {
	keys *services.KeyService
}

// NewKeysHandler creates a new keys handler
func NewKeysHandler(keys *services.KeyService) *KeysHandler {
	return &KeysHandler{keys: keys}
}

type issueKeyRequest struct {
	Name       string      `json:"name" binding:"required"`
	Plan       models.Plan `json:"plan" binding:"required"`
	UserID     *uuid.UUID  `json:"user_id"`
	UsageLimit *int        `json:"usage_limit"`
	ExpiresAt  *time.Time  `json:"expires_at"`
}

// HandleIssue creates a new API key. The raw secret appears in this
// response and nowhere else, ever — only its digest is stored.
//
// When the caller authenticated with an existing key, the new key is
// attached to the same account and gated by that account's subscription.
// Unauthenticated issuance (bootstrap) takes the owner from the body.
func (kh *KeysHandler) HandleIssue(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "name and plan are required",
			"success": false,
		})
		return
	}

	params := services.IssueParams{
		UserID:       req.UserID,
		Subscription: req.Plan,
		Name:         req.Name,
		Plan:         req.Plan,
		UsageLimit:   req.UsageLimit,
		ExpiresAt:    req.ExpiresAt,
	}
	if caller := middleware.KeyFromContext(c); caller != nil {
		params.UserID = caller.UserID
		params.Subscription = caller.Plan
	}

	key, rawKey, err := kh.keys.IssueKey(c.Request.Context(), params)
	if err != nil {
		kh.respondIssueError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"api_key": key,
		"key":     rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

func (kh *KeysHandler) respondIssueError(c *gin.Context, err error) {
	var infraErr *services.InfraError
	switch {
	case errors.Is(err, services.ErrKeyQuotaExceeded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   err.Error(),
			"success": false,
		})
	case errors.Is(err, services.ErrPlanNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   err.Error(),
			"success": false,
		})
	case errors.As(err, &infraErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "key issuance temporarily unavailable",
			"success": false,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   err.Error(),
			"success": false,
		})
	}
}

// HandleList returns the caller's keys. Digests never leave the store;
// responses carry the display prefix only.
func (kh *KeysHandler) HandleList(c *gin.Context) {
	caller := middleware.KeyFromContext(c)
	if caller.UserID == nil {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"keys":    []*models.APIKey{caller},
		})
		return
	}

	keys, err := kh.keys.ListUserKeys(c.Request.Context(), *caller.UserID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "key listing temporarily unavailable",
			"success": false,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"keys":    keys,
	})
}

// HandleDeactivate flips a key inactive, scoped to the caller's account.
func (kh *KeysHandler) HandleDeactivate(c *gin.Context) {
	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid key ID format",
			"success": false,
		})
		return
	}

	caller := middleware.KeyFromContext(c)
	if err := kh.keys.DeactivateKey(c.Request.Context(), keyID, caller.UserID); err != nil {
		if errors.Is(err, services.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "API key not found",
				"success": false,
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "key deactivation temporarily unavailable",
			"success": false,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "API key deactivated",
	})
}

// HandleUsageStats summarises recent consumption for one of the caller's keys.
func (kh *KeysHandler) HandleUsageStats(c *gin.Context) {
	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid key ID format",
			"success": false,
		})
		return
	}

	if !kh.ownsKey(c, keyID) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "API key not found",
			"success": false,
		})
		return
	}

	stats, err := kh.keys.GetUsageStats(c.Request.Context(), keyID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "usage stats temporarily unavailable",
			"success": false,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   stats,
	})
}

// HandleValidate echoes the authenticated key's state, including the
// remaining quota under the account-wide ceiling.
func (kh *KeysHandler) HandleValidate(c *gin.Context) {
	authorized := middleware.AuthorizedFromContext(c)

	remaining := interface{}(authorized.Remaining())
	if authorized.Limit == models.UnlimitedUsage {
		remaining = "unlimited"
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"valid":      true,
		"key_prefix": authorized.Key.KeyPrefix,
		"name":       authorized.Key.Name,
		"plan":       authorized.Key.Plan,
		"usage":      authorized.Usage,
		"limit":      authorized.Limit,
		"remaining":  remaining,
	})
}

// ownsKey reports whether the target key belongs to the caller's account.
func (kh *KeysHandler) ownsKey(c *gin.Context, keyID uuid.UUID) bool {
	caller := middleware.KeyFromContext(c)
	if caller.ID == keyID {
		return true
	}
	if caller.UserID == nil {
		return false
	}
	keys, err := kh.keys.ListUserKeys(c.Request.Context(), *caller.UserID)
	if err != nil {
		return false
	}
	for _, k := range keys {
		if k.ID == keyID {
			return true
		}
	}
	return false
}
