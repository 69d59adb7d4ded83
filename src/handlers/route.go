package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/agentrouter/backend/src/middleware"
	"github.com/agentrouter/backend/src/services"
)

// RouteHandler runs the protected operation: resolving a prompt onto the
// model catalog. Authorization has already happened in middleware by the
// time this runs; metering happens here, after the work is done.
type RouteHandler struct {
	router     *services.ModelRouter
	authorizer *services.Authorizer
	meter      *services.UsageMeter
	logger     zerolog.Logger
}

// NewRouteHandler creates a new route handler
func NewRouteHandler(router *services.ModelRouter, authorizer *services.Authorizer, meter *services.UsageMeter, logger zerolog.Logger) *RouteHandler {
	return &RouteHandler{
		router:     router,
		authorizer: authorizer,
		meter:      meter,
		logger:     logger,
	}
}

type routeRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Model  string `json:"model"`
}

// HandleRoute selects a model for the prompt and prices the work. One
// request consumes one quota unit; cost and the model label go to the
// audit trail.
func (rh *RouteHandler) HandleRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "prompt is required",
			"success": false,
		})
		return
	}

	key := middleware.KeyFromContext(c)

	model, err := rh.router.Resolve(req.Model)
	if err != nil {
		if errors.Is(err, services.ErrUnknownModel) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown model: " + req.Model,
				"success": false,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "model resolution failed",
			"success": false,
		})
		return
	}

	// Some catalog entries need a higher plan than the base data-plane gate.
	if err := rh.authorizer.RequirePlan(key, model.RequiredPlan); err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"error":       err.Error(),
			"success":     false,
			"upgrade_url": "https://agentrouter.com/pricing",
		})
		return
	}

	tokens := rh.router.EstimateTokens(req.Prompt)
	cost := rh.router.Price(model, tokens)

	// Metering is tied to completion. A request cancelled before this
	// point consumed nothing the caller received, so it is not charged.
	if c.Request.Context().Err() != nil {
		c.Status(http.StatusRequestTimeout)
		return
	}

	if err := rh.meter.Record(c.Request.Context(), key.ID, cost, 1, model.Name, c.FullPath()); err != nil {
		rh.logger.Error().
			Err(err).
			Str("api_key_id", key.ID.String()).
			Msg("usage metering failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to record usage",
			"success": false,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"model":            model.Name,
		"provider":         model.Provider,
		"estimated_tokens": tokens,
		"cost":             cost,
	})
}
