package services

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agentrouter/backend/src/models"
)

// ErrUnknownModel indicates a route request named a model not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Model describes one routable target in the catalog.
type Model struct {
	Name            string          `json:"name"`
	Provider        string          `json:"provider"`
	RequiredPlan    models.Plan     `json:"required_plan"`
	CostPer1KTokens decimal.Decimal `json:"cost_per_1k_tokens"`
}

// ModelRouter maps route requests onto the model catalog and prices them.
// The catalog is static deployed configuration, like the plan table.
type ModelRouter struct {
	catalog      map[string]Model
	defaultModel string
}

// NewModelRouter creates a router over the built-in catalog.
func NewModelRouter() *ModelRouter {
	catalog := []Model{
		{Name: "swift-mini", Provider: "openrouter", RequiredPlan: models.PlanBase, CostPer1KTokens: decimal.NewFromFloat(0.0004)},
		{Name: "swift-standard", Provider: "openrouter", RequiredPlan: models.PlanStarter, CostPer1KTokens: decimal.NewFromFloat(0.002)},
		{Name: "reason-large", Provider: "anthropic", RequiredPlan: models.PlanPro, CostPer1KTokens: decimal.NewFromFloat(0.015)},
		{Name: "reason-xl", Provider: "anthropic", RequiredPlan: models.PlanEnterprise, CostPer1KTokens: decimal.NewFromFloat(0.06)},
	}
	router := &ModelRouter{
		catalog:      make(map[string]Model, len(catalog)),
		defaultModel: "swift-mini",
	}
	for _, m := range catalog {
		router.catalog[m.Name] = m
	}
	return router
}

// Resolve returns the catalog entry for name, or the default model when
// name is empty.
func (r *ModelRouter) Resolve(name string) (Model, error) {
	if name == "" {
		name = r.defaultModel
	}
	m, ok := r.catalog[name]
	if !ok {
		return Model{}, ErrUnknownModel
	}
	return m, nil
}

// EstimateTokens approximates the token count of a prompt. Four characters
// per token is the usual rough cut for English text.
func (r *ModelRouter) EstimateTokens(prompt string) int {
	n := len(strings.TrimSpace(prompt))
	if n == 0 {
		return 0
	}
	tokens := n / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// Price returns the cost of consuming tokens on a model.
func (r *ModelRouter) Price(m Model, tokens int) decimal.Decimal {
	return m.CostPer1KTokens.Mul(decimal.NewFromInt(int64(tokens))).Div(decimal.NewFromInt(1000))
}
