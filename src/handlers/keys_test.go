package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentrouter/backend/src/middleware"
	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/repositories/mock"
	"github.com/agentrouter/backend/src/services"
)

type keysTestEnv struct {
	store      *mock.KeyStore
	keys       *services.KeyService
	authorizer *services.Authorizer
	router     *gin.Engine
}

func newKeysTestEnv() *keysTestEnv {
	gin.SetMode(gin.TestMode)
	store := mock.NewKeyStore()
	policy := services.DefaultPlanPolicy()
	keys := services.NewKeyService(store, policy)
	authorizer := services.NewAuthorizer(keys, store, policy)

	handler := NewKeysHandler(keys)
	router := gin.New()
	router.POST("/api/keys", middleware.OptionalAPIKeyAuth(keys), handler.HandleIssue)
	router.GET("/api/keys", middleware.APIKeyAuth(authorizer), handler.HandleList)
	router.DELETE("/api/keys/:id", middleware.APIKeyAuth(authorizer), handler.HandleDeactivate)
	router.GET("/api/v1/validate", middleware.APIKeyAuth(authorizer), handler.HandleValidate)

	return &keysTestEnv{store: store, keys: keys, authorizer: authorizer, router: router}
}

func do(router *gin.Engine, method, path, authHeader string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	router.ServeHTTP(w, req)
	return w
}

func parseBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func TestHandleIssue_ReturnsRawSecret(t *testing.T) {
	env := newKeysTestEnv()
	userID := uuid.New()

	w := do(env.router, http.MethodPost, "/api/keys", "", map[string]interface{}{
		"name":    "my first key",
		"plan":    "starter",
		"user_id": userID.String(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	response := parseBody(t, w)
	rawKey, ok := response["key"].(string)
	if !ok || !strings.HasPrefix(rawKey, services.KeyPrefix) {
		t.Fatalf("expected raw key with %q prefix, got %v", services.KeyPrefix, response["key"])
	}

	// The record echoed in the response must not contain the digest
	apiKey, _ := json.Marshal(response["api_key"])
	if strings.Contains(string(apiKey), "key_hash") || strings.Contains(string(apiKey), rawKey) {
		t.Errorf("issue response leaks secret material: %s", apiKey)
	}
}

func TestHandleIssue_MissingFields(t *testing.T) {
	env := newKeysTestEnv()

	w := do(env.router, http.MethodPost, "/api/keys", "", map[string]interface{}{"name": "no plan"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestHandleIssue_AuthedCallerBoundToOwnAccount(t *testing.T) {
	env := newKeysTestEnv()
	userID := uuid.New()
	_, rawKey, err := env.keys.IssueKey(context.Background(), services.IssueParams{
		UserID:       &userID,
		Subscription: models.PlanStarter,
		Name:         "existing",
		Plan:         models.PlanStarter,
	})
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}

	// A starter account cannot mint a pro key, whatever the body says
	w := do(env.router, http.MethodPost, "/api/keys", "Bearer "+rawKey, map[string]interface{}{
		"name": "escalation attempt",
		"plan": "pro",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleIssue_ProvisioningQuotaConflict(t *testing.T) {
	env := newKeysTestEnv()
	userID := uuid.New()

	var rawKey string
	for i := 0; i < 3; i++ { // starter allows 3 active keys
		var err error
		_, rawKey, err = env.keys.IssueKey(context.Background(), services.IssueParams{
			UserID:       &userID,
			Subscription: models.PlanStarter,
			Name:         "key",
			Plan:         models.PlanStarter,
		})
		if err != nil {
			t.Fatalf("failed to issue key: %v", err)
		}
	}

	w := do(env.router, http.MethodPost, "/api/keys", "Bearer "+rawKey, map[string]interface{}{
		"name": "fourth key",
		"plan": "starter",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleList_ReturnsOwnKeysOnly(t *testing.T) {
	env := newKeysTestEnv()
	userID := uuid.New()
	otherID := uuid.New()

	_, rawKey, err := env.keys.IssueKey(context.Background(), services.IssueParams{
		UserID:       &userID,
		Subscription: models.PlanStarter,
		Name:         "mine",
		Plan:         models.PlanStarter,
	})
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}
	if _, _, err := env.keys.IssueKey(context.Background(), services.IssueParams{
		UserID:       &otherID,
		Subscription: models.PlanStarter,
		Name:         "not mine",
		Plan:         models.PlanStarter,
	}); err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}

	w := do(env.router, http.MethodGet, "/api/keys", "Bearer "+rawKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	response := parseBody(t, w)
	keys, ok := response["keys"].([]interface{})
	if !ok || len(keys) != 1 {
		t.Errorf("expected exactly 1 key, got %v", response["keys"])
	}
}

func TestHandleDeactivate_OtherAccountsKeyNotFound(t *testing.T) {
	env := newKeysTestEnv()
	userID := uuid.New()
	otherID := uuid.New()

	_, rawKey, err := env.keys.IssueKey(context.Background(), services.IssueParams{
		UserID:       &userID,
		Subscription: models.PlanStarter,
		Name:         "mine",
		Plan:         models.PlanStarter,
	})
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}
	theirs, _, err := env.keys.IssueKey(context.Background(), services.IssueParams{
		UserID:       &otherID,
		Subscription: models.PlanStarter,
		Name:         "theirs",
		Plan:         models.PlanStarter,
	})
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}

	w := do(env.router, http.MethodDelete, "/api/keys/"+theirs.ID.String(), "Bearer "+rawKey, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if got := env.store.Key(theirs.ID); !got.IsActive {
		t.Error("foreign key must stay active")
	}
}

func TestHandleValidate_ReportsRemainingQuota(t *testing.T) {
	env := newKeysTestEnv()
	userID := uuid.New()

	key, rawKey, err := env.keys.IssueKey(context.Background(), services.IssueParams{
		UserID:       &userID,
		Subscription: models.PlanBase,
		Name:         "validate me",
		Plan:         models.PlanBase,
	})
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}
	for i := 0; i < 40; i++ {
		if err := env.store.IncrementUsage(context.Background(), key.ID, 1, key.CreatedAt); err != nil {
			t.Fatalf("failed to seed usage: %v", err)
		}
	}

	w := do(env.router, http.MethodGet, "/api/v1/validate", "Bearer "+rawKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	response := parseBody(t, w)
	if response["usage"] != float64(40) {
		t.Errorf("expected usage 40, got %v", response["usage"])
	}
	if response["limit"] != float64(100) {
		t.Errorf("expected limit 100, got %v", response["limit"])
	}
	if response["remaining"] != float64(60) {
		t.Errorf("expected remaining 60, got %v", response["remaining"])
	}
}

func TestHandleValidate_UnlimitedPlan(t *testing.T) {
	env := newKeysTestEnv()
	userID := uuid.New()

	_, rawKey, err := env.keys.IssueKey(context.Background(), services.IssueParams{
		UserID:       &userID,
		Subscription: models.PlanEnterprise,
		Name:         "unlimited",
		Plan:         models.PlanEnterprise,
	})
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}

	w := do(env.router, http.MethodGet, "/api/v1/validate", "Bearer "+rawKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	response := parseBody(t, w)
	if response["remaining"] != "unlimited" {
		t.Errorf("expected remaining 'unlimited', got %v", response["remaining"])
	}
}
