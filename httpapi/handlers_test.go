package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gamificationkit "github.com/ersinkoc/gamificationkit"
	"github.com/ersinkoc/gamificationkit/catalog"
	"github.com/ersinkoc/gamificationkit/modules/points"
	"github.com/ersinkoc/gamificationkit/rules"
)

func mustRule(t *testing.T) *rules.Rule {
	t.Helper()
	return &rules.Rule{
		Name:       "big-purchase",
		Conditions: rules.Leaf("amount", ">=", 100),
		Actions:    []rules.Action{{Type: rules.ActionAwardPoints, Points: 10, Reason: "purchase.item"}},
		Enabled:    true,
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *gamificationkit.Kit) {
	t.Helper()
	kit := gamificationkit.New(gamificationkit.Options{MetricsEnabled: true})
	require.NoError(t, kit.Register(points.New(points.Config{})))
	require.NoError(t, kit.Initialize(context.Background()))
	t.Cleanup(func() { kit.Shutdown(context.Background(), time.Second) })

	cat := catalog.New()
	require.NoError(t, cat.RegisterBadge(catalog.Badge{ID: "first-login", Name: "First Login"}))

	return New(cfg, kit, cat, nil), kit
}

func TestHTTPAPI_HealthReportsRunning(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/gamification/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running"`)
}

func TestHTTPAPI_TrackAwardsPointsThroughRule(t *testing.T) {
	s, kit := newTestServer(t, Config{})
	require.NoError(t, kit.Rules().AddRule(mustRule(t)))

	body := strings.NewReader(`{"eventName":"purchase.item","userId":"u1","amount":150}`)
	req := httptest.NewRequest(http.MethodPost, "/gamification/events", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processed":true`)

	req2 := httptest.NewRequest(http.MethodGet, "/gamification/users/u1/points", nil)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), `"total":10`)
}

func TestHTTPAPI_APIKeyRequiredWhenConfigured(t *testing.T) {
	s, _ := newTestServer(t, Config{APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/gamification/users/u1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/gamification/users/u1", nil)
	req2.Header.Set("X-API-Key", "secret")
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestHTTPAPI_HealthExemptFromAPIKey(t *testing.T) {
	s, _ := newTestServer(t, Config{APIKey: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/gamification/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPAPI_RateLimitReturns429(t *testing.T) {
	s, _ := newTestServer(t, Config{RateLimit: 1, RateLimitWindow: time.Minute})

	req := httptest.NewRequest(http.MethodGet, "/gamification/health", nil)
	req.RemoteAddr = "203.0.113.1:5555"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/gamification/health", nil)
	req2.RemoteAddr = "203.0.113.1:5555"
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestHTTPAPI_AdminAwardAndReset(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	body := strings.NewReader(`{"userId":"u2","type":"points","value":25,"reason":"promo"}`)
	req := httptest.NewRequest(http.MethodPost, "/gamification/admin/award", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":25`)

	req2 := httptest.NewRequest(http.MethodPost, "/gamification/admin/reset/u2", nil)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)

	req3 := httptest.NewRequest(http.MethodGet, "/gamification/users/u2/points", nil)
	rec3 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec3, req3)
	assert.Contains(t, rec3.Body.String(), `"total":0`)
}

func TestHTTPAPI_CatalogBadgesListing(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/gamification/badges", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "first-login")
}

func TestHTTPAPI_UnknownUserProjectionIs404(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/gamification/users/u1/badges", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
