package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func setupTestGate(t *testing.T) (*entitlement.Gate, *entitlement.Store) {
	t.Helper()
	store, err := entitlement.NewStore(memory.New(), &entitlement.StoreConfig{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return entitlement.NewGate(store, nil), store
}

func newRouter(mw gongin.HandlerFunc) *gongin.Engine {
	r := gongin.New()
	r.GET("/users/:id/export", mw, func(c *gongin.Context) {
		rec, ok := RecordFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, string(rec.Tier))
	})
	return r
}

func TestMiddleware_Allowed(t *testing.T) {
	gate, store := setupTestGate(t)
	userID := uuid.NewString()
	exp := testNow.Add(time.Hour)
	_, err := store.Upsert(context.Background(), userID, entitlement.Update{Tier: entitlement.TierMax, ExpiresAt: &exp})
	require.NoError(t, err)

	r := newRouter(Middleware(Config{Gate: gate, GetUserID: FromParam("id"), Feature: entitlement.FeatureMaxMode}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/"+userID+"/export", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "max", w.Body.String())
}

func TestMiddleware_Forbidden(t *testing.T) {
	gate, _ := setupTestGate(t)
	r := newRouter(Middleware(Config{
		Gate:                gate,
		GetUserID:           FromParam("id"),
		Feature:             entitlement.FeatureExportHD,
		ForbiddenStatusCode: http.StatusPaymentRequired,
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/"+uuid.NewString()+"/export", nil))
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "export_hd", body["feature"])
	assert.Equal(t, "free", body["tier"])
}

func TestMiddleware_Unauthorized(t *testing.T) {
	gate, _ := setupTestGate(t)
	r := newRouter(Middleware(Config{Gate: gate, GetUserID: FromHeader("X-User-ID"), Feature: entitlement.FeatureExportHD}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/x/export", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type failingReader struct{}

func (failingReader) Get(context.Context, string) (entitlement.Record, error) {
	return entitlement.Record{}, entitlement.ErrPersistenceFailed
}

func TestMiddleware_ReadError(t *testing.T) {
	r := newRouter(Middleware(Config{
		Gate:      entitlement.NewGate(failingReader{}, nil),
		GetUserID: FromQuery("user"),
		Feature:   entitlement.FeatureExportHD,
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/x/export?user="+uuid.NewString(), nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMiddleware_FromContext(t *testing.T) {
	gate, _ := setupTestGate(t)
	userID := uuid.NewString()

	r := gongin.New()
	r.Use(func(c *gongin.Context) { c.Set("UserID", userID) })
	r.GET("/renders", Middleware(Config{
		Gate:      gate,
		GetUserID: FromContext("UserID"),
		Feature:   entitlement.FeaturePremiumRenders,
	}), func(c *gongin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/renders", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	gate, _ := setupTestGate(t)

	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X"), Feature: entitlement.FeatureMaxMode}) })
	assert.Panics(t, func() { Middleware(Config{Gate: gate, Feature: entitlement.FeatureMaxMode}) })
	assert.Panics(t, func() { Middleware(Config{Gate: gate, GetUserID: FromHeader("X")}) })
}
