package market_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/market"
)

func newRouter(t *testing.T, userID string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _, _ := newService(t)
	h := market.NewGinHandlers(svc)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextUserID, userID)
		c.Next()
	})
	r.POST("/market/listings", h.CreateListingHandler())
	r.POST("/market/trades", h.ExecuteTradeHandler())
	r.GET("/market/orderbook/:item_type/:item_id", h.OrderBookHandler())
	return r
}

func do(r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateListingHandler(t *testing.T) {
	r := newRouter(t, seller)

	w := do(r, http.MethodPost, "/market/listings",
		`{"item_type":"property","item_id":"prop-1","token_quantity":0,"price_per_token":50}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("zero quantity: status = %d body = %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/market/listings",
		`{"item_type":"property","item_id":"prop-1","token_quantity":2,"price_per_token":50}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("valid listing: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestExecuteTradeHandlerRequiresIdempotencyKey(t *testing.T) {
	r := newRouter(t, buyer)

	w := do(r, http.MethodPost, "/market/trades", `{"listing_id":"x","quantity":1}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	w = do(r, http.MethodPost, "/market/trades", `{"listing_id":"x","quantity":1}`,
		map[string]string{"Idempotency-Key": "abc"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestOrderBookHandlerRejectsUnknownItemType(t *testing.T) {
	r := newRouter(t, buyer)
	w := do(r, http.MethodGet, "/market/orderbook/stock/abc", "", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
}
