package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/ecommerce/buildmart/internal/config"
	"erp/ecommerce/buildmart/internal/telemetry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Deps{
		Config: config.Config{
			Port:        "0",
			ServiceName: "buildmart-api",
			JWTSecret:   "test-secret",
			JWTTTL:      time.Hour,
			CacheTTL:    time.Minute,
			FrontendURL: "http://localhost:5173",
			Currency:    "pkr",
			TaxRate:     0.05, FreeShippingOver: 10000, ShippingFee: 500,
		},
		Metrics: telemetry.NewMetrics("buildmart_test"),
		Log:     zerolog.Nop(),
	})
}

func send(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func register(t *testing.T, h http.Handler, name, email, role string) string {
	t.Helper()
	rec := send(t, h, http.MethodPost, "/api/auth/register", "", map[string]any{
		"name": name, "email": email, "password": "secret1", "phone": "0300-1234567", "role": role,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Token
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := send(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"buildmart-api","mode":"memory"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = send(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "buildmart_test_http_request_duration_seconds")
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/products", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/products", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStorefrontFlow(t *testing.T) {
	h := newTestServer(t).Handler()
	seller := register(t, h, "Karachi Steel", "sales@ksteel.pk", "supplier")
	buyer := register(t, h, "Bilal", "bilal@example.com", "retailer")

	assert.Equal(t, http.StatusUnauthorized, send(t, h, http.MethodGet, "/api/orders", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, send(t, h, http.MethodPost, "/api/products", buyer, map[string]any{}).Code)

	rec := send(t, h, http.MethodPost, "/api/products", seller, map[string]any{
		"name": "Deformed Bar 16mm", "description": "Grade 60", "category": "steel", "unit": "ton",
		"retail_price": 2400, "wholesale_price": 2300, "stock": 12,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var product struct {
		Item struct {
			ID string `json:"id"`
		} `json:"item"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))

	rec = send(t, h, http.MethodGet, "/api/products?category=steel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), product.Item.ID)

	rec = send(t, h, http.MethodPost, "/api/orders", buyer, map[string]any{
		"items":            []map[string]any{{"product": product.Item.ID, "quantity": 2}},
		"shipping_address": map[string]any{"street": "12 Mall Road", "city": "Lahore", "phone": "0300-7654321"},
		"payment_method":   "cod",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = send(t, h, http.MethodGet, "/api/notifications", seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"order"`)

	rec = send(t, h, http.MethodPost, "/api/payments/checkout-session", buyer, map[string]any{
		"items":            []map[string]any{{"product": product.Item.ID, "quantity": 1}},
		"shipping_address": map[string]any{"street": "12 Mall Road", "city": "Lahore", "phone": "0300-7654321"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
}

func TestLongLivedRoutesSkipTimeout(t *testing.T) {
	for path, want := range map[string]bool{
		"/api/chats/cht_1/stream": true,
		"/api/payments/webhook":   true,
		"/api/payments/verify":    false,
		"/api/orders":             false,
	} {
		assert.Equal(t, want, longLived(httptest.NewRequest(http.MethodGet, path, nil)), path)
	}
}
