package order

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/payment"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

// headerProtect authenticates the principal named by X-Test-User.
func headerProtect(next http.Handler) http.Handler {
	users := map[string]auth.Principal{}
	for _, p := range []auth.Principal{supplier, rival, buyer, stranger, admin} {
		users[p.ID] = p
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := users[r.Header.Get("X-Test-User")]
		if !ok {
			httpx.WriteError(w, r, apperr.Unauthorized("not authorized, no token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func newTestRouter(s *Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/orders", s.Routes(headerProtect))
	r.Route("/payments", s.PaymentRoutes(headerProtect))
	return r
}

func call(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type itemEnvelope struct {
	Item    Order  `json:"item"`
	Message string `json:"message"`
}

func TestOrderRoutes(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f.orders)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)

	assert.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodGet, "/orders", "", nil).Code)

	rec := call(t, h, http.MethodPost, "/orders", buyer.ID, orderFor(LineRequest{ProductID: p.ID, Quantity: 2}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created itemEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Contains(t, rec.Body.String(), `"event_topic":"buildmart.order.created"`)

	bad := orderFor(LineRequest{ProductID: p.ID, Quantity: 0})
	rec = call(t, h, http.MethodPost, "/orders", buyer.ID, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPut, "/orders/"+created.Item.ID+"/status", buyer.ID, StatusRequest{Status: StatusConfirmed})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPut, "/orders/"+created.Item.ID+"/status", supplier.ID, StatusRequest{Status: StatusConfirmed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/orders/_explain", admin.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"memory"`)
	assert.Equal(t, http.StatusForbidden, call(t, h, http.MethodGet, "/orders/_explain", buyer.ID, nil).Code)

	rec = call(t, h, http.MethodGet, "/orders/"+created.Item.ID+"/invoice", buyer.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "invoice-"+created.Item.OrderNumber+".pdf")

	rec = call(t, h, http.MethodPut, "/orders/"+created.Item.ID+"/cancel", buyer.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 10, f.stock(t, p.ID))

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, "/orders/ord_missing", admin.ID, nil).Code)
}

func TestPaymentRoutes(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f.orders)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)

	rec := call(t, h, http.MethodPost, "/payments/checkout-session", buyer.ID, checkoutFor(p.ID, 3))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var session struct {
		SessionID string `json:"session_id"`
		URL       string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.NotEmpty(t, session.SessionID)

	rec = call(t, h, http.MethodPost, "/payments/verify", buyer.ID, map[string]string{"session_id": session.SessionID})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(apperr.CodePaymentIncomplete))

	f.gateway.Pay(session.SessionID)
	rec = call(t, h, http.MethodPost, "/payments/verify", buyer.ID, map[string]string{"session_id": session.SessionID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodPost, "/payments/verify", buyer.ID, map[string]string{"session_id": session.SessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	var again itemEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, "Order already created", again.Message)

	webhook := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook",
			bytes.NewReader(f.gateway.WebhookPayload(payment.EventSessionCompleted, session.SessionID)))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusBadRequest, webhook("forged").Code)
	rec = webhook(webhookSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	assert.Equal(t, 7, f.stock(t, p.ID))

	huge := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(make([]byte, maxWebhookBytes+10)))
	huge.Header.Set("Stripe-Signature", webhookSecret)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, huge)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
