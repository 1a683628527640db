package order

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

const maxWebhookBytes = 64 << 10

type verifyRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// Routes mounts /orders. Every route requires authentication.
func (s *Service) Routes(protect func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(protect)
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.With(auth.Authorize(auth.RoleAdmin)).Get("/_explain", s.handleExplain)
		r.Get("/{id}", s.handleGet)
		r.With(auth.Authorize(auth.SellersAndAdmin...)).Put("/{id}/status", s.handleUpdateStatus)
		r.Put("/{id}/cancel", s.handleCancel)
		r.With(auth.Authorize(auth.SellersAndAdmin...)).Put("/{id}/tracking", s.handleTracking)
		r.Get("/{id}/invoice", s.handleInvoice)
	}
}

// PaymentRoutes mounts /payments. The webhook authenticates by signature
// instead of a bearer token.
func (s *Service) PaymentRoutes(protect func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Post("/webhook", s.handleWebhook)
		r.Group(func(r chi.Router) {
			r.Use(protect)
			r.Post("/checkout-session", s.handleCheckoutSession)
			r.Post("/verify", s.handleVerify)
		})
	}
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, err := s.Create(r.Context(), auth.MustPrincipal(r.Context()), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": o, "event_topic": "buildmart.order.created"})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := s.List(r.Context(), auth.MustPrincipal(r.Context()),
		httpx.Query(r, "status"), httpx.Query(r, "cursor"), httpx.IntParam(r, "limit", 20, 1, 100))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"items": resp.Items, "next_cursor": resp.NextCursor, "event_topic": "buildmart.order.listed",
	})
}

func (s *Service) handleExplain(w http.ResponseWriter, r *http.Request) {
	plan, err := s.ExplainList(r.Context(), auth.MustPrincipal(r.Context()), httpx.Query(r, "status"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	o, err := s.Get(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": o, "event_topic": "buildmart.order.read"})
}

func (s *Service) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, err := s.UpdateStatus(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": o, "event_topic": "buildmart.order.status_updated"})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	o, err := s.Cancel(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": o, "event_topic": "buildmart.order.cancelled"})
}

func (s *Service) handleTracking(w http.ResponseWriter, r *http.Request) {
	var req TrackingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, err := s.UpdateTracking(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": o, "event_topic": "buildmart.order.tracking_updated"})
}

func (s *Service) handleInvoice(w http.ResponseWriter, r *http.Request) {
	name, raw, err := s.Invoice(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

func (s *Service) handleCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.CreateCheckoutSession(r.Context(), auth.MustPrincipal(r.Context()), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"session_id": res.SessionID, "url": res.URL, "checkout_id": res.CheckoutID,
		"event_topic": "buildmart.checkout.created",
	})
}

func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, created, err := s.VerifyPayment(r.Context(), auth.MustPrincipal(r.Context()), req.SessionID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if !created {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"item": o, "message": "Order already created", "event_topic": "buildmart.order.read",
		})
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": o, "event_topic": "buildmart.order.created"})
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		httpx.WriteError(w, r, apperr.Wrap(apperr.CodeInvalidArgument, "unreadable webhook body", err))
		return
	}
	if len(payload) > maxWebhookBytes {
		httpx.WriteError(w, r, apperr.Invalid("webhook payload too large"))
		return
	}
	if err := s.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true})
}
