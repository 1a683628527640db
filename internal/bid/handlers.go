package bid

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

// Routes mounts /bids. Every route requires authentication.
func (s *Service) Routes(protect func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(protect)
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.With(auth.Authorize(auth.RoleSupplier, auth.RoleWholesaler)).Post("/{id}/submit", s.handleSubmit)
		r.Put("/{id}/award", s.handleAward)
		r.Put("/{id}/cancel", s.handleCancel)
	}
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	br, err := s.Create(r.Context(), auth.MustPrincipal(r.Context()), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": br, "event_topic": "buildmart.bid.created"})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.List(r.Context(), auth.MustPrincipal(r.Context()))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	br, err := s.Get(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": br})
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	br, err := s.SubmitOffer(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": br, "event_topic": "buildmart.bid.submitted"})
}

func (s *Service) handleAward(w http.ResponseWriter, r *http.Request) {
	var req AwardRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	br, err := s.Award(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"), req.OfferID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": br, "event_topic": "buildmart.bid.awarded"})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	br, err := s.Cancel(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": br, "event_topic": "buildmart.bid.cancelled"})
}
