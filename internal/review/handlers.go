package review

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

// Routes mounts /reviews. Listing a product's reviews is public.
func (s *Service) Routes(protect func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/product/{productId}", s.handleList)
		r.Group(func(r chi.Router) {
			r.Use(protect)
			r.Post("/", s.handleCreate)
			r.Put("/{id}", s.handleUpdate)
			r.Delete("/{id}", s.handleDelete)
		})
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	page, err := s.ListForProduct(r.Context(), chi.URLParam(r, "productId"),
		httpx.IntParam(r, "page", 1, 1, 100000), httpx.IntParam(r, "limit", 10, 1, 100))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"items": page.Items, "count": len(page.Items), "total": page.Total, "page": page.Page, "pages": page.Pages,
		"event_topic": "buildmart.review.listed",
	})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rev, err := s.Create(r.Context(), auth.MustPrincipal(r.Context()), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": rev, "event_topic": "buildmart.review.created"})
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rev, err := s.Update(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": rev, "event_topic": "buildmart.review.updated"})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Delete(r.Context(), auth.MustPrincipal(r.Context()), id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "message": "Review deleted successfully", "event_topic": "buildmart.review.deleted"})
}
