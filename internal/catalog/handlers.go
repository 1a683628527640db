package catalog

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

type stockRequest struct {
	Stock *int `json:"stock" validate:"required,gte=0"`
}

// Routes mounts /products. protect is the authentication middleware.
func (s *Service) Routes(protect func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", s.handleList)
		r.With(protect, auth.Authorize(auth.SellersAndAdmin...)).Get("/low-stock", s.handleLowStock)
		r.Get("/{id}", s.handleGet)
		r.Group(func(r chi.Router) {
			r.Use(protect, auth.Authorize(auth.SellersAndAdmin...))
			r.Post("/", s.handleCreate)
			r.Put("/{id}", s.handleUpdate)
			r.Delete("/{id}", s.handleDelete)
			r.Patch("/{id}/stock", s.handleUpdateStock)
		})
	}
}

// SupplierRoutes mounts /suppliers.
func (s *Service) SupplierRoutes(protect func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", s.handleListSuppliers)
		r.With(protect).Get("/{id}", s.handleSupplierProfile)
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	page, err := s.List(r.Context(), Filter{
		Category:   httpx.Query(r, "category"),
		Search:     httpx.Query(r, "search"),
		MinPrice:   httpx.FloatParam(r, "min_price"),
		MaxPrice:   httpx.FloatParam(r, "max_price"),
		InStock:    httpx.BoolParam(r, "in_stock"),
		Featured:   httpx.BoolParam(r, "featured"),
		SupplierID: httpx.Query(r, "supplier"),
		Sort:       httpx.Query(r, "sort"),
		Page:       httpx.IntParam(r, "page", 1, 1, 100000),
		Limit:      httpx.IntParam(r, "limit", 12, 1, 100),
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"items": page.Items, "total": page.Total, "page": page.Page, "pages": page.Pages,
		"cached": page.Cached, "event_topic": "buildmart.product.listed",
	})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": p, "event_topic": "buildmart.product.read"})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := s.Create(r.Context(), auth.MustPrincipal(r.Context()), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": p, "event_topic": "buildmart.product.created"})
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := s.Update(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": p, "event_topic": "buildmart.product.updated"})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Delete(r.Context(), auth.MustPrincipal(r.Context()), id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "event_topic": "buildmart.product.deleted"})
}

func (s *Service) handleLowStock(w http.ResponseWriter, r *http.Request) {
	items, err := s.LowStock(r.Context(), auth.MustPrincipal(r.Context()))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items), "event_topic": "buildmart.product.low_stock"})
}

func (s *Service) handleUpdateStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := s.UpdateStock(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"), *req.Stock)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": p, "event_topic": "buildmart.product.stock_updated"})
}

// ---------------------------------------------------------------------------
// Suppliers
// ---------------------------------------------------------------------------

type SupplierProfile struct {
	Supplier auth.User `json:"supplier"`
	Products []Product `json:"products"`
}

func (s *Service) SupplierProfile(ctx context.Context, id string) (SupplierProfile, error) {
	if s.users == nil {
		return SupplierProfile{}, apperr.New(apperr.CodeUnavailable, "supplier directory unavailable")
	}
	u, err := s.users.Get(ctx, id)
	if err != nil {
		return SupplierProfile{}, err
	}
	if !auth.IsSeller(u.Role) {
		return SupplierProfile{}, apperr.NotFound("supplier")
	}
	page, err := s.List(ctx, Filter{SupplierID: id, Page: 1, Limit: 100})
	if err != nil {
		return SupplierProfile{}, err
	}
	return SupplierProfile{Supplier: u, Products: page.Items}, nil
}

func (s *Service) handleListSuppliers(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		httpx.WriteError(w, r, apperr.New(apperr.CodeUnavailable, "supplier directory unavailable"))
		return
	}
	items, err := s.users.ListSuppliers(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items), "event_topic": "buildmart.supplier.listed"})
}

func (s *Service) handleSupplierProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.SupplierProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": profile, "event_topic": "buildmart.supplier.read"})
}
