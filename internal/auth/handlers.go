package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

// AuthRoutes mounts /auth.
func (s *Service) AuthRoutes(r chi.Router) {
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(s.Protect)
		r.Get("/me", s.handleMe)
		r.Put("/update-password", s.handleUpdatePassword)
	})
}

// UserRoutes mounts /users.
func (s *Service) UserRoutes(r chi.Router) {
	r.Use(s.Protect)
	r.Put("/profile", s.handleUpdateProfile)
	r.Get("/{id}", s.handleGetUser)
	r.Group(func(r chi.Router) {
		r.Use(Authorize(RoleAdmin))
		r.Get("/", s.handleListUsers)
		r.Put("/{id}", s.handleAdminUpdate)
		r.Delete("/{id}", s.handleDeleteUser)
	})
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	u, token, err := s.Register(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": u, "token": token, "event_topic": "buildmart.user.registered"})
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	u, token, err := s.Login(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": u, "token": token, "event_topic": "buildmart.user.logged_in"})
}

func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.Get(r.Context(), MustPrincipal(r.Context()).ID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": u, "event_topic": "buildmart.user.read"})
}

func (s *Service) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req UpdatePasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.UpdatePassword(r.Context(), MustPrincipal(r.Context()).ID, req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "password updated", "event_topic": "buildmart.user.password_updated"})
}

func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := s.List(r.Context(), UserFilter{
		Role:   httpx.Query(r, "role"),
		Status: httpx.Query(r, "status"),
		Search: httpx.Query(r, "search"),
		Page:   httpx.IntParam(r, "page", 1, 1, 100000),
		Limit:  httpx.IntParam(r, "limit", 20, 1, 200),
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": page.Items, "total": page.Total, "page": page.Page, "pages": page.Pages, "event_topic": "buildmart.user.listed"})
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	p := MustPrincipal(r.Context())
	id := chi.URLParam(r, "id")
	if id != p.ID && !p.IsAdmin() {
		httpx.WriteError(w, r, apperr.Forbidden("not authorized to view this user"))
		return
	}
	u, err := s.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": u, "event_topic": "buildmart.user.read"})
}

func (s *Service) handleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	var req AdminUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	u, err := s.AdminUpdate(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": u, "event_topic": "buildmart.user.updated"})
}

func (s *Service) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	u, err := s.UpdateProfile(r.Context(), MustPrincipal(r.Context()).ID, req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": u, "event_topic": "buildmart.user.profile_updated"})
}

func (s *Service) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Delete(r.Context(), MustPrincipal(r.Context()).ID, id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "event_topic": "buildmart.user.deleted"})
}
