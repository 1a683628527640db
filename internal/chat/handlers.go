package chat

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

// Routes mounts /chats. The stream route accepts the token as a query
// parameter because browsers cannot set headers on websocket upgrades.
func (s *Service) Routes(protect func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(protect)
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/messages", s.handleSend)
		r.Get("/{id}/stream", s.handleStream)
	}
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	c, created, err := s.Start(r.Context(), auth.MustPrincipal(r.Context()), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, map[string]any{"item": c, "event_topic": "buildmart.chat.started"})
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
	c, err := s.Get(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": c})
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	m, err := s.Send(r.Context(), auth.MustPrincipal(r.Context()), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": m, "event_topic": "buildmart.chat.message_sent"})
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httpx.WriteError(w, r, apperr.New(apperr.CodeUnavailable, "live chat is not enabled"))
		return
	}
	caller := auth.MustPrincipal(r.Context())
	id := chi.URLParam(r, "id")
	if _, err := s.loadFor(r.Context(), caller, id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	// The socket outlives this handler, and with it the request context.
	ctx := context.WithoutCancel(r.Context())
	err := s.hub.Serve(w, r, id, caller.ID, func(text string) error {
		_, err := s.Send(ctx, caller, id, text)
		return err
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("chat_id", id).Msg("chat stream upgrade failed")
	}
}
