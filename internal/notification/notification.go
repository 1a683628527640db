// Package notification stores per-user inbox notifications raised by
// orders, payments, stock changes, bids and chat.
package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
	"erp/ecommerce/buildmart/internal/store"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	TypeOrder  = "order"
	TypeBid    = "bid"
	TypeStock  = "stock"
	TypeChat   = "chat"
	TypeSystem = "system"
)

type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Link      string         `json:"link,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Input describes a notification to deliver.
type Input struct {
	UserID  string
	Type    string
	Title   string
	Message string
	Data    map[string]any
	Link    string
}

// Notifier is implemented by *Service and consumed by the other domains.
type Notifier interface {
	Notify(ctx context.Context, in Input) error
}

type ListResponse struct {
	Items       []Notification `json:"items"`
	NextCursor  string         `json:"next_cursor,omitempty"`
	UnreadCount int            `json:"unread_count"`
}

type Service struct {
	db  *sql.DB
	log zerolog.Logger

	memMu   sync.RWMutex
	memByID map[string]Notification
}

func NewService(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		db:      db,
		log:     log.With().Str("component", "notification").Logger(),
		memByID: make(map[string]Notification),
	}
}

func normalizeType(t string) string {
	switch v := strings.ToLower(strings.TrimSpace(t)); v {
	case TypeOrder, TypeBid, TypeStock, TypeChat, TypeSystem:
		return v
	default:
		return TypeSystem
	}
}

// ---------------------------------------------------------------------------
// CRUD - Create
// ---------------------------------------------------------------------------

func (s *Service) Notify(ctx context.Context, in Input) error {
	if strings.TrimSpace(in.UserID) == "" {
		return apperr.Invalid("notification user is required")
	}
	n := Notification{
		ID:        store.NewID("ntf"),
		UserID:    in.UserID,
		Type:      normalizeType(in.Type),
		Title:     in.Title,
		Message:   in.Message,
		Data:      in.Data,
		Link:      in.Link,
		CreatedAt: time.Now().UTC(),
	}
	if s.db == nil {
		s.memMu.Lock()
		s.memByID[n.ID] = n
		s.memMu.Unlock()
		return nil
	}
	data, err := json.Marshal(n.Data)
	if err != nil || n.Data == nil {
		data = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO notifications (id, user_id, type, title, message, data, link, is_read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, string(data), httpx.NilIfEmpty(n.Link), false, n.CreatedAt)
	return err
}

// Send delivers a notification and logs rather than returns failures. Used
// after a business transaction has already committed.
func Send(ctx context.Context, n Notifier, log zerolog.Logger, in Input) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, in); err != nil {
		log.Warn().Err(err).Str("user_id", in.UserID).Str("type", in.Type).Msg("notification not delivered")
	}
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, cursor string, limit int) (ListResponse, error) {
	cursorTime, cursorID, err := httpx.ParseCursor(cursor)
	if err != nil {
		return ListResponse{}, err
	}
	if s.db == nil {
		return s.listMemory(userID, unreadOnly, cursorTime, cursorID, limit), nil
	}

	args := []any{userID}
	where := []string{"user_id = $1"}
	next := 2
	if unreadOnly {
		where = append(where, "is_read = FALSE")
	}
	if !cursorTime.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", next, next+1))
		args = append(args, cursorTime, cursorID)
		next += 2
	}
	args = append(args, limit+1)
	q := fmt.Sprintf(`SELECT id, user_id, type, title, message, data, link, is_read, created_at
		FROM notifications WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`, strings.Join(where, " AND "), next)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return ListResponse{}, err
	}
	defer rows.Close()
	items := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		var data []byte
		var link sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &link, &n.IsRead, &n.CreatedAt); err != nil {
			return ListResponse{}, err
		}
		_ = json.Unmarshal(data, &n.Data)
		n.Link = link.String
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return ListResponse{}, err
	}
	resp := ListResponse{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		resp.Items = items[:limit]
		resp.NextCursor = httpx.EncodeCursor(last.CreatedAt, last.ID)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND is_read=FALSE`, userID).Scan(&resp.UnreadCount); err != nil {
		return ListResponse{}, err
	}
	return resp, nil
}

func (s *Service) listMemory(userID string, unreadOnly bool, cursorTime time.Time, cursorID string, limit int) ListResponse {
	s.memMu.RLock()
	items := make([]Notification, 0)
	unread := 0
	for _, n := range s.memByID {
		if n.UserID != userID {
			continue
		}
		if !n.IsRead {
			unread++
		}
		if unreadOnly && n.IsRead {
			continue
		}
		if !cursorTime.IsZero() && !httpx.Before(n.CreatedAt, n.ID, cursorTime, cursorID) {
			continue
		}
		items = append(items, n)
	}
	s.memMu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	resp := ListResponse{UnreadCount: unread}
	if len(items) <= limit {
		resp.Items = append([]Notification{}, items...)
		return resp
	}
	resp.Items = append([]Notification{}, items[:limit]...)
	last := items[limit-1]
	resp.NextCursor = httpx.EncodeCursor(last.CreatedAt, last.ID)
	return resp
}

// ---------------------------------------------------------------------------
// CRUD - Update / Delete
// ---------------------------------------------------------------------------

func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		n, ok := s.memByID[id]
		if !ok || n.UserID != userID {
			return apperr.NotFound("notification")
		}
		n.IsRead = true
		s.memByID[id] = n
		return nil
	}
	return expectOne(s.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE WHERE id=$1 AND user_id=$2`, id, userID))
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		var n int64
		for id, item := range s.memByID {
			if item.UserID == userID && !item.IsRead {
				item.IsRead = true
				s.memByID[id] = item
				n++
			}
		}
		return n, nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE WHERE user_id=$1 AND is_read=FALSE`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		n, ok := s.memByID[id]
		if !ok || n.UserID != userID {
			return apperr.NotFound("notification")
		}
		delete(s.memByID, id)
		return nil
	}
	return expectOne(s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1 AND user_id=$2`, id, userID))
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("notification")
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Routes mounts /notifications. The caller must apply auth.Protect.
func (s *Service) Routes(r chi.Router) {
	r.Get("/", s.handleList)
	r.Put("/read-all", s.handleMarkAllRead)
	r.Put("/{id}/read", s.handleMarkRead)
	r.Delete("/{id}", s.handleDelete)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipal(r.Context())
	resp, err := s.List(r.Context(), p.ID, httpx.BoolParam(r, "unread_only"), httpx.Query(r, "cursor"), httpx.IntParam(r, "limit", 20, 1, 100))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": resp.Items, "next_cursor": resp.NextCursor, "unread_count": resp.UnreadCount, "event_topic": "buildmart.notification.listed"})
}

func (s *Service) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.MarkRead(r.Context(), auth.MustPrincipal(r.Context()).ID, id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "event_topic": "buildmart.notification.read"})
}

func (s *Service) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.MarkAllRead(r.Context(), auth.MustPrincipal(r.Context()).ID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"updated": n, "event_topic": "buildmart.notification.read_all"})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Delete(r.Context(), auth.MustPrincipal(r.Context()).ID, id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "event_topic": "buildmart.notification.deleted"})
}
