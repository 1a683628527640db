// Package chat implements buyer-seller conversations with live delivery
// over websockets.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/notification"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
	"erp/ecommerce/buildmart/internal/store"
	"erp/ecommerce/buildmart/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	StatusActive = "active"
	StatusClosed = "closed"

	maxMessageRunes = 2000
	previewRunes    = 80
)

type Message struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chat_id"`
	SenderID string    `json:"sender_id"`
	Message  string    `json:"message"`
	ReadBy   []string  `json:"read_by"`
	SentAt   time.Time `json:"sent_at"`
}

type Chat struct {
	ID            string     `json:"id"`
	Participants  []string   `json:"participants"`
	ProductID     string     `json:"product_id,omitempty"`
	Messages      []Message  `json:"messages,omitempty"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (c Chat) hasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (c Chat) activity() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

type StartRequest struct {
	ParticipantID string `json:"participant" validate:"required"`
	ProductID     string `json:"product"`
}

type SendRequest struct {
	Message string `json:"message" validate:"required"`
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// Users resolves the other side of a conversation. *auth.Service
// implements it.
type Users interface {
	Get(ctx context.Context, id string) (auth.User, error)
}

type Service struct {
	db       *sql.DB
	users    Users
	hub      *Hub
	notifier notification.Notifier
	log      zerolog.Logger
	now      func() time.Time

	startMu     sync.Mutex
	memMu       sync.RWMutex
	memByID     map[string]Chat
	memMessages map[string][]Message
}

func NewService(db *sql.DB, users Users, hub *Hub, notifier notification.Notifier, log zerolog.Logger) *Service {
	return &Service{
		db:          db,
		users:       users,
		hub:         hub,
		notifier:    notifier,
		log:         log.With().Str("component", "chat").Logger(),
		now:         time.Now,
		memByID:     make(map[string]Chat),
		memMessages: make(map[string][]Message),
	}
}

// ---------------------------------------------------------------------------
// DB / Scan
// ---------------------------------------------------------------------------

const chatColumns = `id, participants, product_id, status, last_message, last_message_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (Chat, error) {
	var c Chat
	var participants []byte
	var productID, lastMessage sql.NullString
	var lastAt sql.NullTime
	if err := row.Scan(&c.ID, &participants, &productID, &c.Status, &lastMessage, &lastAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Chat{}, err
	}
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return Chat{}, fmt.Errorf("decode participants: %w", err)
	}
	c.ProductID = productID.String
	c.LastMessage = lastMessage.String
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}
	return c, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var readBy []byte
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Message, &readBy, &m.SentAt); err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
		return Message{}, fmt.Errorf("decode read_by: %w", err)
	}
	return m, nil
}

func jsonList(ids []string) string {
	raw, _ := json.Marshal(ids)
	return string(raw)
}

func (s *Service) load(ctx context.Context, id string) (Chat, error) {
	if s.db == nil {
		s.memMu.RLock()
		c, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok {
			return Chat{}, apperr.NotFound("chat")
		}
		return c, nil
	}
	c, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, apperr.NotFound("chat")
	}
	return c, err
}

// loadFor returns chat id if caller takes part in it.
func (s *Service) loadFor(ctx context.Context, caller auth.Principal, id string) (Chat, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return Chat{}, err
	}
	if !c.hasParticipant(caller.ID) {
		return Chat{}, apperr.Forbidden("not authorized to access this chat")
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// Start returns the active chat between caller and the participant about
// the product, creating it when none exists.
func (s *Service) Start(ctx context.Context, caller auth.Principal, req StartRequest) (Chat, bool, error) {
	other := strings.TrimSpace(req.ParticipantID)
	productID := strings.TrimSpace(req.ProductID)
	if other == caller.ID {
		return Chat{}, false, apperr.Invalid("cannot start a chat with yourself")
	}
	if _, err := s.users.Get(ctx, other); err != nil {
		return Chat{}, false, err
	}
	pair := []string{caller.ID, other}
	sort.Strings(pair)
	now := s.now().UTC()
	fresh := Chat{
		ID:           store.NewID("cht"),
		Participants: pair,
		ProductID:    productID,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if s.db == nil {
		s.startMu.Lock()
		defer s.startMu.Unlock()
		s.memMu.RLock()
		for _, c := range s.memByID {
			if c.Status == StatusActive && c.ProductID == productID && c.hasParticipant(pair[0]) && c.hasParticipant(pair[1]) {
				s.memMu.RUnlock()
				return c, false, nil
			}
		}
		s.memMu.RUnlock()
		s.memMu.Lock()
		s.memByID[fresh.ID] = fresh
		s.memMu.Unlock()
		return fresh, true, nil
	}

	var out Chat
	created := false
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := store.AdvisoryLock(ctx, tx, "chat:"+pair[0]+":"+pair[1]+":"+productID); err != nil {
			return err
		}
		existing, err := scanChat(tx.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats
			WHERE status='active' AND participants @> $1::jsonb AND COALESCE(product_id,'') = $2
			ORDER BY created_at LIMIT 1`, jsonList(pair), productID))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chats (id, participants, product_id, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			fresh.ID, jsonList(fresh.Participants), httpx.NilIfEmpty(productID), fresh.Status, fresh.CreatedAt, fresh.UpdatedAt); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		out, created = fresh, true
		return nil
	})
	if err != nil {
		return Chat{}, false, err
	}
	return out, created, nil
}

// List returns caller's chats without messages, most recent activity first.
func (s *Service) List(ctx context.Context, caller auth.Principal) ([]Chat, error) {
	items := make([]Chat, 0)
	if s.db == nil {
		s.memMu.RLock()
		for _, c := range s.memByID {
			if c.hasParticipant(caller.ID) {
				items = append(items, c)
			}
		}
		s.memMu.RUnlock()
		sort.Slice(items, func(i, j int) bool {
			ai, aj := items[i].activity(), items[j].activity()
			if ai.Equal(aj) {
				return items[i].ID > items[j].ID
			}
			return ai.After(aj)
		})
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE participants @> $1::jsonb
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`, jsonList([]string{caller.ID}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// Get returns the chat with its messages and marks them read by caller.
func (s *Service) Get(ctx context.Context, caller auth.Principal, id string) (Chat, error) {
	c, err := s.loadFor(ctx, caller, id)
	if err != nil {
		return Chat{}, err
	}
	if s.db == nil {
		s.memMu.Lock()
		msgs := s.memMessages[id]
		for i := range msgs {
			if !contains(msgs[i].ReadBy, caller.ID) {
				msgs[i].ReadBy = append(append([]string{}, msgs[i].ReadBy...), caller.ID)
			}
		}
		c.Messages = append([]Message{}, msgs...)
		s.memMu.Unlock()
		return c, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET read_by = read_by || to_jsonb($2::text)
		WHERE chat_id=$1 AND NOT (read_by @> to_jsonb($2::text))`, id, caller.ID); err != nil {
		return Chat{}, fmt.Errorf("mark messages read: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id, sender_id, message, read_by, sent_at
		FROM chat_messages WHERE chat_id=$1 ORDER BY sent_at, id`, id)
	if err != nil {
		return Chat{}, err
	}
	defer rows.Close()
	c.Messages = make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return Chat{}, err
		}
		c.Messages = append(c.Messages, m)
	}
	return c, rows.Err()
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Send appends a message, pushes it to live subscribers and notifies the
// other participants.
func (s *Service) Send(ctx context.Context, caller auth.Principal, id, text string) (m Message, err error) {
	ctx, span := telemetry.StartSpan(ctx, "chat.send", attribute.String("chat_id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, apperr.Invalid("message must not be empty")
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return Message{}, apperr.Invalid(fmt.Sprintf("message must be at most %d characters", maxMessageRunes))
	}
	c, err := s.loadFor(ctx, caller, id)
	if err != nil {
		return Message{}, err
	}
	if c.Status != StatusActive {
		return Message{}, apperr.Invalid("this chat is closed")
	}

	now := s.now().UTC()
	m = Message{ID: store.NewID("msg"), ChatID: id, SenderID: caller.ID, Message: text, ReadBy: []string{caller.ID}, SentAt: now}
	if s.db == nil {
		s.memMu.Lock()
		s.memMessages[id] = append(s.memMessages[id], m)
		c = s.memByID[id]
		c.LastMessage, c.LastMessageAt, c.UpdatedAt = text, &now, now
		s.memByID[id] = c
		s.memMu.Unlock()
	} else {
		err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO chat_messages (id, chat_id, sender_id, message, read_by, sent_at)
				VALUES ($1,$2,$3,$4,$5,$6)`, m.ID, m.ChatID, m.SenderID, m.Message, jsonList(m.ReadBy), m.SentAt); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			_, err := tx.ExecContext(ctx, `UPDATE chats SET last_message=$2, last_message_at=$3, updated_at=$3 WHERE id=$1`, id, text, now)
			return err
		})
		if err != nil {
			return Message{}, err
		}
	}

	if s.hub != nil {
		if err := s.hub.Publish(ctx, id, m); err != nil {
			s.log.Warn().Err(err).Str("chat_id", id).Msg("live chat delivery failed")
		}
	}
	for _, p := range c.Participants {
		if p == caller.ID {
			continue
		}
		notification.Send(ctx, s.notifier, s.log, notification.Input{
			UserID:  p,
			Type:    notification.TypeChat,
			Title:   "New Message",
			Message: preview(caller.Name, text),
			Data:    map[string]any{"chat_id": id, "message_id": m.ID},
			Link:    "/chats/" + id,
		})
	}
	return m, nil
}

func preview(sender, text string) string {
	if utf8.RuneCountInString(text) > previewRunes {
		text = string([]rune(text)[:previewRunes]) + "..."
	}
	if sender == "" {
		return text
	}
	return sender + ": " + text
}
