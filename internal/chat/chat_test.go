package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/notification"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

var (
	alice    = auth.Principal{ID: "usr_alice", Name: "Alice", Role: auth.RoleCustomer}
	bob      = auth.Principal{ID: "usr_bob", Name: "Bob", Role: auth.RoleSupplier}
	mallory  = auth.Principal{ID: "usr_mallory", Name: "Mallory", Role: auth.RoleRetailer}
	everyone = []auth.Principal{alice, bob, mallory}
)

type directory map[string]auth.User

func (d directory) Get(_ context.Context, id string) (auth.User, error) {
	u, ok := d[id]
	if !ok {
		return auth.User{}, apperr.NotFound("user")
	}
	return u, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Input
}

func (n *recordingNotifier) Notify(_ context.Context, in notification.Input) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, in)
	return nil
}

func (n *recordingNotifier) forUser(userID string) []notification.Input {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.Input
	for _, in := range n.sent {
		if in.UserID == userID {
			out = append(out, in)
		}
	}
	return out
}

func newService(t *testing.T) (*Service, *Hub, *recordingNotifier) {
	t.Helper()
	users := directory{}
	for _, p := range everyone {
		users[p.ID] = auth.User{ID: p.ID, Name: p.Name, Role: p.Role}
	}
	hub := NewHub(nil, nil, "", zerolog.Nop())
	n := &recordingNotifier{}
	return NewService(nil, users, hub, n, zerolog.Nop()), hub, n
}

func TestStartReusesActiveChat(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t)

	c, created, err := s.Start(ctx, alice, StartRequest{ParticipantID: bob.ID, ProductID: "prd_1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, c.Participants)

	again, created, err := s.Start(ctx, bob, StartRequest{ParticipantID: alice.ID, ProductID: "prd_1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, again.ID)

	other, created, err := s.Start(ctx, alice, StartRequest{ParticipantID: bob.ID})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, c.ID, other.ID)

	_, _, err = s.Start(ctx, alice, StartRequest{ParticipantID: alice.ID})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	_, _, err = s.Start(ctx, alice, StartRequest{ParticipantID: "usr_ghost"})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestSendAndReadReceipts(t *testing.T) {
	ctx := context.Background()
	s, _, n := newService(t)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	c, _, err := s.Start(ctx, alice, StartRequest{ParticipantID: bob.ID})
	require.NoError(t, err)

	_, err = s.Send(ctx, alice, c.ID, "   ")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	_, err = s.Send(ctx, mallory, c.ID, "hi")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	m, err := s.Send(ctx, alice, c.ID, "Do you deliver to DHA Phase 6?")
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID}, m.ReadBy)

	sent := n.forUser(bob.ID)
	require.Len(t, sent, 1)
	assert.Equal(t, notification.TypeChat, sent[0].Type)
	assert.Equal(t, "Alice: Do you deliver to DHA Phase 6?", sent[0].Message)
	assert.Empty(t, n.forUser(alice.ID))

	list, err := s.List(ctx, bob)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Messages)
	assert.Equal(t, "Do you deliver to DHA Phase 6?", list[0].LastMessage)

	got, err := s.Get(ctx, bob, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, got.Messages[0].ReadBy)

	_, err = s.Get(ctx, mallory, c.ID)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
	empty, err := s.List(ctx, mallory)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", previewRunes+5)
	assert.Equal(t, "Bob: "+strings.Repeat("é", previewRunes)+"...", preview("Bob", long))
	assert.Equal(t, "short", preview("", "short"))
}

func headerProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range everyone {
			if p.ID == r.Header.Get("X-Test-User") {
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
				return
			}
		}
		httpx.WriteError(w, r, apperr.Unauthorized("not authorized, no token"))
	})
}

func TestStreamDeliversLiveMessages(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	s, hub, _ := newService(t)
	c, _, err := s.Start(ctx, alice, StartRequest{ParticipantID: bob.ID})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Route("/chats", s.Routes(headerProtect))
	srv := httptest.NewServer(router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chats/" + c.ID + "/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-Test-User": {mallory.ID}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-Test-User": {bob.ID}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers(c.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.Send(ctx, alice, c.ID, "Cement is in stock")
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "message", frame.Type)
	assert.Equal(t, alice.ID, frame.Message.SenderID)
	assert.Equal(t, "Cement is in stock", frame.Message.Message)

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "Send 40 bags"}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, bob.ID, frame.Message.SenderID)
	assert.Equal(t, "Send 40 bags", frame.Message.Message)

	got, err := s.Get(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers(c.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
	hub.Close()
}

func TestClosedHubRefusesSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	s, hub, _ := newService(t)
	c, _, err := s.Start(ctx, alice, StartRequest{ParticipantID: bob.ID})
	require.NoError(t, err)
	hub.Close()

	router := chi.NewRouter()
	router.Route("/chats", s.Routes(headerProtect))
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chats/"+c.ID+"/stream",
		http.Header{"X-Test-User": {alice.ID}})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Zero(t, hub.Subscribers(c.ID))
}
