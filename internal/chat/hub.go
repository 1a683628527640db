package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 8 << 10
	sendBufferSize = 64

	channelPrefix = "buildmart:chat:"
)

// Frame is what subscribers receive over the websocket.
type Frame struct {
	Type    string  `json:"type"`
	ChatID  string  `json:"chat_id"`
	Message Message `json:"message"`
}

// Hub fans chat messages out to the websocket subscribers of each chat. With
// a Redis client it publishes through Redis so that subscribers connected to
// other instances receive them too.
type Hub struct {
	rdb      *redis.Client
	metrics  *telemetry.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	closed bool
}

func NewHub(rdb *redis.Client, metrics *telemetry.Metrics, allowedOrigin string, log zerolog.Logger) *Hub {
	h := &Hub{
		rdb:     rdb,
		metrics: metrics,
		log:     log.With().Str("component", "chat_hub").Logger(),
		rooms:   make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigin),
	}
	return h
}

func originChecker(allowed string) func(r *http.Request) bool {
	allowed = strings.TrimRight(allowed, "/")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed == "" || allowed == "*" || strings.EqualFold(strings.TrimRight(origin, "/"), allowed)
	}
}

// Run relays messages published by other instances until ctx is done. It
// returns immediately when no Redis client is configured.
func (h *Hub) Run(ctx context.Context) error {
	if h.rdb == nil {
		return nil
	}
	sub := h.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.deliver(strings.TrimPrefix(msg.Channel, channelPrefix), []byte(msg.Payload))
		}
	}
}

// Publish sends m to every subscriber of chatID.
func (h *Hub) Publish(ctx context.Context, chatID string, m Message) error {
	payload, err := json.Marshal(Frame{Type: "message", ChatID: chatID, Message: m})
	if err != nil {
		return err
	}
	if h.rdb == nil {
		h.deliver(chatID, payload)
		return nil
	}
	if err := h.rdb.Publish(ctx, channelPrefix+chatID, payload).Err(); err != nil {
		// Local subscribers still get the message.
		h.deliver(chatID, payload)
		return err
	}
	return nil
}

func (h *Hub) deliver(chatID string, payload []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.rooms[chatID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.log.Warn().Str("chat_id", chatID).Str("user_id", c.userID).Msg("dropping slow chat subscriber")
		c.conn.Close()
	}
}

// Subscribers reports how many connections are open for chatID.
func (h *Hub) Subscribers(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	room, ok := h.rooms[c.chatID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.chatID] = room
	}
	room[c] = struct{}{}
	h.metrics.ChatConnected()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.chatID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.chatID)
	}
	close(c.send)
	h.metrics.ChatDisconnected()
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var conns []*websocket.Conn
	for _, room := range h.rooms {
		for c := range room {
			conns = append(conns, c.conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	chatID string
	userID string
}

// inbound is a message typed by the subscriber on the socket.
type inbound struct {
	Message string `json:"message"`
}

// Serve upgrades the request and streams chatID to userID. Text frames sent
// by the subscriber are handed to onMessage.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, chatID, userID string, onMessage func(text string) error) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), chatID: chatID, userID: userID}
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return errors.New("chat hub is closed")
	}
	go c.writePump()
	go c.readPump(onMessage)
	return nil
}

func (c *client) readPump(onMessage func(text string) error) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("chat_id", c.chatID).Msg("chat socket closed")
			}
			return
		}
		if onMessage == nil {
			continue
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if err := onMessage(in.Message); err != nil {
			c.hub.log.Debug().Err(err).Str("chat_id", c.chatID).Msg("rejected socket message")
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
