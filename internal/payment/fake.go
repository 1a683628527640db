package payment

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/store"
)

// Fake is an in-process Gateway for tests and local development. Webhook
// payloads are accepted when the signature equals Secret.
type Fake struct {
	Secret string

	mu       sync.Mutex
	sessions map[string]Session
	requests map[string]SessionRequest
}

func NewFake(secret string) *Fake {
	return &Fake{Secret: secret, sessions: make(map[string]Session), requests: make(map[string]SessionRequest)}
}

func (f *Fake) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	var total int64
	for _, item := range req.Items {
		total += item.UnitAmount * item.Quantity
	}
	id := store.NewID("cs_test")
	s := Session{
		ID:                id,
		URL:               "https://checkout.test/pay/" + id,
		PaymentStatus:     StatusUnpaid,
		AmountTotal:       total,
		Currency:          strings.ToLower(req.Currency),
		CustomerEmail:     req.CustomerEmail,
		ClientReferenceID: req.ClientReferenceID,
		Metadata:          req.Metadata,
	}
	f.mu.Lock()
	f.sessions[id] = s
	f.requests[id] = req
	f.mu.Unlock()
	return s, nil
}

func (f *Fake) GetSession(_ context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return Session{}, apperr.NotFound("checkout session")
	}
	return s, nil
}

// Request returns what CreateSession was called with for id.
func (f *Fake) Request(id string) (SessionRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	return req, ok
}

// Pay marks a session as paid, as if the customer completed the hosted page.
func (f *Fake) Pay(id string) Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.PaymentStatus = StatusPaid
	f.sessions[id] = s
	return s
}

type fakeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Session struct {
		ID            string            `json:"id"`
		PaymentStatus string            `json:"payment_status"`
		AmountTotal   int64             `json:"amount_total"`
		Metadata      map[string]string `json:"metadata"`
	} `json:"session"`
}

// WebhookPayload renders a payload ParseWebhook accepts for the current
// state of session id.
func (f *Fake) WebhookPayload(eventType, id string) []byte {
	f.mu.Lock()
	s := f.sessions[id]
	f.mu.Unlock()
	var env fakeEnvelope
	env.ID = store.NewID("evt")
	env.Type = eventType
	env.Session.ID = id
	env.Session.PaymentStatus = s.PaymentStatus
	env.Session.AmountTotal = s.AmountTotal
	env.Session.Metadata = s.Metadata
	raw, _ := json.Marshal(env)
	return raw
}

func (f *Fake) ParseWebhook(payload []byte, signature string) (Event, error) {
	if signature == "" || signature != f.Secret {
		return Event{}, apperr.Invalid("webhook signature verification failed")
	}
	var env fakeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, apperr.Wrap(apperr.CodeInvalidArgument, "malformed webhook payload", err)
	}
	return Event{
		ID:   env.ID,
		Type: env.Type,
		Session: Session{
			ID:            env.Session.ID,
			PaymentStatus: env.Session.PaymentStatus,
			AmountTotal:   env.Session.AmountTotal,
			Metadata:      env.Session.Metadata,
		},
	}, nil
}
