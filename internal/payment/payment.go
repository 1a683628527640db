// Package payment hides the hosted checkout provider behind a small
// interface so order reconciliation can run against Stripe or a fake.
package payment

import (
	"context"
)

const (
	StatusPaid   = "paid"
	StatusUnpaid = "unpaid"

	EventSessionCompleted          = "checkout.session.completed"
	EventSessionAsyncSucceeded     = "checkout.session.async_payment_succeeded"
	EventSessionAsyncPaymentFailed = "checkout.session.async_payment_failed"
	EventSessionExpired            = "checkout.session.expired"
)

// LineItem is one priced line on a hosted checkout page. Amounts are in
// minor units of the session currency.
type LineItem struct {
	Name        string
	Description string
	UnitAmount  int64
	Quantity    int64
}

type SessionRequest struct {
	Currency          string
	Items             []LineItem
	SuccessURL        string
	CancelURL         string
	CustomerEmail     string
	ClientReferenceID string
	Metadata          map[string]string
}

// Session is the provider's view of a checkout session.
type Session struct {
	ID                string
	URL               string
	PaymentStatus     string
	AmountTotal       int64
	Currency          string
	CustomerEmail     string
	ClientReferenceID string
	Metadata          map[string]string
}

func (s Session) Paid() bool { return s.PaymentStatus == StatusPaid }

// Event is a verified webhook notification about a checkout session.
// Session is zero for event types that do not carry one.
type Event struct {
	ID      string
	Type    string
	Session Session
}

type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// ParseWebhook verifies signature over payload and decodes the event.
	ParseWebhook(payload []byte, signature string) (Event, error)
}
