package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"erp/ecommerce/buildmart/internal/platform/apperr"
)

// Stripe implements Gateway with Stripe Checkout.
type Stripe struct {
	api           *client.API
	webhookSecret string
	log           zerolog.Logger
}

func NewStripe(secretKey, webhookSecret string, log zerolog.Logger) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{
		api:           api,
		webhookSecret: webhookSecret,
		log:           log.With().Str("component", "stripe").Logger(),
	}
}

func (s *Stripe) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Params:             stripe.Params{Context: ctx},
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(req.ClientReferenceID)
	}
	for _, item := range req.Items {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(item.Name)}
		if item.Description != "" {
			product.Description = stripe.String(item.Description)
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(req.Currency)),
				ProductData: product,
				UnitAmount:  stripe.Int64(item.UnitAmount),
			},
			Quantity: stripe.Int64(item.Quantity),
		})
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, providerError("create checkout session", err)
	}
	s.log.Debug().Str("session_id", cs.ID).Int("lines", len(req.Items)).Msg("checkout session created")
	return fromStripe(cs), nil
}

func (s *Stripe) GetSession(ctx context.Context, id string) (Session, error) {
	cs, err := s.api.CheckoutSessions.Get(id, &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return Session{}, providerError("retrieve checkout session", err)
	}
	return fromStripe(cs), nil
}

func (s *Stripe) ParseWebhook(payload []byte, signature string) (Event, error) {
	if s.webhookSecret == "" {
		return Event{}, apperr.New(apperr.CodeUnavailable, "webhook secret is not configured")
	}
	// The session fields read below are stable across API versions, so the
	// endpoint need not be pinned to the library's version.
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, apperr.Wrap(apperr.CodeInvalidArgument, "webhook signature verification failed", err)
	}
	out := Event{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(out.Type, "checkout.session.") || event.Data == nil {
		return out, nil
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return Event{}, apperr.Wrap(apperr.CodeInvalidArgument, "malformed checkout session payload", err)
	}
	out.Session = fromStripe(&cs)
	return out, nil
}

func fromStripe(cs *stripe.CheckoutSession) Session {
	return Session{
		ID:                cs.ID,
		URL:               cs.URL,
		PaymentStatus:     string(cs.PaymentStatus),
		AmountTotal:       cs.AmountTotal,
		Currency:          string(cs.Currency),
		CustomerEmail:     cs.CustomerEmail,
		ClientReferenceID: cs.ClientReferenceID,
		Metadata:          cs.Metadata,
	}
}

func providerError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound:
			return apperr.Wrap(apperr.CodeNotFound, "checkout session not found", err)
		case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500:
			return apperr.Wrap(apperr.CodeInvalidArgument, se.Msg, err)
		}
	}
	return apperr.Wrap(apperr.CodeUnavailable, "payment provider unavailable", fmt.Errorf("%s: %w", op, err))
}
