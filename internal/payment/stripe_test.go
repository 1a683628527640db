package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"

	"erp/ecommerce/buildmart/internal/platform/apperr"
)

const testWebhookSecret = "whsec_test_secret"

func sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func sessionEvent(apiVersion, eventType string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": "evt_1",
  "object": "event",
  "api_version": %q,
  "type": %q,
  "data": {"object": {
    "id": "cs_test_123",
    "object": "checkout.session",
    "payment_status": "paid",
    "amount_total": 262500,
    "currency": "pkr",
    "client_reference_id": "chk_1",
    "metadata": {"checkout_id": "chk_1", "user_id": "usr_1"}
  }}
}`, apiVersion, eventType))
}

func TestStripeParseWebhookVerifiesSignature(t *testing.T) {
	s := NewStripe("sk_test_unused", testWebhookSecret, zerolog.Nop())
	payload := sessionEvent(stripe.APIVersion, EventSessionCompleted)

	ev, err := s.ParseWebhook(payload, sign(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, EventSessionCompleted, ev.Type)
	assert.Equal(t, "cs_test_123", ev.Session.ID)
	assert.True(t, ev.Session.Paid())
	assert.Equal(t, int64(262500), ev.Session.AmountTotal)
	assert.Equal(t, "chk_1", ev.Session.Metadata["checkout_id"])

	_, err = s.ParseWebhook(payload, sign(payload, "whsec_other", time.Now()))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	_, err = s.ParseWebhook(payload, sign(payload, testWebhookSecret, time.Now().Add(-time.Hour)))
	assert.Error(t, err, "stale signatures are rejected")

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err = s.ParseWebhook(tampered, sign(payload, testWebhookSecret, time.Now()))
	assert.Error(t, err)
}

func TestStripeParseWebhookAcceptsOtherAPIVersions(t *testing.T) {
	s := NewStripe("sk_test_unused", testWebhookSecret, zerolog.Nop())
	payload := sessionEvent("2020-08-27", EventSessionAsyncPaymentFailed)

	ev, err := s.ParseWebhook(payload, sign(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, EventSessionAsyncPaymentFailed, ev.Type)
	assert.Equal(t, "cs_test_123", ev.Session.ID)
}

func TestStripeParseWebhookWithoutSecret(t *testing.T) {
	s := NewStripe("sk_test_unused", "", zerolog.Nop())
	_, err := s.ParseWebhook([]byte(`{}`), "t=1,v1=00")
	assert.True(t, apperr.Is(err, apperr.CodeUnavailable))
}

func TestFakeGatewayLifecycle(t *testing.T) {
	f := NewFake("sig")
	s, err := f.CreateSession(context.Background(), SessionRequest{
		Currency: "PKR",
		Items:    []LineItem{{Name: "Cement", UnitAmount: 120000, Quantity: 2}, {Name: "Tax (5%)", UnitAmount: 12000, Quantity: 1}},
		Metadata: map[string]string{"checkout_id": "chk_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(252000), s.AmountTotal)
	assert.False(t, s.Paid())

	f.Pay(s.ID)
	got, err := f.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, got.Paid())

	ev, err := f.ParseWebhook(f.WebhookPayload(EventSessionCompleted, s.ID), "sig")
	require.NoError(t, err)
	assert.Equal(t, s.ID, ev.Session.ID)
	assert.Equal(t, "chk_1", ev.Session.Metadata["checkout_id"])

	_, err = f.ParseWebhook(f.WebhookPayload(EventSessionCompleted, s.ID), "bad")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	_, err = f.GetSession(context.Background(), "cs_missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}
