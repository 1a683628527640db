package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/catalog"
	"erp/ecommerce/buildmart/internal/notification"
	"erp/ecommerce/buildmart/internal/payment"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
	"erp/ecommerce/buildmart/internal/pricing"
	"erp/ecommerce/buildmart/internal/store"
	"erp/ecommerce/buildmart/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	CheckoutInitiated = "initiated"
	CheckoutPending   = "pending"
	CheckoutCompleted = "completed"
	CheckoutAbandoned = "abandoned"
	CheckoutFailed    = "failed"
)

// Checkout is the local record of a hosted checkout session. It is the
// source of truth for what the customer is paying for when the session is
// reconciled into an order.
type Checkout struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id,omitempty"`
	CustomerID      string          `json:"customer_id"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	Items           []Item          `json:"items"`
	Pricing         pricing.Quote   `json:"pricing"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	OrderID         string          `json:"order_id,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type CheckoutRequest struct {
	Items           []LineRequest   `json:"items" validate:"required,min=1,dive"`
	ShippingAddress ShippingAddress `json:"shipping_address" validate:"required"`
}

type CheckoutResult struct {
	CheckoutID string `json:"checkout_id"`
	SessionID  string `json:"session_id"`
	URL        string `json:"url"`
}

// ---------------------------------------------------------------------------
// Checkout records
// ---------------------------------------------------------------------------

const checkoutColumns = `id, session_id, customer_id, customer_email, items, subtotal, tax, shipping, discount, total, currency, shipping_address, status, order_id, completed_at, created_at, updated_at`

func scanCheckout(row rowScanner) (Checkout, error) {
	var c Checkout
	var sessionID, email, orderID sql.NullString
	var items, address []byte
	var completedAt sql.NullTime
	if err := row.Scan(&c.ID, &sessionID, &c.CustomerID, &email, &items,
		&c.Pricing.Subtotal, &c.Pricing.Tax, &c.Pricing.Shipping, &c.Pricing.Discount, &c.Pricing.Total,
		&c.Currency, &address, &c.Status, &orderID, &completedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Checkout{}, err
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return Checkout{}, fmt.Errorf("decode checkout items: %w", err)
	}
	_ = json.Unmarshal(address, &c.ShippingAddress)
	c.SessionID = sessionID.String
	c.CustomerEmail = email.String
	c.OrderID = orderID.String
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return c, nil
}

func (s *Service) insertCheckout(ctx context.Context, c Checkout) error {
	if s.db == nil {
		s.chkMu.Lock()
		s.checkouts[c.ID] = c
		s.chkMu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkout_sessions (`+checkoutColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		c.ID, httpx.NilIfEmpty(c.SessionID), c.CustomerID, httpx.NilIfEmpty(c.CustomerEmail), jsonText(c.Items),
		c.Pricing.Subtotal, c.Pricing.Tax, c.Pricing.Shipping, c.Pricing.Discount, c.Pricing.Total,
		c.Currency, jsonText(c.ShippingAddress), c.Status, httpx.NilIfEmpty(c.OrderID), nil, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert checkout: %w", err)
	}
	return nil
}

// findCheckout resolves the record behind a provider session, by session id
// first and then by the checkout id carried in the session metadata.
func (s *Service) findCheckout(ctx context.Context, q store.Querier, sess payment.Session) (Checkout, error) {
	ref := sess.Metadata["checkout_id"]
	if ref == "" {
		ref = sess.ClientReferenceID
	}
	if q == nil {
		s.chkMu.Lock()
		defer s.chkMu.Unlock()
		for _, c := range s.checkouts {
			if sess.ID != "" && c.SessionID == sess.ID {
				return c, nil
			}
		}
		if c, ok := s.checkouts[ref]; ok {
			return c, nil
		}
		return Checkout{}, apperr.NotFound("checkout record")
	}
	c, err := scanCheckout(q.QueryRowContext(ctx,
		`SELECT `+checkoutColumns+` FROM checkout_sessions WHERE session_id=$1 OR id=$2 ORDER BY (session_id=$1) IS TRUE DESC LIMIT 1`,
		sess.ID, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkout{}, apperr.NotFound("checkout record")
	}
	return c, err
}

// updateCheckout sets the provider session, status and resulting order of
// record id. Empty sessionID/orderID leave the stored values alone.
func (s *Service) updateCheckout(ctx context.Context, q store.Querier, id, sessionID, status, orderID string) error {
	now := s.now().UTC()
	var completedAt *time.Time
	if status == CheckoutCompleted {
		completedAt = &now
	}
	if q == nil {
		s.chkMu.Lock()
		defer s.chkMu.Unlock()
		c, ok := s.checkouts[id]
		if !ok {
			return apperr.NotFound("checkout record")
		}
		if sessionID != "" {
			c.SessionID = sessionID
		}
		if orderID != "" {
			c.OrderID = orderID
		}
		if completedAt != nil {
			c.CompletedAt = completedAt
		}
		c.Status = status
		c.UpdatedAt = now
		s.checkouts[id] = c
		return nil
	}
	_, err := q.ExecContext(ctx, `UPDATE checkout_sessions SET
		session_id = COALESCE($2, session_id), status = $3, order_id = COALESCE($4, order_id),
		completed_at = COALESCE($5, completed_at), updated_at = $6
		WHERE id = $1`,
		id, httpx.NilIfEmpty(sessionID), status, httpx.NilIfEmpty(orderID), completedAt, now)
	if err != nil {
		return fmt.Errorf("update checkout: %w", err)
	}
	return nil
}

// dbQuerier is the service's own connection, or nil in memory mode.
func (s *Service) dbQuerier() store.Querier {
	if s.db == nil {
		return nil
	}
	return s.db
}

// ---------------------------------------------------------------------------
// Create session
// ---------------------------------------------------------------------------

func (s *Service) requireGateway() error {
	if s.gateway == nil {
		return apperr.New(apperr.CodeUnavailable, "online payments are not configured")
	}
	return nil
}

func truncate(v string, n int) string {
	if utf8.RuneCountInString(v) <= n {
		return v
	}
	return string([]rune(v)[:n])
}

func amountText(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// CreateCheckoutSession prices the cart like Create does, without touching
// stock, and opens a hosted checkout session for it.
func (s *Service) CreateCheckoutSession(ctx context.Context, caller auth.Principal, req CheckoutRequest) (CheckoutResult, error) {
	if err := s.requireGateway(); err != nil {
		return CheckoutResult{}, err
	}
	if len(req.Items) == 0 {
		return CheckoutResult{}, apperr.Invalid("no order items provided")
	}
	lines := requestLines(req.Items)
	products, err := s.catalog.CheckAvailability(ctx, lines)
	if err != nil {
		return CheckoutResult{}, err
	}
	items, priced, _ := priceLines(lines, products)
	quote := s.policy.Quote(priced, 0)

	now := s.now().UTC()
	rec := Checkout{
		ID:              store.NewID("chk"),
		CustomerID:      caller.ID,
		CustomerEmail:   caller.Email,
		Items:           items,
		Pricing:         quote,
		ShippingAddress: normalizeAddress(req.ShippingAddress),
		Currency:        s.currency,
		Status:          CheckoutInitiated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.insertCheckout(ctx, rec); err != nil {
		return CheckoutResult{}, err
	}

	lineItems := make([]payment.LineItem, 0, len(items)+2)
	for i, it := range items {
		lineItems = append(lineItems, payment.LineItem{
			Name:        it.Name,
			Description: truncate(products[i].Description, 100),
			UnitAmount:  pricing.MinorUnits(it.Price),
			Quantity:    int64(it.Quantity),
		})
	}
	if quote.Tax > 0 {
		lineItems = append(lineItems, payment.LineItem{
			Name:       fmt.Sprintf("Tax (%g%%)", pricing.Round(s.policy.TaxRate*100)),
			UnitAmount: pricing.MinorUnits(quote.Tax),
			Quantity:   1,
		})
	}
	if quote.Shipping > 0 {
		lineItems = append(lineItems, payment.LineItem{
			Name:       "Shipping Cost",
			UnitAmount: pricing.MinorUnits(quote.Shipping),
			Quantity:   1,
		})
	}

	sess, err := s.gateway.CreateSession(ctx, payment.SessionRequest{
		Currency:          s.currency,
		Items:             lineItems,
		SuccessURL:        s.frontendURL + "/orders?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         s.frontendURL + "/checkout",
		CustomerEmail:     caller.Email,
		ClientReferenceID: rec.ID,
		Metadata: map[string]string{
			"checkout_id":   rec.ID,
			"user_id":       caller.ID,
			"subtotal":      amountText(quote.Subtotal),
			"tax":           amountText(quote.Tax),
			"shipping_cost": amountText(quote.Shipping),
		},
	})
	if err != nil {
		if uerr := s.updateCheckout(ctx, s.dbQuerier(), rec.ID, "", CheckoutFailed, ""); uerr != nil {
			s.log.Warn().Err(uerr).Str("checkout_id", rec.ID).Msg("mark checkout failed")
		}
		return CheckoutResult{}, err
	}
	if err := s.updateCheckout(ctx, s.dbQuerier(), rec.ID, sess.ID, CheckoutPending, ""); err != nil {
		return CheckoutResult{}, err
	}
	s.log.Info().Str("checkout_id", rec.ID).Str("session_id", sess.ID).Float64("total", quote.Total).Msg("checkout session created")
	return CheckoutResult{CheckoutID: rec.ID, SessionID: sess.ID, URL: sess.URL}, nil
}

// ---------------------------------------------------------------------------
// Verify / Webhook
// ---------------------------------------------------------------------------

// VerifyPayment is polled by the client after returning from the hosted
// page. It reports whether the order was created by this call.
func (s *Service) VerifyPayment(ctx context.Context, caller auth.Principal, sessionID string) (Order, bool, error) {
	if err := s.requireGateway(); err != nil {
		return Order{}, false, err
	}
	if sessionID == "" {
		return Order{}, false, apperr.Invalid("session_id is required")
	}
	sess, err := s.gateway.GetSession(ctx, sessionID)
	if err != nil {
		s.metrics.PaymentVerification("error")
		return Order{}, false, err
	}
	if !sess.Paid() {
		s.metrics.PaymentVerification("incomplete")
		return Order{}, false, apperr.New(apperr.CodePaymentIncomplete, "payment not completed").
			WithDetails(map[string]any{"payment_status": sess.PaymentStatus})
	}
	rec, err := s.findCheckout(ctx, s.dbQuerier(), sess)
	if err != nil {
		return Order{}, false, err
	}
	if rec.CustomerID != caller.ID && !caller.IsAdmin() {
		return Order{}, false, apperr.Forbidden("not authorized to verify this payment")
	}
	o, created, err := s.reconcile(ctx, sess)
	if err != nil {
		s.metrics.PaymentVerification("error")
		return Order{}, false, err
	}
	if created {
		s.metrics.PaymentVerification("created")
	} else {
		s.metrics.PaymentVerification("existing")
	}
	return o, created, nil
}

// HandleWebhook verifies and applies a provider notification.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if err := s.requireGateway(); err != nil {
		return err
	}
	ev, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		s.metrics.WebhookEvent("unverified", "rejected")
		return err
	}
	log := s.log.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Str("session_id", ev.Session.ID).Logger()

	outcome := "ignored"
	switch ev.Type {
	case payment.EventSessionCompleted, payment.EventSessionAsyncSucceeded:
		if !ev.Session.Paid() {
			outcome = "awaiting_payment"
			break
		}
		if _, created, err := s.reconcile(ctx, ev.Session); err != nil {
			s.metrics.WebhookEvent(ev.Type, "error")
			return err
		} else if created {
			outcome = "order_created"
		} else {
			outcome = "already_reconciled"
		}
	case payment.EventSessionExpired:
		outcome, err = s.closeCheckout(ctx, ev.Session, CheckoutAbandoned)
	case payment.EventSessionAsyncPaymentFailed:
		outcome, err = s.closeCheckout(ctx, ev.Session, CheckoutFailed)
	}
	if err != nil {
		s.metrics.WebhookEvent(ev.Type, "error")
		return err
	}
	s.metrics.WebhookEvent(ev.Type, outcome)
	log.Info().Str("outcome", outcome).Msg("webhook processed")
	return nil
}

// closeCheckout records a session that ended without payment. A failed
// payment also marks any order already created for the session.
func (s *Service) closeCheckout(ctx context.Context, sess payment.Session, status string) (string, error) {
	rec, err := s.findCheckout(ctx, s.dbQuerier(), sess)
	if apperr.Is(err, apperr.CodeNotFound) {
		return "unknown_session", nil
	}
	if err != nil {
		return "", err
	}
	if rec.Status == CheckoutCompleted && status == CheckoutAbandoned {
		return "already_completed", nil
	}
	if err := s.updateCheckout(ctx, s.dbQuerier(), rec.ID, sess.ID, status, ""); err != nil {
		return "", err
	}
	if status == CheckoutFailed && rec.OrderID != "" {
		_, err := s.mutate(ctx, rec.OrderID, func(_ *sql.Tx, o *Order) error {
			o.Payment.Status = PaymentFailed
			o.UpdatedAt = s.now().UTC()
			return nil
		})
		if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
			return "", err
		}
	}
	return status, nil
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

// reconcile turns a paid session into exactly one order, however many times
// and from however many callers it runs. Paid orders are never refused for
// stock: quantities are deducted unconditionally and products that no
// longer exist are dropped from the order.
func (s *Service) reconcile(ctx context.Context, sess payment.Session) (o Order, created bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "order.reconcile", attribute.String("session_id", sess.ID))
	defer func() { telemetry.EndSpan(span, err) }()

	var deducted []catalog.Product
	if s.db == nil {
		s.reconcileMu.Lock()
		o, created, deducted, err = s.reconcileLocked(ctx, nil, sess)
		s.reconcileMu.Unlock()
	} else {
		err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			if err := store.AdvisoryLock(ctx, tx, "checkout:"+sess.ID); err != nil {
				return fmt.Errorf("lock session: %w", err)
			}
			var txErr error
			o, created, deducted, txErr = s.reconcileLocked(ctx, tx, sess)
			return txErr
		})
	}
	if err != nil {
		return Order{}, false, err
	}
	if !created {
		return o, false, nil
	}

	s.catalog.InvalidateListings(ctx)
	s.catalog.NotifyLowStock(ctx, deducted)
	s.metrics.OrderPlaced("checkout", o.Pricing.Total)
	s.log.Info().Str("order_id", o.ID).Str("session_id", sess.ID).Float64("total", o.Pricing.Total).Msg("payment reconciled")
	notification.Send(ctx, s.notifier, s.log, notification.Input{
		UserID:  o.CustomerID,
		Type:    notification.TypeOrder,
		Title:   "Order Confirmed",
		Message: fmt.Sprintf("Your order #%s has been confirmed and payment received", o.OrderNumber),
		Data:    map[string]any{"order_id": o.ID},
		Link:    "/orders/" + o.ID,
	})
	return o, true, nil
}

// reconcileLocked runs with the per-session lock held. tx is nil in memory
// mode.
func (s *Service) reconcileLocked(ctx context.Context, tx *sql.Tx, sess payment.Session) (Order, bool, []catalog.Product, error) {
	existing, found, err := s.findByTransaction(ctx, tx, sess.ID)
	if err != nil {
		return Order{}, false, nil, err
	}
	if found {
		if existing.Payment.Status != PaymentPaid {
			existing, err = s.markPaid(ctx, tx, existing)
			if err != nil {
				return Order{}, false, nil, err
			}
		}
		return existing, false, nil, nil
	}

	rec, err := s.findCheckout(ctx, querier(tx), sess)
	if err != nil {
		return Order{}, false, nil, err
	}
	deducted, err := s.catalog.Deduct(ctx, querier(tx), Order{Items: rec.Items}.lines())
	if err != nil {
		return Order{}, false, nil, fmt.Errorf("deduct stock: %w", err)
	}
	present := make(map[string]bool, len(deducted))
	for _, p := range deducted {
		present[p.ID] = true
	}
	items := make([]Item, 0, len(rec.Items))
	sellers := make([]string, 0)
	seen := make(map[string]bool)
	for _, it := range rec.Items {
		if !present[it.ProductID] {
			s.log.Warn().Str("product_id", it.ProductID).Str("session_id", sess.ID).Msg("paid line skipped, product no longer exists")
			continue
		}
		items = append(items, it)
		if !seen[it.SupplierID] {
			seen[it.SupplierID] = true
			sellers = append(sellers, it.SupplierID)
		}
	}

	now := s.now().UTC()
	quote := rec.Pricing
	if sess.AmountTotal > 0 {
		quote.Total = pricing.FromMinorUnits(sess.AmountTotal)
	}
	o := Order{
		ID:              store.NewID("ord"),
		CustomerID:      rec.CustomerID,
		SellerIDs:       sellers,
		Items:           items,
		Pricing:         quote,
		ShippingAddress: rec.ShippingAddress,
		Payment:         Payment{Method: MethodCard, Status: PaymentPaid, TransactionID: sess.ID, PaidAt: &now},
		CreatedAt:       now,
	}
	o.record(StatusConfirmed, "Payment received", now)
	if err := s.insert(ctx, tx, &o); err != nil {
		if tx == nil {
			_ = s.catalog.Restore(ctx, nil, Order{Items: items}.lines())
		}
		return Order{}, false, nil, err
	}
	if err := s.updateCheckout(ctx, querier(tx), rec.ID, sess.ID, CheckoutCompleted, o.ID); err != nil {
		return Order{}, false, nil, err
	}
	return o, true, deducted, nil
}

func (s *Service) findByTransaction(ctx context.Context, tx *sql.Tx, txnID string) (Order, bool, error) {
	if tx == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		id, ok := s.memByTxn[txnID]
		if !ok {
			return Order{}, false, nil
		}
		return s.memByID[id], true, nil
	}
	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_id=$1 FOR UPDATE`, txnID))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	return o, true, nil
}

func (s *Service) markPaid(ctx context.Context, tx *sql.Tx, o Order) (Order, error) {
	now := s.now().UTC()
	o.Payment.Status = PaymentPaid
	o.Payment.PaidAt = &now
	o.UpdatedAt = now
	if tx == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		cur, ok := s.memByID[o.ID]
		if !ok {
			return Order{}, apperr.NotFound("order")
		}
		cur.Payment = o.Payment
		cur.UpdatedAt = now
		s.memByID[o.ID] = cur
		return cur, nil
	}
	return o, s.save(ctx, tx, o)
}
