// Package order places orders, walks them through their lifecycle and
// reconciles hosted checkout payments into orders.
package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/catalog"
	"erp/ecommerce/buildmart/internal/coupon"
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
	StatusPending    = "pending"
	StatusConfirmed  = "confirmed"
	StatusProcessing = "processing"
	StatusShipped    = "shipped"
	StatusDelivered  = "delivered"
	StatusCancelled  = "cancelled"

	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"

	MethodCard = "card"

	defaultCountry = "Pakistan"
)

// transitions lists the statuses each status may move to.
var transitions = map[string][]string{
	StatusPending:    {StatusConfirmed, StatusProcessing, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped},
	StatusShipped:    {StatusDelivered},
}

func canTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Item struct {
	ProductID  string  `json:"product_id"`
	SupplierID string  `json:"supplier_id"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price"`
	PriceType  string  `json:"price_type"`
}

type CouponApplied struct {
	Code     string  `json:"code"`
	Discount float64 `json:"discount"`
}

type ShippingAddress struct {
	Street  string `json:"street" validate:"required"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
	Phone   string `json:"phone" validate:"required"`
}

type Payment struct {
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

type Tracking struct {
	Carrier           string     `json:"carrier,omitempty"`
	TrackingNumber    string     `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time `json:"actual_delivery,omitempty"`
}

type HistoryEntry struct {
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Order struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"order_number"`
	CustomerID      string          `json:"customer_id"`
	SellerIDs       []string        `json:"seller_ids"`
	Items           []Item          `json:"items"`
	Pricing         pricing.Quote   `json:"pricing"`
	CouponApplied   *CouponApplied  `json:"coupon_applied,omitempty"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	Payment         Payment         `json:"payment"`
	OrderStatus     string          `json:"order_status"`
	Tracking        Tracking        `json:"tracking"`
	Notes           string          `json:"notes,omitempty"`
	StatusHistory   []HistoryEntry  `json:"status_history"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (o Order) lines() []catalog.StockLine {
	out := make([]catalog.StockLine, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, catalog.StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

func (o Order) hasSeller(id string) bool {
	for _, s := range o.SellerIDs {
		if s == id {
			return true
		}
	}
	return false
}

func (o *Order) record(status, note string, at time.Time) {
	o.OrderStatus = status
	o.UpdatedAt = at
	o.StatusHistory = append(o.StatusHistory, HistoryEntry{Status: status, Note: note, UpdatedAt: at})
}

type LineRequest struct {
	ProductID string `json:"product" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gte=1"`
}

type CreateRequest struct {
	Items           []LineRequest   `json:"items" validate:"required,min=1,dive"`
	ShippingAddress ShippingAddress `json:"shipping_address" validate:"required"`
	PaymentMethod   string          `json:"payment_method" validate:"required,oneof=card upi cod credit"`
	CouponCode      string          `json:"coupon_code"`
	Notes           string          `json:"notes" validate:"max=1000"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed processing shipped delivered cancelled"`
	Note   string `json:"note" validate:"max=500"`
}

type TrackingRequest struct {
	Carrier           string     `json:"carrier" validate:"required"`
	TrackingNumber    string     `json:"tracking_number" validate:"required"`
	EstimatedDelivery *time.Time `json:"estimated_delivery"`
}

type ListResponse struct {
	Items      []Order `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

func requestLines(items []LineRequest) []catalog.StockLine {
	lines := make([]catalog.StockLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, catalog.StockLine{ProductID: strings.TrimSpace(it.ProductID), Quantity: it.Quantity})
	}
	return catalog.MergeLines(lines)
}

func normalizeAddress(a ShippingAddress) ShippingAddress {
	a.Street = strings.TrimSpace(a.Street)
	a.City = strings.TrimSpace(a.City)
	a.State = strings.TrimSpace(a.State)
	a.ZipCode = strings.TrimSpace(a.ZipCode)
	a.Country = strings.TrimSpace(a.Country)
	if a.Country == "" {
		a.Country = defaultCountry
	}
	a.Phone = strings.TrimSpace(a.Phone)
	return a
}

// priceLines turns reserved or checked products into order items. products
// must be in line order.
func priceLines(lines []catalog.StockLine, products []catalog.Product) ([]Item, []pricing.Line, []string) {
	items := make([]Item, 0, len(lines))
	priced := make([]pricing.Line, 0, len(lines))
	sellers := make([]string, 0, len(lines))
	seen := make(map[string]bool)
	for i, l := range lines {
		p := products[i]
		price, tier := pricing.TierPrice(p.Tier(), l.Quantity)
		items = append(items, Item{
			ProductID:  p.ID,
			SupplierID: p.SupplierID,
			Name:       p.Name,
			Quantity:   l.Quantity,
			Price:      price,
			PriceType:  tier,
		})
		priced = append(priced, pricing.Line{UnitPrice: price, Quantity: l.Quantity})
		if !seen[p.SupplierID] {
			seen[p.SupplierID] = true
			sellers = append(sellers, p.SupplierID)
		}
	}
	return items, priced, sellers
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// CustomerDirectory resolves customers for invoices. *auth.Service
// implements it.
type CustomerDirectory interface {
	Get(ctx context.Context, id string) (auth.User, error)
}

type Deps struct {
	DB          *sql.DB
	Catalog     *catalog.Service
	Coupons     *coupon.Service
	Notifier    notification.Notifier
	Gateway     payment.Gateway
	Customers   CustomerDirectory
	Metrics     *telemetry.Metrics
	Policy      pricing.Policy
	Currency    string
	FrontendURL string
	Log         zerolog.Logger
}

type Service struct {
	db          *sql.DB
	catalog     *catalog.Service
	coupons     *coupon.Service
	notifier    notification.Notifier
	gateway     payment.Gateway
	customers   CustomerDirectory
	metrics     *telemetry.Metrics
	policy      pricing.Policy
	currency    string
	frontendURL string
	log         zerolog.Logger
	now         func() time.Time

	seq atomic.Int64

	memMu    sync.RWMutex
	memByID  map[string]Order
	memByTxn map[string]string

	chkMu     sync.Mutex
	checkouts map[string]Checkout

	reconcileMu sync.Mutex
}

func NewService(d Deps) *Service {
	currency := strings.ToLower(strings.TrimSpace(d.Currency))
	if currency == "" {
		currency = "pkr"
	}
	policy := d.Policy
	if policy == (pricing.Policy{}) {
		policy = pricing.DefaultPolicy()
	}
	frontend := strings.TrimRight(d.FrontendURL, "/")
	if frontend == "" {
		frontend = "http://localhost:5173"
	}
	return &Service{
		db:          d.DB,
		catalog:     d.Catalog,
		coupons:     d.Coupons,
		notifier:    d.Notifier,
		gateway:     d.Gateway,
		customers:   d.Customers,
		metrics:     d.Metrics,
		policy:      policy,
		currency:    currency,
		frontendURL: frontend,
		log:         d.Log.With().Str("component", "order").Logger(),
		now:         time.Now,
		memByID:     make(map[string]Order),
		memByTxn:    make(map[string]string),
		checkouts:   make(map[string]Checkout),
	}
}

func querier(tx *sql.Tx) store.Querier {
	if tx == nil {
		return nil
	}
	return tx
}

// ---------------------------------------------------------------------------
// DB / Scan
// ---------------------------------------------------------------------------

const orderColumns = `id, order_number, customer_id, seller_ids, items, subtotal, discount, tax, shipping_cost, total, coupon_code, coupon_discount, shipping_address, payment_method, payment_status, transaction_id, paid_at, order_status, tracking, notes, status_history, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	var sellers, items, address, tracking, history []byte
	var couponCode, txnID, notes sql.NullString
	var couponDiscount float64
	var paidAt sql.NullTime
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &sellers, &items,
		&o.Pricing.Subtotal, &o.Pricing.Discount, &o.Pricing.Tax, &o.Pricing.Shipping, &o.Pricing.Total,
		&couponCode, &couponDiscount, &address, &o.Payment.Method, &o.Payment.Status, &txnID, &paidAt,
		&o.OrderStatus, &tracking, &notes, &history, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode order items: %w", err)
	}
	_ = json.Unmarshal(sellers, &o.SellerIDs)
	_ = json.Unmarshal(address, &o.ShippingAddress)
	_ = json.Unmarshal(tracking, &o.Tracking)
	_ = json.Unmarshal(history, &o.StatusHistory)
	if couponCode.Valid {
		o.CouponApplied = &CouponApplied{Code: couponCode.String, Discount: couponDiscount}
	}
	o.Payment.TransactionID = txnID.String
	if paidAt.Valid {
		t := paidAt.Time
		o.Payment.PaidAt = &t
	}
	o.Notes = notes.String
	return o, nil
}

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

// nextOrderNumber returns ORD<unix-ms><seq>.
func (s *Service) nextOrderNumber(ctx context.Context, q store.Querier, at time.Time) (string, error) {
	var seq int64
	if q == nil {
		seq = s.seq.Add(1)
	} else if err := q.QueryRowContext(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return fmt.Sprintf("ORD%d%d", at.UnixMilli(), seq), nil
}

// insert assigns the order number and persists o. tx is nil in memory mode.
func (s *Service) insert(ctx context.Context, tx *sql.Tx, o *Order) error {
	number, err := s.nextOrderNumber(ctx, querier(tx), o.CreatedAt)
	if err != nil {
		return err
	}
	o.OrderNumber = number
	if tx == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if o.Payment.TransactionID != "" {
			if _, dup := s.memByTxn[o.Payment.TransactionID]; dup {
				return apperr.Conflict("order already exists for this transaction")
			}
			s.memByTxn[o.Payment.TransactionID] = o.ID
		}
		s.memByID[o.ID] = *o
		return nil
	}
	var couponCode any
	var couponDiscount float64
	if o.CouponApplied != nil {
		couponCode = o.CouponApplied.Code
		couponDiscount = o.CouponApplied.Discount
	}
	var paidAt any
	if o.Payment.PaidAt != nil {
		paidAt = *o.Payment.PaidAt
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		o.ID, o.OrderNumber, o.CustomerID, jsonText(o.SellerIDs), jsonText(o.Items),
		o.Pricing.Subtotal, o.Pricing.Discount, o.Pricing.Tax, o.Pricing.Shipping, o.Pricing.Total,
		couponCode, couponDiscount, jsonText(o.ShippingAddress), o.Payment.Method, o.Payment.Status,
		httpx.NilIfEmpty(o.Payment.TransactionID), paidAt, o.OrderStatus, jsonText(o.Tracking), httpx.NilIfEmpty(o.Notes),
		jsonText(o.StatusHistory), o.CreatedAt, o.UpdatedAt)
	if store.IsUniqueViolation(err) {
		return apperr.Conflict("order already exists for this transaction")
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// save writes the mutable parts of o inside tx.
func (s *Service) save(ctx context.Context, tx *sql.Tx, o Order) error {
	var paidAt any
	if o.Payment.PaidAt != nil {
		paidAt = *o.Payment.PaidAt
	}
	_, err := tx.ExecContext(ctx, `UPDATE orders SET payment_status=$2, paid_at=$3, order_status=$4, tracking=$5,
		status_history=$6, updated_at=$7 WHERE id=$1`,
		o.ID, o.Payment.Status, paidAt, o.OrderStatus, jsonText(o.Tracking), jsonText(o.StatusHistory), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// mutate loads order id under a row lock (or the memory lock), applies fn
// and saves the result, all in one transaction. fn receives a nil tx in
// memory mode.
func (s *Service) mutate(ctx context.Context, id string, fn func(tx *sql.Tx, o *Order) error) (Order, error) {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		o, ok := s.memByID[id]
		if !ok {
			return Order{}, apperr.NotFound("order")
		}
		o.StatusHistory = append([]HistoryEntry{}, o.StatusHistory...)
		if err := fn(nil, &o); err != nil {
			return Order{}, err
		}
		s.memByID[id] = o
		return o, nil
	}
	var out Order
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("order")
		}
		if err != nil {
			return err
		}
		if err := fn(tx, &o); err != nil {
			return err
		}
		if err := s.save(ctx, tx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}
