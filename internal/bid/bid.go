// Package bid implements requests for quotation: a buyer asks for a
// quantity of a product, sellers answer with offers and the buyer awards one.
package bid

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

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/catalog"
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
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusAwarded   = "awarded"
	StatusCancelled = "cancelled"

	OfferPending  = "pending"
	OfferAccepted = "accepted"
	OfferRejected = "rejected"
)

type Offer struct {
	ID                string    `json:"id"`
	SupplierID        string    `json:"supplier_id"`
	Price             float64   `json:"price"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
	Message           string    `json:"message,omitempty"`
	Status            string    `json:"status"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

type Request struct {
	ID           string     `json:"id"`
	CustomerID   string     `json:"customer_id"`
	ProductID    string     `json:"product_id"`
	ProductName  string     `json:"product_name,omitempty"`
	Quantity     int        `json:"quantity"`
	Description  string     `json:"description"`
	DeliveryDate time.Time  `json:"delivery_date"`
	Status       string     `json:"status"`
	Offers       []Offer    `json:"offers"`
	AwardedTo    string     `json:"awarded_to,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (r Request) expired(now time.Time) bool {
	return r.Status == StatusOpen && !now.Before(r.ExpiresAt)
}

func (r *Request) close(status string, at time.Time) {
	r.Status = status
	r.ClosedAt = &at
	r.UpdatedAt = at
}

func (r Request) hasOfferFrom(supplierID string) bool {
	for _, o := range r.Offers {
		if o.SupplierID == supplierID {
			return true
		}
	}
	return false
}

type CreateRequest struct {
	ProductID    string    `json:"product" validate:"required"`
	Quantity     int       `json:"quantity" validate:"required,gte=1"`
	Description  string    `json:"description" validate:"required,max=2000"`
	DeliveryDate time.Time `json:"delivery_date" validate:"required"`
	ExpiresAt    time.Time `json:"expires_at" validate:"required"`
}

type OfferRequest struct {
	Price             float64   `json:"price" validate:"required,gt=0"`
	EstimatedDelivery time.Time `json:"estimated_delivery" validate:"required"`
	Message           string    `json:"message" validate:"max=1000"`
}

type AwardRequest struct {
	OfferID string `json:"bid_id" validate:"required"`
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// Products resolves the product a request is for. *catalog.Service
// implements it.
type Products interface {
	Get(ctx context.Context, id string) (catalog.Product, error)
}

type Service struct {
	db       *sql.DB
	products Products
	notifier notification.Notifier
	log      zerolog.Logger
	now      func() time.Time

	memMu   sync.RWMutex
	memByID map[string]Request
}

func NewService(db *sql.DB, products Products, notifier notification.Notifier, log zerolog.Logger) *Service {
	return &Service{
		db:       db,
		products: products,
		notifier: notifier,
		log:      log.With().Str("component", "bid").Logger(),
		now:      time.Now,
		memByID:  make(map[string]Request),
	}
}

// ---------------------------------------------------------------------------
// DB / Scan
// ---------------------------------------------------------------------------

const requestColumns = `id, customer_id, product_id, quantity, description, delivery_date, status, offers, awarded_to, closed_at, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var r Request
	var offers []byte
	var awardedTo sql.NullString
	var closedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.CustomerID, &r.ProductID, &r.Quantity, &r.Description, &r.DeliveryDate,
		&r.Status, &offers, &awardedTo, &closedAt, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Request{}, err
	}
	if err := json.Unmarshal(offers, &r.Offers); err != nil {
		return Request{}, fmt.Errorf("decode offers: %w", err)
	}
	r.AwardedTo = awardedTo.String
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	return r, nil
}

func offersJSON(offers []Offer) string {
	raw, err := json.Marshal(offers)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// mutate applies fn to request id under a row lock (or the memory lock) and
// saves the result. Expired open requests are closed before fn sees them.
func (s *Service) mutate(ctx context.Context, id string, fn func(r *Request) error) (Request, error) {
	now := s.now().UTC()
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		r, ok := s.memByID[id]
		if !ok {
			return Request{}, apperr.NotFound("bid request")
		}
		r.Offers = append([]Offer{}, r.Offers...)
		if r.expired(now) {
			r.close(StatusClosed, now)
			s.memByID[id] = r
		}
		if err := fn(&r); err != nil {
			return Request{}, err
		}
		s.memByID[id] = r
		return r, nil
	}

	var out Request
	expiredNow := false
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM bid_requests WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("bid request")
		}
		if err != nil {
			return err
		}
		if r.expired(now) {
			// Persist the expiry even though fn will reject the closed request.
			r.close(StatusClosed, now)
			expiredNow = true
		} else if err := fn(&r); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bid_requests SET status=$2, offers=$3, awarded_to=$4, closed_at=$5, updated_at=$6 WHERE id=$1`,
			r.ID, r.Status, offersJSON(r.Offers), httpx.NilIfEmpty(r.AwardedTo), r.ClosedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("update bid request: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	if expiredNow {
		if err := fn(&out); err != nil {
			return Request{}, err
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// CRUD - Create
// ---------------------------------------------------------------------------

func (s *Service) Create(ctx context.Context, caller auth.Principal, req CreateRequest) (Request, error) {
	p, err := s.products.Get(ctx, strings.TrimSpace(req.ProductID))
	if err != nil {
		return Request{}, err
	}
	now := s.now().UTC()
	if !req.ExpiresAt.After(now) {
		return Request{}, apperr.Invalid("expires_at must be in the future")
	}
	if req.Quantity < 1 {
		return Request{}, apperr.Invalid("quantity must be at least 1")
	}
	r := Request{
		ID:           store.NewID("bid"),
		CustomerID:   caller.ID,
		ProductID:    p.ID,
		ProductName:  p.Name,
		Quantity:     req.Quantity,
		Description:  strings.TrimSpace(req.Description),
		DeliveryDate: req.DeliveryDate.UTC(),
		Status:       StatusOpen,
		Offers:       []Offer{},
		ExpiresAt:    req.ExpiresAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.db == nil {
		s.memMu.Lock()
		s.memByID[r.ID] = r
		s.memMu.Unlock()
	} else {
		_, err := s.db.ExecContext(ctx, `INSERT INTO bid_requests (`+requestColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			r.ID, r.CustomerID, r.ProductID, r.Quantity, r.Description, r.DeliveryDate, r.Status,
			offersJSON(r.Offers), nil, nil, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
		if store.IsForeignKeyViolation(err) {
			return Request{}, apperr.NotFound("product")
		}
		if err != nil {
			return Request{}, fmt.Errorf("insert bid request: %w", err)
		}
	}
	s.log.Info().Str("bid_id", r.ID).Str("product_id", r.ProductID).Int("quantity", r.Quantity).Msg("bid request created")
	return r, nil
}

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

// closeExpired closes every open request whose deadline has passed.
func (s *Service) closeExpired(ctx context.Context) error {
	now := s.now().UTC()
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		for id, r := range s.memByID {
			if r.expired(now) {
				r.close(StatusClosed, now)
				s.memByID[id] = r
			}
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE bid_requests SET status='closed', closed_at=$1, updated_at=$1
		WHERE status='open' AND expires_at <= $1`, now)
	return err
}

// List returns the requests caller may see, newest first: buyers their own,
// sellers every open request and admins everything.
func (s *Service) List(ctx context.Context, caller auth.Principal) ([]Request, error) {
	if err := s.closeExpired(ctx); err != nil {
		return nil, fmt.Errorf("close expired bids: %w", err)
	}
	if s.db == nil {
		s.memMu.RLock()
		items := make([]Request, 0)
		for _, r := range s.memByID {
			if visibleInList(caller, r) {
				items = append(items, r)
			}
		}
		s.memMu.RUnlock()
		sort.Slice(items, func(i, j int) bool {
			if items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].ID > items[j].ID
			}
			return items[i].CreatedAt.After(items[j].CreatedAt)
		})
		return items, nil
	}

	where, args := "", []any{}
	switch {
	case caller.IsAdmin():
	case caller.IsSeller():
		where = "WHERE status = 'open'"
	default:
		where = "WHERE customer_id = $1"
		args = append(args, caller.ID)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM bid_requests `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func visibleInList(caller auth.Principal, r Request) bool {
	switch {
	case caller.IsAdmin():
		return true
	case caller.IsSeller():
		return r.Status == StatusOpen
	default:
		return r.CustomerID == caller.ID
	}
}

// Get returns a request to its owner, an admin, any seller while it is open,
// or a seller that made an offer on it.
func (s *Service) Get(ctx context.Context, caller auth.Principal, id string) (Request, error) {
	var r Request
	if s.db == nil {
		s.memMu.RLock()
		found, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok {
			return Request{}, apperr.NotFound("bid request")
		}
		r = found
	} else {
		found, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM bid_requests WHERE id=$1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, apperr.NotFound("bid request")
		}
		if err != nil {
			return Request{}, err
		}
		r = found
	}
	switch {
	case caller.IsAdmin(), r.CustomerID == caller.ID:
	case caller.IsSeller() && (r.Status == StatusOpen || r.hasOfferFrom(caller.ID)):
	default:
		return Request{}, apperr.Forbidden("not authorized to view this bid request")
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Offers
// ---------------------------------------------------------------------------

// SubmitOffer adds caller's offer to an open request, replacing caller's
// earlier pending offer if there is one.
func (s *Service) SubmitOffer(ctx context.Context, caller auth.Principal, id string, req OfferRequest) (r Request, err error) {
	ctx, span := telemetry.StartSpan(ctx, "bid.submit_offer", attribute.String("bid_id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	if !caller.IsSeller() {
		return Request{}, apperr.Forbidden("only suppliers and wholesalers can submit bids")
	}
	if req.Price <= 0 {
		return Request{}, apperr.Invalid("price must be greater than 0")
	}
	r, err = s.mutate(ctx, id, func(r *Request) error {
		if r.Status != StatusOpen {
			return apperr.Invalid("this bid request is no longer open").WithDetails(map[string]any{"status": r.Status})
		}
		if r.CustomerID == caller.ID {
			return apperr.Invalid("cannot bid on your own request")
		}
		now := s.now().UTC()
		offer := Offer{
			ID:                store.NewID("ofr"),
			SupplierID:        caller.ID,
			Price:             req.Price,
			EstimatedDelivery: req.EstimatedDelivery.UTC(),
			Message:           strings.TrimSpace(req.Message),
			Status:            OfferPending,
			SubmittedAt:       now,
		}
		replaced := false
		for i, o := range r.Offers {
			if o.SupplierID == caller.ID && o.Status == OfferPending {
				offer.ID = o.ID
				r.Offers[i] = offer
				replaced = true
				break
			}
		}
		if !replaced {
			r.Offers = append(r.Offers, offer)
		}
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	notification.Send(ctx, s.notifier, s.log, notification.Input{
		UserID:  r.CustomerID,
		Type:    notification.TypeBid,
		Title:   "New Bid Received",
		Message: "You have received a new bid for your request",
		Data:    map[string]any{"bid_id": r.ID},
		Link:    "/bids/" + r.ID,
	})
	return r, nil
}

// Award accepts one offer on caller's open request and rejects the rest.
func (s *Service) Award(ctx context.Context, caller auth.Principal, id, offerID string) (r Request, err error) {
	ctx, span := telemetry.StartSpan(ctx, "bid.award", attribute.String("bid_id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	var winner Offer
	r, err = s.mutate(ctx, id, func(r *Request) error {
		if r.CustomerID != caller.ID {
			return apperr.Forbidden("not authorized to award this bid request")
		}
		if r.Status != StatusOpen {
			return apperr.Invalid("this bid request is no longer open").WithDetails(map[string]any{"status": r.Status})
		}
		idx := -1
		for i, o := range r.Offers {
			if o.ID == offerID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperr.NotFound("bid")
		}
		for i := range r.Offers {
			if i == idx {
				r.Offers[i].Status = OfferAccepted
			} else {
				r.Offers[i].Status = OfferRejected
			}
		}
		winner = r.Offers[idx]
		r.AwardedTo = winner.SupplierID
		r.close(StatusAwarded, s.now().UTC())
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.log.Info().Str("bid_id", r.ID).Str("supplier_id", winner.SupplierID).Float64("price", winner.Price).Msg("bid awarded")
	notification.Send(ctx, s.notifier, s.log, notification.Input{
		UserID:  winner.SupplierID,
		Type:    notification.TypeBid,
		Title:   "Bid Awarded",
		Message: fmt.Sprintf("Your bid of %.2f for %d units has been accepted", winner.Price, r.Quantity),
		Data:    map[string]any{"bid_id": r.ID, "offer_id": winner.ID},
		Link:    "/bids/" + r.ID,
	})
	return r, nil
}

// Cancel withdraws an open request. Owner or admin only.
func (s *Service) Cancel(ctx context.Context, caller auth.Principal, id string) (Request, error) {
	return s.mutate(ctx, id, func(r *Request) error {
		if r.CustomerID != caller.ID && !caller.IsAdmin() {
			return apperr.Forbidden("not authorized to cancel this bid request")
		}
		if r.Status != StatusOpen {
			return apperr.Invalid("only open bid requests can be cancelled").WithDetails(map[string]any{"status": r.Status})
		}
		r.close(StatusCancelled, s.now().UTC())
		return nil
	})
}
