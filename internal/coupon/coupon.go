// Package coupon manages discount codes and their redemption at checkout.
package coupon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
	"erp/ecommerce/buildmart/internal/pricing"
	"erp/ecommerce/buildmart/internal/store"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	TypePercentage = "percentage"
	TypeFixed      = "fixed"

	ApplicableAll = "all"
)

type Coupon struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	Description   string    `json:"description,omitempty"`
	DiscountType  string    `json:"discount_type"`
	DiscountValue float64   `json:"discount_value"`
	MinOrderValue float64   `json:"min_order_value"`
	MaxDiscount   *float64  `json:"max_discount,omitempty"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidUntil    time.Time `json:"valid_until"`
	UsageLimit    *int      `json:"usage_limit,omitempty"`
	UsedCount     int       `json:"used_count"`
	ApplicableFor string    `json:"applicable_for"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Discount computes the reduction c grants on orderTotal.
func (c Coupon) Discount(orderTotal float64) float64 {
	var d float64
	switch c.DiscountType {
	case TypePercentage:
		d = orderTotal * c.DiscountValue / 100
		if c.MaxDiscount != nil && *c.MaxDiscount > 0 {
			d = math.Min(d, *c.MaxDiscount)
		}
	default:
		d = math.Min(c.DiscountValue, orderTotal)
	}
	if d < 0 {
		d = 0
	}
	return pricing.Round(d)
}

func (c Coupon) activeAt(t time.Time) bool {
	return c.IsActive && !t.Before(c.ValidFrom) && !t.After(c.ValidUntil)
}

type CreateRequest struct {
	Code          string    `json:"code" validate:"required,min=3,max=32,alphanum"`
	Description   string    `json:"description"`
	DiscountType  string    `json:"discount_type" validate:"required,oneof=percentage fixed"`
	DiscountValue float64   `json:"discount_value" validate:"required,gt=0"`
	MinOrderValue float64   `json:"min_order_value" validate:"gte=0"`
	MaxDiscount   *float64  `json:"max_discount" validate:"omitempty,gt=0"`
	ValidFrom     time.Time `json:"valid_from" validate:"required"`
	ValidUntil    time.Time `json:"valid_until" validate:"required"`
	UsageLimit    *int      `json:"usage_limit" validate:"omitempty,gte=1"`
	ApplicableFor string    `json:"applicable_for" validate:"omitempty,oneof=all customer retailer wholesaler supplier"`
	IsActive      *bool     `json:"is_active"`
}

type ValidateRequest struct {
	Code       string  `json:"code" validate:"required"`
	OrderTotal float64 `json:"order_total" validate:"gte=0"`
	UserRole   string  `json:"user_role"`
}

// Result is a validated coupon with the discount it grants.
type Result struct {
	Coupon   Coupon  `json:"coupon"`
	Discount float64 `json:"discount"`
}

type Service struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time

	memMu   sync.Mutex
	memByID map[string]Coupon
}

func NewService(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		db:      db,
		log:     log.With().Str("component", "coupon").Logger(),
		now:     time.Now,
		memByID: make(map[string]Coupon),
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ---------------------------------------------------------------------------
// DB / Scan
// ---------------------------------------------------------------------------

const couponColumns = `id, code, description, discount_type, discount_value, min_order_value, max_discount, valid_from, valid_until, usage_limit, used_count, applicable_for, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoupon(row rowScanner) (Coupon, error) {
	var c Coupon
	var description sql.NullString
	var maxDiscount sql.NullFloat64
	var usageLimit sql.NullInt64
	if err := row.Scan(&c.ID, &c.Code, &description, &c.DiscountType, &c.DiscountValue, &c.MinOrderValue,
		&maxDiscount, &c.ValidFrom, &c.ValidUntil, &usageLimit, &c.UsedCount, &c.ApplicableFor, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return Coupon{}, err
	}
	c.Description = description.String
	if maxDiscount.Valid {
		v := maxDiscount.Float64
		c.MaxDiscount = &v
	}
	if usageLimit.Valid {
		v := int(usageLimit.Int64)
		c.UsageLimit = &v
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// CRUD - Create/List/Delete
// ---------------------------------------------------------------------------

func (s *Service) Create(ctx context.Context, req CreateRequest) (Coupon, error) {
	if !req.ValidUntil.After(req.ValidFrom) {
		return Coupon{}, apperr.Invalid("valid_until must be after valid_from")
	}
	if req.DiscountType == TypePercentage && req.DiscountValue > 100 {
		return Coupon{}, apperr.Invalid("percentage discount must not exceed 100")
	}
	applicable := req.ApplicableFor
	if applicable == "" {
		applicable = ApplicableAll
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	now := s.now().UTC()
	c := Coupon{
		ID:            store.NewID("cpn"),
		Code:          normalizeCode(req.Code),
		Description:   strings.TrimSpace(req.Description),
		DiscountType:  req.DiscountType,
		DiscountValue: pricing.Round(req.DiscountValue),
		MinOrderValue: pricing.Round(req.MinOrderValue),
		MaxDiscount:   req.MaxDiscount,
		ValidFrom:     req.ValidFrom.UTC(),
		ValidUntil:    req.ValidUntil.UTC(),
		UsageLimit:    req.UsageLimit,
		ApplicableFor: applicable,
		IsActive:      active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		for _, existing := range s.memByID {
			if existing.Code == c.Code {
				return Coupon{}, apperr.Conflict("coupon code already exists")
			}
		}
		s.memByID[c.ID] = c
		return c, nil
	}

	var maxDiscount, usageLimit any
	if c.MaxDiscount != nil {
		maxDiscount = *c.MaxDiscount
	}
	if c.UsageLimit != nil {
		usageLimit = *c.UsageLimit
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO coupons (`+couponColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		c.ID, c.Code, httpx.NilIfEmpty(c.Description), c.DiscountType, c.DiscountValue, c.MinOrderValue, maxDiscount,
		c.ValidFrom, c.ValidUntil, usageLimit, c.UsedCount, c.ApplicableFor, c.IsActive, c.CreatedAt, c.UpdatedAt)
	if store.IsUniqueViolation(err) {
		return Coupon{}, apperr.Conflict("coupon code already exists")
	}
	if err != nil {
		return Coupon{}, fmt.Errorf("insert coupon: %w", err)
	}
	return c, nil
}

// List returns every coupon, newest first.
func (s *Service) List(ctx context.Context) ([]Coupon, error) {
	if s.db == nil {
		s.memMu.Lock()
		items := make([]Coupon, 0, len(s.memByID))
		for _, c := range s.memByID {
			items = append(items, c)
		}
		s.memMu.Unlock()
		sort.Slice(items, func(i, j int) bool {
			if items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].ID > items[j].ID
			}
			return items[i].CreatedAt.After(items[j].CreatedAt)
		})
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Coupon, 0)
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if _, ok := s.memByID[id]; !ok {
			return apperr.NotFound("coupon")
		}
		delete(s.memByID, id)
		return nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM coupons WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("coupon")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validate / Redeem
// ---------------------------------------------------------------------------

func (s *Service) findActive(ctx context.Context, code string) (Coupon, error) {
	now := s.now().UTC()
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		for _, c := range s.memByID {
			if c.Code == code && c.activeAt(now) {
				return c, nil
			}
		}
		return Coupon{}, apperr.NotFound("valid coupon")
	}
	c, err := scanCoupon(s.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons
		WHERE code=$1 AND is_active AND valid_from <= $2 AND valid_until >= $2`, code, now))
	if errors.Is(err, sql.ErrNoRows) {
		return Coupon{}, apperr.NotFound("valid coupon")
	}
	return c, err
}

// Validate checks code against an order total and the buyer's role and
// returns the discount it would grant. Usage is not counted.
func (s *Service) Validate(ctx context.Context, code string, orderTotal float64, role string) (Result, error) {
	c, err := s.findActive(ctx, normalizeCode(code))
	if err != nil {
		return Result{}, err
	}
	if c.MinOrderValue > 0 && orderTotal < c.MinOrderValue {
		return Result{}, apperr.Newf(apperr.CodeInvalidArgument, "minimum order value of %.2f required", c.MinOrderValue).
			WithDetails(map[string]any{"min_order_value": c.MinOrderValue})
	}
	if c.ApplicableFor != ApplicableAll && c.ApplicableFor != role {
		return Result{}, apperr.Invalid("coupon not applicable for your user type")
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return Result{}, apperr.Invalid("coupon usage limit exceeded")
	}
	return Result{Coupon: c, Discount: c.Discount(orderTotal)}, nil
}

// Redeem counts one use of code. q is the caller's transaction; it is
// ignored in memory mode. The increment only applies while the coupon is
// under its usage limit, so concurrent redemptions cannot exceed it.
func (s *Service) Redeem(ctx context.Context, q store.Querier, code string) error {
	code = normalizeCode(code)
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		for id, c := range s.memByID {
			if c.Code != code {
				continue
			}
			if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
				return apperr.Invalid("coupon usage limit exceeded")
			}
			c.UsedCount++
			c.UpdatedAt = s.now().UTC()
			s.memByID[id] = c
			return nil
		}
		return apperr.NotFound("valid coupon")
	}
	res, err := q.ExecContext(ctx, `UPDATE coupons SET used_count = used_count + 1, updated_at = $2
		WHERE code = $1 AND is_active AND (usage_limit IS NULL OR used_count < usage_limit)`, code, s.now().UTC())
	if err != nil {
		return fmt.Errorf("redeem coupon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Invalid("coupon usage limit exceeded")
	}
	return nil
}

// Release undoes one Redeem. Only memory mode needs it; in Postgres the
// redemption rolls back with its transaction.
func (s *Service) Release(code string) {
	code = normalizeCode(code)
	s.memMu.Lock()
	defer s.memMu.Unlock()
	for id, c := range s.memByID {
		if c.Code == code && c.UsedCount > 0 {
			c.UsedCount--
			s.memByID[id] = c
			return
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Routes mounts /coupons. The caller must apply auth.Protect.
func (s *Service) Routes(r chi.Router) {
	r.Post("/validate", s.handleValidate)
	r.Group(func(r chi.Router) {
		r.Use(auth.Authorize(auth.RoleAdmin))
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Delete("/{id}", s.handleDelete)
	})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	c, err := s.Create(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": c, "event_topic": "buildmart.coupon.created"})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.List(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items), "event_topic": "buildmart.coupon.listed"})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Delete(r.Context(), id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "event_topic": "buildmart.coupon.deleted"})
}

func (s *Service) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	role := req.UserRole
	if role == "" {
		role = auth.MustPrincipal(r.Context()).Role
	}
	res, err := s.Validate(r.Context(), req.Code, req.OrderTotal, role)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": res, "event_topic": "buildmart.coupon.validated"})
}
