// Package review stores product reviews and keeps each product's rating
// aggregate in step with its approved reviews.
package review

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

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/catalog"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
	"erp/ecommerce/buildmart/internal/store"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

type Review struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	Images    []string  `json:"images"`
	OrderID   string    `json:"order_id,omitempty"`
	Verified  bool      `json:"verified"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateRequest struct {
	ProductID string   `json:"product" validate:"required"`
	Rating    int      `json:"rating" validate:"required,min=1,max=5"`
	Comment   string   `json:"comment" validate:"required,max=2000"`
	OrderID   string   `json:"order"`
	Images    []string `json:"images" validate:"max=5,dive,url"`
}

type UpdateRequest struct {
	Rating  *int    `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Comment *string `json:"comment,omitempty" validate:"omitempty,min=1,max=2000"`
}

type Page struct {
	Items []Review `json:"items"`
	Total int      `json:"total"`
	Page  int      `json:"page"`
	Pages int      `json:"pages"`
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// Products is the slice of the catalog reviews depend on. *catalog.Service
// implements it.
type Products interface {
	Get(ctx context.Context, id string) (catalog.Product, error)
	SetRating(ctx context.Context, id string, average float64, count int) error
}

// Purchases answers whether a user bought a product in a given order.
// *order.Service implements it.
type Purchases interface {
	HasPurchased(ctx context.Context, userID, orderID, productID string) (bool, error)
}

type Service struct {
	db        *sql.DB
	products  Products
	purchases Purchases
	log       zerolog.Logger
	now       func() time.Time

	// ratingMu serialises aggregate recompute-and-store.
	ratingMu sync.Mutex

	memMu   sync.RWMutex
	memByID map[string]Review
}

func NewService(db *sql.DB, products Products, purchases Purchases, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		products:  products,
		purchases: purchases,
		log:       log.With().Str("component", "review").Logger(),
		now:       time.Now,
		memByID:   make(map[string]Review),
	}
}

// ---------------------------------------------------------------------------
// DB / Scan
// ---------------------------------------------------------------------------

const reviewColumns = `id, product_id, user_id, rating, comment, images, order_id, verified, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (Review, error) {
	var r Review
	var images []byte
	var orderID sql.NullString
	if err := row.Scan(&r.ID, &r.ProductID, &r.UserID, &r.Rating, &r.Comment, &images, &orderID,
		&r.Verified, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Review{}, err
	}
	if err := json.Unmarshal(images, &r.Images); err != nil {
		return Review{}, fmt.Errorf("decode review images: %w", err)
	}
	r.OrderID = orderID.String
	return r, nil
}

func (s *Service) load(ctx context.Context, id string) (Review, error) {
	if s.db == nil {
		s.memMu.RLock()
		r, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok {
			return Review{}, apperr.NotFound("review")
		}
		return r, nil
	}
	r, err := scanReview(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Review{}, apperr.NotFound("review")
	}
	return r, err
}

// ---------------------------------------------------------------------------
// CRUD - Create
// ---------------------------------------------------------------------------

// Create records caller's review of a product. A review that references an
// order of the caller containing the product is marked verified.
func (s *Service) Create(ctx context.Context, caller auth.Principal, req CreateRequest) (Review, error) {
	productID := strings.TrimSpace(req.ProductID)
	if _, err := s.products.Get(ctx, productID); err != nil {
		return Review{}, err
	}
	orderID := strings.TrimSpace(req.OrderID)
	verified := false
	if orderID != "" {
		if s.purchases == nil {
			return Review{}, apperr.New(apperr.CodeUnavailable, "purchase verification is not available")
		}
		ok, err := s.purchases.HasPurchased(ctx, caller.ID, orderID, productID)
		if err != nil {
			return Review{}, err
		}
		if !ok {
			return Review{}, apperr.Invalid("referenced order does not contain this product")
		}
		verified = true
	}
	images := req.Images
	if images == nil {
		images = []string{}
	}
	now := s.now().UTC()
	r := Review{
		ID:        store.NewID("rev"),
		ProductID: productID,
		UserID:    caller.ID,
		Rating:    req.Rating,
		Comment:   strings.TrimSpace(req.Comment),
		Images:    images,
		OrderID:   orderID,
		Verified:  verified,
		Status:    StatusApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.db == nil {
		s.memMu.Lock()
		for _, existing := range s.memByID {
			if existing.ProductID == productID && existing.UserID == caller.ID {
				s.memMu.Unlock()
				return Review{}, apperr.Conflict("you have already reviewed this product")
			}
		}
		s.memByID[r.ID] = r
		s.memMu.Unlock()
	} else {
		raw, _ := json.Marshal(r.Images)
		_, err := s.db.ExecContext(ctx, `INSERT INTO reviews (`+reviewColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			r.ID, r.ProductID, r.UserID, r.Rating, r.Comment, string(raw), httpx.NilIfEmpty(r.OrderID),
			r.Verified, r.Status, r.CreatedAt, r.UpdatedAt)
		if store.IsUniqueViolation(err) {
			return Review{}, apperr.Conflict("you have already reviewed this product")
		}
		if store.IsForeignKeyViolation(err) {
			return Review{}, apperr.NotFound("product")
		}
		if err != nil {
			return Review{}, fmt.Errorf("insert review: %w", err)
		}
	}
	if err := s.refreshRating(ctx, productID); err != nil {
		return Review{}, err
	}
	s.log.Info().Str("review_id", r.ID).Str("product_id", productID).Int("rating", r.Rating).Msg("review created")
	return r, nil
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

// ListForProduct pages through a product's approved reviews, newest first.
func (s *Service) ListForProduct(ctx context.Context, productID string, page, limit int) (Page, error) {
	if s.db == nil {
		s.memMu.RLock()
		items := make([]Review, 0)
		for _, r := range s.memByID {
			if r.ProductID == productID && r.Status == StatusApproved {
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
		total := len(items)
		start := (page - 1) * limit
		if start > total {
			start = total
		}
		end := start + limit
		if end > total {
			end = total
		}
		return Page{Items: items[start:end], Total: total, Page: page, Pages: pageCount(total, limit)}, nil
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reviews WHERE product_id=$1 AND status='approved'`, productID).Scan(&total); err != nil {
		return Page{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews
		WHERE product_id=$1 AND status='approved'
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, productID, limit, (page-1)*limit)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()
	items := make([]Review, 0, limit)
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Page: page, Pages: pageCount(total, limit)}, nil
}

func pageCount(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// ---------------------------------------------------------------------------
// CRUD - Update
// ---------------------------------------------------------------------------

// Update changes the rating or comment of caller's own review.
func (s *Service) Update(ctx context.Context, caller auth.Principal, id string, req UpdateRequest) (Review, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return Review{}, err
	}
	if r.UserID != caller.ID {
		return Review{}, apperr.Forbidden("not authorized to update this review")
	}
	if req.Rating != nil {
		r.Rating = *req.Rating
	}
	if req.Comment != nil {
		r.Comment = strings.TrimSpace(*req.Comment)
	}
	r.UpdatedAt = s.now().UTC()

	if s.db == nil {
		s.memMu.Lock()
		if _, ok := s.memByID[id]; !ok {
			s.memMu.Unlock()
			return Review{}, apperr.NotFound("review")
		}
		s.memByID[id] = r
		s.memMu.Unlock()
	} else {
		res, err := s.db.ExecContext(ctx, `UPDATE reviews SET rating=$2, comment=$3, updated_at=$4 WHERE id=$1`,
			id, r.Rating, r.Comment, r.UpdatedAt)
		if err != nil {
			return Review{}, fmt.Errorf("update review: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Review{}, apperr.NotFound("review")
		}
	}
	if err := s.refreshRating(ctx, r.ProductID); err != nil {
		return Review{}, err
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// CRUD - Delete
// ---------------------------------------------------------------------------

func (s *Service) Delete(ctx context.Context, caller auth.Principal, id string) error {
	r, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if r.UserID != caller.ID && !caller.IsAdmin() {
		return apperr.Forbidden("not authorized to delete this review")
	}
	if s.db == nil {
		s.memMu.Lock()
		delete(s.memByID, id)
		s.memMu.Unlock()
	} else if _, err := s.db.ExecContext(ctx, `DELETE FROM reviews WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete review: %w", err)
	}
	return s.refreshRating(ctx, r.ProductID)
}

// ---------------------------------------------------------------------------
// Ratings
// ---------------------------------------------------------------------------

// refreshRating recomputes the product's average and count over its
// approved reviews. A product deleted in the meantime is not an error.
func (s *Service) refreshRating(ctx context.Context, productID string) error {
	s.ratingMu.Lock()
	defer s.ratingMu.Unlock()

	var avg float64
	var count int
	if s.db == nil {
		s.memMu.RLock()
		sum := 0
		for _, r := range s.memByID {
			if r.ProductID == productID && r.Status == StatusApproved {
				sum += r.Rating
				count++
			}
		}
		s.memMu.RUnlock()
		if count > 0 {
			avg = float64(sum) / float64(count)
		}
	} else if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(rating), 0)::float8, COUNT(*) FROM reviews WHERE product_id=$1 AND status='approved'`,
		productID).Scan(&avg, &count); err != nil {
		return fmt.Errorf("aggregate ratings: %w", err)
	}

	err := s.products.SetRating(ctx, productID, avg, count)
	if apperr.Is(err, apperr.CodeNotFound) {
		return nil
	}
	return err
}
