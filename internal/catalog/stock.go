package catalog

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/store"
)

// StockLine is a quantity of one product.
type StockLine struct {
	ProductID string
	Quantity  int
}

// MergeLines folds duplicate products together, keeping first-seen order.
func MergeLines(lines []StockLine) []StockLine {
	idx := make(map[string]int, len(lines))
	out := make([]StockLine, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}

func insufficient(p Product, requested int) error {
	return apperr.Newf(apperr.CodeInsufficientStock, "insufficient stock for %s: only %d %s available", p.Name, p.Inventory.Stock, p.Unit).
		WithDetails(map[string]any{"product_id": p.ID, "available": p.Inventory.Stock, "requested": requested})
}

func unavailable(p Product) error {
	return apperr.Newf(apperr.CodeInvalidArgument, "%s is not available for purchase", p.Name).
		WithDetails(map[string]any{"product_id": p.ID, "status": p.Status})
}

// CheckAvailability verifies every line against current stock without
// changing it and returns the products in line order.
func (s *Service) CheckAvailability(ctx context.Context, lines []StockLine) ([]Product, error) {
	out := make([]Product, 0, len(lines))
	for _, l := range lines {
		p, err := s.Get(ctx, l.ProductID)
		if err != nil {
			return nil, err
		}
		if p.Status != StatusActive {
			return nil, unavailable(p)
		}
		if p.Inventory.Stock < l.Quantity {
			s.metrics.StockRejected()
			return nil, insufficient(p, l.Quantity)
		}
		out = append(out, p)
	}
	return out, nil
}

// Reserve decrements stock for every line or for none. In Postgres it must
// run inside tx; each decrement is conditional on enough stock remaining, so
// concurrent reservations can never oversell. Products are returned in line
// order with their post-decrement inventory.
func (s *Service) Reserve(ctx context.Context, tx *sql.Tx, lines []StockLine) ([]Product, error) {
	if s.db == nil {
		return s.reserveMemory(lines)
	}

	// Lock rows in a stable order so concurrent orders cannot deadlock.
	order := make([]int, len(lines))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return lines[order[a]].ProductID < lines[order[b]].ProductID })

	now := time.Now().UTC()
	out := make([]Product, len(lines))
	for _, i := range order {
		l := lines[i]
		p, err := scanProduct(tx.QueryRowContext(ctx,
			`UPDATE products SET stock = stock - $2, in_stock = (stock - $2) > 0, updated_at = $3
			WHERE id = $1 AND status = 'active' AND stock >= $2
			RETURNING `+productColumns,
			l.ProductID, l.Quantity, now))
		if err == nil {
			out[i] = p
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		current, gerr := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, l.ProductID))
		if errors.Is(gerr, sql.ErrNoRows) {
			return nil, apperr.NotFound("product " + l.ProductID)
		}
		if gerr != nil {
			return nil, gerr
		}
		if current.Status != StatusActive {
			return nil, unavailable(current)
		}
		s.metrics.StockRejected()
		return nil, insufficient(current, l.Quantity)
	}
	return out, nil
}

func (s *Service) reserveMemory(lines []StockLine) ([]Product, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	for _, l := range lines {
		p, ok := s.memByID[l.ProductID]
		if !ok {
			return nil, apperr.NotFound("product " + l.ProductID)
		}
		if p.Status != StatusActive {
			return nil, unavailable(p)
		}
		if p.Inventory.Stock < l.Quantity {
			s.metrics.StockRejected()
			return nil, insufficient(p, l.Quantity)
		}
	}
	now := time.Now().UTC()
	out := make([]Product, 0, len(lines))
	for _, l := range lines {
		p := s.memByID[l.ProductID]
		p.Inventory.Stock -= l.Quantity
		p.Inventory.InStock = p.Inventory.Stock > 0
		p.UpdatedAt = now
		s.memByID[p.ID] = p
		out = append(out, p)
	}
	return out, nil
}

// Restore adds quantities back, e.g. when an order is cancelled. Products
// that no longer exist are skipped.
func (s *Service) Restore(ctx context.Context, q store.Querier, lines []StockLine) error {
	return s.adjust(ctx, q, lines, 1)
}

// Deduct removes quantities without checking availability. It is used for
// orders that have already been paid for, where refusing is not an option;
// stock may therefore go negative. Products that no longer exist are skipped
// and reported through the returned slice, which only contains products
// that were found.
func (s *Service) Deduct(ctx context.Context, q store.Querier, lines []StockLine) ([]Product, error) {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		now := time.Now().UTC()
		out := make([]Product, 0, len(lines))
		for _, l := range lines {
			p, ok := s.memByID[l.ProductID]
			if !ok {
				continue
			}
			p.Inventory.Stock -= l.Quantity
			p.Inventory.InStock = p.Inventory.Stock > 0
			p.UpdatedAt = now
			s.memByID[p.ID] = p
			out = append(out, p)
		}
		return out, nil
	}
	now := time.Now().UTC()
	out := make([]Product, 0, len(lines))
	for _, l := range sortedLines(lines) {
		p, err := scanProduct(q.QueryRowContext(ctx,
			`UPDATE products SET stock = stock - $2, in_stock = (stock - $2) > 0, updated_at = $3
			WHERE id = $1 RETURNING `+productColumns,
			l.ProductID, l.Quantity, now))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) adjust(ctx context.Context, q store.Querier, lines []StockLine, sign int) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		now := time.Now().UTC()
		for _, l := range lines {
			p, ok := s.memByID[l.ProductID]
			if !ok {
				continue
			}
			p.Inventory.Stock += sign * l.Quantity
			p.Inventory.InStock = p.Inventory.Stock > 0
			p.UpdatedAt = now
			s.memByID[p.ID] = p
		}
		return nil
	}
	now := time.Now().UTC()
	for _, l := range sortedLines(lines) {
		if _, err := q.ExecContext(ctx,
			`UPDATE products SET stock = stock + $2, in_stock = (stock + $2) > 0, updated_at = $3 WHERE id = $1`,
			l.ProductID, sign*l.Quantity, now); err != nil {
			return err
		}
	}
	return nil
}

func sortedLines(lines []StockLine) []StockLine {
	out := append([]StockLine{}, lines...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
