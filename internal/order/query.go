package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

func (s *Service) load(ctx context.Context, id string) (Order, error) {
	if s.db == nil {
		s.memMu.RLock()
		o, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok {
			return Order{}, apperr.NotFound("order")
		}
		return o, nil
	}
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, apperr.NotFound("order")
	}
	return o, err
}

func canView(p auth.Principal, o Order) bool {
	return p.IsAdmin() || o.CustomerID == p.ID || (p.IsSeller() && o.hasSeller(p.ID))
}

// Get returns an order visible to caller: its customer, an admin, or a
// seller of one of its lines.
func (s *Service) Get(ctx context.Context, caller auth.Principal, id string) (Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !canView(caller, o) {
		return Order{}, apperr.Forbidden("not authorized to view this order")
	}
	return o, nil
}

// HasPurchased reports whether orderID is an order of userID containing
// productID.
func (s *Service) HasPurchased(ctx context.Context, userID, orderID, productID string) (bool, error) {
	o, err := s.load(ctx, orderID)
	if apperr.Is(err, apperr.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if o.CustomerID != userID || o.OrderStatus == StatusCancelled {
		return false, nil
	}
	for _, it := range o.Items {
		if it.ProductID == productID {
			return true, nil
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

// List pages through the orders caller may see, newest first. Buyers see
// their own orders, sellers the orders containing their products and admins
// everything.
func (s *Service) List(ctx context.Context, caller auth.Principal, status, cursor string, limit int) (ListResponse, error) {
	cursorTime, cursorID, err := httpx.ParseCursor(cursor)
	if err != nil {
		return ListResponse{}, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if s.db == nil {
		return s.listMemory(caller, status, cursorTime, cursorID, limit), nil
	}

	where, args, next := listFilter(caller, status)
	if !cursorTime.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", next, next+1))
		args = append(args, cursorTime, cursorID)
		next += 2
	}
	args = append(args, limit+1)
	q := fmt.Sprintf(`SELECT %s FROM orders %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		orderColumns, whereClause(where), next)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return ListResponse{}, err
	}
	defer rows.Close()
	items := make([]Order, 0, limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return ListResponse{}, err
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		return ListResponse{}, err
	}
	return page(items, limit), nil
}

func listFilter(caller auth.Principal, status string) ([]string, []any, int) {
	where := []string{}
	args := []any{}
	next := 1
	switch {
	case caller.IsAdmin():
	case caller.IsSeller():
		where = append(where, fmt.Sprintf("seller_ids @> jsonb_build_array($%d::text)", next))
		args = append(args, caller.ID)
		next++
	default:
		where = append(where, fmt.Sprintf("customer_id = $%d", next))
		args = append(args, caller.ID)
		next++
	}
	if status != "" {
		where = append(where, fmt.Sprintf("order_status = $%d", next))
		args = append(args, status)
		next++
	}
	return where, args, next
}

func whereClause(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(where, " AND ")
}

func (s *Service) listMemory(caller auth.Principal, status string, cursorTime time.Time, cursorID string, limit int) ListResponse {
	s.memMu.RLock()
	items := make([]Order, 0)
	for _, o := range s.memByID {
		switch {
		case caller.IsAdmin():
		case caller.IsSeller():
			if !o.hasSeller(caller.ID) {
				continue
			}
		default:
			if o.CustomerID != caller.ID {
				continue
			}
		}
		if status != "" && o.OrderStatus != status {
			continue
		}
		if !cursorTime.IsZero() && !httpx.Before(o.CreatedAt, o.ID, cursorTime, cursorID) {
			continue
		}
		items = append(items, o)
	}
	s.memMu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return page(items, limit)
}

func page(items []Order, limit int) ListResponse {
	if len(items) <= limit {
		return ListResponse{Items: items}
	}
	last := items[limit-1]
	return ListResponse{Items: items[:limit], NextCursor: httpx.EncodeCursor(last.CreatedAt, last.ID)}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// ExplainList returns the Postgres plan of the admin order listing.
func (s *Service) ExplainList(ctx context.Context, caller auth.Principal, status string) (any, error) {
	if s.db == nil {
		return map[string]any{"mode": "memory", "note": "no SQL plan available"}, nil
	}
	where, args, _ := listFilter(caller, strings.ToLower(strings.TrimSpace(status)))
	planQuery := fmt.Sprintf(`EXPLAIN (ANALYZE FALSE, FORMAT JSON)
		SELECT %s FROM orders %s
		ORDER BY created_at DESC, id DESC
		LIMIT 50`, orderColumns, whereClause(where))

	var planRaw []byte
	if err := s.db.QueryRowContext(ctx, planQuery, args...).Scan(&planRaw); err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(planRaw, &parsed); err != nil {
		return string(planRaw), nil
	}
	return parsed, nil
}
