package order

import (
	"context"
	"database/sql"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/catalog"
	"erp/ecommerce/buildmart/internal/notification"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/store"
	"erp/ecommerce/buildmart/internal/telemetry"
)

// Create places an order for caller. Stock for every line is reserved, the
// coupon (if any) is redeemed and the order is inserted in one transaction:
// either all of it happens or none of it does.
func (s *Service) Create(ctx context.Context, caller auth.Principal, req CreateRequest) (o Order, err error) {
	ctx, span := telemetry.StartSpan(ctx, "order.create",
		attribute.String("customer_id", caller.ID), attribute.Int("lines", len(req.Items)))
	defer func() { telemetry.EndSpan(span, err) }()

	if len(req.Items) == 0 {
		return Order{}, apperr.Invalid("no order items provided")
	}
	code := strings.TrimSpace(req.CouponCode)
	if code != "" && s.coupons == nil {
		return Order{}, apperr.New(apperr.CodeUnavailable, "coupons are not available")
	}
	lines := requestLines(req.Items)

	var reserved []catalog.Product
	if s.db == nil {
		o, reserved, err = s.place(ctx, nil, caller, req, lines)
	} else {
		err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			var txErr error
			o, reserved, txErr = s.place(ctx, tx, caller, req, lines)
			return txErr
		})
	}
	if err != nil {
		return Order{}, err
	}

	s.catalog.InvalidateListings(ctx)
	s.catalog.NotifyLowStock(ctx, reserved)
	s.metrics.OrderPlaced("direct", o.Pricing.Total)
	s.log.Info().Str("order_id", o.ID).Str("order_number", o.OrderNumber).
		Float64("total", o.Pricing.Total).Msg("order placed")
	for _, seller := range o.SellerIDs {
		notification.Send(ctx, s.notifier, s.log, notification.Input{
			UserID:  seller,
			Type:    notification.TypeOrder,
			Title:   "New Order Received",
			Message: "Order #" + o.OrderNumber + " contains your products",
			Data:    map[string]any{"order_id": o.ID},
			Link:    "/orders/" + o.ID,
		})
	}
	return o, nil
}

// place runs the reservation, pricing, coupon redemption and insert. tx is
// nil in memory mode, where a failure after the reservation puts the stock
// back by hand.
func (s *Service) place(ctx context.Context, tx *sql.Tx, caller auth.Principal, req CreateRequest, lines []catalog.StockLine) (Order, []catalog.Product, error) {
	products, err := s.catalog.Reserve(ctx, tx, lines)
	if err != nil {
		return Order{}, nil, err
	}
	redeemed := ""
	o, err := s.build(ctx, tx, caller, req, lines, products, &redeemed)
	if err == nil {
		err = s.insert(ctx, tx, &o)
	}
	if err != nil {
		if tx == nil {
			if rerr := s.catalog.Restore(ctx, nil, lines); rerr != nil {
				s.log.Error().Err(rerr).Msg("restore stock after failed order")
			}
			if redeemed != "" {
				s.coupons.Release(redeemed)
			}
		}
		return Order{}, nil, err
	}
	return o, products, nil
}

func (s *Service) build(ctx context.Context, tx *sql.Tx, caller auth.Principal, req CreateRequest, lines []catalog.StockLine, products []catalog.Product, redeemed *string) (Order, error) {
	items, priced, sellers := priceLines(lines, products)

	var applied *CouponApplied
	discount := 0.0
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		res, err := s.coupons.Validate(ctx, code, s.policy.Quote(priced, 0).Subtotal, caller.Role)
		if err != nil {
			return Order{}, err
		}
		if err := s.coupons.Redeem(ctx, querier(tx), res.Coupon.Code); err != nil {
			return Order{}, err
		}
		*redeemed = res.Coupon.Code
		discount = res.Discount
		applied = &CouponApplied{Code: res.Coupon.Code, Discount: res.Discount}
	}

	now := s.now().UTC()
	o := Order{
		ID:              store.NewID("ord"),
		CustomerID:      caller.ID,
		SellerIDs:       sellers,
		Items:           items,
		Pricing:         s.policy.Quote(priced, discount),
		CouponApplied:   applied,
		ShippingAddress: normalizeAddress(req.ShippingAddress),
		Payment:         Payment{Method: req.PaymentMethod, Status: PaymentPending},
		Notes:           strings.TrimSpace(req.Notes),
		CreatedAt:       now,
	}
	o.record(StatusPending, "Order placed", now)
	return o, nil
}
