package order

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/notification"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/telemetry"
)

// ---------------------------------------------------------------------------
// CRUD - Update
// ---------------------------------------------------------------------------

func canFulfil(p auth.Principal, o Order) bool {
	return p.IsAdmin() || (p.IsSeller() && o.hasSeller(p.ID))
}

// UpdateStatus moves an order along its lifecycle. Moving to cancelled puts
// the stock back exactly like Cancel.
func (s *Service) UpdateStatus(ctx context.Context, caller auth.Principal, id string, req StatusRequest) (o Order, err error) {
	ctx, span := telemetry.StartSpan(ctx, "order.update_status",
		attribute.String("order_id", id), attribute.String("status", req.Status))
	defer func() { telemetry.EndSpan(span, err) }()

	to := strings.ToLower(strings.TrimSpace(req.Status))
	o, err = s.mutate(ctx, id, func(tx *sql.Tx, o *Order) error {
		if !canFulfil(caller, *o) {
			return apperr.Forbidden("not authorized to update this order")
		}
		if !canTransition(o.OrderStatus, to) {
			return apperr.Newf(apperr.CodeInvalidArgument, "cannot change order status from %s to %s", o.OrderStatus, to).
				WithDetails(map[string]any{"from": o.OrderStatus, "to": to})
		}
		now := s.now().UTC()
		if to == StatusCancelled {
			if err := s.catalog.Restore(ctx, querier(tx), o.lines()); err != nil {
				return fmt.Errorf("restore stock: %w", err)
			}
		}
		if to == StatusDelivered {
			o.Tracking.ActualDelivery = &now
		}
		o.record(to, strings.TrimSpace(req.Note), now)
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if to == StatusCancelled {
		s.catalog.InvalidateListings(ctx)
	}
	notification.Send(ctx, s.notifier, s.log, notification.Input{
		UserID:  o.CustomerID,
		Type:    notification.TypeOrder,
		Title:   "Order Status Updated",
		Message: fmt.Sprintf("Your order #%s status has been updated to %s", o.OrderNumber, to),
		Data:    map[string]any{"order_id": o.ID, "status": to},
		Link:    "/orders/" + o.ID,
	})
	return o, nil
}

// Cancel cancels a pending or confirmed order for its customer (or an
// admin) and returns every line's quantity to stock in the same
// transaction.
func (s *Service) Cancel(ctx context.Context, caller auth.Principal, id string) (o Order, err error) {
	ctx, span := telemetry.StartSpan(ctx, "order.cancel", attribute.String("order_id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	o, err = s.mutate(ctx, id, func(tx *sql.Tx, o *Order) error {
		if o.CustomerID != caller.ID && !caller.IsAdmin() {
			return apperr.Forbidden("not authorized to cancel this order")
		}
		if o.OrderStatus != StatusPending && o.OrderStatus != StatusConfirmed {
			return apperr.Invalid("order cannot be cancelled at this stage").
				WithDetails(map[string]any{"order_status": o.OrderStatus})
		}
		if err := s.catalog.Restore(ctx, querier(tx), o.lines()); err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}
		note := "Cancelled by customer"
		if o.CustomerID != caller.ID {
			note = "Cancelled by admin"
		}
		o.record(StatusCancelled, note, s.now().UTC())
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.catalog.InvalidateListings(ctx)
	s.log.Info().Str("order_id", o.ID).Str("by", caller.ID).Msg("order cancelled")
	return o, nil
}

// UpdateTracking records shipment details for an order.
func (s *Service) UpdateTracking(ctx context.Context, caller auth.Principal, id string, req TrackingRequest) (Order, error) {
	o, err := s.mutate(ctx, id, func(_ *sql.Tx, o *Order) error {
		if !canFulfil(caller, *o) {
			return apperr.Forbidden("not authorized to update this order")
		}
		if o.OrderStatus == StatusCancelled {
			return apperr.Invalid("cannot track a cancelled order")
		}
		o.Tracking.Carrier = strings.TrimSpace(req.Carrier)
		o.Tracking.TrackingNumber = strings.TrimSpace(req.TrackingNumber)
		if req.EstimatedDelivery != nil {
			t := req.EstimatedDelivery.UTC()
			o.Tracking.EstimatedDelivery = &t
		}
		o.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	notification.Send(ctx, s.notifier, s.log, notification.Input{
		UserID:  o.CustomerID,
		Type:    notification.TypeOrder,
		Title:   "Shipment Update",
		Message: fmt.Sprintf("Your order #%s ships with %s (%s)", o.OrderNumber, o.Tracking.Carrier, o.Tracking.TrackingNumber),
		Data:    map[string]any{"order_id": o.ID},
		Link:    "/orders/" + o.ID,
	})
	return o, nil
}
