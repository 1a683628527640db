package order

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/catalog"
	"erp/ecommerce/buildmart/internal/coupon"
	"erp/ecommerce/buildmart/internal/notification"
	"erp/ecommerce/buildmart/internal/payment"
	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/pricing"
)

const webhookSecret = "whsec_test"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Input
}

func (r *recordingNotifier) Notify(_ context.Context, in notification.Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, in)
	return nil
}

func (r *recordingNotifier) titlesFor(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, in := range r.sent {
		if in.UserID == userID {
			out = append(out, in.Title)
		}
	}
	return out
}

var (
	supplier = auth.Principal{ID: "usr_supplier", Role: auth.RoleSupplier}
	rival    = auth.Principal{ID: "usr_rival", Role: auth.RoleWholesaler}
	buyer    = auth.Principal{ID: "usr_buyer", Email: "buyer@example.com", Role: auth.RoleRetailer}
	stranger = auth.Principal{ID: "usr_stranger", Role: auth.RoleCustomer}
	admin    = auth.Principal{ID: "usr_admin", Role: auth.RoleAdmin}
)

type fixture struct {
	orders   *Service
	catalog  *catalog.Service
	coupons  *coupon.Service
	gateway  *payment.Fake
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	n := &recordingNotifier{}
	cat := catalog.NewService(catalog.Deps{Notifier: n, Log: zerolog.Nop()})
	coupons := coupon.NewService(nil, zerolog.Nop())
	gw := payment.NewFake(webhookSecret)
	orders := NewService(Deps{
		Catalog:  cat,
		Coupons:  coupons,
		Notifier: n,
		Gateway:  gw,
		Log:      zerolog.Nop(),
	})
	return &fixture{orders: orders, catalog: cat, coupons: coupons, gateway: gw, notifier: n}
}

func (f *fixture) product(t *testing.T, owner auth.Principal, name string, retail float64, stock int) catalog.Product {
	t.Helper()
	p, err := f.catalog.Create(context.Background(), owner, catalog.CreateRequest{
		Name: name, Description: name + " for site work", Category: "cement", Unit: "bag",
		RetailPrice: retail, WholesalePrice: retail * 0.9, MinWholesaleQuantity: 100, Stock: stock,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.catalog.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Inventory.Stock
}

func address() ShippingAddress {
	return ShippingAddress{Street: "12 Canal Road", City: "Lahore", Phone: "03001234567"}
}

func orderFor(lines ...LineRequest) CreateRequest {
	return CreateRequest{Items: lines, ShippingAddress: address(), PaymentMethod: "cod"}
}

func TestCreateReservesStockAndPricesOrder(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)

	o, err := f.orders.Create(context.Background(), buyer, orderFor(LineRequest{ProductID: p.ID, Quantity: 4}))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(o.OrderNumber, "ORD"))
	assert.Equal(t, StatusPending, o.OrderStatus)
	assert.Equal(t, PaymentPending, o.Payment.Status)
	assert.Equal(t, "Pakistan", o.ShippingAddress.Country)
	assert.Equal(t, []string{supplier.ID}, o.SellerIDs)
	require.Len(t, o.Items, 1)
	assert.Equal(t, pricing.TierRetail, o.Items[0].PriceType)
	assert.Equal(t, pricing.Quote{Subtotal: 4800, Tax: 240, Shipping: 500, Total: 5540}, o.Pricing)
	require.Len(t, o.StatusHistory, 1)
	assert.Equal(t, "Order placed", o.StatusHistory[0].Note)

	assert.Equal(t, 6, f.stock(t, p.ID))
	assert.Contains(t, f.notifier.titlesFor(supplier.ID), "New Order Received")
}

func TestCreateUsesWholesaleTierAndMergesLines(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1000, 500)

	o, err := f.orders.Create(context.Background(), buyer, orderFor(
		LineRequest{ProductID: p.ID, Quantity: 60},
		LineRequest{ProductID: p.ID, Quantity: 40},
	))
	require.NoError(t, err)
	require.Len(t, o.Items, 1)
	assert.Equal(t, 100, o.Items[0].Quantity)
	assert.Equal(t, pricing.TierWholesale, o.Items[0].PriceType)
	assert.Equal(t, 900.0, o.Items[0].Price)
	assert.Equal(t, 0.0, o.Pricing.Shipping)
	assert.Equal(t, 400, f.stock(t, p.ID))
}

func TestCreateIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ok := f.product(t, supplier, "OPC Cement", 1200, 10)
	short := f.product(t, rival, "Red Bricks", 20, 3)

	_, err := f.orders.Create(context.Background(), buyer, orderFor(
		LineRequest{ProductID: ok.ID, Quantity: 5},
		LineRequest{ProductID: short.ID, Quantity: 4},
	))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInsufficientStock))
	assert.Equal(t, 10, f.stock(t, ok.ID))
	assert.Equal(t, 3, f.stock(t, short.ID))

	_, err = f.orders.Create(context.Background(), buyer, orderFor(LineRequest{ProductID: "prd_missing", Quantity: 1}))
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = f.orders.Create(context.Background(), buyer, CreateRequest{ShippingAddress: address(), PaymentMethod: "cod"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestCreateRedeemsCouponOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)
	now := time.Now().UTC()
	limit := 1
	_, err := f.coupons.Create(ctx, coupon.CreateRequest{
		Code: "SITE500", DiscountType: coupon.TypeFixed, DiscountValue: 500,
		ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(24 * time.Hour), UsageLimit: &limit,
	})
	require.NoError(t, err)

	req := orderFor(LineRequest{ProductID: p.ID, Quantity: 2})
	req.CouponCode = "site500"
	o, err := f.orders.Create(ctx, buyer, req)
	require.NoError(t, err)
	require.NotNil(t, o.CouponApplied)
	assert.Equal(t, "SITE500", o.CouponApplied.Code)
	assert.Equal(t, 500.0, o.Pricing.Discount)
	assert.Equal(t, 2400.0+120+500-500, o.Pricing.Total)
	assert.Equal(t, 8, f.stock(t, p.ID))

	_, err = f.orders.Create(ctx, buyer, req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	assert.Equal(t, 8, f.stock(t, p.ID), "failed order must not keep its reservation")
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)

	var placed, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orders.Create(context.Background(), buyer, orderFor(LineRequest{ProductID: p.ID, Quantity: 1}))
			if err == nil {
				placed.Add(1)
				return
			}
			if apperr.Is(err, apperr.CodeInsufficientStock) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), placed.Load())
	assert.Equal(t, int32(15), rejected.Load())
	assert.Equal(t, 0, f.stock(t, p.ID))
}

func TestCancelRestoresStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)
	o, err := f.orders.Create(ctx, buyer, orderFor(LineRequest{ProductID: p.ID, Quantity: 7}))
	require.NoError(t, err)
	require.Equal(t, 3, f.stock(t, p.ID))

	_, err = f.orders.Cancel(ctx, stranger, o.ID)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	cancelled, err := f.orders.Cancel(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.OrderStatus)
	assert.Equal(t, "Cancelled by customer", cancelled.StatusHistory[len(cancelled.StatusHistory)-1].Note)
	assert.Equal(t, 10, f.stock(t, p.ID))

	_, err = f.orders.Cancel(ctx, buyer, o.ID)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	assert.Equal(t, 10, f.stock(t, p.ID), "stock is restored once")
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)
	o, err := f.orders.Create(ctx, buyer, orderFor(LineRequest{ProductID: p.ID, Quantity: 2}))
	require.NoError(t, err)

	_, err = f.orders.UpdateStatus(ctx, rival, o.ID, StatusRequest{Status: StatusConfirmed})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = f.orders.UpdateStatus(ctx, supplier, o.ID, StatusRequest{Status: StatusDelivered})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	assert.Equal(t, map[string]any{"from": StatusPending, "to": StatusDelivered}, apperr.DetailsOf(err))

	for _, status := range []string{StatusConfirmed, StatusProcessing, StatusShipped} {
		o, err = f.orders.UpdateStatus(ctx, supplier, o.ID, StatusRequest{Status: status})
		require.NoError(t, err, status)
	}
	_, err = f.orders.UpdateStatus(ctx, admin, o.ID, StatusRequest{Status: StatusCancelled})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	o, err = f.orders.UpdateTracking(ctx, supplier, o.ID, TrackingRequest{Carrier: "TCS", TrackingNumber: "TCS-991"})
	require.NoError(t, err)
	assert.Equal(t, "TCS", o.Tracking.Carrier)

	o, err = f.orders.UpdateStatus(ctx, admin, o.ID, StatusRequest{Status: StatusDelivered, Note: "signed by site manager"})
	require.NoError(t, err)
	assert.NotNil(t, o.Tracking.ActualDelivery)
	assert.Len(t, o.StatusHistory, 5)
	assert.Contains(t, f.notifier.titlesFor(buyer.ID), "Order Status Updated")
	assert.Contains(t, f.notifier.titlesFor(buyer.ID), "Shipment Update")
}

func TestSellerCancelRestoresStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)
	o, err := f.orders.Create(ctx, buyer, orderFor(LineRequest{ProductID: p.ID, Quantity: 4}))
	require.NoError(t, err)

	_, err = f.orders.UpdateStatus(ctx, supplier, o.ID, StatusRequest{Status: StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, 10, f.stock(t, p.ID))
}

func TestListVisibilityAndCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mine := f.product(t, supplier, "OPC Cement", 1200, 100)
	theirs := f.product(t, rival, "Red Bricks", 20, 1000)

	for i := 0; i < 3; i++ {
		_, err := f.orders.Create(ctx, buyer, orderFor(LineRequest{ProductID: mine.ID, Quantity: 1}))
		require.NoError(t, err)
	}
	_, err := f.orders.Create(ctx, stranger, orderFor(LineRequest{ProductID: theirs.ID, Quantity: 10}))
	require.NoError(t, err)

	page, err := f.orders.List(ctx, buyer, "", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	rest, err := f.orders.List(ctx, buyer, "", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)
	assert.NotEqual(t, page.Items[1].ID, rest.Items[0].ID)

	sellerView, err := f.orders.List(ctx, rival, "", "", 20)
	require.NoError(t, err)
	require.Len(t, sellerView.Items, 1)
	assert.Equal(t, stranger.ID, sellerView.Items[0].CustomerID)

	all, err := f.orders.List(ctx, admin, StatusPending, "", 20)
	require.NoError(t, err)
	assert.Len(t, all.Items, 4)

	_, err = f.orders.Get(ctx, stranger, page.Items[0].ID)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
	_, err = f.orders.Get(ctx, supplier, page.Items[0].ID)
	assert.NoError(t, err)

	_, err = f.orders.List(ctx, buyer, "", "garbage", 2)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestHasPurchased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)
	o, err := f.orders.Create(ctx, buyer, orderFor(LineRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	ok, err := f.orders.HasPurchased(ctx, buyer.ID, o.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.orders.HasPurchased(ctx, stranger.ID, o.ID, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.orders.HasPurchased(ctx, buyer.ID, "ord_missing", p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, supplier, "OPC Cement", 1200, 10)
	o, err := f.orders.Create(ctx, buyer, orderFor(LineRequest{ProductID: p.ID, Quantity: 3}))
	require.NoError(t, err)

	name, raw, err := f.orders.Invoice(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "invoice-"+o.OrderNumber+".pdf", name)
	assert.True(t, strings.HasPrefix(string(raw), "%PDF"))

	_, _, err = f.orders.Invoice(ctx, supplier, o.ID)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestMoneyFormatter(t *testing.T) {
	assert.Equal(t, "PKR 12,345.50", newMoneyFormatter("pkr").format(12345.5))
	assert.Equal(t, "USD 3.00", newMoneyFormatter("usd").format(3))
}
