package coupon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/apperr"
)

func ptr[T any](v T) *T { return &v }

func newTestService() *Service {
	s := NewService(nil, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func window() (time.Time, time.Time) {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
}

func TestDiscountComputation(t *testing.T) {
	pct := Coupon{DiscountType: TypePercentage, DiscountValue: 10}
	assert.Equal(t, 150.0, pct.Discount(1500))

	pct.MaxDiscount = ptr(100.0)
	assert.Equal(t, 100.0, pct.Discount(1500))

	fixed := Coupon{DiscountType: TypeFixed, DiscountValue: 500}
	assert.Equal(t, 500.0, fixed.Discount(2000))
	assert.Equal(t, 300.0, fixed.Discount(300))
}

func TestValidateRules(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	from, until := window()

	_, err := s.Create(ctx, CreateRequest{
		Code: "build10", DiscountType: TypePercentage, DiscountValue: 10, MinOrderValue: 1000,
		ValidFrom: from, ValidUntil: until, UsageLimit: ptr(1), ApplicableFor: auth.RoleRetailer,
	})
	require.NoError(t, err)

	res, err := s.Validate(ctx, "Build10", 2000, auth.RoleRetailer)
	require.NoError(t, err)
	assert.Equal(t, "BUILD10", res.Coupon.Code)
	assert.Equal(t, 200.0, res.Discount)

	_, err = s.Validate(ctx, "BUILD10", 500, auth.RoleRetailer)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	_, err = s.Validate(ctx, "BUILD10", 2000, auth.RoleCustomer)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	_, err = s.Validate(ctx, "NOPE", 2000, auth.RoleRetailer)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	require.NoError(t, s.Redeem(ctx, nil, "build10"))
	_, err = s.Validate(ctx, "BUILD10", 2000, auth.RoleRetailer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage limit")
}

func TestValidateOutsideWindowIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	_, err := s.Create(ctx, CreateRequest{
		Code: "OLD", DiscountType: TypeFixed, DiscountValue: 50,
		ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ValidUntil: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = s.Validate(ctx, "OLD", 1000, auth.RoleCustomer)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	from, until := window()
	_, err = s.Create(ctx, CreateRequest{Code: "OFF", DiscountType: TypeFixed, DiscountValue: 50, ValidFrom: from, ValidUntil: until, IsActive: ptr(false)})
	require.NoError(t, err)
	_, err = s.Validate(ctx, "OFF", 1000, auth.RoleCustomer)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestCreateRejectsDuplicatesAndBadWindows(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	from, until := window()
	_, err := s.Create(ctx, CreateRequest{Code: "SAVE", DiscountType: TypeFixed, DiscountValue: 50, ValidFrom: from, ValidUntil: until})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateRequest{Code: "save", DiscountType: TypeFixed, DiscountValue: 50, ValidFrom: from, ValidUntil: until})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
	_, err = s.Create(ctx, CreateRequest{Code: "LATE", DiscountType: TypeFixed, DiscountValue: 50, ValidFrom: until, ValidUntil: from})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestConcurrentRedeemRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	from, until := window()
	_, err := s.Create(ctx, CreateRequest{Code: "FIVE", DiscountType: TypeFixed, DiscountValue: 10, ValidFrom: from, ValidUntil: until, UsageLimit: ptr(5)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Redeem(ctx, nil, "FIVE") == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)

	s.Release("FIVE")
	require.NoError(t, s.Redeem(ctx, nil, "FIVE"))
}

func TestRoutesRequireAdminExceptValidate(t *testing.T) {
	s := newTestService()
	as := func(role string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx := auth.WithPrincipal(r.Context(), auth.Principal{ID: "usr_" + role, Role: role})
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		}
	}
	router := func(role string) http.Handler {
		r := chi.NewRouter()
		r.With(as(role)).Route("/coupons", s.Routes)
		return r
	}
	from, until := window()
	body, _ := json.Marshal(map[string]any{
		"code": "WELCOME", "discount_type": "fixed", "discount_value": 250, "valid_from": from, "valid_until": until,
	})

	rec := httptest.NewRecorder()
	router(auth.RoleCustomer).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/coupons", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router(auth.RoleAdmin).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/coupons", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	validate, _ := json.Marshal(map[string]any{"code": "welcome", "order_total": 1000})
	rec = httptest.NewRecorder()
	router(auth.RoleCustomer).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/coupons/validate", bytes.NewReader(validate)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Item Result `json:"item"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 250.0, out.Item.Discount)
}
