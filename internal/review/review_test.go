package review

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/catalog"
	"erp/ecommerce/buildmart/internal/platform/apperr"
)

type purchases map[string]string // order id -> "user/product"

func (p purchases) HasPurchased(_ context.Context, userID, orderID, productID string) (bool, error) {
	return p[orderID] == userID+"/"+productID, nil
}

var (
	supplier = auth.Principal{ID: "usr_supplier", Role: auth.RoleSupplier}
	alice    = auth.Principal{ID: "usr_alice", Role: auth.RoleCustomer}
	bob      = auth.Principal{ID: "usr_bob", Role: auth.RoleRetailer}
	admin    = auth.Principal{ID: "usr_admin", Role: auth.RoleAdmin}
)

func setup(t *testing.T) (*Service, *catalog.Service, catalog.Product) {
	t.Helper()
	cat := catalog.NewService(catalog.Deps{Log: zerolog.Nop()})
	p, err := cat.Create(context.Background(), supplier, catalog.CreateRequest{
		Name: "Red Bricks", Description: "Kiln fired", Category: "bricks", Unit: "piece",
		RetailPrice: 20, WholesalePrice: 18, Stock: 5000,
	})
	require.NoError(t, err)
	s := NewService(nil, cat, purchases{"ord_1": alice.ID + "/" + p.ID}, zerolog.Nop())
	return s, cat, p
}

func rating(t *testing.T, cat *catalog.Service, id string) catalog.Ratings {
	t.Helper()
	p, err := cat.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Ratings
}

func TestCreateRecomputesRating(t *testing.T) {
	ctx := context.Background()
	s, cat, p := setup(t)

	r, err := s.Create(ctx, alice, CreateRequest{ProductID: p.ID, Rating: 5, Comment: "Solid bricks", OrderID: "ord_1"})
	require.NoError(t, err)
	assert.True(t, r.Verified)
	assert.Equal(t, StatusApproved, r.Status)
	assert.Equal(t, catalog.Ratings{Average: 5, Count: 1}, rating(t, cat, p.ID))

	r2, err := s.Create(ctx, bob, CreateRequest{ProductID: p.ID, Rating: 2, Comment: "Some cracked"})
	require.NoError(t, err)
	assert.False(t, r2.Verified)
	assert.Equal(t, catalog.Ratings{Average: 3.5, Count: 2}, rating(t, cat, p.ID))

	_, err = s.Create(ctx, alice, CreateRequest{ProductID: p.ID, Rating: 4, Comment: "again"})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	_, err = s.Create(ctx, bob, CreateRequest{ProductID: "prd_missing", Rating: 4, Comment: "?"})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestCreateRejectsForeignOrder(t *testing.T) {
	s, _, p := setup(t)
	_, err := s.Create(context.Background(), bob, CreateRequest{ProductID: p.ID, Rating: 5, Comment: "mine", OrderID: "ord_1"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestUpdateAndDeleteOwnership(t *testing.T) {
	ctx := context.Background()
	s, cat, p := setup(t)
	r, err := s.Create(ctx, alice, CreateRequest{ProductID: p.ID, Rating: 5, Comment: "great"})
	require.NoError(t, err)
	_, err = s.Create(ctx, bob, CreateRequest{ProductID: p.ID, Rating: 3, Comment: "ok"})
	require.NoError(t, err)

	three := 3
	_, err = s.Update(ctx, bob, r.ID, UpdateRequest{Rating: &three})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	one := 1
	updated, err := s.Update(ctx, alice, r.ID, UpdateRequest{Rating: &one})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Rating)
	assert.Equal(t, "great", updated.Comment)
	assert.Equal(t, catalog.Ratings{Average: 2, Count: 2}, rating(t, cat, p.ID))

	assert.True(t, apperr.Is(s.Delete(ctx, bob, r.ID), apperr.CodeForbidden))
	require.NoError(t, s.Delete(ctx, admin, r.ID))
	assert.Equal(t, catalog.Ratings{Average: 3, Count: 1}, rating(t, cat, p.ID))
	assert.True(t, apperr.Is(s.Delete(ctx, admin, r.ID), apperr.CodeNotFound))
}

func TestListRoutes(t *testing.T) {
	ctx := context.Background()
	s, _, p := setup(t)
	for _, who := range []auth.Principal{alice, bob, admin} {
		_, err := s.Create(ctx, who, CreateRequest{ProductID: p.ID, Rating: 4, Comment: "fine"})
		require.NoError(t, err)
	}

	protect := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), bob)))
		})
	}
	router := chi.NewRouter()
	router.Route("/reviews", s.Routes(protect))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews/product/"+p.ID+"?limit=2&page=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []Review `json:"items"`
		Total int      `json:"total"`
		Pages int      `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages)

	body, _ := json.Marshal(map[string]any{"product": p.ID, "rating": 9, "comment": "x"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reviews", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
