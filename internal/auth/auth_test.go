package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/ecommerce/buildmart/internal/platform/apperr"
)

func newTestService() *Service {
	return NewService(nil, NewTokens("test-secret", time.Hour), zerolog.Nop())
}

func newTestRouter(s *Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/auth", s.AuthRoutes)
	r.Route("/users", s.UserRoutes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterLoginMe(t *testing.T) {
	s := newTestService()
	h := newTestRouter(s)

	rec := doJSON(t, h, http.MethodPost, "/auth/register", "", map[string]any{
		"name": "Ayesha", "email": "Ayesha@Example.com", "password": "secret1", "phone": "0300", "role": "retailer",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var reg struct {
		Item  User   `json:"item"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.Equal(t, "ayesha@example.com", reg.Item.Email)
	assert.Equal(t, RoleRetailer, reg.Item.Role)
	assert.Equal(t, "Pakistan", reg.Item.Address.Country)
	assert.NotEmpty(t, reg.Token)

	rec = doJSON(t, h, http.MethodPost, "/auth/login", "", map[string]any{"email": "ayesha@example.com", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/auth/login", "", map[string]any{"email": "ayesha@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	rec = doJSON(t, h, http.MethodGet, "/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), reg.Item.ID)
}

func TestRegisterRejectsDuplicateAndAdmin(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	req := RegisterRequest{Name: "Bilal", Email: "bilal@example.com", Password: "secret1", Phone: "0301"}

	_, _, err := s.Register(ctx, req)
	require.NoError(t, err)
	_, _, err = s.Register(ctx, req)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	req.Email = "root@example.com"
	req.Role = RoleAdmin
	_, _, err = s.Register(ctx, req)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestRegisterValidatesPayload(t *testing.T) {
	h := newTestRouter(newTestService())
	rec := doJSON(t, h, http.MethodPost, "/auth/register", "", map[string]any{
		"name": "Short", "email": "short@example.com", "password": "123", "phone": "0300",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "password must be at least 6")
}

func TestQueryTokenOnlyForWebsocketUpgrades(t *testing.T) {
	s := newTestService()
	h := newTestRouter(s)
	_, token, err := s.Register(context.Background(), RegisterRequest{Name: "G", Email: "g@example.com", Password: "secret1", Phone: "1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/me?token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/auth/me?token="+token, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSuspendedUserIsRejected(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	u, token, err := s.Register(ctx, RegisterRequest{Name: "Kamran", Email: "k@example.com", Password: "secret1", Phone: "1"})
	require.NoError(t, err)

	suspended := StatusSuspended
	_, err = s.AdminUpdate(ctx, u.ID, AdminUpdateRequest{Status: &suspended})
	require.NoError(t, err)

	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/auth/me", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, _, err = s.Login(ctx, LoginRequest{Email: "k@example.com", Password: "secret1"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	h := newTestRouter(s)

	_, customerToken, err := s.Register(ctx, RegisterRequest{Name: "C", Email: "c@example.com", Password: "secret1", Phone: "1"})
	require.NoError(t, err)
	admin, err := s.CreateAdmin(ctx, "Admin", "admin@example.com", "secret1", "1")
	require.NoError(t, err)
	adminToken, err := s.Tokens().Issue(admin)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/users/", customerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/users/?role=customer", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []User `json:"items"`
		Total int    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)

	rec = doJSON(t, h, http.MethodDelete, "/users/"+admin.ID, adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePassword(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	u, _, err := s.Register(ctx, RegisterRequest{Name: "D", Email: "d@example.com", Password: "secret1", Phone: "1"})
	require.NoError(t, err)

	err = s.UpdatePassword(ctx, u.ID, UpdatePasswordRequest{CurrentPassword: "nope", NewPassword: "secret2"})
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))

	require.NoError(t, s.UpdatePassword(ctx, u.ID, UpdatePasswordRequest{CurrentPassword: "secret1", NewPassword: "secret2"}))
	_, _, err = s.Login(ctx, LoginRequest{Email: "d@example.com", Password: "secret2"})
	assert.NoError(t, err)
}

func TestProfileAndUserAdmin(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	h := newTestRouter(s)

	u, token, err := s.Register(ctx, RegisterRequest{Name: "E", Email: "e@example.com", Password: "secret1", Phone: "1"})
	require.NoError(t, err)
	other, otherToken, err := s.Register(ctx, RegisterRequest{Name: "F", Email: "f@example.com", Password: "secret1", Phone: "2"})
	require.NoError(t, err)
	admin, err := s.CreateAdmin(ctx, "Admin", "root@example.com", "secret1", "3")
	require.NoError(t, err)
	adminToken, err := s.Tokens().Issue(admin)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPut, "/users/profile", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, h, http.MethodPut, "/users/profile", token, map[string]any{
		"name":    " Ejaz ",
		"address": map[string]any{"street": "5 Canal View", "city": "Lahore"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Item User `json:"item"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Ejaz", out.Item.Name)
	assert.Equal(t, "Lahore", out.Item.Address.City)

	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/users/"+u.ID, token, nil).Code)
	assert.Equal(t, http.StatusForbidden, doJSON(t, h, http.MethodGet, "/users/"+u.ID, otherToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, doJSON(t, h, http.MethodPut, "/users/"+u.ID, otherToken, map[string]any{"is_verified": true}).Code)

	rec = doJSON(t, h, http.MethodPut, "/users/"+u.ID, adminToken, map[string]any{"is_verified": true, "credit_limit": 50000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Item.IsVerified)
	assert.Equal(t, 50000.0, out.Item.CreditLimit)

	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodDelete, "/users/"+other.ID, adminToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, h, http.MethodGet, "/users/"+other.ID, adminToken, nil).Code)
}

func TestTokenExpiry(t *testing.T) {
	tokens := NewTokens("k", time.Minute)
	issued := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issued }
	raw, err := tokens.Issue(User{ID: "usr_1", Role: RoleCustomer})
	require.NoError(t, err)

	claims, err := tokens.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Subject)
	assert.Equal(t, RoleCustomer, claims.Role)

	tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = tokens.Parse(raw)
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))

	_, err = NewTokens("other", time.Minute).Parse(raw)
	assert.Error(t, err)
}
