package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/ecommerce/buildmart/internal/platform/apperr"
)

type lineRequest struct {
	ProductID string `json:"product" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gte=1"`
}

type orderRequest struct {
	Items []lineRequest `json:"items" validate:"required,min=1,dive"`
	Email string        `json:"email" validate:"omitempty,email"`
}

func decode(body string) (orderRequest, error) {
	var req orderRequest
	err := DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), &req)
	return req, err
}

func TestDecodeJSON(t *testing.T) {
	req, err := decode(`{"items":[{"product":"prd_1","quantity":3}]}`)
	require.NoError(t, err)
	assert.Equal(t, 3, req.Items[0].Quantity)

	_, err = decode("   ")
	assert.Equal(t, "empty request body", apperr.PublicMessage(err))

	_, err = decode(`{"items":`)
	assert.Equal(t, "invalid JSON payload", apperr.PublicMessage(err))

	_, err = decode(`{"items":[{"product":"prd_1","quantity":0}]}`)
	require.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	assert.Equal(t, "orderRequest.items[0].quantity", apperr.DetailsOf(err)["field"])

	_, err = decode(`{"items":[{"product":"prd_1","quantity":1}],"email":"nope"}`)
	assert.Equal(t, "email must be a valid email", apperr.PublicMessage(err))

	_, err = decode(`{"items":[]}`)
	assert.Equal(t, "items must be at least 1", apperr.PublicMessage(err))
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		err     error
		status  int
		message string
	}{
		{apperr.NotFound("product"), http.StatusNotFound, "product not found"},
		{apperr.New(apperr.CodeInsufficientStock, "only 2 left"), http.StatusBadRequest, "only 2 left"},
		{apperr.New(apperr.CodeUnavailable, "payments are not configured"), http.StatusServiceUnavailable, "payments are not configured"},
		{errors.New("pq: connection reset"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		assert.Equal(t, tc.status, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.message, body["error"])
		assert.NotContains(t, rec.Body.String(), "connection reset")
	}
}

func TestQueryParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=500&page=-2&min_price=12.5&bad=x&featured=true", nil)
	assert.Equal(t, 100, IntParam(r, "limit", 20, 1, 100))
	assert.Equal(t, 1, IntParam(r, "page", 1, 1, 1000))
	assert.Equal(t, 20, IntParam(r, "bad", 20, 1, 100))
	require.NotNil(t, FloatParam(r, "min_price"))
	assert.Equal(t, 12.5, *FloatParam(r, "min_price"))
	assert.Nil(t, FloatParam(r, "bad"))
	assert.True(t, BoolParam(r, "featured"))
	assert.False(t, BoolParam(r, "missing"))
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC)
	gotTime, gotID, err := ParseCursor(EncodeCursor(ts, "ord_abc:def"))
	require.NoError(t, err)
	assert.True(t, ts.Equal(gotTime))
	assert.Equal(t, "ord_abc:def", gotID)

	for _, bad := range []string{"garbage", "abc:ord_1", "123:"} {
		_, _, err := ParseCursor(bad)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument), bad)
	}

	assert.True(t, Before(ts.Add(-time.Second), "b", ts, "a"))
	assert.True(t, Before(ts, "a", ts, "b"))
	assert.False(t, Before(ts, "b", ts, "b"))
}
