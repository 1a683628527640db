// Package httpx holds the JSON, cursor and error helpers shared by every handler.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/platform/apperr"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ---------------------------------------------------------------------------
// Request decoding
// ---------------------------------------------------------------------------

// DecodeJSON reads a bounded JSON body into v and validates its struct tags.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "unreadable request body", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return apperr.Invalid("empty request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Invalid("invalid JSON payload")
	}
	return Validate(v)
}

// Validate runs struct-tag validation and converts failures into INVALID_ARGUMENT.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Invalid(fieldMessage(fe)).WithDetails(map[string]any{"field": fe.Namespace()})
	}
	return apperr.Wrap(apperr.CodeInvalidArgument, "invalid request", err)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email"
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gt", "gte":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status code and writes {"error", "code"}.
// Internal errors are logged and replaced by a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	body := map[string]any{"error": apperr.PublicMessage(err), "code": code}
	if details := apperr.DetailsOf(err); len(details) > 0 {
		body["details"] = details
	}
	WriteJSON(w, status, body)
}

// ---------------------------------------------------------------------------
// Query helpers
// ---------------------------------------------------------------------------

func IntParam(r *http.Request, key string, def, min, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// FloatParam returns nil when the parameter is absent or unparsable.
func FloatParam(r *http.Request, key string) *float64 {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &f
}

func BoolParam(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return b
}

func Query(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func NilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ---------------------------------------------------------------------------
// Cursor helpers
// ---------------------------------------------------------------------------

// ParseCursor decodes a "<unixnano>:<id>" keyset cursor.
func ParseCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", apperr.Invalid("invalid cursor format")
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", apperr.Invalid("invalid cursor timestamp")
	}
	if parts[1] == "" {
		return time.Time{}, "", apperr.Invalid("invalid cursor id")
	}
	return time.Unix(0, n).UTC(), parts[1], nil
}

func EncodeCursor(ts time.Time, id string) string {
	return fmt.Sprintf("%d:%s", ts.UTC().UnixNano(), id)
}

// Before reports whether (ts, id) sorts after the cursor position in
// a created_at DESC, id DESC listing.
func Before(ts time.Time, id string, cursorTime time.Time, cursorID string) bool {
	return ts.Before(cursorTime) || (ts.Equal(cursorTime) && id < cursorID)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func WithServerDefaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
