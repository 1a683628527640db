package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/platform/apperr"
	"erp/ecommerce/buildmart/internal/platform/httpx"
)

// Principal is the authenticated caller.
type Principal struct {
	ID    string
	Name  string
	Email string
	Role  string
}

func (p Principal) IsAdmin() bool  { return p.Role == RoleAdmin }
func (p Principal) IsSeller() bool { return IsSeller(p.Role) }

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// MustPrincipal is for handlers mounted behind Protect.
func MustPrincipal(ctx context.Context) Principal {
	p, _ := PrincipalFrom(ctx)
	return p
}

// Protect requires a valid bearer token for an existing, active user.
func (s *Service) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			httpx.WriteError(w, r, apperr.Unauthorized("not authorized, no token"))
			return
		}
		claims, err := s.tokens.Parse(raw)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		u, err := s.Get(r.Context(), claims.Subject)
		if err != nil {
			if apperr.Is(err, apperr.CodeNotFound) {
				httpx.WriteError(w, r, apperr.Unauthorized("user no longer exists"))
				return
			}
			httpx.WriteError(w, r, err)
			return
		}
		if u.Status != StatusActive {
			httpx.WriteError(w, r, apperr.Forbidden("your account is "+u.Status))
			return
		}
		ctx := WithPrincipal(r.Context(), Principal{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role})
		l := zerolog.Ctx(ctx).With().Str("user_id", u.ID).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(ctx)))
	})
}

// Authorize allows only the given roles through. It must run after Protect.
func Authorize(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				httpx.WriteError(w, r, apperr.Unauthorized("not authorized"))
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.WriteError(w, r, apperr.Forbidden("role "+p.Role+" is not authorized to access this route"))
		})
	}
}

// SellersAndAdmin is the role set allowed to manage products.
var SellersAndAdmin = []string{RoleSupplier, RoleWholesaler, RoleAdmin}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// Browsers cannot set headers on websocket upgrades.
	if websocket.IsWebSocketUpgrade(r) {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}
