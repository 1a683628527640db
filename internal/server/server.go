// Package server assembles the HTTP API from the domain services.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/bid"
	"erp/ecommerce/buildmart/internal/cache"
	"erp/ecommerce/buildmart/internal/catalog"
	"erp/ecommerce/buildmart/internal/chat"
	"erp/ecommerce/buildmart/internal/config"
	"erp/ecommerce/buildmart/internal/coupon"
	"erp/ecommerce/buildmart/internal/notification"
	"erp/ecommerce/buildmart/internal/order"
	"erp/ecommerce/buildmart/internal/payment"
	"erp/ecommerce/buildmart/internal/platform/httpx"
	"erp/ecommerce/buildmart/internal/pricing"
	"erp/ecommerce/buildmart/internal/review"
	"erp/ecommerce/buildmart/internal/telemetry"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Deps are the process-level resources the API runs on. DB and Redis may be
// nil: the services then keep their state in memory.
type Deps struct {
	Config  config.Config
	DB      *sql.DB
	Redis   *redis.Client
	Gateway payment.Gateway
	Metrics *telemetry.Metrics
	Log     zerolog.Logger
}

type Server struct {
	cfg     config.Config
	db      *sql.DB
	log     zerolog.Logger
	metrics *telemetry.Metrics
	hub     *chat.Hub
	handler http.Handler

	Auth          *auth.Service
	Catalog       *catalog.Service
	Orders        *order.Service
	Coupons       *coupon.Service
	Reviews       *review.Service
	Bids          *bid.Service
	Chats         *chat.Service
	Notifications *notification.Service
}

func New(d Deps) *Server {
	cfg := d.Config
	log := d.Log
	secret, ok := cfg.Secret()
	if !ok {
		log.Warn().Msg("JWT_SECRET not set, using the development secret")
	}

	var listCache cache.Cache = cache.NewMemory(cfg.CacheTTL)
	if d.Redis != nil {
		listCache = cache.NewRedis(d.Redis, cfg.CacheTTL, log)
	}

	s := &Server{cfg: cfg, db: d.DB, log: log, metrics: d.Metrics}
	s.Notifications = notification.NewService(d.DB, log)
	s.Auth = auth.NewService(d.DB, auth.NewTokens(secret, cfg.JWTTTL), log)
	s.Catalog = catalog.NewService(catalog.Deps{
		DB:       d.DB,
		Cache:    listCache,
		Users:    s.Auth,
		Notifier: s.Notifications,
		Metrics:  d.Metrics,
		Log:      log,
	})
	s.Coupons = coupon.NewService(d.DB, log)
	s.Orders = order.NewService(order.Deps{
		DB:        d.DB,
		Catalog:   s.Catalog,
		Coupons:   s.Coupons,
		Notifier:  s.Notifications,
		Gateway:   d.Gateway,
		Customers: s.Auth,
		Metrics:   d.Metrics,
		Policy: pricing.Policy{
			TaxRate:          cfg.TaxRate,
			FreeShippingOver: cfg.FreeShippingOver,
			ShippingFee:      cfg.ShippingFee,
		},
		Currency:    cfg.Currency,
		FrontendURL: cfg.FrontendURL,
		Log:         log,
	})
	s.Reviews = review.NewService(d.DB, s.Catalog, s.Orders, log)
	s.Bids = bid.NewService(d.DB, s.Catalog, s.Notifications, log)
	s.hub = chat.NewHub(d.Redis, d.Metrics, cfg.FrontendURL, log)
	s.Chats = chat.NewService(d.DB, s.Auth, s.hub, s.Notifications, log)
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) mode() string {
	if s.db == nil {
		return "memory"
	}
	return "postgres"
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(httpx.WithServerDefaults)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.cfg.FrontendURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.metrics.Instrument)
	r.Use(timeoutExcept(requestTimeout, longLived))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	protect := s.Auth.Protect
	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Route("/auth", s.Auth.AuthRoutes)
		api.Route("/users", s.Auth.UserRoutes)
		api.Route("/suppliers", s.Catalog.SupplierRoutes(protect))
		api.Route("/products", s.Catalog.Routes(protect))
		api.Route("/orders", s.Orders.Routes(protect))
		api.Route("/payments", s.Orders.PaymentRoutes(protect))
		api.Route("/reviews", s.Reviews.Routes(protect))
		api.Route("/bids", s.Bids.Routes(protect))
		api.Route("/chats", s.Chats.Routes(protect))
		api.Route("/coupons", func(r chi.Router) {
			r.Use(protect)
			s.Coupons.Routes(r)
		})
		api.Route("/notifications", func(r chi.Router) {
			r.Use(protect)
			s.Notifications.Routes(r)
		})
	})
	return r
}

// longLived reports requests that must not be cut off by the request timeout.
func longLived(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/stream") || r.URL.Path == "/api/payments/webhook"
}

func timeoutExcept(d time.Duration, skip func(r *http.Request) bool) func(http.Handler) http.Handler {
	limit := middleware.Timeout(d)
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": s.cfg.ServiceName,
		"mode":    s.mode(),
	})
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.hub.Run(hubCtx); err != nil {
			s.log.Error().Err(err).Msg("chat relay stopped")
		}
	}()

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Str("mode", s.mode()).Msg("buildmart api listening")
		errc <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			serveErr = err
		}
	}
	s.hub.Close()
	stopHub()
	wg.Wait()
	return serveErr
}
