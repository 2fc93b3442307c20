package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/api/handlers"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/api/middleware"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/ledger"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/metrics"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/qrcode"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/service"
)

type Deps struct {
	Store      repository.Store
	Engine     handlers.Redeemer
	Catalog    *service.CatalogService
	Resolver   *qrcode.Resolver
	Broker     *ledger.Broker
	Reconciler *ledger.Reconciler
	Metrics    *metrics.Metrics
	// RateLimiter guards POST /redemptions; nil disables it.
	RateLimiter  *middleware.RateLimiter
	StreamBuffer int
	Logger       *zap.Logger
}

// NewRouter builds the HTTP router for the redemption service
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.Observability(d.Metrics))
	r.Use(middleware.Logger(logger))

	redemptions := handlers.NewRedemptionHandler(d.Engine, d.Resolver, d.Store, logger)
	benefits := handlers.NewBenefitHandler(d.Catalog, d.Store, logger)
	feed := handlers.NewLedgerHandler(d.Store, d.Broker, d.StreamBuffer, logger)
	qr := handlers.NewQRHandler(d.Resolver, logger)
	admin := handlers.NewAdminHandler(d.Reconciler, logger)

	r.Route("/redemptions", func(r chi.Router) {
		r.With(limit(d.RateLimiter)).Post("/", redemptions.AttemptRedemption)
		r.Get("/{idempotencyKey}", redemptions.GetRedemption)
	})

	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", feed.Feed)
		r.Get("/stream", feed.Stream)
	})

	r.Route("/merchants/{merchantID}", func(r chi.Router) {
		r.Post("/benefits", benefits.CreateBenefit)
		r.Get("/benefits", benefits.ListBenefits)
		r.Get("/qr", qr.MerchantCode)
	})

	r.Route("/benefits/{id}", func(r chi.Router) {
		r.Get("/", benefits.GetBenefit)
		r.Patch("/", benefits.UpdateBenefit)
		r.Post("/pause", benefits.PauseBenefit)
		r.Post("/resume", benefits.ResumeBenefit)
		r.Get("/usage/{memberID}", benefits.MemberUsage)
	})

	r.Post("/qr/resolve", qr.Resolve)

	// Admin endpoints
	r.Route("/admin", func(r chi.Router) {
		r.Get("/reconcile", admin.Reconcile)
	})

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	// health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}

func limit(l *middleware.RateLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}
