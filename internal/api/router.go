// Package api exposes the marketplace, credit and reputation services over
// HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/kpledger/internal/credit"
	"github.com/sells-group/kpledger/internal/marketplace"
	"github.com/sells-group/kpledger/internal/reputation"
	"github.com/sells-group/kpledger/internal/subscription"
)

// Services are the domain services behind the routes.
type Services struct {
	Marketplace   *marketplace.Engine
	Credits       *credit.Ledger
	Subscriptions *subscription.Registry
	Reputation    *reputation.Service
}

// Options configures the router.
type Options struct {
	Keys        []APIKey
	CORSOrigins []string
}

type handler struct {
	Services
}

// NewRouter builds the HTTP handler. Everything under /v1 requires a valid
// API key.
func NewRouter(svc Services, opts Options) http.Handler {
	h := &handler{Services: svc}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(authenticate(opts.Keys))

		v1.Route("/marketplace", func(m chi.Router) {
			m.With(requireScope(ScopeWrite, ScopeAdmin)).Post("/listings", h.createListing)
			m.Get("/listings", h.searchListings)
			m.Get("/listings/{id}", h.getListing)
			m.Get("/my-listings", h.myListings)
			m.Post("/purchase/{id}", h.purchase)
			m.Get("/balance", h.balance)
			m.Get("/earnings", h.earnings)
			m.With(requireScope(ScopeAdmin)).Post("/credits", h.grantCredits)
			m.Post("/subscribe", h.subscribe)
			m.Delete("/subscribe/{id}", h.cancelSubscription)
			m.Get("/subscriptions", h.subscriptions)
		})

		v1.Route("/reputation", func(rep chi.Router) {
			rep.Get("/leaderboard", h.leaderboard)
			rep.Post("/votes", h.submitVote)
			rep.Get("/{agent_id}", h.reputation)
			rep.Get("/{agent_id}/badges", h.badges)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
