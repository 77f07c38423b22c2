package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/GenStudio/internal/service"
)

type ReferenceStorage interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// FullReconciler runs one reconcile pass over every account with outstanding work.
type FullReconciler interface {
	RunOnce(ctx context.Context) error
}

type Deps struct {
	Ledger      *service.LedgerService
	Generations *service.GenerationService
	Reconciler  *service.ReconcileService
	Billing     *service.BillingService
	Storage     ReferenceStorage
	Worker      FullReconciler
}

type Options struct {
	Addr          string
	JWTSecret     string
	AdminUsername string
	AdminPassword string
	Limits        RateLimits
}

type Server struct {
	addr        string
	opts        Options
	log         *slog.Logger
	ledger      *service.LedgerService
	generations *service.GenerationService
	reconciler  *service.ReconcileService
	billing     *service.BillingService
	storage     ReferenceStorage
	worker      FullReconciler
	router      *chi.Mux
}

func NewServer(opts Options, deps Deps, log *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:        opts.Addr,
		opts:        opts,
		log:         log,
		ledger:      deps.Ledger,
		generations: deps.Generations,
		reconciler:  deps.Reconciler,
		billing:     deps.Billing,
		storage:     deps.Storage,
		worker:      deps.Worker,
		router:      r,
	}

	limits := opts.Limits.withDefaults()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	r.Group(func(authed chi.Router) {
		authed.Use(s.jwtAuth)

		authed.Route("/credits", func(r chi.Router) {
			r.Use(perAccountLimit("credits", limits.Credits))
			r.Post("/deduct", s.handleDeduct)
			r.Post("/refund", s.handleRefund)
			r.Get("/balance", s.handleBalance)
		})

		authed.With(perAccountLimit("uploads", limits.Uploads)).Post("/uploads", s.handleUpload)

		authed.Route("/{tool}", func(r chi.Router) {
			r.Use(s.toolParam)
			r.With(perAccountLimit("generate", limits.Generate)).Post("/generate", s.handleGenerate)
			r.Group(func(r chi.Router) {
				r.Use(perAccountLimit("status", limits.Status))
				r.Get("/status", s.handleStatus)
				r.Delete("/delete", s.handleDelete)
				r.Post("/process", s.handleProcess)
				r.Post("/cleanup", s.handleCleanup)
				r.Post("/link-task", s.handleLinkTask)
			})
		})
	})

	r.Route("/admin", func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/accounts", s.handleEnsureAccount)
		protected.Get("/accounts/{id}", s.handleGetAccount)
		protected.Post("/accounts/{id}/grant", s.handleGrant)
		protected.Post("/reconcile", s.handleReconcileAll)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Generation requests wait for the provider submission.
		WriteTimeout: 150 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}
