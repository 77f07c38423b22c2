package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/digkill/GenStudio/internal/api"
	"github.com/digkill/GenStudio/internal/config"
	"github.com/digkill/GenStudio/internal/database"
	"github.com/digkill/GenStudio/internal/kie"
	"github.com/digkill/GenStudio/internal/notify"
	"github.com/digkill/GenStudio/internal/provider"
	"github.com/digkill/GenStudio/internal/repository"
	"github.com/digkill/GenStudio/internal/repository/memstore"
	"github.com/digkill/GenStudio/internal/service"
	"github.com/digkill/GenStudio/internal/storage"
	"github.com/digkill/GenStudio/internal/worker"
	"github.com/digkill/GenStudio/pkg/logger"
)

type stores struct {
	accounts    service.LedgerStore
	generations service.GenerationStore
	audit       service.AuditStore
	events      service.EventStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStores(ctx, cfg, logr)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeStore()

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKey:       cfg.S3AccessKey,
		SecretKey:       cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		PublicBaseURL:   cfg.S3PublicBaseURL,
		UsePathStyle:    cfg.S3UsePathStyle,
		Prefix:          cfg.S3Prefix,
		DownloadTimeout: cfg.RequestTimeout * 4,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	var notifier service.Notifier = notify.NewLog(logr)
	if cfg.TelegramAlertToken != "" && cfg.TelegramAlertChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramAlertToken, cfg.TelegramAlertChatID, logr)
		if err != nil {
			logr.Error("telegram alerts disabled", "err", err)
		} else {
			notifier = tg
		}
	}

	registry := buildRegistry(cfg, logr)

	ledger := service.NewLedgerService(st.accounts, st.audit, logr)
	reconciler := service.NewReconcileService(service.ReconcileConfigFrom(cfg), ledger, st.generations, registry, uploader, notifier, logr)
	generations := service.NewGenerationService(ledger, st.generations, registry, reconciler, cfg.Prices, cfg.SubmitTimeout, logr)
	billing := service.NewBillingService(cfg.StripeWebhookSecret, cfg.StripePlans, ledger, st.accounts, st.events, logr)
	if !billing.Enabled() {
		logr.Warn("STRIPE_WEBHOOK_SECRET is empty, stripe webhooks are disabled")
	}

	bg := worker.NewReconciler(reconciler, cfg.ReconcileInterval, cfg.ReconcileWorkers, logr)

	server := api.NewServer(api.Options{
		Addr:          cfg.ListenAddr,
		JWTSecret:     cfg.JWTSecret,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		Limits: api.RateLimits{
			Credits:  cfg.RateCreditsPerMin,
			Generate: cfg.RateGeneratePerMin,
			Status:   cfg.RateStatusPerMin,
			Uploads:  cfg.RateUploadsPerMin,
		},
	}, api.Deps{
		Ledger:      ledger,
		Generations: generations,
		Reconciler:  reconciler,
		Billing:     billing,
		Storage:     uploader,
		Worker:      bg,
	}, logr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return bg.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("service stopped", "err", err)
	}
	logr.Info("shutdown complete")
}

func openStores(ctx context.Context, cfg config.Config, logr *slog.Logger) (stores, func(), error) {
	if cfg.StorageDriver == config.StorageMemory {
		logr.Warn("using in-memory storage, all state is lost on restart")
		return stores{
			accounts:    memstore.NewAccounts(),
			generations: memstore.NewGenerations(),
			audit:       memstore.NewAudit(),
			events:      memstore.NewStripeEvents(),
		}, func() {}, nil
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return stores{}, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}
	return mysqlStores(db), func() { _ = db.Close() }, nil
}

func mysqlStores(db *sql.DB) stores {
	return stores{
		accounts:    repository.NewAccountRepository(db),
		generations: repository.NewGenerationRepository(db),
		audit:       repository.NewAuditRepository(db),
		events:      repository.NewStripeEventRepository(db),
	}
}

// buildRegistry wires one breaker-guarded adapter per configured provider.
// Tools whose provider has no credentials are left out and report unsupported.
func buildRegistry(cfg config.Config, logr *slog.Logger) *provider.Registry {
	kieClient := kie.NewClient(cfg, logr)
	adapters := []provider.Adapter{
		provider.NewSora2(kieClient),
		provider.NewInfiniteTalk(kieClient),
		provider.NewVeo3(kieClient),
	}
	if cfg.SyncAPIKey != "" {
		adapters = append(adapters, provider.NewLipSync(cfg.SyncAPIKey, cfg.SyncBaseURL, cfg.RequestTimeout))
	} else {
		logr.Warn("SYNC_API_KEY is empty, lipsync is disabled")
	}
	if cfg.FalAPIKey != "" {
		adapters = append(adapters, provider.NewAvatar(cfg.FalAPIKey, cfg.FalBaseURL, cfg.SubmitTimeout))
	} else {
		logr.Warn("FAL_API_KEY is empty, avatar is disabled")
	}

	guarded := make([]provider.Adapter, 0, len(adapters))
	for _, a := range adapters {
		guarded = append(guarded, provider.WithBreaker(a, provider.DefaultBreakerSettings(), logr))
	}
	return provider.NewRegistry(guarded...)
}
