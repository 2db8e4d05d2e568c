package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"digital-delivery/internal/database"
	"digital-delivery/internal/infrastructure/ratelimit"
	"digital-delivery/internal/infrastructure/storage"
	"digital-delivery/internal/repo"
	"digital-delivery/internal/server"
	"digital-delivery/internal/service"
	"digital-delivery/internal/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var (
		runMigrations bool
		runWorker     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, runMigrations, runWorker)
		},
	}
	cmd.Flags().BoolVar(&runMigrations, "migrate", true, "apply database migrations before serving")
	cmd.Flags().BoolVar(&runWorker, "worker", true, "run the reconciliation worker in-process")
	return cmd
}

func runServe(ctx context.Context, runMigrations, runWorker bool) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if runMigrations {
		if err := database.Migrate(a.db.DB); err != nil {
			return err
		}
	}
	if err := a.wireCore(true); err != nil {
		return err
	}

	cfg := a.cfg
	rdb, err := ratelimit.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	limiter := ratelimit.NewRedisLimiter(rdb, "ratelimit:token:grant:", 1, cfg.Downloads.IssueWindow)
	content := storage.NewLocalStore(cfg.Storage.Disks)

	webhooks := service.NewWebhookService(a.db, a.gateway, repo.NewEventRepo(a.db), a.orderRepo, a.orders, a.fulfillment, a.logger)
	downloads := service.NewDownloadService(a.db, a.grantRepo, repo.NewTokenRepo(a.db), a.fileRepo, limiter, content,
		service.DownloadOptions{TokenTTL: cfg.Downloads.TokenTTL, PublicBaseURL: cfg.PublicBaseURL}, a.logger)

	srv := server.New(server.Options{
		Addr:               cfg.HTTPAddr,
		CORSOrigins:        cfg.CORSOrigins,
		SignatureHeader:    cfg.Payment.SignatureHeader,
		WebhookTimeout:     cfg.Payment.WebhookTimeout,
		FailureRedirectURL: cfg.Checkout.FailureRedirectURL,
		JWTSecret:          []byte(cfg.Auth.JWTSecret),
	}, server.Deps{
		Webhooks:  webhooks,
		Checkout:  a.checkout,
		Downloads: downloads,
		Grants:    a.grants,
		Content:   content,
		Health: map[string]server.HealthFunc{
			"database": func(ctx context.Context) map[string]string { return database.Health(ctx, a.db.DB) },
			"redis":    func(ctx context.Context) map[string]string { return ratelimit.Health(ctx, rdb) },
		},
		Logger: a.logger,
	}).HTTPServer()

	if runWorker {
		rw := worker.NewReconciliationWorker(a.orderRepo, a.checkout,
			cfg.Reconcile.Interval, cfg.Reconcile.StaleAfter, cfg.Reconcile.BatchSize, a.logger)
		go rw.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Storefront API started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("Server exited")
	return nil
}
