package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	stderrors "errors"

	"github.com/tickethub/payment-reconciler/internal/api"
	"github.com/tickethub/payment-reconciler/internal/config"
	"github.com/tickethub/payment-reconciler/internal/gateway"
	"github.com/tickethub/payment-reconciler/internal/handler"
	"github.com/tickethub/payment-reconciler/internal/infrastructure/kafka"
	"github.com/tickethub/payment-reconciler/internal/infrastructure/redis"
	"github.com/tickethub/payment-reconciler/internal/observability"
	core "github.com/tickethub/payment-reconciler/internal/repository/postgres"
	service "github.com/tickethub/payment-reconciler/internal/services"
	pkgerrors "github.com/tickethub/payment-reconciler/pkg/errors"
	_ "github.com/lib/pq"
)

func main() {
	shutdown, metricsHandler := observability.Setup("payment-reconciler")
	defer shutdown(context.Background())

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(context.Background()); err != nil {
		log.Fatalf("Failed to ping Postgres: %v", err)
	}

	purchaseRepo := core.NewPostgresPurchaseRepository(db)
	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()
	kafkaProducer := kafka.NewProducer(cfg.KafkaBrokers)
	defer kafkaProducer.Close()
	gatewayClient := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewaySecret, cfg.GatewayTimeout)

	svc := service.NewReconciliationService(
		purchaseRepo,
		gatewayClient,
		redisClient,
		kafkaProducer,
		cfg.SweepBatchSize,
		cfg.SweepPendingAge,
	)

	h := handler.NewHandler(svc, db, cfg.WebhookSecret)
	router := api.SetupRouter(h, metricsHandler)

	// Scheduled sweep: every tick re-verifies stale pending purchases with a
	// per-run deadline.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runSweepLoop(sweepCtx, svc, cfg.SweepInterval, cfg.SweepRunTimeout)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		slog.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	slog.Info("server stopped")
}

func runSweepLoop(ctx context.Context, svc service.ReconciliationService, interval, runTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep scheduler stopped")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, runTimeout)
			report, err := svc.Sweep(runCtx)
			cancel()
			if err != nil {
				if stderrors.Is(err, pkgerrors.ErrSweepAlreadyRunning) {
					slog.Info("scheduled sweep skipped, previous run still active")
					continue
				}
				slog.Error("scheduled sweep failed", "error", err)
				continue
			}
			slog.Info("scheduled sweep completed",
				"scanned", report.Scanned,
				"updated", report.Updated)
		}
	}
}
