package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kkkkikiki/promo/internal/config"
	"github.com/kkkkikiki/promo/internal/database"
	"github.com/kkkkikiki/promo/internal/gateway"
	"github.com/kkkkikiki/promo/internal/repository"
	"github.com/kkkkikiki/promo/internal/service"
)

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting promo engine", zap.String("environment", cfg.App.Environment))

	// Initialize database connections
	db, err := database.NewDB(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database connections", zap.Error(err))
		}
	}()

	// Stores over the shared transactional database
	campaignRepo := repository.NewCampaignRepository(db.Postgres)
	memberRepo := repository.NewMemberRepository(db.Postgres)
	tierRepo := repository.NewTierRepository(db.Postgres)
	recordRepo := repository.NewRewardRecordRepository(db.Postgres)
	counterRepo := repository.NewCounterRepository(db.Postgres)
	activityRepo := repository.NewActivityRepository(db.Postgres)

	// External collaborators
	notifier := gateway.NewHTTPNotifier(&cfg.Gateway, logger)
	refunder := gateway.NewHTTPRefunder(&cfg.Gateway)

	codes, err := service.NewJoinCodeGenerator(cfg.App.JoinCodeSecret)
	if err != nil {
		logger.Fatal("failed to build join code generator", zap.Error(err))
	}

	rewardService := service.NewRewardService(tierRepo, recordRepo, counterRepo, activityRepo, notifier, logger)
	campaignService := service.NewCampaignService(campaignRepo, memberRepo, counterRepo, activityRepo,
		rewardService, notifier, codes, logger)

	// Expiry sweeper runs independent of request traffic
	sweeper := service.NewSweeper(campaignRepo, memberRepo, recordRepo, refunder, notifier, cfg.Sweep, logger)
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	// Create HTTP mux
	mux := http.NewServeMux()
	registerHandlers(mux, campaignService, rewardService, logger)

	// Add health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hostname, _ := os.Hostname()
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"promo-engine","hostname":"%s"}`, hostname)
		w.Write([]byte(response))
	})

	// Add database health check endpoint
	mux.HandleFunc("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Postgres.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"postgres unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","postgres":"connected"}`))
	})

	// Add Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Create server with configuration optimized for high concurrency
	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second, // Keep connections alive longer
		MaxHeaderBytes: 1 << 20,           // 1MB
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(mux, &http2.Server{
			MaxConcurrentStreams: 1000, // Allow more concurrent streams
		}),
	}

	// Start server in goroutine
	go func() {
		logger.Info("serving", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")
	stopSweeper()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited gracefully")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.App.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
