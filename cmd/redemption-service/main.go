package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/api"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/api/middleware"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/clock"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/config"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/ledger"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/logging"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/metrics"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/qrcode"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/boltstore"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/memory"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/service"
	"github.com/axeelhrz/FidelyaEnd-sub000/pkg/db"
)

func main() {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("redemption-service stopped", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, seed := range cfg.Merchants {
		m := models.Merchant{ID: seed.ID, Name: seed.Name, Active: seed.IsActive()}
		if err := store.PutMerchant(ctx, m); err != nil {
			return fmt.Errorf("seed merchant %s: %w", seed.ID, err)
		}
	}

	m := metrics.New("fidelya")
	broker := ledger.NewBroker(m, logger)
	defer broker.Close()

	clk := clock.SystemClock{}
	engine, err := service.NewRedemptionService(store, service.EngineConfig{
		MaxRetries:     cfg.Engine.MaxRetries,
		RetryBackoff:   cfg.Engine.RetryBackoff.Duration,
		MaxClockSkew:   cfg.Engine.MaxClockSkew.Duration,
		AttemptTimeout: cfg.Engine.AttemptTimeout.Duration,
		NodeID:         cfg.Engine.NodeID,
	},
		service.WithClock(clk),
		service.WithPublisher(broker),
		service.WithMetrics(m),
		service.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	catalog := service.NewCatalogService(store, clk, logger)

	codec, err := qrcode.NewCodec(qrcode.Config{
		WebHost:          cfg.QR.WebHost,
		SigningKey:       cfg.QR.SigningKey,
		NonceTTL:         cfg.QR.NonceTTL.Duration,
		RequireSignature: cfg.QR.RequireSignature,
	})
	if err != nil {
		return fmt.Errorf("init qr codec: %w", err)
	}

	var limiter *middleware.RateLimiter
	if !cfg.RateLimit.Disabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	if !cfg.Sweeper.Disabled {
		sweeper := service.NewExpirySweeper(catalog, cfg.Sweeper.Interval.Duration, m, logger)
		go sweeper.Run(ctx)
	}

	handler := api.NewRouter(api.Deps{
		Store:        store,
		Engine:       engine,
		Catalog:      catalog,
		Resolver:     qrcode.NewResolver(codec, store, cfg.QR.CacheTTL.Duration),
		Broker:       broker,
		Reconciler:   ledger.NewReconciler(store, logger),
		Metrics:      m,
		RateLimiter:  limiter,
		StreamBuffer: cfg.Stream.Buffer,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting redemption-service",
			zap.String("addr", cfg.ListenAddress),
			zap.String("storage", cfg.Storage.Driver),
			zap.Bool("signed_qr", codec.Signed()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// websocket streams are hijacked and not tracked by Shutdown; closing the
	// broker ends them
	broker.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (repository.Store, error) {
	switch cfg.Driver {
	case config.DriverBolt:
		s, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		pgCfg, err := db.LoadPostgresConfig()
		if err != nil {
			return nil, err
		}
		conn, err := db.NewPostgresConnection(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		s := repository.NewPostgresStore(conn)
		if cfg.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}
