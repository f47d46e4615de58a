package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/pos-checkout/internal/checkout"
	"github.com/xenking/pos-checkout/internal/domain/payment"
	"github.com/xenking/pos-checkout/internal/domain/promotion"
	"github.com/xenking/pos-checkout/internal/events"
	"github.com/xenking/pos-checkout/internal/gateway"
	"github.com/xenking/pos-checkout/internal/handler"
	"github.com/xenking/pos-checkout/internal/lease"
	"github.com/xenking/pos-checkout/internal/storage/postgres"
	"github.com/xenking/pos-checkout/internal/window"
	"github.com/xenking/pos-checkout/pkg/health"
	"github.com/xenking/pos-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, m.TracerProvider())
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Draft leases: Redis when configured, process memory otherwise.
	var leases lease.Manager = lease.NewMemory()
	if cfg.Redis.Addr != "" {
		client, err := newRedisClient(cfg.Redis)
		if err != nil {
			return errors.Wrap(err, "create redis client")
		}
		defer func() { _ = client.Close() }()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(client))
		leases = lease.NewRedis(client, "pos:lease:")
		lg.Info("Using redis draft leases", zap.String("addr", cfg.Redis.Addr))
	}

	var publisher checkout.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return errors.Wrap(err, "create kafka publisher")
		}
		defer func() {
			if err := k.Close(); err != nil {
				lg.Warn("Close kafka publisher", zap.Error(err))
			}
		}()
		publisher = k
		lg.Info("Publishing checkout events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	gw, err := newGateway(cfg.Gateway, m, lg)
	if err != nil {
		return errors.Wrap(err, "create payment gateway")
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	orderStore := postgres.NewOrderStore(pool)
	ledger := postgres.NewInventoryLedger(pool)
	promotionRepo := postgres.NewPromotionRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)

	windows := window.NewRegistry(cfg.Checkout.MaxOpenWindows)

	orch, err := checkout.New(checkout.Deps{
		Orders:         orderStore,
		Inventory:      ledger,
		Promotions:     promotion.NewRepoValidator(promotionRepo),
		Gateway:        gw,
		Windows:        windows,
		Payments:       paymentRepo,
		Leases:         leases,
		Events:         publisher,
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	}, checkout.Config{
		Settlement: payment.SettlementConfig{
			PollInterval: cfg.Checkout.PollInterval,
			MaxPolls:     cfg.Checkout.MaxPolls,
		},
		Compensate:              cfg.Checkout.Compensate,
		RestockOnPaymentFailure: cfg.Checkout.RestockOnPaymentFailure,
		LeaseTTL:                cfg.Checkout.LeaseTTL,
	})
	if err != nil {
		return errors.Wrap(err, "create checkout orchestrator")
	}

	// Attempts outlive the request that submitted them. They are aborted
	// only after the server has drained.
	attemptsCtx, abortAttempts := context.WithCancel(zctx.Base(context.WithoutCancel(ctx), lg))
	defer abortAttempts()
	runner := checkout.NewRunner(attemptsCtx, orch, cfg.Checkout.Retention)

	h := handler.New(productRepo, orderStore, runner, windows)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Identify(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Authorization"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           cfg.CORS.MaxAge,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:       cfg.RateLimit.Max,
				Window:    cfg.RateLimit.Window,
				SubmitMax: cfg.RateLimit.SubmitMax,
			}),
			httpmiddleware.Instrument("pos-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}

		// Payments still running resolve as aborted and leave their orders
		// pending for reconciliation.
		abortAttempts()
		runner.Wait()
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

func newGateway(cfg GatewayConfig, m *app.Telemetry, lg *zap.Logger) (payment.Gateway, error) {
	if cfg.URL == "" {
		lg.Warn("Payment gateway URL is not set, using simulator")
		return gateway.NewSimulator(cfg.SimulatorApproveAfter), nil
	}
	return gateway.NewClient(gateway.Config{
		URL:                cfg.URL,
		APIKey:             cfg.APIKey,
		Timeout:            cfg.Timeout,
		BreakerFailures:    cfg.BreakerFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
	}, m.TracerProvider(), lg.Named("gateway"))
}

// newRedisClient accepts either a host:port address or a redis:// URL.
func newRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		opts, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}
