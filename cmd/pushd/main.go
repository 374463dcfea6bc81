package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/api"
	"github.com/lalithlochan/familypush/internal/circuitbreaker"
	"github.com/lalithlochan/familypush/internal/config"
	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/dispatch"
	"github.com/lalithlochan/familypush/internal/expo"
	"github.com/lalithlochan/familypush/internal/ledger"
	"github.com/lalithlochan/familypush/internal/metrics"
	"github.com/lalithlochan/familypush/internal/notify"
	"github.com/lalithlochan/familypush/internal/observ"
	"github.com/lalithlochan/familypush/internal/redis"
	"github.com/lalithlochan/familypush/internal/registry"
	"github.com/lalithlochan/familypush/internal/resolver"
	"github.com/lalithlochan/familypush/internal/sns"
	"github.com/lalithlochan/familypush/internal/sqs"
	"github.com/lalithlochan/familypush/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("pushd", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting familypush",
		zap.Int("port", cfg.Port),
		zap.String("push_url", cfg.ExpoPushURL),
		zap.Int("batch_size", cfg.PushBatchSize),
		zap.Int("workers", cfg.PushWorkers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	tokenRepo := db.NewTokenRepository(database, logger)
	recordRepo := db.NewRecordRepository(database, logger)
	familyRepo := db.NewFamilyRepository(database, logger)

	// Redis backs idempotency, rate limiting and the sweep lock. All three
	// degrade to "off" when it is unavailable.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var (
		idempotency *redis.IdempotencyService
		rateLimiter *redis.RateLimiter
		locker      worker.Locker
	)
	if redisClient != nil {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})
		locker = redis.NewLocker(redisClient)
	}

	var regOpts []registry.Option
	if cfg.SNSTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSTopicARN, awsconfig.WithRegion(cfg.SNSRegion))
		if err != nil {
			logger.Warn("sns publisher unavailable, token events disabled", zap.Error(err))
		} else {
			regOpts = append(regOpts, registry.WithNotifier(publisher))
		}
	}
	devices := registry.New(tokenRepo, logger, regOpts...)

	records := ledger.New(recordRepo, devices, familyRepo, logger)
	recipients := resolver.New(familyRepo, cfg.MemberCacheTTL, logger)

	gateway := expo.NewClient(expo.Config{
		URL:         cfg.ExpoPushURL,
		AccessToken: cfg.ExpoAccessToken,
		Timeout:     cfg.PushTimeout,
		RateLimit:   cfg.PushRateLimit,
	}, logger)

	breakerCfg := circuitbreaker.DefaultConfig("push-gateway")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	breaker := circuitbreaker.New(breakerCfg, logger)

	dispatcher := dispatch.New(
		circuitbreaker.NewProtectedGateway(gateway, breaker, logger),
		records,
		devices,
		dispatch.Config{
			BatchSize: cfg.PushBatchSize,
			Timeout:   cfg.PushTimeout,
			Workers:   cfg.PushWorkers,
		},
		logger,
	)

	coordinator := worker.NewCoordinator(records, dispatcher, worker.DefaultRetryLimit, logger)
	sweeper := worker.New(coordinator, devices, locker, worker.Config{
		RetryInterval:  cfg.RetryInterval,
		MaxRetries:     cfg.RetryMax,
		TokenRetention: cfg.TokenRetention(),
	}, logger)

	svc := notify.New(notify.Deps{
		Templates:  familyRepo,
		Members:    familyRepo,
		Recipients: recipients,
		Records:    records,
		Dispatcher: dispatcher,
		Devices:    devices,
		Retrier:    sweeper,
		Gateway:    gateway,
		Breaker:    breaker,
	}, logger)

	go sweeper.Start(ctx)

	var queue api.Enqueuer
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.SQSEndpoint,
		}
		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, async sends disabled", zap.Error(err))
		} else {
			queue = producer
		}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, queued jobs will not be processed", zap.Error(err))
		} else {
			go worker.NewJobConsumer(consumer, svc, worker.ConsumerConfig{}, logger).Run(ctx)
		}
	}

	go reportConnections(ctx, database, redisClient)

	handler := api.NewHandler(logger, svc, devices, records, familyRepo).
		WithMaxRetry(cfg.RetryMax)
	if idempotency != nil {
		handler.WithIdempotency(idempotency)
	}
	if queue != nil {
		handler.WithQueue(queue)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.PushTimeout + 15*time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.UserFromHeader)
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.Health(hctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.PushTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// reportConnections samples pool gauges until ctx is done.
func reportConnections(ctx context.Context, database *db.DB, rc *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		metrics.SetDBConnections(int(database.AcquiredConns()))
		if rc != nil {
			metrics.SetRedisConnections(rc.OpenConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
