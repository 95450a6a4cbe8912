package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-capture/internal/auth"
	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/config"
	"github.com/example/face-capture/internal/handlers"
	"github.com/example/face-capture/internal/health"
	"github.com/example/face-capture/internal/httpclient"
	"github.com/example/face-capture/internal/imageprocessor"
	"github.com/example/face-capture/internal/logging"
	"github.com/example/face-capture/internal/metrics"
	"github.com/example/face-capture/internal/recognition"
	"github.com/example/face-capture/internal/recovery"
	"github.com/example/face-capture/internal/repository"
	"github.com/example/face-capture/internal/usecase"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics := metrics.New(registry)

	db := initDatabase(ctx, cfg.Database, logger)
	repo := repository.NewSubmissionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	storeCtx, storeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer storeCancel()
	st := initStores(storeCtx, cfg.Redis, logger)
	defer st.close()

	clientOpts := []httpclient.Option{
		httpclient.WithMetrics(pipelineMetrics),
		httpclient.WithConcurrencyLimit(cfg.Backend.ConcurrencyLimit),
	}
	if cfg.Backend.DegradedListing {
		clientOpts = append(clientOpts, httpclient.WithLastKnownGoodFallback())
	}
	backend, err := httpclient.New(httpclient.Config{
		BaseURL:            cfg.Backend.URL,
		RecognizePath:      cfg.Backend.RecognizePath,
		RegisterPath:       cfg.Backend.RegisterPath,
		ListPath:           cfg.Backend.ListPath,
		RecognizeTimeout:   cfg.Backend.RecognizeTimeout,
		RegisterTimeout:    cfg.Backend.RegisterTimeout,
		ListTimeout:        cfg.Backend.ListTimeout,
		MaxRetries:         cfg.Backend.MaxRetries,
		BackoffBase:        cfg.Backend.BackoffBase,
		MultipartThreshold: cfg.Backend.MultipartThreshold,
		MaxImageSize:       cfg.Image.MaxImageSize,
	}, logger, clientOpts...)
	if err != nil {
		logger.Fatal("invalid backend configuration", zap.Error(err))
	}

	manager := usecase.NewManager(usecase.Dependencies{
		Repo:      repo,
		Cache:     st.cache,
		Submitter: backend,
		Factory: capture.QueueFactory{
			Capacity:     cfg.Capture.QueueCap,
			FrameTimeout: cfg.Capture.FrameTimeout,
		},
		Orchestrator: capture.NewOrchestrator(logger,
			capture.WithShotCount(cfg.Capture.ShotCount),
			capture.WithInterval(cfg.Capture.Interval),
		),
		Preprocessors: map[recognition.Purpose]usecase.Preprocessor{
			recognition.PurposeRecognize: newEngine(cfg.Image, cfg.Image.RecognitionDimension, pipelineMetrics, logger),
			recognition.PurposeRegister:  newEngine(cfg.Image, cfg.Image.RegistrationDimension, pipelineMetrics, logger),
		},
		Metrics: pipelineMetrics,
	}, usecase.ManagerConfig{
		FramesUsed:          cfg.Capture.FramesUsedForSubmission,
		UseMultiAngle:       cfg.Backend.UseMultiAngle,
		ConfidenceThreshold: cfg.Diagnostics.ConfidenceThreshold,
		ShowDetailedErrors:  cfg.Diagnostics.ShowDetailedErrors,
		ResultTTL:           cfg.Redis.ResultTTL,
		IdleTTL:             cfg.Server.SessionIdleTTL,
	}, logger)
	defer manager.Shutdown()

	checker := health.NewChecker(2*time.Second, logger)
	if st.ping != nil {
		checker.Add("redis", st.ping)
	}
	checker.Add("database", func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go checker.Run(runCtx, 10*time.Second)
	if cfg.Server.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.HealthAddr)
		if err != nil {
			logger.Fatal("failed to listen for health checks", zap.Error(err))
		}
		go func() {
			if err := checker.Serve(runCtx, lis); err != nil {
				logger.Error("health server failed", zap.Error(err))
			}
		}()
	}

	r := gin.Default()
	r.MaxMultipartMemory = cfg.Server.MaxUploadSize

	h := handlers.New(manager, handlers.Options{
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		Lister:         backend,
		FormStore:      st.forms,
		FormKeyPrefix:  cfg.Redis.FieldKeyPrefix,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Health: func(ctx context.Context) (bool, map[string]string) {
			results := checker.Check(ctx)
			return health.Healthy(results), health.Summary(results)
		},
		Logger: logger,
	})
	handlers.RegisterRoutes(r, h, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("face capture API listening", zap.String("addr", cfg.Server.Addr))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newEngine(cfg config.ImageConfig, target int, m *metrics.Pipeline, logger *zap.Logger) *imageprocessor.Engine {
	return imageprocessor.NewEngine(imageprocessor.Options{
		TargetDimension:     target,
		SmallImageThreshold: cfg.SmallImageThreshold,
		MaxImageSize:        cfg.MaxImageSize,
		QualityDefault:      cfg.QualityDefault,
		QualityLow:          cfg.QualityLow,
	}, logger, imageprocessor.WithRecorder(m))
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// stores holds the result cache and form recovery store. Without a redis
// address both live in process memory and ping is nil.
type stores struct {
	cache usecase.Cache
	forms recovery.Store
	ping  func(context.Context) error
	close func() error
}

func initStores(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) stores {
	if cfg.Addr == "" {
		zapLogger.Warn("redis address not set, keeping results and form fields in memory")
		return stores{
			cache: usecase.NewMemoryCache(),
			forms: recovery.NewMemoryStore(),
			close: func() error { return nil },
		}
	}
	client := initRedis(ctx, cfg.Addr, zapLogger)
	return stores{
		cache: usecase.NewRedisCache(client, ""),
		forms: recovery.NewRedisStore(client, 7*24*time.Hour),
		ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
		close: client.Close,
	}
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
