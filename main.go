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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-match/internal/auth"
	"github.com/example/face-match/internal/config"
	"github.com/example/face-match/internal/fingerprint"
	"github.com/example/face-match/internal/grpcclient"
	"github.com/example/face-match/internal/handlers"
	"github.com/example/face-match/internal/logging"
	"github.com/example/face-match/internal/matching"
	"github.com/example/face-match/internal/metrics"
	"github.com/example/face-match/internal/repository"
	"github.com/example/face-match/internal/usecase"
)

const resultNamespace = "search"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	comparator, conn := initComparator(ctx, cfg, logger)
	if conn != nil {
		defer conn.Close()
	}

	engine := matching.NewEngine(comparator, matching.Options{
		Workers:        cfg.Workers,
		CompareTimeout: cfg.CompareTimeout,
		Observer:       metrics.New(prometheus.DefaultRegisterer),
		Logger:         logger,
	})

	cache := usecase.NewRedisCache(redisClient, resultNamespace)
	uc := usecase.NewSearchUseCase(repo, cache, engine, cfg.MatchDefaults(), cfg.ResultTTL, logger)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, repo, authMiddleware, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Metrics:        promhttp.Handler(),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("face match API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initComparator routes the perceptual hash models to the in-process
// comparator and everything else to the remote service when one is configured.
func initComparator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*matching.Router, *grpc.ClientConn) {
	local := fingerprint.NewComparator()
	if cfg.ComparatorAddr == "" {
		return matching.NewRouter(nil).Handle(local, fingerprint.ModelPHash, fingerprint.ModelDHash), nil
	}

	remote, conn, err := grpcclient.DialComparator(ctx, cfg.ComparatorAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to comparator", zap.Error(err))
	}
	router := matching.NewRouter(remote).Handle(local, fingerprint.ModelPHash, fingerprint.ModelDHash)
	return router, conn
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

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
