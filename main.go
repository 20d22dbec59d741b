package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/config"
	"github.com/example/retina-check/internal/grpcclient"
	"github.com/example/retina-check/internal/handlers"
	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/metrics"
	"github.com/example/retina-check/internal/normalizer"
	"github.com/example/retina-check/internal/predictor"
	"github.com/example/retina-check/internal/repository"
	"github.com/example/retina-check/internal/restclient"
	"github.com/example/retina-check/internal/usecase"
)

func main() {
	cfg, err := config.Load(os.Getenv("RETINA_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)
	defer redisClient.Close()

	predictors, conns, err := initPredictors(cfg.Predictor, logger)
	if err != nil {
		logger.Fatal("failed to set up prediction clients", zap.Error(err))
	}
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	cache := usecase.NewRedisCache(redisClient, "retina:")
	router, err := buildRouter(cfg, repo, cache, predictors, logger)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("retina-check API listening", zap.String("addr", cfg.Server.Addr))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
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
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// initPredictors builds one client per endpoint: gRPC when an address is
// configured, HTTP otherwise.
func initPredictors(cfg config.PredictorConfig, logger *zap.Logger) (predictor.Registry, []*grpc.ClientConn, error) {
	targets := []struct {
		endpoint normalizer.Endpoint
		target   config.EndpointTarget
	}{
		{normalizer.EndpointA, cfg.EndpointA},
		{normalizer.EndpointB, cfg.EndpointB},
	}

	var (
		clients []predictor.Client
		conns   []*grpc.ClientConn
	)
	for _, t := range targets {
		if t.target.GRPCAddr != "" {
			client, conn, err := grpcclient.DialPredictor(t.target.GRPCAddr, t.endpoint, cfg.Timeout, logger)
			if err != nil {
				for _, c := range conns {
					c.Close()
				}
				return nil, nil, err
			}
			clients = append(clients, client)
			conns = append(conns, conn)
			continue
		}
		clients = append(clients, restclient.New(restclient.Config{
			Endpoint:  t.endpoint,
			URL:       t.target.URL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		}, nil, logger))
	}
	return predictor.NewRegistry(clients...), conns, nil
}

// buildRouter wires the use cases behind the HTTP routes.
func buildRouter(cfg *config.Config, repo *repository.AnalysisRepository, cache usecase.Cache, predictors predictor.Registry, logger *zap.Logger) (*gin.Engine, error) {
	norm, err := newNormalizer(cfg.Analysis)
	if err != nil {
		return nil, fmt.Errorf("analysis settings: %w", err)
	}
	issuer, err := auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("jwt settings: %w", err)
	}

	m := metrics.New()
	defaultEndpoint, _ := normalizer.ParseEndpoint(cfg.Analysis.DefaultEndpoint)
	analyses := usecase.NewAnalysisUseCase(repo, cache, predictors, norm, m, logger,
		usecase.WithDefaultEndpoint(defaultEndpoint))
	accounts := usecase.NewAccountUseCase(repo, issuer, logger)

	router := handlers.NewRouter(logger, m, cfg.Server.CORSOrigins)
	router.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	authMiddleware := auth.JWTMiddleware(cfg.JWT.Secret, cfg.JWT.Audience)
	handlers.RegisterRoutes(router, analyses, accounts, authMiddleware,
		handlers.WithMaxUploadSize(cfg.Server.MaxUploadBytes))
	return router, nil
}

func newNormalizer(cfg config.AnalysisConfig) (*normalizer.Normalizer, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return normalizer.New(normalizer.Options{
		Rounding:        normalizer.Rounding(cfg.Rounding),
		OutOfRange:      normalizer.OutOfRange(cfg.OutOfRange),
		TimestampLayout: cfg.TimestampLayout,
		Location:        loc,
	})
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
