package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/parkpoints/internal/events"
	"github.com/MarkoPoloResearchLab/parkpoints/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/parkpoints/internal/httpapi"
	"github.com/MarkoPoloResearchLab/parkpoints/internal/lock"
	"github.com/MarkoPoloResearchLab/parkpoints/internal/oplog"
	"github.com/MarkoPoloResearchLab/parkpoints/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/parkpoints/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	connectTimeout = 5 * time.Second
)

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("locker init: %w", err)
	}
	defer closeLocker()

	publisher, closePublisher, err := openPublisher(cfg)
	if err != nil {
		return fmt.Errorf("events init: %w", err)
	}
	defer closePublisher()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := parking.NewService(store, clock,
		parking.WithOperationLogger(oplog.New(logger)),
		parking.WithLocker(locker),
		parking.WithEventPublisher(publisher),
		parking.WithRetry(cfg.RetryAttempts, cfg.RetryInterval),
		parking.WithPurgeBatchSize(cfg.PurgeBatchSize),
	)
	if err != nil {
		return fmt.Errorf("parking service init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	healthServer := grpcserver.Register(grpcServer, service)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		grpcErrCh <- grpcServer.Serve(lis)
	}()
	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- httpapi.Run(serveCtx, cfg.HTTP, service, logger)
	}()

	stopGRPC := func() error {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		if serveErr := <-grpcErrCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		cancelServe()
		return errors.Join(stopGRPC(), <-httpErrCh)
	case serveErr := <-grpcErrCh:
		cancelServe()
		httpErr := <-httpErrCh
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			serveErr = nil
		}
		return errors.Join(serveErr, httpErr)
	case httpErr := <-httpErrCh:
		return errors.Join(httpErr, stopGRPC())
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig) (parking.Store, func(), error) {
	if cfg.StoreDriver == storeDriverPgx {
		driver, _, err := resolveDriver(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if driver != driverPostgres {
			return nil, nil, fmt.Errorf("the pgx store needs a postgres url")
		}
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(connectCtx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := gormstore.AutoMigrate(gormDB); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	options := []gormstore.Option{}
	if driver == driverPostgres {
		options = append(options, gormstore.WithTxOptions(&sql.TxOptions{Isolation: sql.LevelSerializable}))
	}
	return gormstore.New(gormDB, options...), func() { _ = cleanup() }, nil
}

func openLocker(ctx context.Context, cfg *runtimeConfig) (parking.Locker, func(), error) {
	switch cfg.LockProvider {
	case lockProviderLocal:
		return lock.NewLocal(), func() {}, nil
	case lockProviderRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return lock.NewRedis(client), func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func openPublisher(cfg *runtimeConfig) (parking.EventPublisher, func(), error) {
	switch cfg.EventProvider {
	case eventProviderNATS:
		publisher, closeConn, err := events.ConnectNATS(cfg.NATSURL, "")
		if err != nil {
			return nil, nil, err
		}
		return publisher, closeConn, nil
	case eventProviderKafka:
		publisher := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		return publisher, func() { _ = publisher.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// SQLite has a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "parkpoints.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}
