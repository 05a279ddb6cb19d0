package storage

import (
	"confidant/backend/internal/config"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open builds the Storage selected by cfg. Without a DSN the in-memory store is
// returned, which is only suitable for a single process. The returned close
// function releases every connection that was opened.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (Storage, func() error, error) {
	if cfg.DatabaseDSN == "" {
		log.Warn("DATABASE_DSN not set, using in-memory storage")
		return NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect PostgreSQL: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{sqlDB.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	var broker Broker
	switch strings.ToLower(cfg.PubSubBackend) {
	case config.PubSubPostgres:
		pg := NewPGBroker(cfg.DatabaseDSN, db, log)
		closers = append(closers, pg.Close)
		broker = pg
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("failed to connect Redis: %w", err)
		}
		broker = NewRedisBroker(rdb, log)
	}

	s := NewStorageService(db, broker, log)
	if err := s.Migrate(); err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Database and pub/sub connections established, migrations complete", "pubsub", cfg.PubSubBackend)
	return s, closeAll, nil
}
