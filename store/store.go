package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
)

// Store wraps the gorm handle and exposes entity repositories as methods.
type Store struct {
	db  *gorm.DB
	log *logrus.Logger
}

// Open connects, tunes the pool and runs migrations.
func Open(cfg config.DatabaseConfig, log *logrus.Logger) (*Store, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{db: db, log: log}
	if err := s.Migrate(); err != nil {
		return nil, err
	}

	return s, nil
}

// New wraps an existing gorm handle. Used by tests and by WithTx.
func New(db *gorm.DB, log *logrus.Logger) *Store {
	if log == nil {
		log = common.Logger
	}
	return &Store{db: db, log: log}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the raw handle for callers composing their own queries.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx runs fn inside a transaction. The callback receives a Store bound
// to the transaction; any error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, log: s.log})
	})
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// notFound converts gorm's record-not-found into the platform error kind,
// naming the entity in the message.
func notFound(err error, entity string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.Ef(common.KindNotFound, "%s %v not found", entity, id)
	}
	return err
}
