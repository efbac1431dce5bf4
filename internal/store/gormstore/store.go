// Package gormstore implements the store interface on top of gorm for postgres, mysql and sqlite.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	storedomain "github.com/smallbiznis/creditmeter/internal/store/domain"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrator applies the schema for a specific dialect.
type Migrator func(ctx context.Context, conn *gorm.DB) error

type Store struct {
	db       *gorm.DB
	log      *zap.Logger
	migrator Migrator
	inTx     bool
}

var _ storedomain.Store = (*Store)(nil)

// New wraps conn. When migrator is nil, Migrate falls back to gorm AutoMigrate.
func New(conn *gorm.DB, migrator Migrator, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:       conn,
		log:      log.Named("store.gorm"),
		migrator: migrator,
	}
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx storedomain.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Store{db: tx, log: s.log, migrator: s.migrator, inTx: true})
	})
	if err == nil || storedomain.IsTransient(err) {
		return err
	}
	if db.IsTransientErr(err) {
		return fmt.Errorf("gormstore transaction: %w: %w", storedomain.ErrTransient, err)
	}
	return err
}

func (s *Store) Migrate(ctx context.Context) error {
	if s.migrator != nil {
		return s.migrator(ctx, s.db)
	}
	return AutoMigrate(ctx, s.db)
}

// AutoMigrate creates the schema from the gorm models.
func AutoMigrate(ctx context.Context, conn *gorm.DB) error {
	return conn.WithContext(ctx).AutoMigrate(
		&accountdomain.CreditAccount{},
		&usagelogdomain.Entry{},
	)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return wrapErr("ping", sqlDB.PingContext(ctx))
}

func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// wrapErr tags retryable database failures as transient.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if db.IsTransientErr(err) {
		return fmt.Errorf("gormstore %s: %w: %w", op, storedomain.ErrTransient, err)
	}
	return fmt.Errorf("gormstore %s: %w", op, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
