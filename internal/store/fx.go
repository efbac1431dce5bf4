package store

import (
	"context"
	"fmt"
	"time"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/migration"
	storedomain "github.com/smallbiznis/creditmeter/internal/store/domain"
	"github.com/smallbiznis/creditmeter/internal/store/gormstore"
	"github.com/smallbiznis/creditmeter/internal/store/memory"
	"github.com/smallbiznis/creditmeter/internal/store/mongostore"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

var Module = fx.Module("store",
	fx.Provide(Provide),
	fx.Provide(
		func(s storedomain.Store) accountdomain.Repository { return s },
		func(s storedomain.Store) usagelogdomain.Repository { return s },
	),
)

type Params struct {
	fx.In

	Lc  fx.Lifecycle
	Cfg config.Config
	Log *zap.Logger
}

// Provide opens the backend selected by DATABASE_TYPE and migrates it on start.
func Provide(p Params) (storedomain.Store, error) {
	s, err := Open(p.Cfg, p.Log)
	if err != nil {
		return nil, err
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate %s store: %w", p.Cfg.DB.Type, err)
			}
			p.Log.Info("store ready", zap.String("type", p.Cfg.DB.Type))
			return nil
		},
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

func Open(cfg config.Config, log *zap.Logger) (storedomain.Store, error) {
	switch cfg.DB.Type {
	case db.TypeMemory:
		log.Warn("using in-memory store; balances are lost on restart")
		return memory.New(), nil
	case db.TypeMongo:
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return mongostore.Open(ctx, cfg.Mongo.URI, cfg.Mongo.Database, log)
	default:
		if !cfg.DB.IsSQL() {
			return nil, fmt.Errorf("unsupported DATABASE_TYPE %q", cfg.DB.Type)
		}
		conn, err := db.Open(cfg.DB, log)
		if err != nil {
			return nil, err
		}
		var migrator gormstore.Migrator
		if cfg.DB.Type == db.TypePostgres {
			migrator = migration.Postgres(log)
		}
		return gormstore.New(conn, migrator, log), nil
	}
}
