// Package mongostore implements the store interface on MongoDB. Transactions
// require a replica set or sharded cluster.
package mongostore

import (
	"context"
	"fmt"
	"strings"

	storedomain "github.com/smallbiznis/creditmeter/internal/store/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
)

const (
	colAccounts = "credit_accounts"
	colEntries  = "usage_log_entries"
)

type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	accounts *mongo.Collection
	entries  *mongo.Collection
	log      *zap.Logger
	inTx     bool
}

var _ storedomain.Store = (*Store)(nil)

// Open connects to uri and verifies connectivity.
func Open(ctx context.Context, uri, database string, log *zap.Logger) (*Store, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("mongostore: uri is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	s := New(client, database, log)
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func New(client *mongo.Client, database string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	db := client.Database(database)
	return &Store{
		client:   client,
		db:       db,
		accounts: db.Collection(colAccounts),
		entries:  db.Collection(colEntries),
		log:      log.Named("store.mongo"),
	}
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx storedomain.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return wrapErr("start session", err)
	}
	defer sess.EndSession(context.Background())

	tx := &Store{
		client:   s.client,
		db:       s.db,
		accounts: s.accounts,
		entries:  s.entries,
		log:      s.log,
		inTx:     true,
	}
	_, err = sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(txCtx, tx)
	})
	if err == nil || storedomain.IsTransient(err) {
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("mongostore transaction: %w: %w", storedomain.ErrTransient, err)
	}
	return err
}

func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongostore: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("ping", s.client.Ping(ctx, readpref.Primary()))
}

func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetName("ix_credit_accounts_expires_at"),
			},
		},
		colEntries: {
			{
				Keys: bson.D{
					{Key: "user_id", Value: 1},
					{Key: "feature", Value: 1},
					{Key: "session_id", Value: 1},
				},
				Options: options.Index().SetUnique(true).SetName("ux_usage_log_session"),
			},
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "recorded_at", Value: 1}},
				Options: options.Index().SetName("ix_usage_log_user_time"),
			},
		},
	}
}
