// Package domain defines the persistence boundary shared by every store backend.
package domain

import (
	"context"
	"errors"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
)

// Store is the unified persistence interface for accounts and the usage ledger.
type Store interface {
	accountdomain.Repository
	usagelogdomain.Repository

	// Atomic runs fn in a single unit of work. Either every write made through tx
	// is committed or none is. fn must only use tx for persistence.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrTransient marks failures that may succeed when the whole unit of work is retried.
var ErrTransient = errors.New("store_transient")

// IsTransient reports whether err is marked as retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
