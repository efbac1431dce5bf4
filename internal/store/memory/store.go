// Package memory is an in-process store backend for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	storedomain "github.com/smallbiznis/creditmeter/internal/store/domain"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"gorm.io/datatypes"
)

// FaultFunc is consulted before every operation; a non-nil error aborts it.
type FaultFunc func(op string) error

type data struct {
	accounts map[string]accountdomain.CreditAccount
	entries  map[usagelogdomain.SessionKey]usagelogdomain.Entry
	fault    FaultFunc
}

// Store keeps all state behind one mutex. A transaction holds the mutex for its
// whole duration and rolls back through an undo log.
type Store struct {
	mu   *sync.Mutex
	data *data
	undo *[]func()
}

var _ storedomain.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		mu: &sync.Mutex{},
		data: &data{
			accounts: map[string]accountdomain.CreditAccount{},
			entries:  map[usagelogdomain.SessionKey]usagelogdomain.Entry{},
		},
	}
}

// SetFault installs a fault injector. Pass nil to clear it.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.fault = fn
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx storedomain.Store) error) error {
	if s.undo != nil {
		return fn(ctx, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("begin"); err != nil {
		return err
	}

	undo := make([]func(), 0, 4)
	tx := &Store{mu: s.mu, data: s.data, undo: &undo}
	err := fn(ctx, tx)
	if err == nil {
		err = s.check("commit")
	}
	if err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	return nil
}

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(context.Context) error {
	return s.do("ping", func() error { return nil })
}

func (s *Store) Close() error { return nil }

// do runs op under the mutex unless already inside a transaction.
func (s *Store) do(op string, fn func() error) error {
	if s.undo == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if err := s.check(op); err != nil {
		return err
	}
	return fn()
}

func (s *Store) check(op string) error {
	if s.data.fault == nil {
		return nil
	}
	return s.data.fault(op)
}

func (s *Store) record(fn func()) {
	if s.undo != nil {
		*s.undo = append(*s.undo, fn)
	}
}

func (s *Store) putAccount(account accountdomain.CreditAccount) {
	prev, existed := s.data.accounts[account.UserID]
	s.data.accounts[account.UserID] = account
	s.record(func() {
		if existed {
			s.data.accounts[account.UserID] = prev
			return
		}
		delete(s.data.accounts, account.UserID)
	})
}

func (s *Store) putEntry(entry usagelogdomain.Entry) {
	key := entry.Key()
	prev, existed := s.data.entries[key]
	s.data.entries[key] = entry
	s.record(func() {
		if existed {
			s.data.entries[key] = prev
			return
		}
		delete(s.data.entries, key)
	})
}

func (s *Store) InsertAccountIfAbsent(_ context.Context, account *accountdomain.CreditAccount) (bool, error) {
	var inserted bool
	err := s.do("insert_account", func() error {
		if _, ok := s.data.accounts[account.UserID]; ok {
			return nil
		}
		s.putAccount(copyAccount(*account))
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *Store) GetAccount(_ context.Context, userID string) (*accountdomain.CreditAccount, error) {
	var out *accountdomain.CreditAccount
	err := s.do("get_account", func() error {
		account, ok := s.data.accounts[userID]
		if !ok {
			return accountdomain.ErrAccountNotFound
		}
		cp := copyAccount(account)
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) ApplyAccountDelta(_ context.Context, userID string, delta int64, now time.Time) (*accountdomain.CreditAccount, error) {
	var out *accountdomain.CreditAccount
	err := s.do("apply_delta", func() error {
		account, ok := s.data.accounts[userID]
		if !ok {
			return accountdomain.ErrAccountNotFound
		}
		if account.AvailableCredits < delta || account.UsedCredits+delta < 0 {
			cp := copyAccount(account)
			out = &cp
			if delta > 0 {
				return accountdomain.ErrInsufficientCredits
			}
			return accountdomain.ErrNegativeUsage
		}
		account.UsedCredits += delta
		account.AvailableCredits -= delta
		account.Version++
		account.UpdatedAt = now
		s.putAccount(account)
		cp := copyAccount(account)
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) ResetAccount(_ context.Context, userID string, spec accountdomain.ResetSpec, now time.Time) (*accountdomain.CreditAccount, error) {
	var out *accountdomain.CreditAccount
	err := s.do("reset_account", func() error {
		account, ok := s.data.accounts[userID]
		if !ok {
			return accountdomain.ErrAccountNotFound
		}
		if account.ExpiresAt == nil || account.ExpiresAt.After(now) {
			cp := copyAccount(account)
			out = &cp
			return accountdomain.ErrResetNotDue
		}
		account.PlanTier = spec.PlanTier
		account.TotalCredits = spec.TotalCredits
		account.UsedCredits = 0
		account.AvailableCredits = spec.TotalCredits
		account.LastReset = spec.LastReset
		account.ExpiresAt = copyTime(spec.ExpiresAt)
		account.Version++
		account.UpdatedAt = now
		s.putAccount(account)
		cp := copyAccount(account)
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) ListAccountsDueForReset(_ context.Context, now time.Time, afterUserID string, limit int) ([]accountdomain.CreditAccount, error) {
	return s.listAccounts("list_due_accounts", afterUserID, limit, func(a accountdomain.CreditAccount) bool {
		return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
	})
}

func (s *Store) ListAccounts(_ context.Context, afterUserID string, limit int) ([]accountdomain.CreditAccount, error) {
	return s.listAccounts("list_accounts", afterUserID, limit, func(accountdomain.CreditAccount) bool { return true })
}

func (s *Store) listAccounts(op, afterUserID string, limit int, keep func(accountdomain.CreditAccount) bool) ([]accountdomain.CreditAccount, error) {
	var out []accountdomain.CreditAccount
	err := s.do(op, func() error {
		for _, account := range s.data.accounts {
			if account.UserID > afterUserID && keep(account) {
				out = append(out, copyAccount(account))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (s *Store) InsertEntry(_ context.Context, entry *usagelogdomain.Entry) (bool, error) {
	var inserted bool
	err := s.do("insert_entry", func() error {
		if _, ok := s.data.entries[entry.Key()]; ok {
			return nil
		}
		s.putEntry(copyEntry(*entry))
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *Store) FindEntry(_ context.Context, key usagelogdomain.SessionKey) (*usagelogdomain.Entry, error) {
	var out *usagelogdomain.Entry
	err := s.do("find_entry", func() error {
		entry, ok := s.data.entries[key]
		if !ok {
			return usagelogdomain.ErrEntryNotFound
		}
		cp := copyEntry(entry)
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) SetEntryOutcome(_ context.Context, key usagelogdomain.SessionKey, outcome usagelogdomain.Outcome, metadata map[string]any, at time.Time) (bool, error) {
	var updated bool
	err := s.do("set_outcome", func() error {
		entry, ok := s.data.entries[key]
		if !ok || entry.Outcome != usagelogdomain.OutcomePending {
			return nil
		}
		entry.Outcome = outcome
		entry.OutcomeAt = &at
		if metadata != nil {
			entry.Metadata = copyMetadata(metadata)
		}
		s.putEntry(entry)
		updated = true
		return nil
	})
	return updated, err
}

func (s *Store) SetEntryRefunded(_ context.Context, key usagelogdomain.SessionKey, at time.Time) (bool, error) {
	var updated bool
	err := s.do("set_refunded", func() error {
		entry, ok := s.data.entries[key]
		if !ok || entry.Refunded {
			return nil
		}
		entry.Refunded = true
		entry.RefundedAt = &at
		s.putEntry(entry)
		updated = true
		return nil
	})
	return updated, err
}

func (s *Store) SumActiveCost(_ context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := s.do("sum_active_cost", func() error {
		for _, entry := range s.data.entries {
			if entry.UserID == userID && !entry.Refunded && !entry.Timestamp.Before(since) {
				total += entry.Cost
			}
		}
		return nil
	})
	return total, err
}

func (s *Store) ListEntries(_ context.Context, userID string, beforeID snowflake.ID, limit int) ([]usagelogdomain.Entry, error) {
	var out []usagelogdomain.Entry
	err := s.do("list_entries", func() error {
		for _, entry := range s.data.entries {
			if entry.UserID != userID {
				continue
			}
			if beforeID != 0 && entry.ID >= beforeID {
				continue
			}
			out = append(out, copyEntry(entry))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func copyAccount(a accountdomain.CreditAccount) accountdomain.CreditAccount {
	a.ExpiresAt = copyTime(a.ExpiresAt)
	return a
}

func copyEntry(e usagelogdomain.Entry) usagelogdomain.Entry {
	e.OutcomeAt = copyTime(e.OutcomeAt)
	e.RefundedAt = copyTime(e.RefundedAt)
	if e.Metadata != nil {
		e.Metadata = copyMetadata(e.Metadata)
	}
	return e
}

func copyMetadata(m map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
