package service

import (
	"context"
	"errors"
	"strings"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/plan"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Repo   accountdomain.Repository
	Policy plan.Policy
	Clock  clock.Clock
}

type Service struct {
	log    *zap.Logger
	repo   accountdomain.Repository
	policy plan.Policy
	clock  clock.Clock
}

func New(p Params) accountdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		log:    p.Log.Named("account.service"),
		repo:   p.Repo,
		policy: p.Policy,
		clock:  c,
	}
}

func (s *Service) WithRepository(repo accountdomain.Repository) accountdomain.Service {
	clone := *s
	clone.repo = repo
	return &clone
}

func (s *Service) GetOrCreate(ctx context.Context, userID string) (*accountdomain.CreditAccount, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	account, err := s.repo.GetAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, accountdomain.ErrAccountNotFound) {
		return nil, err
	}

	fresh := s.DefaultView(userID)
	inserted, err := s.repo.InsertAccountIfAbsent(ctx, &fresh)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.log.Info("credit account created",
			zap.String("user_id", userID),
			zap.String("plan_tier", fresh.PlanTier),
			zap.Int64("total_credits", fresh.TotalCredits),
		)
		return &fresh, nil
	}

	// Lost the creation race to a concurrent caller.
	return s.repo.GetAccount(ctx, userID)
}

func (s *Service) Get(ctx context.Context, userID string) (*accountdomain.CreditAccount, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetAccount(ctx, userID)
}

func (s *Service) ApplyDelta(ctx context.Context, userID string, delta int64) (*accountdomain.CreditAccount, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	return s.repo.ApplyAccountDelta(ctx, userID, delta, s.clock.Now())
}

// Reset restores the account to its tier allocation once its period has expired.
// A reset that is not yet due returns ErrResetNotDue and leaves the account untouched.
func (s *Service) Reset(ctx context.Context, userID string) (*accountdomain.CreditAccount, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	current, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	alloc := s.policy.Allocation(current.PlanTier)
	spec := accountdomain.ResetSpec{
		PlanTier:     alloc.Tier,
		TotalCredits: alloc.Credits,
		LastReset:    now,
		ExpiresAt:    s.policy.NextReset(alloc.Cadence, now),
	}

	account, err := s.repo.ResetAccount(ctx, userID, spec, now)
	if err != nil {
		return nil, err
	}

	s.log.Info("credit account reset",
		zap.String("user_id", userID),
		zap.String("plan_tier", account.PlanTier),
		zap.Int64("previous_used_credits", current.UsedCredits),
		zap.Int64("total_credits", account.TotalCredits),
	)
	return account, nil
}

func (s *Service) DefaultView(userID string) accountdomain.CreditAccount {
	now := s.clock.Now()
	alloc := s.policy.Allocation(s.policy.DefaultTier())
	return accountdomain.CreditAccount{
		UserID:           strings.TrimSpace(userID),
		PlanTier:         alloc.Tier,
		TotalCredits:     alloc.Credits,
		UsedCredits:      0,
		AvailableCredits: alloc.Credits,
		LastReset:        now,
		ExpiresAt:        s.policy.NextReset(alloc.Cadence, now),
		Version:          0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > 128 {
		return "", accountdomain.ErrInvalidUserID
	}
	return userID, nil
}
