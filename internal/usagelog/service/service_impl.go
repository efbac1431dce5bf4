package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  usagelogdomain.Repository
	Clock clock.Clock
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	repo  usagelogdomain.Repository
	clock clock.Clock
}

func New(p Params) usagelogdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		log:   p.Log.Named("usagelog.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: c,
	}
}

func (s *Service) WithRepository(repo usagelogdomain.Repository) usagelogdomain.Service {
	clone := *s
	clone.repo = repo
	return &clone
}

// Record appends a pending entry. It reports inserted=false and a nil entry when
// the session key already exists; callers read the stored entry outside the
// failed unit of work.
func (s *Service) Record(ctx context.Context, req usagelogdomain.RecordRequest) (*usagelogdomain.Entry, bool, error) {
	key := req.Key.Normalize()
	if !key.Valid() {
		return nil, false, usagelogdomain.ErrInvalidSessionKey
	}
	if req.Cost < 0 {
		return nil, false, usagelogdomain.ErrInvalidCost
	}

	entry := &usagelogdomain.Entry{
		ID:                    s.genID.Generate(),
		UserID:                key.UserID,
		Feature:               key.Feature,
		SessionID:             key.SessionID,
		Cost:                  req.Cost,
		Timestamp:             s.clock.Now(),
		Outcome:               usagelogdomain.OutcomePending,
		AvailableCreditsAfter: req.AvailableCreditsAfter,
	}
	if len(req.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(req.Metadata)
	}

	inserted, err := s.repo.InsertEntry(ctx, entry)
	if err != nil || !inserted {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *Service) FindBySessionKey(ctx context.Context, key usagelogdomain.SessionKey) (*usagelogdomain.Entry, error) {
	key = key.Normalize()
	if !key.Valid() {
		return nil, usagelogdomain.ErrInvalidSessionKey
	}
	return s.repo.FindEntry(ctx, key)
}

func (s *Service) MarkOutcome(ctx context.Context, key usagelogdomain.SessionKey, outcome usagelogdomain.Outcome, metadata map[string]any) (bool, error) {
	key = key.Normalize()
	if !key.Valid() {
		return false, usagelogdomain.ErrInvalidSessionKey
	}
	if !outcome.Terminal() {
		return false, usagelogdomain.ErrInvalidOutcome
	}

	entry, err := s.repo.FindEntry(ctx, key)
	if err != nil {
		return false, err
	}
	if entry.Outcome.Terminal() {
		return false, nil
	}

	var merged map[string]any
	if len(metadata) > 0 {
		merged = make(map[string]any, len(entry.Metadata)+len(metadata))
		for k, v := range entry.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
	}
	return s.repo.SetEntryOutcome(ctx, key, outcome, merged, s.clock.Now())
}

func (s *Service) MarkRefunded(ctx context.Context, key usagelogdomain.SessionKey) (bool, error) {
	key = key.Normalize()
	if !key.Valid() {
		return false, usagelogdomain.ErrInvalidSessionKey
	}
	return s.repo.SetEntryRefunded(ctx, key, s.clock.Now())
}

func (s *Service) SumActiveCost(ctx context.Context, userID string, since time.Time) (int64, error) {
	return s.repo.SumActiveCost(ctx, strings.TrimSpace(userID), since)
}

func (s *Service) List(ctx context.Context, req usagelogdomain.ListRequest) (*usagelogdomain.ListResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, usagelogdomain.ErrInvalidSessionKey
	}

	var before snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, usagelogdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, usagelogdomain.ErrInvalidPageToken
		}
		before = id
	}

	limit := pagination.ClampPageSize(req.PageSize)
	items, err := s.repo.ListEntries(ctx, userID, before, limit+1)
	if err != nil {
		return nil, err
	}

	page, info, err := pagination.BuildCursorPage(items, limit, func(e usagelogdomain.Entry) pagination.Cursor {
		return pagination.Cursor{ID: strconv.FormatInt(e.ID.Int64(), 10)}
	})
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = []usagelogdomain.Entry{}
	}
	return &usagelogdomain.ListResponse{Entries: page, PageInfo: info}, nil
}
