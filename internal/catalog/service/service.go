package service

import (
	"fmt"
	"sort"
	"strings"

	catalogdomain "github.com/smallbiznis/creditmeter/internal/catalog/domain"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

type Service struct {
	log     *zap.Logger
	policy  string
	entries map[string]catalogdomain.Entry
	ordered []catalogdomain.Entry
}

// New loads the catalog once and validates the features the binary depends on.
func New(p Params) (catalogdomain.Service, error) {
	entries := catalogdomain.DefaultEntries()
	path := strings.TrimSpace(p.Cfg.Metering.CatalogPath)
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		entries = loaded
	}

	svc, err := NewStatic(entries, p.Cfg.Metering.UnknownFeaturePolicy, p.Log)
	if err != nil {
		return nil, err
	}
	if err := svc.Validate(p.Cfg.Metering.RequiredFeatures); err != nil {
		return nil, err
	}

	svc.log.Info("cost catalog loaded",
		zap.Int("features", len(svc.ordered)),
		zap.String("unknown_feature_policy", svc.policy),
		zap.String("source", sourceName(path)),
	)
	return svc, nil
}

// NewStatic builds a catalog from an in-memory entry list.
func NewStatic(entries []catalogdomain.Entry, policy string, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	policy = strings.ToLower(strings.TrimSpace(policy))
	if policy != config.UnknownFeatureFree {
		policy = config.UnknownFeatureReject
	}

	index := make(map[string]catalogdomain.Entry, len(entries))
	ordered := make([]catalogdomain.Entry, 0, len(entries))
	for _, entry := range entries {
		entry.Feature = strings.TrimSpace(entry.Feature)
		if entry.Feature == "" {
			return nil, catalogdomain.ErrInvalidFeature
		}
		if entry.Cost < 0 {
			return nil, fmt.Errorf("%w: %s", catalogdomain.ErrInvalidCost, entry.Feature)
		}
		if entry.Category == "" {
			entry.Category = catalogdomain.CategoryInternal
		}
		if !entry.Category.Valid() {
			return nil, fmt.Errorf("%w: %s", catalogdomain.ErrInvalidCategory, entry.Category)
		}
		if _, ok := index[entry.Feature]; ok {
			return nil, fmt.Errorf("%w: %s", catalogdomain.ErrDuplicateFeature, entry.Feature)
		}
		index[entry.Feature] = entry
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Feature < ordered[j].Feature })

	return &Service{
		log:     log.Named("catalog.service"),
		policy:  policy,
		entries: index,
		ordered: ordered,
	}, nil
}

// LoadFile reads a catalog yml file of the form
//
//	catalog:
//	  features:
//	    - feature: chat_message
//	      cost: 1
//	      category: chat
func LoadFile(path string) ([]catalogdomain.Entry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var entries []catalogdomain.Entry
	if err := v.UnmarshalKey("catalog.features", &entries); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog %s has no features", path)
	}
	return entries, nil
}

func (s *Service) GetCost(feature string) (int64, error) {
	feature = strings.TrimSpace(feature)
	if feature == "" {
		return 0, catalogdomain.ErrInvalidFeature
	}
	if entry, ok := s.entries[feature]; ok {
		return entry.Cost, nil
	}
	if s.policy == config.UnknownFeatureFree {
		s.log.Warn("unknown feature metered as free", zap.String("feature", feature))
		return 0, nil
	}
	s.log.Warn("unknown feature rejected", zap.String("feature", feature))
	return 0, catalogdomain.ErrUnknownFeature
}

func (s *Service) Lookup(feature string) (catalogdomain.Entry, bool) {
	entry, ok := s.entries[strings.TrimSpace(feature)]
	return entry, ok
}

func (s *Service) List() []catalogdomain.Entry {
	out := make([]catalogdomain.Entry, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Validate fails when any of the given features is absent from the catalog,
// regardless of the unknown feature policy.
func (s *Service) Validate(features []string) error {
	missing := make([]string, 0)
	for _, feature := range features {
		feature = strings.TrimSpace(feature)
		if feature == "" {
			continue
		}
		if _, ok := s.entries[feature]; !ok {
			missing = append(missing, feature)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", catalogdomain.ErrMissingFeature, strings.Join(missing, ","))
	}
	return nil
}

func (s *Service) Policy() string {
	return s.policy
}

func sourceName(path string) string {
	if path == "" {
		return "builtin"
	}
	return path
}
