package domain

import "errors"

// Service resolves feature names to credit costs. Implementations are immutable
// after construction and safe for concurrent use.
type Service interface {
	GetCost(feature string) (int64, error)
	Lookup(feature string) (Entry, bool)
	List() []Entry
	Validate(features []string) error
	Policy() string
}

var (
	ErrUnknownFeature   = errors.New("unknown_feature")
	ErrInvalidFeature   = errors.New("invalid_feature")
	ErrInvalidCost      = errors.New("invalid_cost")
	ErrInvalidCategory  = errors.New("invalid_category")
	ErrDuplicateFeature = errors.New("duplicate_feature")
	ErrMissingFeature   = errors.New("missing_feature")
)
