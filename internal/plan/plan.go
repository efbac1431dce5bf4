package plan

import (
	"strings"
	"time"

	"github.com/smallbiznis/creditmeter/internal/config"
)

// Allocation is the credit grant of a tier for one reset period.
type Allocation struct {
	Tier    string
	Credits int64
	Cadence string
}

// Policy maps plan tiers to allocations. Reads always see the latest reloaded plans.
type Policy interface {
	DefaultTier() string
	Allocation(tier string) Allocation
	NextReset(cadence string, from time.Time) *time.Time
}

type holderPolicy struct {
	holder *config.PlanConfigHolder
}

func NewPolicy(holder *config.PlanConfigHolder) Policy {
	return &holderPolicy{holder: holder}
}

func (p *holderPolicy) DefaultTier() string {
	return normalizeTier(p.holder.Get().DefaultTier)
}

// Allocation falls back to the default tier when the tier is unknown.
func (p *holderPolicy) Allocation(tier string) Allocation {
	cfg := p.holder.Get()
	tier = normalizeTier(tier)
	if tier == "" {
		tier = normalizeTier(cfg.DefaultTier)
	}

	var fallback Allocation
	for _, t := range cfg.Tiers {
		alloc := Allocation{
			Tier:    normalizeTier(t.Name),
			Credits: t.Credits,
			Cadence: normalizeCadence(t.Cadence),
		}
		if alloc.Tier == tier {
			return alloc
		}
		if alloc.Tier == normalizeTier(cfg.DefaultTier) {
			fallback = alloc
		}
	}
	return fallback
}

func (p *holderPolicy) NextReset(cadence string, from time.Time) *time.Time {
	return NextReset(cadence, from)
}

// NextReset returns the end of the period starting at from, or nil when the
// cadence never resets.
func NextReset(cadence string, from time.Time) *time.Time {
	var next time.Time
	switch normalizeCadence(cadence) {
	case config.CadenceMonthly:
		next = from.UTC().AddDate(0, 1, 0)
	case config.CadenceWeekly:
		next = from.UTC().AddDate(0, 0, 7)
	default:
		return nil
	}
	return &next
}

func normalizeTier(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}

func normalizeCadence(cadence string) string {
	cadence = strings.ToLower(strings.TrimSpace(cadence))
	if cadence == "" {
		return config.CadenceMonthly
	}
	return cadence
}
