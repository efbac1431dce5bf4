package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlanTier describes the credit allocation of a single subscription tier.
type PlanTier struct {
	Name    string `mapstructure:"name"`
	Credits int64  `mapstructure:"credits"`
	Cadence string `mapstructure:"cadence"`
}

type PlanConfig struct {
	DefaultTier string     `mapstructure:"defaultTier"`
	Tiers       []PlanTier `mapstructure:"tiers"`
}

const (
	CadenceMonthly = "monthly"
	CadenceWeekly  = "weekly"
	CadenceNone    = "none"
)

func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		DefaultTier: "free",
		Tiers: []PlanTier{
			{Name: "free", Credits: 250, Cadence: CadenceMonthly},
			{Name: "pro", Credits: 4000, Cadence: CadenceMonthly},
		},
	}
}

type PlanConfigHolder struct {
	current atomic.Value // holds PlanConfig
}

// NewStaticPlanConfigHolder returns a holder that never reloads.
func NewStaticPlanConfigHolder(cfg PlanConfig) *PlanConfigHolder {
	holder := &PlanConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPlanConfigHolder() (*PlanConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditmeter/config") // Volume-mounted config
	v.AddConfigPath("/etc/creditmeter")            // System config
	v.AddConfigPath(".")                           // Current directory (dev mode)

	v.SetEnvPrefix("CREDITMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
		defaults := DefaultPlanConfig()
		v.SetDefault("plans.defaultTier", defaults.DefaultTier)
		v.SetDefault("plans.tiers", defaults.Tiers)
	}

	var cfg PlanConfig
	if err := v.UnmarshalKey("plans", &cfg); err != nil {
		return nil, err
	}
	if err := validatePlanConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPlanConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanConfig
		if err := v.UnmarshalKey("plans", &updated); err != nil {
			log.Printf("[plan-config] reload failed: %v", err)
			return
		}
		if err := validatePlanConfig(updated); err != nil {
			log.Printf("[plan-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[plan-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PlanConfigHolder) Get() PlanConfig {
	return h.current.Load().(PlanConfig)
}

func validatePlanConfig(cfg PlanConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("plans.tiers cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		name := strings.ToLower(strings.TrimSpace(tier.Name))
		if name == "" {
			return errors.New("plans.tiers.name cannot be empty")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("plans.tiers.%s is duplicated", name)
		}
		seen[name] = struct{}{}
		if tier.Credits < 0 {
			return fmt.Errorf("plans.tiers.%s.credits must be non-negative", name)
		}
		switch strings.ToLower(strings.TrimSpace(tier.Cadence)) {
		case CadenceMonthly, CadenceWeekly, CadenceNone, "":
		default:
			return fmt.Errorf("plans.tiers.%s.cadence %q is not supported", name, tier.Cadence)
		}
	}
	if _, ok := seen[strings.ToLower(strings.TrimSpace(cfg.DefaultTier))]; !ok {
		return fmt.Errorf("plans.defaultTier %q is not a configured tier", cfg.DefaultTier)
	}
	return nil
}
