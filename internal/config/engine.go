package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EngineConfig carries the cycle engine policies operators tune at runtime:
// payout retry, reconciliation sweep, fee schedule and rate cache freshness.
type EngineConfig struct {
	Payout PayoutPolicy `mapstructure:"payout"`
	Sweep  SweepPolicy  `mapstructure:"sweep"`
	Fees   FeePolicy    `mapstructure:"fees"`
	Rates  RatesPolicy  `mapstructure:"rates"`
}

type PayoutPolicy struct {
	MaxAttempts            int `mapstructure:"maxAttempts"`
	BackoffBaseSeconds     int `mapstructure:"backoffBaseSeconds"`
	BackoffCapSeconds      int `mapstructure:"backoffCapSeconds"`
	DispatchBatchSize      int `mapstructure:"dispatchBatchSize"`
	ProcessingStuckMinutes int `mapstructure:"processingStuckMinutes"`
}

type SweepPolicy struct {
	BatchSize          int `mapstructure:"batchSize"`
	MinCycleAgeSeconds int `mapstructure:"minCycleAgeSeconds"`
}

type FeePolicy struct {
	PlatformBps            int   `mapstructure:"platformBps"`
	VerifiedDiscountPct    int   `mapstructure:"verifiedDiscountPct"`
	RecurringMultiplierPct int   `mapstructure:"recurringMultiplierPct"`
	MinimumFee             int64 `mapstructure:"minimumFee"`
	CommunitySharePct      int   `mapstructure:"communitySharePct"`
	PartnerSharePct        int   `mapstructure:"partnerSharePct"`
}

type RatesPolicy struct {
	RefreshMinutes    int `mapstructure:"refreshMinutes"`
	StaleAfterMinutes int `mapstructure:"staleAfterMinutes"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Payout: PayoutPolicy{
			MaxAttempts:            3,
			BackoffBaseSeconds:     60,
			BackoffCapSeconds:      3600,
			DispatchBatchSize:      25,
			ProcessingStuckMinutes: 30,
		},
		Sweep: SweepPolicy{
			BatchSize:          50,
			MinCycleAgeSeconds: 60,
		},
		Fees: FeePolicy{
			PlatformBps:            100,
			VerifiedDiscountPct:    50,
			RecurringMultiplierPct: 75,
			MinimumFee:             1,
			CommunitySharePct:      20,
			PartnerSharePct:        30,
		},
		Rates: RatesPolicy{
			RefreshMinutes:    15,
			StaleAfterMinutes: 60,
		},
	}
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

func NewEngineConfigHolder() (*EngineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tontine/config") // Volume-mounted config
	v.AddConfigPath("/etc/tontine")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	// env hanya untuk path override (optional)
	v.SetEnvPrefix("TONTINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		v.SetDefault("engine.payout", defaults.Payout)
		v.SetDefault("engine.sweep", defaults.Sweep)
		v.SetDefault("engine.fees", defaults.Fees)
		v.SetDefault("engine.rates", defaults.Rates)
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	cfg = mergeEngineDefaults(cfg, defaults)
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)

	// 🔥 HOT RELOAD
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Printf("[engine-config] reload failed: %v", err)
			return
		}
		updated = mergeEngineDefaults(updated, defaults)
		if err := validateEngineConfig(updated); err != nil {
			log.Printf("[engine-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[engine-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

// StaticEngineConfigHolder wraps a fixed config, for tests and the agent.
func StaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(mergeEngineDefaults(cfg, DefaultEngineConfig()))
	return holder
}

func mergeEngineDefaults(cfg, defaults EngineConfig) EngineConfig {
	if cfg.Payout.MaxAttempts == 0 {
		cfg.Payout.MaxAttempts = defaults.Payout.MaxAttempts
	}
	if cfg.Payout.BackoffBaseSeconds == 0 {
		cfg.Payout.BackoffBaseSeconds = defaults.Payout.BackoffBaseSeconds
	}
	if cfg.Payout.BackoffCapSeconds == 0 {
		cfg.Payout.BackoffCapSeconds = defaults.Payout.BackoffCapSeconds
	}
	if cfg.Payout.DispatchBatchSize == 0 {
		cfg.Payout.DispatchBatchSize = defaults.Payout.DispatchBatchSize
	}
	if cfg.Payout.ProcessingStuckMinutes == 0 {
		cfg.Payout.ProcessingStuckMinutes = defaults.Payout.ProcessingStuckMinutes
	}
	if cfg.Sweep.BatchSize == 0 {
		cfg.Sweep.BatchSize = defaults.Sweep.BatchSize
	}
	if cfg.Sweep.MinCycleAgeSeconds == 0 {
		cfg.Sweep.MinCycleAgeSeconds = defaults.Sweep.MinCycleAgeSeconds
	}
	if cfg.Fees.PlatformBps == 0 {
		cfg.Fees.PlatformBps = defaults.Fees.PlatformBps
	}
	if cfg.Fees.VerifiedDiscountPct == 0 {
		cfg.Fees.VerifiedDiscountPct = defaults.Fees.VerifiedDiscountPct
	}
	if cfg.Fees.RecurringMultiplierPct == 0 {
		cfg.Fees.RecurringMultiplierPct = defaults.Fees.RecurringMultiplierPct
	}
	if cfg.Fees.MinimumFee == 0 {
		cfg.Fees.MinimumFee = defaults.Fees.MinimumFee
	}
	if cfg.Fees.CommunitySharePct == 0 {
		cfg.Fees.CommunitySharePct = defaults.Fees.CommunitySharePct
	}
	if cfg.Fees.PartnerSharePct == 0 {
		cfg.Fees.PartnerSharePct = defaults.Fees.PartnerSharePct
	}
	if cfg.Rates.RefreshMinutes == 0 {
		cfg.Rates.RefreshMinutes = defaults.Rates.RefreshMinutes
	}
	if cfg.Rates.StaleAfterMinutes == 0 {
		cfg.Rates.StaleAfterMinutes = defaults.Rates.StaleAfterMinutes
	}
	return cfg
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.Payout.MaxAttempts < 1 {
		return errors.New("engine.payout.maxAttempts must be >= 1")
	}
	if cfg.Payout.BackoffBaseSeconds < 1 {
		return errors.New("engine.payout.backoffBaseSeconds must be >= 1")
	}
	if cfg.Payout.BackoffCapSeconds < cfg.Payout.BackoffBaseSeconds {
		return errors.New("engine.payout.backoffCapSeconds must be >= backoffBaseSeconds")
	}
	if cfg.Sweep.BatchSize < 1 {
		return errors.New("engine.sweep.batchSize must be >= 1")
	}
	if cfg.Fees.PlatformBps < 0 || cfg.Fees.PlatformBps > 10_000 {
		return errors.New("engine.fees.platformBps must be within [0, 10000]")
	}
	if cfg.Fees.CommunitySharePct+cfg.Fees.PartnerSharePct > 100 {
		return errors.New("engine.fees community and partner shares cannot exceed 100%")
	}
	return nil
}
