// Package config defines all configuration for the hedge engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via HEDGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hedged/pkg/model"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Venues     []VenueConfig    `mapstructure:"venues"`
	Whitelist  []string         `mapstructure:"whitelist_symbols"`
	Trade      TradeDefaults    `mapstructure:"trade"`
	Risk       RiskDefaults     `mapstructure:"risk"`
	Manager    ManagerConfig    `mapstructure:"manager"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// VenueConfig describes one perpetual-futures venue the engine may trade on.
// APIKey/Secret are left empty in the YAML and populated from environment
// variables named HEDGE_VENUE_<NAME>_KEY / _SECRET.
type VenueConfig struct {
	Name             string  `mapstructure:"name"`
	BaseURL          string  `mapstructure:"base_url"`
	WSURL            string  `mapstructure:"ws_url"`
	APIKey           string  `mapstructure:"api_key"`
	APISecret        string  `mapstructure:"api_secret"`
	TakerFeeRate     float64 `mapstructure:"taker_fee_rate"`
	MakerFeeRate     float64 `mapstructure:"maker_fee_rate"`
	FundingPeriodHrs float64 `mapstructure:"funding_period_hours"` // resolves the ×3×365 APY-scaling hazard per venue
	ReliabilityPrior float64 `mapstructure:"reliability_prior"`    // not read by supervisor scoring, which uses searcher.ReliabilityPriors
}

// TradeDefaults seeds TradeConfig for every spawned engine; per-symbol
// overrides are applied on top by the supervisor when it builds EngineConfig.
type TradeDefaults struct {
	DaemonMode         bool          `mapstructure:"daemon_mode"`
	AmountMin          float64       `mapstructure:"amount_min"`
	AmountMax          float64       `mapstructure:"amount_max"`
	AmountStep         float64       `mapstructure:"amount_step"`
	TotalAmount        float64       `mapstructure:"total_amount"`
	MinOrderValueUSD   float64       `mapstructure:"min_order_value_usd"`
	MaxOrderValueUSD   float64       `mapstructure:"max_order_value_usd"`
	TradeInterval      time.Duration `mapstructure:"trade_interval"`
	UseDynamicAmount   bool          `mapstructure:"use_dynamic_amount"`
	MaxFirstLevelRatio float64       `mapstructure:"max_first_level_ratio"`
	NoTradeTimeoutSec  int           `mapstructure:"no_trade_timeout_sec"`
	ZScoreThreshold    float64       `mapstructure:"zscore_threshold"`
}

// RiskDefaults seeds RiskConfig for every spawned engine.
type RiskDefaults struct {
	MaxOrderbookAgeSec          float64 `mapstructure:"max_orderbook_age_sec"`
	MaxSpreadPct                float64 `mapstructure:"max_spread_pct"`
	MinLiquidityUSD             float64 `mapstructure:"min_liquidity_usd"`
	LiquidityDepthLevels        int     `mapstructure:"liquidity_depth_levels"`
	MinProfitRate               float64 `mapstructure:"min_profit_rate"`
	ReducePosMinProfitRate      float64 `mapstructure:"reduce_pos_min_profit_rate"`
	UserMinProfitRate           float64 `mapstructure:"user_min_profit_rate"`
	EnableDynamicProfitRate     bool    `mapstructure:"enable_dynamic_profit_rate"`
	ProfitRateAdjustStep        float64 `mapstructure:"profit_rate_adjust_step"`
	ProfitRateAdjustThreshold   int     `mapstructure:"profit_rate_adjust_threshold"`
	NoTradeReduceTimeoutSec     int     `mapstructure:"no_trade_reduce_timeout_sec"`
	NoTradeReduceStepMultiplier float64 `mapstructure:"no_trade_reduce_step_multiplier"`
	AutoPosBalanceUSDValueLimit float64 `mapstructure:"auto_pos_balance_usd_value_limit"`
}

// ManagerConfig tunes the multi-process (here: multi-goroutine) supervisor.
type ManagerConfig struct {
	RiskUpdateIntervalMin   int           `mapstructure:"risk_update_interval_min"`
	EngineCheckIntervalMin  int           `mapstructure:"engine_check_interval_min"`
	NotifyIntervalMin       int           `mapstructure:"notify_interval_min"`
	EngineStartupDelaySec   float64       `mapstructure:"engine_startup_delay_sec"`
	MaxRestartAttempts      int           `mapstructure:"max_restart_attempts"`
	RestartBackoffFactor    float64       `mapstructure:"restart_backoff_factor"`
	MemoryLimitMB           float64       `mapstructure:"memory_limit_mb"`
	NoTradeTimeoutMin       int           `mapstructure:"no_trade_timeout_min"`
	ChildJoinTimeout        time.Duration `mapstructure:"child_join_timeout"`
	StreamStopTimeout       time.Duration `mapstructure:"stream_stop_timeout"`
	ShutdownTimeout         time.Duration `mapstructure:"shutdown_timeout"`
	SnapshotStaleThreshold  time.Duration `mapstructure:"snapshot_stale_threshold"`
}

// StoreConfig sets where engine bookkeeping is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive per-venue fields use env vars: HEDGE_VENUE_<UPPER-NAME>_KEY,
// HEDGE_VENUE_<UPPER-NAME>_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Venues {
		upper := strings.ToUpper(cfg.Venues[i].Name)
		if key := os.Getenv("HEDGE_VENUE_" + upper + "_KEY"); key != "" {
			cfg.Venues[i].APIKey = key
		}
		if secret := os.Getenv("HEDGE_VENUE_" + upper + "_SECRET"); secret != "" {
			cfg.Venues[i].APISecret = secret
		}
	}
	if os.Getenv("HEDGE_DRY_RUN") == "true" || os.Getenv("HEDGE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. Fails fast on any
// fatal config error rather than starting with an incomplete venue set.
func (c *Config) Validate() error {
	if len(c.Venues) < 2 {
		return fmt.Errorf("at least two venues are required, got %d", len(c.Venues))
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("venues[].name is required")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate venue name %q", v.Name)
		}
		seen[v.Name] = true
		if v.BaseURL == "" {
			return fmt.Errorf("venue %q: base_url is required", v.Name)
		}
		if v.FundingPeriodHrs <= 0 {
			return fmt.Errorf("venue %q: funding_period_hours must be > 0", v.Name)
		}
	}
	if c.Trade.AmountStep <= 0 {
		return fmt.Errorf("trade.amount_step must be > 0")
	}
	if c.Trade.MinOrderValueUSD <= 0 {
		return fmt.Errorf("trade.min_order_value_usd must be > 0")
	}
	if c.Risk.MaxOrderbookAgeSec <= 0 {
		return fmt.Errorf("risk.max_orderbook_age_sec must be > 0")
	}
	if c.Manager.MaxRestartAttempts <= 0 {
		return fmt.Errorf("manager.max_restart_attempts must be > 0")
	}
	return nil
}

// TradeConfigFor builds a model.TradeConfig for a (symbol1, symbol2) pair
// seeded from the configured defaults.
func (t TradeDefaults) TradeConfigFor(symbol1, symbol2 string) model.TradeConfig {
	return model.TradeConfig{
		Symbol1:            symbol1,
		Symbol2:            symbol2,
		DaemonMode:         t.DaemonMode,
		AmountMin:          t.AmountMin,
		AmountMax:          t.AmountMax,
		AmountStep:         t.AmountStep,
		TotalAmount:        t.TotalAmount,
		MinOrderValueUSD:   t.MinOrderValueUSD,
		MaxOrderValueUSD:   t.MaxOrderValueUSD,
		TradeInterval:      t.TradeInterval,
		UseDynamicAmount:   t.UseDynamicAmount,
		MaxFirstLevelRatio: t.MaxFirstLevelRatio,
		NoTradeTimeoutSec:  t.NoTradeTimeoutSec,
		ZScoreThreshold:    t.ZScoreThreshold,
	}
}

// RiskConfigFor builds a model.RiskConfig from the configured defaults.
func (r RiskDefaults) RiskConfigFor() model.RiskConfig {
	return model.RiskConfig{
		MaxOrderbookAgeSec:          r.MaxOrderbookAgeSec,
		MaxSpreadPct:                r.MaxSpreadPct,
		MinLiquidityUSD:             r.MinLiquidityUSD,
		LiquidityDepthLevels:        r.LiquidityDepthLevels,
		MinProfitRate:               r.MinProfitRate,
		ReducePosMinProfitRate:      r.ReducePosMinProfitRate,
		UserMinProfitRate:           r.UserMinProfitRate,
		EnableDynamicProfitRate:     r.EnableDynamicProfitRate,
		ProfitRateAdjustStep:        r.ProfitRateAdjustStep,
		ProfitRateAdjustThreshold:   r.ProfitRateAdjustThreshold,
		NoTradeReduceTimeoutSec:     r.NoTradeReduceTimeoutSec,
		NoTradeReduceStepMultiplier: r.NoTradeReduceStepMultiplier,
		AutoPosBalanceUSDValueLimit: r.AutoPosBalanceUSDValueLimit,
	}
}

// Default returns hard-coded defaults matching the reference system's
// documented constants, used when a field is absent from YAML.
func Default() Config {
	return Config{
		Trade: TradeDefaults{
			AmountStep:         0.001,
			MinOrderValueUSD:   20,
			MaxOrderValueUSD:   500,
			TradeInterval:      time.Second,
			MaxFirstLevelRatio: 0.3,
			ZScoreThreshold:    2.0,
		},
		Risk: RiskDefaults{
			MaxOrderbookAgeSec:          1.0,
			MaxSpreadPct:                0.003,
			MinLiquidityUSD:             500,
			LiquidityDepthLevels:        5,
			MinProfitRate:               0.0008,
			ReducePosMinProfitRate:      0.0003,
			UserMinProfitRate:           0.0003,
			ProfitRateAdjustStep:        0.0001,
			ProfitRateAdjustThreshold:   5,
			NoTradeReduceStepMultiplier: 1.0,
			AutoPosBalanceUSDValueLimit: 1000,
		},
		Manager: ManagerConfig{
			RiskUpdateIntervalMin:  2,
			EngineCheckIntervalMin: 15,
			NotifyIntervalMin:      30,
			EngineStartupDelaySec:  5.0,
			MaxRestartAttempts:     3,
			RestartBackoffFactor:   2.0,
			MemoryLimitMB:          1000.0,
			NoTradeTimeoutMin:      30,
			ChildJoinTimeout:       3 * time.Second,
			StreamStopTimeout:      5 * time.Second,
			ShutdownTimeout:        10 * time.Second,
			SnapshotStaleThreshold: 31 * time.Minute,
		},
	}
}
