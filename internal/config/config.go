package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the single canonical configuration parsed once at process start.
type Config struct {
	RunID    string   `yaml:"run_id"`
	Root     string   `yaml:"root"` // base output directory
	Symbols  []string `yaml:"symbols"`
	Timezone string   `yaml:"timezone"`

	Harvest  HarvestConfig  `yaml:"harvest"`
	Features FeatureConfig  `yaml:"features"`
	Signals  SignalConfig   `yaml:"signals"`
	Risk     RiskConfig     `yaml:"risk"`
	Exec     ExecConfig     `yaml:"exec"`
	Backtest BacktestConfig `yaml:"backtest"`
	Sink     SinkConfig     `yaml:"sink"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Orch     OrchConfig     `yaml:"orchestrator"`
}

// HarvestConfig controls ingestion, normalization and the DQ gate.
type HarvestConfig struct {
	Depth            int     `yaml:"depth"` // book levels to keep
	ClockSkewBoundMs int64   `yaml:"clock_skew_bound_ms"`
	MaxFailRate      float64 `yaml:"max_fail_rate"` // DQ fail rate before dead-letter
	DeadLetterDir    string  `yaml:"dead_letter_dir"`
	ReplayMode       bool    `yaml:"replay_mode"`
	ReconnectMax     int     `yaml:"reconnect_max"`
	ReconnectBaseMs  int64   `yaml:"reconnect_base_ms"`
}

// FeatureConfig parameterizes the microstructure feature calculators.
type FeatureConfig struct {
	OFIWindow    int     `yaml:"ofi_window"`
	CVDWindow    int     `yaml:"cvd_window"`
	SpreadWindow int     `yaml:"spread_window"`
	SlopeWindow  int     `yaml:"slope_window"`
	WOFI         float64 `yaml:"w_ofi"`
	WCVD         float64 `yaml:"w_cvd"`

	CVD struct {
		MaxRunLen int   `yaml:"max_run_len"` // tick-rule propagation cap, ticks
		MaxRunMs  int64 `yaml:"max_run_ms"`  // tick-rule propagation cap, ms
	} `yaml:"cvd"`

	Activity struct {
		TradesPerMinMin       float64 `yaml:"trades_per_min_min"`
		QuoteUpdatesPerSecMin float64 `yaml:"quote_updates_per_sec_min"`
		HighVolSpreadBps      float64 `yaml:"high_vol_spread_bps"`
	} `yaml:"activity"`
}

// ScenarioOverride shifts buy/sell thresholds for one 2x2 bucket.
type ScenarioOverride struct {
	BuyOffset  float64 `yaml:"buy_offset"`
	SellOffset float64 `yaml:"sell_offset"`
}

// SignalConfig parameterizes the decision engine. Every field here feeds the
// config hash.
type SignalConfig struct {
	BuyThreshold          float64 `yaml:"buy_threshold"`
	SellThreshold         float64 `yaml:"sell_threshold"`
	StrongMultiple        float64 `yaml:"strong_multiple"` // strong at |score| >= threshold*multiple
	WeakSignalThreshold   float64 `yaml:"weak_signal_threshold"`
	ConsistencyMin        float64 `yaml:"consistency_min"`
	MinConsecutiveSameDir int     `yaml:"min_consecutive_same_dir"`
	CooldownAfterExitSec  int64   `yaml:"cooldown_after_exit_sec"`
	FlipRearmMargin       float64 `yaml:"flip_rearm_margin"`
	DedupeMs              int64   `yaml:"dedupe_ms"`

	LagCapMs     int64   `yaml:"lag_cap_ms"`
	SpreadCapBps float64 `yaml:"spread_cap_bps"`
	ActivityMin  float64 `yaml:"activity_min"` // trades/min floor

	ScenarioOverrides map[string]ScenarioOverride `yaml:"scenario_overrides"`

	RulesVer    string `yaml:"rules_ver"`
	FeaturesVer string `yaml:"features_ver"`
}

// RiskConfig bounds the strategy's exposure and dispatch rate.
type RiskConfig struct {
	ConsistencyMin    float64 `yaml:"consistency_min"`
	ThrottleThreshold float64 `yaml:"throttle_threshold"`
	MaxSymbolNotional float64 `yaml:"max_symbol_notional"`
	MaxTotalNotional  float64 `yaml:"max_total_notional"`
	MaxOrderNotional  float64 `yaml:"max_order_notional"`
	SlippageCapBps    float64 `yaml:"slippage_cap_bps"`

	BaseRateLimit float64 `yaml:"base_rate_limit"` // req/s
	MinRateLimit  float64 `yaml:"min_rate_limit"`
	MaxRateLimit  float64 `yaml:"max_rate_limit"`
}

// ExecConfig controls order dispatch.
type ExecConfig struct {
	Mode              string  `yaml:"mode"`       // backtest|testnet|live
	OrderType         string  `yaml:"order_type"` // market|limit
	DefaultQty        float64 `yaml:"default_qty"`
	TimeInForce       string  `yaml:"time_in_force"`
	RetryMax          int     `yaml:"retry_max"`
	RetryBaseMs       int64   `yaml:"retry_base_ms"`
	TimeoutMs         int64   `yaml:"timeout_ms"`
	IdempotencyTTLSec int64   `yaml:"idempotency_ttl_sec"`
	Shadow            struct {
		Enabled    bool    `yaml:"enabled"`
		Mode       string  `yaml:"mode"`        // secondary adapter
		ParityWarn float64 `yaml:"parity_warn"` // warn below this ratio
	} `yaml:"shadow"`
}

// BacktestConfig parameterizes the simulator.
type BacktestConfig struct {
	Seed           int64              `yaml:"seed"`
	SlippageBps    float64            `yaml:"slippage_bps"`
	MakerFeeBps    float64            `yaml:"maker_fee_bps"`
	TakerFeeBps    float64            `yaml:"taker_fee_bps"`
	FeeSchedule    string             `yaml:"fee_schedule"`    // flat|tiered
	MakerFeeRatio  map[string]float64 `yaml:"maker_fee_ratio"` // by scenario bucket
	TakeProfitBps  float64            `yaml:"take_profit_bps"`
	StopLossBps    float64            `yaml:"stop_loss_bps"`
	MaxHoldTimeSec int64              `yaml:"max_hold_time_sec"`
	Scoring        ScoringWeights     `yaml:"scoring"`
}

// ScoringWeights are the canonical backtest scoring keys. Legacy aliases
// net_pnl and pnl_per_trade are accepted at parse time and mapped here.
type ScoringWeights struct {
	PnlNet         float64 `yaml:"pnl_net"`
	AvgPnlPerTrade float64 `yaml:"avg_pnl_per_trade"`
	WinRateTrades  float64 `yaml:"win_rate_trades"`

	LegacyNetPnl      *float64 `yaml:"net_pnl"`
	LegacyPnlPerTrade *float64 `yaml:"pnl_per_trade"`
}

// SinkConfig controls the JSONL/SQLite dual sink.
type SinkConfig struct {
	Mode          string `yaml:"mode"` // jsonl|sqlite|dual
	FsyncEveryN   int    `yaml:"fsync_every_n"`
	RotateRows    int    `yaml:"rotate_rows"`
	RotateBytes   int64  `yaml:"rotate_bytes"`
	RotateSecs    int64  `yaml:"rotate_secs"`
	SQLiteBatchN  int    `yaml:"sqlite_batch_n"`
	SQLiteFlushMs int64  `yaml:"sqlite_flush_ms"`
	BusyTimeoutMs int64  `yaml:"busy_timeout_ms"`
}

// ExchangeConfig identifies the venue adapter and credentials.
type ExchangeConfig struct {
	Venue        string  `yaml:"venue"`
	RestURL      string  `yaml:"rest_url"`
	WsURL        string  `yaml:"ws_url"`
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	RecvWindowMs int64   `yaml:"recv_window_ms"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// WorkerSpec configures one supervised worker.
type WorkerSpec struct {
	Name            string `yaml:"name"`
	Enabled         bool   `yaml:"enabled"`
	ReadyTimeoutSec int64  `yaml:"ready_timeout_sec"`
	ReadySentinel   string `yaml:"ready_sentinel"` // file glob or log keyword
	HealthEverySec  int64  `yaml:"health_every_sec"`
	MaxRestarts     int    `yaml:"max_restarts"`
	GraceSec        int64  `yaml:"grace_sec"`
}

// OrchConfig configures the supervisor.
type OrchConfig struct {
	Workers       []WorkerSpec `yaml:"workers"`
	OpsAddr       string       `yaml:"ops_addr"`
	RestartBaseMs int64        `yaml:"restart_base_ms"`
	Minutes       int          `yaml:"minutes"` // 0 = run until interrupted
}

// Load reads and parses the canonical yaml config, applies defaults, env
// overrides and legacy alias mapping, then validates.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	c.applyEnv()
	c.mapLegacyAliases()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = "out"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Harvest.Depth == 0 {
		c.Harvest.Depth = 10
	}
	if c.Harvest.ClockSkewBoundMs == 0 {
		c.Harvest.ClockSkewBoundMs = 2000
	}
	if c.Harvest.MaxFailRate == 0 {
		c.Harvest.MaxFailRate = 0.05
	}
	if c.Harvest.ReconnectMax == 0 {
		c.Harvest.ReconnectMax = 10
	}
	if c.Harvest.ReconnectBaseMs == 0 {
		c.Harvest.ReconnectBaseMs = 500
	}
	if c.Features.OFIWindow == 0 {
		c.Features.OFIWindow = 300
	}
	if c.Features.CVDWindow == 0 {
		c.Features.CVDWindow = 300
	}
	if c.Features.SpreadWindow == 0 {
		c.Features.SpreadWindow = 120
	}
	if c.Features.SlopeWindow == 0 {
		c.Features.SlopeWindow = 60
	}
	if c.Features.WOFI == 0 && c.Features.WCVD == 0 {
		c.Features.WOFI, c.Features.WCVD = 0.5, 0.5
	}
	if c.Features.CVD.MaxRunLen == 0 {
		c.Features.CVD.MaxRunLen = 20
	}
	if c.Features.CVD.MaxRunMs == 0 {
		c.Features.CVD.MaxRunMs = 5000
	}
	if c.Features.Activity.TradesPerMinMin == 0 {
		c.Features.Activity.TradesPerMinMin = 10
	}
	if c.Features.Activity.QuoteUpdatesPerSecMin == 0 {
		c.Features.Activity.QuoteUpdatesPerSecMin = 1
	}
	if c.Features.Activity.HighVolSpreadBps == 0 {
		c.Features.Activity.HighVolSpreadBps = 3.0
	}
	if c.Signals.BuyThreshold == 0 {
		c.Signals.BuyThreshold = 1.2
	}
	if c.Signals.SellThreshold == 0 {
		c.Signals.SellThreshold = 1.2
	}
	if c.Signals.StrongMultiple == 0 {
		c.Signals.StrongMultiple = 1.5
	}
	if c.Signals.WeakSignalThreshold == 0 {
		c.Signals.WeakSignalThreshold = 0.8
	}
	if c.Signals.ConsistencyMin == 0 {
		c.Signals.ConsistencyMin = 0.4
	}
	if c.Signals.MinConsecutiveSameDir == 0 {
		c.Signals.MinConsecutiveSameDir = 1
	}
	if c.Signals.DedupeMs == 0 {
		c.Signals.DedupeMs = 1000
	}
	if c.Signals.LagCapMs == 0 {
		c.Signals.LagCapMs = 1500
	}
	if c.Signals.SpreadCapBps == 0 {
		c.Signals.SpreadCapBps = 10
	}
	if c.Signals.ActivityMin == 0 {
		c.Signals.ActivityMin = 5
	}
	if c.Signals.RulesVer == "" {
		c.Signals.RulesVer = "rules/v2"
	}
	if c.Signals.FeaturesVer == "" {
		c.Signals.FeaturesVer = "features/v1"
	}
	if c.Risk.ConsistencyMin == 0 {
		c.Risk.ConsistencyMin = 0.3
	}
	if c.Risk.ThrottleThreshold == 0 {
		c.Risk.ThrottleThreshold = 0.5
	}
	if c.Risk.MaxSymbolNotional == 0 {
		c.Risk.MaxSymbolNotional = 10000
	}
	if c.Risk.MaxTotalNotional == 0 {
		c.Risk.MaxTotalNotional = 50000
	}
	if c.Risk.MaxOrderNotional == 0 {
		c.Risk.MaxOrderNotional = 2000
	}
	if c.Risk.BaseRateLimit == 0 {
		c.Risk.BaseRateLimit = 5
	}
	if c.Risk.MinRateLimit == 0 {
		c.Risk.MinRateLimit = 0.5
	}
	if c.Risk.MaxRateLimit == 0 {
		c.Risk.MaxRateLimit = 20
	}
	if c.Exec.Mode == "" {
		c.Exec.Mode = "backtest"
	}
	if c.Exec.OrderType == "" {
		c.Exec.OrderType = "market"
	}
	if c.Exec.DefaultQty == 0 {
		c.Exec.DefaultQty = 0.001
	}
	if c.Exec.TimeInForce == "" {
		c.Exec.TimeInForce = "GTC"
	}
	if c.Exec.RetryMax == 0 {
		c.Exec.RetryMax = 3
	}
	if c.Exec.RetryBaseMs == 0 {
		c.Exec.RetryBaseMs = 200
	}
	if c.Exec.TimeoutMs == 0 {
		c.Exec.TimeoutMs = 5000
	}
	if c.Exec.IdempotencyTTLSec == 0 {
		c.Exec.IdempotencyTTLSec = 3600
	}
	if c.Exec.Shadow.ParityWarn == 0 {
		c.Exec.Shadow.ParityWarn = 0.99
	}
	if c.Backtest.SlippageBps == 0 {
		c.Backtest.SlippageBps = 1.0
	}
	if c.Backtest.MakerFeeBps == 0 {
		c.Backtest.MakerFeeBps = 2.0
	}
	if c.Backtest.TakerFeeBps == 0 {
		c.Backtest.TakerFeeBps = 4.0
	}
	if c.Backtest.FeeSchedule == "" {
		c.Backtest.FeeSchedule = "flat"
	}
	if c.Backtest.TakeProfitBps == 0 {
		c.Backtest.TakeProfitBps = 25
	}
	if c.Backtest.StopLossBps == 0 {
		c.Backtest.StopLossBps = 15
	}
	if c.Backtest.MaxHoldTimeSec == 0 {
		c.Backtest.MaxHoldTimeSec = 600
	}
	if c.Sink.Mode == "" {
		c.Sink.Mode = "dual"
	}
	if c.Sink.FsyncEveryN == 0 {
		c.Sink.FsyncEveryN = 100
	}
	if c.Sink.RotateRows == 0 {
		c.Sink.RotateRows = 200000
	}
	if c.Sink.RotateBytes == 0 {
		c.Sink.RotateBytes = 10 << 20
	}
	if c.Sink.RotateSecs == 0 {
		c.Sink.RotateSecs = 60
	}
	if c.Sink.SQLiteBatchN == 0 {
		c.Sink.SQLiteBatchN = 200
	}
	if c.Sink.SQLiteFlushMs == 0 {
		c.Sink.SQLiteFlushMs = 500
	}
	if c.Sink.BusyTimeoutMs == 0 {
		c.Sink.BusyTimeoutMs = 5000
	}
	if c.Exchange.Venue == "" {
		c.Exchange.Venue = "binancef"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.RateLimitRPS == 0 {
		c.Exchange.RateLimitRPS = 8
	}
	if c.Orch.OpsAddr == "" {
		c.Orch.OpsAddr = ":9180"
	}
	if c.Orch.RestartBaseMs == 0 {
		c.Orch.RestartBaseMs = 1000
	}
}

// applyEnv layers recognized environment overrides on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("RUN_ID"); v != "" {
		c.RunID = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("V13_REPLAY_MODE"); v == "1" {
		c.Harvest.ReplayMode = true
	}
	if v := os.Getenv("V13_SINK"); v != "" {
		c.Sink.Mode = v
	}
	if v, ok := envInt("FSYNC_EVERY_N"); ok {
		c.Sink.FsyncEveryN = int(v)
	}
	if v, ok := envInt("SQLITE_BATCH_N"); ok {
		c.Sink.SQLiteBatchN = int(v)
	}
	if v, ok := envInt("SQLITE_FLUSH_MS"); ok {
		c.Sink.SQLiteFlushMs = v
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
}

func envInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// mapLegacyAliases folds deprecated scoring keys into the canonical set.
func (c *Config) mapLegacyAliases() {
	s := &c.Backtest.Scoring
	if s.LegacyNetPnl != nil {
		log.Warn().Msg("config: 'net_pnl' is deprecated, use 'pnl_net'")
		if s.PnlNet == 0 {
			s.PnlNet = *s.LegacyNetPnl
		}
		s.LegacyNetPnl = nil
	}
	if s.LegacyPnlPerTrade != nil {
		log.Warn().Msg("config: 'pnl_per_trade' is deprecated, use 'avg_pnl_per_trade'")
		if s.AvgPnlPerTrade == 0 {
			s.AvgPnlPerTrade = *s.LegacyPnlPerTrade
		}
		s.LegacyPnlPerTrade = nil
	}
}

// Validate enforces cross-field invariants that would otherwise surface as
// silent bad behavior at runtime.
func (c *Config) Validate() error {
	if sum := c.Features.WOFI + c.Features.WCVD; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: fusion weights must sum to 1.0, got %.4f", sum)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol required")
	}
	switch c.Sink.Mode {
	case "jsonl", "sqlite", "dual":
	default:
		return fmt.Errorf("config: invalid sink mode %q", c.Sink.Mode)
	}
	switch c.Exec.Mode {
	case "backtest", "testnet", "live":
	default:
		return fmt.Errorf("config: invalid exec mode %q", c.Exec.Mode)
	}
	switch c.Exec.OrderType {
	case "market", "limit":
	default:
		return fmt.Errorf("config: invalid exec order type %q", c.Exec.OrderType)
	}
	if c.Risk.MinRateLimit > c.Risk.MaxRateLimit {
		return fmt.Errorf("config: min_rate_limit > max_rate_limit")
	}
	if c.Exec.Mode == "live" && os.Getenv("LIVE_CONFIRM") != "YES" {
		return fmt.Errorf("config: live mode requires LIVE_CONFIRM=YES")
	}
	return nil
}

// RotatePeriod returns the sink time-rotation period.
func (c *SinkConfig) RotatePeriod() time.Duration {
	return time.Duration(c.RotateSecs) * time.Second
}
