package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradepipe batch binaries.
type Config struct {
	Storage Storage `yaml:"storage"`
	Alpaca  Alpaca  `yaml:"alpaca"`
	Logging Logging `yaml:"logging"`
	Live    Live    `yaml:"live"`
	Metrics Metrics `yaml:"metrics"`
	Lock    Lock    `yaml:"lock"`
}

// Storage holds paths for data persistence.
type Storage struct {
	StateDB    string `yaml:"state_db"`
	BarDir     string `yaml:"bar_dir"`
	SignalsDir string `yaml:"signals_dir"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	DataFeed  string `yaml:"data_feed"`
	// AllowLive must be set to talk to a non-paper endpoint.
	AllowLive       bool `yaml:"allow_live"`
	RateLimitPerMin int  `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	FileDir string `yaml:"file_dir"`
}

// Metrics configures the Prometheus pushgateway used at the end of a run.
type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Lock configures the single-invocation guard.
type Lock struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// TrailingStop names an indicator and its period on the weekly series.
type TrailingStop struct {
	Mode   string `yaml:"mode"`
	Period int    `yaml:"period"`
}

// EntryFilter excludes candidates with historically weak entry profiles.
type EntryFilter struct {
	Enabled        bool    `yaml:"enabled"`
	PriceMin       float64 `yaml:"price_min"`
	PriceMax       float64 `yaml:"price_max"`
	GapThreshold   float64 `yaml:"gap_threshold"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

// Live holds strategy and execution parameters for the live pipeline.
type Live struct {
	StrategyName       string `yaml:"strategy_name"`
	ShadowStrategyName string `yaml:"shadow_strategy_name"`

	MaxPositions    int      `yaml:"max_positions"`
	DailyEntryLimit int      `yaml:"daily_entry_limit"`
	PositionSize    float64  `yaml:"position_size"`
	StopLossPct     float64  `yaml:"stop_loss_pct"`
	SlippagePct     float64  `yaml:"slippage_pct"`
	StopMode        string   `yaml:"stop_mode"`
	EntryMode       string   `yaml:"entry_mode"`
	MaxHoldingDays  *int     `yaml:"max_holding_days"`
	Rotation        *bool    `yaml:"rotation"`
	RotationMargin  float64  `yaml:"rotation_margin"`
	MinGrade        string   `yaml:"min_grade"`
	EntryTIF        string   `yaml:"entry_tif"`

	TrailingStop            TrailingStop `yaml:"trailing_stop"`
	ShadowTrailingStop      TrailingStop `yaml:"shadow_trailing_stop"`
	TrailingTransitionWeeks int          `yaml:"trailing_transition_weeks"`

	MaxDailyTradeOrders int     `yaml:"max_daily_trade_orders"`
	MaxDailyStopOrders  int     `yaml:"max_daily_stop_orders"`
	EntryCutoffMinutes  int     `yaml:"entry_cutoff_minutes"`
	MinBuyingPower      float64 `yaml:"min_buying_power"`
	BarLookbackDays     int     `yaml:"bar_lookback_days"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	PollTimeoutOPG time.Duration `yaml:"poll_timeout_opg"`

	EntryFilter EntryFilter `yaml:"entry_filter"`
}

// RotationEnabled reports whether rotation is on. Unset means on.
func (l Live) RotationEnabled() bool {
	return l.Rotation == nil || *l.Rotation
}

// IsOPG reports whether entries are placed as market-on-open orders.
func (l Live) IsOPG() bool {
	return strings.EqualFold(l.EntryTIF, "opg")
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated only with defaults and
// environment overrides. Binaries fall back to it when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATE_DB"); v != "" {
		cfg.Storage.StateDB = v
	}
	if v := os.Getenv("BAR_DIR"); v != "" {
		cfg.Storage.BarDir = v
	}
	if v := os.Getenv("SIGNALS_DIR"); v != "" {
		cfg.Storage.SignalsDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_ALLOW_LIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Alpaca.AllowLive = b
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.StateDB == "" {
		cfg.Storage.StateDB = "data/live/state.db"
	}
	if cfg.Storage.SignalsDir == "" {
		cfg.Storage.SignalsDir = "data/live/signals"
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Alpaca.DataFeed == "" {
		cfg.Alpaca.DataFeed = "sip"
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 180
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "tradepipe"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 15 * time.Minute
	}

	l := &cfg.Live
	if l.StrategyName == "" {
		l.StrategyName = "ema_p10"
	}
	if l.ShadowStrategyName == "" {
		l.ShadowStrategyName = "nwl_p4"
	}
	if l.MaxPositions == 0 {
		l.MaxPositions = 20
	}
	if l.DailyEntryLimit == 0 {
		l.DailyEntryLimit = 2
	}
	if l.PositionSize == 0 {
		l.PositionSize = 10000
	}
	if l.StopLossPct == 0 {
		l.StopLossPct = 10
	}
	if l.SlippagePct == 0 {
		l.SlippagePct = 0.5
	}
	if l.StopMode == "" {
		l.StopMode = "intraday"
	}
	if l.EntryMode == "" {
		l.EntryMode = "report_open"
	}
	if l.MinGrade == "" {
		l.MinGrade = "D"
	}
	if l.EntryTIF == "" {
		l.EntryTIF = "day"
	}
	if l.TrailingStop.Mode == "" {
		l.TrailingStop = TrailingStop{Mode: "weekly_ema", Period: 10}
	}
	if l.ShadowTrailingStop.Mode == "" {
		l.ShadowTrailingStop = TrailingStop{Mode: "weekly_nweek_low", Period: 4}
	}
	if l.TrailingTransitionWeeks == 0 {
		l.TrailingTransitionWeeks = 2
	}
	if l.MaxDailyTradeOrders == 0 {
		l.MaxDailyTradeOrders = 40
	}
	if l.MaxDailyStopOrders == 0 {
		l.MaxDailyStopOrders = 20
	}
	if l.EntryCutoffMinutes == 0 {
		l.EntryCutoffMinutes = 5
	}
	if l.MinBuyingPower == 0 {
		l.MinBuyingPower = 5000
	}
	if l.BarLookbackDays == 0 {
		l.BarLookbackDays = 400
	}
	if l.PollInterval == 0 {
		l.PollInterval = 5 * time.Second
	}
	if l.PollTimeout == 0 {
		l.PollTimeout = 60 * time.Second
	}
	if l.PollTimeoutOPG == 0 {
		l.PollTimeoutOPG = 300 * time.Second
	}
	f := &l.EntryFilter
	if f.PriceMin == 0 && f.PriceMax == 0 {
		f.PriceMin, f.PriceMax = 10, 30
	}
	if f.GapThreshold == 0 {
		f.GapThreshold = 10
	}
	if f.ScoreThreshold == 0 {
		f.ScoreThreshold = 85
	}
}

// Validate rejects configurations the pipeline cannot run safely with.
func (c *Config) Validate() error {
	l := c.Live
	var errs []string
	if l.MaxPositions < 1 {
		errs = append(errs, "live.max_positions must be >= 1")
	}
	if l.PositionSize <= 0 {
		errs = append(errs, "live.position_size must be > 0")
	}
	if l.StopLossPct <= 0 || l.StopLossPct >= 100 {
		errs = append(errs, "live.stop_loss_pct must be in (0, 100)")
	}
	if l.RotationMargin < 0 {
		errs = append(errs, "live.rotation_margin must be >= 0")
	}
	switch strings.ToLower(l.EntryTIF) {
	case "day", "opg":
	default:
		errs = append(errs, fmt.Sprintf("live.entry_tif %q must be day or opg", l.EntryTIF))
	}
	switch l.MinGrade {
	case "A", "B", "C", "D":
	default:
		errs = append(errs, fmt.Sprintf("live.min_grade %q must be one of A-D", l.MinGrade))
	}
	for name, ts := range map[string]TrailingStop{"trailing_stop": l.TrailingStop, "shadow_trailing_stop": l.ShadowTrailingStop} {
		if ts.Period < 1 {
			errs = append(errs, fmt.Sprintf("live.%s.period must be >= 1", name))
		}
	}
	f := l.EntryFilter
	if f.Enabled {
		if f.PriceMin < 0 {
			errs = append(errs, "live.entry_filter.price_min must be >= 0")
		}
		if f.PriceMax <= f.PriceMin {
			errs = append(errs, "live.entry_filter.price_max must be > price_min")
		}
		if f.ScoreThreshold < 0 || f.ScoreThreshold > 100 {
			errs = append(errs, "live.entry_filter.score_threshold must be 0-100")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
