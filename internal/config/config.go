// Package config loads and validates the bot's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full YAML configuration tree.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Campaign    CampaignConfig    `yaml:"campaign"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Safety      SafetyConfig      `yaml:"safety"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	PriceFeed   PriceFeedConfig   `yaml:"pricefeed"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Blackout    BlackoutConfig    `yaml:"blackout"`
}

// EnvironmentConfig selects runtime mode and logging.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // "paper" or "live"
	LogLevel string `yaml:"log_level"` // logrus level name
	Timezone string `yaml:"timezone"`  // IANA name, defaults to America/New_York
}

// BrokerConfig holds gateway credentials and transport settings.
type BrokerConfig struct {
	Provider  string        `yaml:"provider"`
	APIKey    string        `yaml:"api_key"`
	AccountID string        `yaml:"account_id"`
	BaseURL   string        `yaml:"base_url"` // optional override, mainly for tests
	Timeout   time.Duration `yaml:"timeout"`
}

// ScheduleConfig drives the tick loop and trading window.
type ScheduleConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	TradingStart string        `yaml:"trading_start"` // "HH:MM" in Timezone
	TradingEnd   string        `yaml:"trading_end"`
}

// CampaignConfig describes the spread being traded.
type CampaignConfig struct {
	Symbol   string      `yaml:"symbol"`
	Quantity int         `yaml:"quantity"`
	Entry    EntryConfig `yaml:"entry"`
	Roll     RollConfig  `yaml:"roll"`
	Exit     ExitConfig  `yaml:"exit"`
}

// EntryConfig gates new campaign entries.
type EntryConfig struct {
	ProtectiveTargetDelta float64       `yaml:"protective_target_delta"`
	ProtectiveMinDTE      int           `yaml:"protective_min_dte"`
	IncomeTargetDTE       int           `yaml:"income_target_dte"`
	SettleDelay           time.Duration `yaml:"settle_delay"` // post-open quote settling
}

// RollConfig controls income and protective leg rolls.
type RollConfig struct {
	IncomeRollDTE       int     `yaml:"income_roll_dte"`       // roll income leg at or below this DTE
	ProtectiveMinDelta  float64 `yaml:"protective_min_delta"`  // roll protective when |delta| drops below
	MarginUsageCeiling  float64 `yaml:"margin_usage_ceiling"`  // roll protective when usage crosses
}

// ExitConfig controls campaign close conditions.
type ExitConfig struct {
	ProtectiveExpiryDays int     `yaml:"protective_expiry_days"` // close when protective DTE at or below
	LossCeiling          float64 `yaml:"loss_ceiling"`           // dollars of unrealized loss
	BlackoutDaysAhead    int     `yaml:"blackout_days_ahead"`
	TrendBandPct         float64 `yaml:"trend_band_pct"` // alignment band around entry trend
}

// ExecutionConfig bounds the order-placement ladder.
type ExecutionConfig struct {
	MaxSpread            float64       `yaml:"max_spread"` // absolute ceiling for the market rung
	OrderTimeout         time.Duration `yaml:"order_timeout"`
	VerifyWait           time.Duration `yaml:"verify_wait"`
	EmergencySlippagePct float64       `yaml:"emergency_slippage_pct"`
}

// SafetyConfig tunes the trading circuit breaker.
type SafetyConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ActionCooldown   time.Duration `yaml:"action_cooldown"`
}

// ReconcileConfig tunes position reconciliation.
type ReconcileConfig struct {
	MinInterval       time.Duration `yaml:"min_interval"`
	MismatchThreshold int           `yaml:"mismatch_threshold"`
}

// PriceFeedConfig tunes the background quote poller.
type PriceFeedConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TelemetryConfig tunes the fire-and-forget event sink.
type TelemetryConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// StorageConfig locates the persisted JSON files.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// DashboardConfig controls the ops HTTP server.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// BlackoutConfig lists scheduled events around which the bot stands aside.
type BlackoutConfig struct {
	Events []BlackoutEvent `yaml:"events"`
}

// BlackoutEvent is one scheduled market event (FOMC, CPI, earnings).
type BlackoutEvent struct {
	Date string `yaml:"date"` // YYYY-MM-DD
	Name string `yaml:"name"`
}

// Load reads, env-expands, strictly decodes, defaults, and validates the
// config at path. Unknown YAML keys are an error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.Timezone == "" {
		c.Environment.Timezone = "America/New_York"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = 10 * time.Second
	}
	if c.Schedule.TickInterval == 0 {
		c.Schedule.TickInterval = 30 * time.Second
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = "09:45"
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = "15:45"
	}
	if c.Campaign.Quantity == 0 {
		c.Campaign.Quantity = 1
	}
	if c.Campaign.Entry.ProtectiveTargetDelta == 0 {
		c.Campaign.Entry.ProtectiveTargetDelta = 0.80
	}
	if c.Campaign.Entry.ProtectiveMinDTE == 0 {
		c.Campaign.Entry.ProtectiveMinDTE = 180
	}
	if c.Campaign.Entry.IncomeTargetDTE == 0 {
		c.Campaign.Entry.IncomeTargetDTE = 1
	}
	if c.Campaign.Entry.SettleDelay == 0 {
		c.Campaign.Entry.SettleDelay = 15 * time.Minute
	}
	if c.Campaign.Roll.IncomeRollDTE == 0 {
		c.Campaign.Roll.IncomeRollDTE = 1
	}
	if c.Campaign.Roll.ProtectiveMinDelta == 0 {
		c.Campaign.Roll.ProtectiveMinDelta = 0.50
	}
	if c.Campaign.Roll.MarginUsageCeiling == 0 {
		c.Campaign.Roll.MarginUsageCeiling = 0.80
	}
	if c.Campaign.Exit.ProtectiveExpiryDays == 0 {
		c.Campaign.Exit.ProtectiveExpiryDays = 30
	}
	if c.Campaign.Exit.LossCeiling == 0 {
		c.Campaign.Exit.LossCeiling = 2000
	}
	if c.Campaign.Exit.BlackoutDaysAhead == 0 {
		c.Campaign.Exit.BlackoutDaysAhead = 2
	}
	if c.Campaign.Exit.TrendBandPct == 0 {
		c.Campaign.Exit.TrendBandPct = 0.03
	}
	if c.Execution.MaxSpread == 0 {
		c.Execution.MaxSpread = 0.50
	}
	if c.Execution.OrderTimeout == 0 {
		c.Execution.OrderTimeout = 30 * time.Second
	}
	if c.Execution.VerifyWait == 0 {
		c.Execution.VerifyWait = 5 * time.Second
	}
	if c.Execution.EmergencySlippagePct == 0 {
		c.Execution.EmergencySlippagePct = 0.25
	}
	if c.Safety.FailureThreshold == 0 {
		c.Safety.FailureThreshold = 3
	}
	if c.Safety.ActionCooldown == 0 {
		c.Safety.ActionCooldown = 5 * time.Minute
	}
	if c.Reconcile.MinInterval == 0 {
		c.Reconcile.MinInterval = 5 * time.Minute
	}
	if c.Reconcile.MismatchThreshold == 0 {
		c.Reconcile.MismatchThreshold = 3
	}
	if c.PriceFeed.PollInterval == 0 {
		c.PriceFeed.PollInterval = 5 * time.Second
	}
	if c.Telemetry.BufferSize == 0 {
		c.Telemetry.BufferSize = 256
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data"
	}
	if c.Dashboard.ListenAddr == "" {
		c.Dashboard.ListenAddr = "127.0.0.1:8080"
	}
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	switch c.Environment.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("environment.mode must be 'paper' or 'live', got %q", c.Environment.Mode)
	}

	if c.Broker.APIKey == "" || strings.HasPrefix(c.Broker.APIKey, "${") {
		return fmt.Errorf("broker.api_key is required (check env var expansion)")
	}
	if c.Broker.AccountID == "" || strings.HasPrefix(c.Broker.AccountID, "${") {
		return fmt.Errorf("broker.account_id is required (check env var expansion)")
	}

	if c.Campaign.Symbol == "" {
		return fmt.Errorf("campaign.symbol is required")
	}
	if c.Campaign.Quantity < 1 {
		return fmt.Errorf("campaign.quantity must be >= 1, got %d", c.Campaign.Quantity)
	}

	if d := c.Campaign.Entry.ProtectiveTargetDelta; d <= 0 || d >= 1 {
		return fmt.Errorf("campaign.entry.protective_target_delta must be in (0, 1), got %v", d)
	}
	if d := c.Campaign.Roll.ProtectiveMinDelta; d <= 0 || d >= 1 {
		return fmt.Errorf("campaign.roll.protective_min_delta must be in (0, 1), got %v", d)
	}
	if c.Campaign.Roll.ProtectiveMinDelta >= c.Campaign.Entry.ProtectiveTargetDelta {
		return fmt.Errorf("campaign.roll.protective_min_delta (%v) must be below campaign.entry.protective_target_delta (%v)",
			c.Campaign.Roll.ProtectiveMinDelta, c.Campaign.Entry.ProtectiveTargetDelta)
	}
	if u := c.Campaign.Roll.MarginUsageCeiling; u <= 0 || u > 1 {
		return fmt.Errorf("campaign.roll.margin_usage_ceiling must be in (0, 1], got %v", u)
	}
	if c.Campaign.Exit.LossCeiling <= 0 {
		return fmt.Errorf("campaign.exit.loss_ceiling must be positive, got %v", c.Campaign.Exit.LossCeiling)
	}
	if c.Campaign.Entry.ProtectiveMinDTE <= c.Campaign.Exit.ProtectiveExpiryDays {
		return fmt.Errorf("campaign.entry.protective_min_dte (%d) must exceed campaign.exit.protective_expiry_days (%d)",
			c.Campaign.Entry.ProtectiveMinDTE, c.Campaign.Exit.ProtectiveExpiryDays)
	}

	if c.Execution.MaxSpread <= 0 {
		return fmt.Errorf("execution.max_spread must be positive, got %v", c.Execution.MaxSpread)
	}
	if p := c.Execution.EmergencySlippagePct; p <= 0 || p > 1 {
		return fmt.Errorf("execution.emergency_slippage_pct must be in (0, 1], got %v", p)
	}
	if c.Safety.FailureThreshold < 1 {
		return fmt.Errorf("safety.failure_threshold must be >= 1, got %d", c.Safety.FailureThreshold)
	}
	if c.Reconcile.MismatchThreshold < 1 {
		return fmt.Errorf("reconcile.mismatch_threshold must be >= 1, got %d", c.Reconcile.MismatchThreshold)
	}

	if _, err := time.LoadLocation(c.Environment.Timezone); err != nil {
		return fmt.Errorf("environment.timezone %q: %w", c.Environment.Timezone, err)
	}
	if _, err := parseClock(c.Schedule.TradingStart); err != nil {
		return fmt.Errorf("schedule.trading_start: %w", err)
	}
	if _, err := parseClock(c.Schedule.TradingEnd); err != nil {
		return fmt.Errorf("schedule.trading_end: %w", err)
	}

	for _, ev := range c.Blackout.Events {
		if _, err := time.Parse("2006-01-02", ev.Date); err != nil {
			return fmt.Errorf("blackout event %q: bad date %q: %w", ev.Name, ev.Date, err)
		}
	}

	return nil
}

// IsLive reports whether the bot trades real money.
func (c *Config) IsLive() bool { return c.Environment.Mode == "live" }

// Location returns the configured timezone, falling back to UTC if the
// zone database is missing at runtime.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Environment.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsWithinTradingHours reports whether now falls inside the configured
// trading window on a weekday.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	local := now.In(c.Location())
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	start, err := parseClock(c.Schedule.TradingStart)
	if err != nil {
		return false
	}
	end, err := parseClock(c.Schedule.TradingEnd)
	if err != nil {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= start && minutes < end
}

// IsBlackoutNow reports whether any configured event falls within daysAhead
// calendar days of now, returning the first matching event's name.
func (c *Config) IsBlackoutNow(now time.Time, daysAhead int) (bool, string) {
	local := now.In(c.Location())
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	for _, ev := range c.Blackout.Events {
		d, err := time.Parse("2006-01-02", ev.Date)
		if err != nil {
			continue
		}
		diff := int(d.Sub(today).Hours() / 24)
		if diff >= 0 && diff <= daysAhead {
			return true, ev.Name
		}
	}
	return false, ""
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("bad clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
