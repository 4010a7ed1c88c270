// Package config provides configuration management for the rebalancer.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/paperdesk/rebalancer/internal/models"
	yaml "gopkg.in/yaml.v3"
)

// Canonical policy defaults. The legacy scripts this replaces disagreed with
// each other on several of these numbers; these are the documented defaults
// and every one of them is overridable in config.yaml.
const (
	// defaultViolationMultiplier flags a class once it exceeds target x 1.5.
	defaultViolationMultiplier = 1.5
	// defaultCriticalExcess grades a violation CRITICAL above 20 points of excess.
	defaultCriticalExcess = 0.2
	// defaultProfitTakingFraction sells half of a winning position.
	defaultProfitTakingFraction = 0.5
	// defaultOrderDelay is the pause between submissions to respect broker rate limits.
	defaultOrderDelay = 2 * time.Second
	// defaultHistoryLimit bounds the pass history kept in the report store.
	defaultHistoryLimit = 200
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Allocation  AllocationConfig  `yaml:"allocation"`
	Exit        ExitConfig        `yaml:"exit"`
	Rebalance   RebalanceConfig   `yaml:"rebalance"`
	Report      ReportConfig      `yaml:"report"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Credentials are expected to
// arrive via ${VAR} expansion so secrets never live in the file itself.
type BrokerConfig struct {
	Provider     string `yaml:"provider"`
	APIKeyID     string `yaml:"api_key_id"`
	APISecret    string `yaml:"api_secret"`
	APIEndpoint  string `yaml:"api_endpoint"` // optional override, defaults by mode
	DataEndpoint string `yaml:"data_endpoint"`
}

// ScheduleConfig defines how often the decision loop runs in service mode.
type ScheduleConfig struct {
	CheckInterval string `yaml:"check_interval"`
	// EquityMarketHoursOnly skips equity instructions while the market is
	// closed. Crypto instructions run regardless.
	EquityMarketHoursOnly bool `yaml:"equity_market_hours_only"`
}

// AllocationConfig holds target fractions per asset class and the band
// around them that counts as a violation.
type AllocationConfig struct {
	// Targets maps asset class to target fraction of portfolio value.
	Targets map[models.AssetClass]float64 `yaml:"targets"`
	// ViolationMultiplier is how far over target a class may drift before
	// it is flagged: violation when current > target * multiplier.
	ViolationMultiplier float64 `yaml:"violation_multiplier"`
	// CriticalExcess is the excess fraction above which a violation is CRITICAL.
	CriticalExcess float64 `yaml:"critical_excess"`
}

// ClassExitConfig holds the exit thresholds for one asset class.
type ClassExitConfig struct {
	ProfitTarget float64 `yaml:"profit_target"` // positive fraction, e.g. 0.25
	StopLoss     float64 `yaml:"stop_loss"`     // negative fraction, e.g. -0.15
}

// OverAllocationConfig holds the stricter P&L bands applied to positions in
// an over-allocated class.
type OverAllocationConfig struct {
	ProfitExit        float64 `yaml:"profit_exit"`         // e.g. 0.05
	MinimalProfitExit float64 `yaml:"minimal_profit_exit"` // e.g. 0.02
	StopLossExit      float64 `yaml:"stop_loss_exit"`      // e.g. -0.08
}

// ExitConfig defines exit criteria per asset class.
type ExitConfig struct {
	Classes        map[models.AssetClass]ClassExitConfig `yaml:"classes"`
	OverAllocation OverAllocationConfig                  `yaml:"over_allocation"`
}

// RebalanceConfig defines how plans are built from violations and signals.
type RebalanceConfig struct {
	// ProfitTakingFraction is the share of quantity sold on a profit-target exit.
	ProfitTakingFraction float64 `yaml:"profit_taking_fraction"`
	// BuyCandidates lists the liquid instruments used to fill an
	// under-allocated class; the dollar deficit is split evenly across them.
	BuyCandidates map[models.AssetClass][]string `yaml:"buy_candidates"`
	// MinOrderNotional drops planned orders below this dollar size.
	MinOrderNotional float64 `yaml:"min_order_notional"`
	// OrderDelay is the pause between sequential order submissions.
	OrderDelay string `yaml:"order_delay"`
	// TradingEnabled gates actual submission; when false every pass is a dry run.
	TradingEnabled bool `yaml:"trading_enabled"`
}

// ReportConfig defines where decision records are persisted.
type ReportConfig struct {
	Path         string `yaml:"path"`
	HistoryLimit int    `yaml:"history_limit"`
}

// DashboardConfig defines the read-only HTTP view over the report store.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so credentials stay out of the file
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// It also fills defaults for optional knobs.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIKeyID == "" {
		return fmt.Errorf("broker.api_key_id is required")
	}
	if c.Broker.APISecret == "" {
		return fmt.Errorf("broker.api_secret is required")
	}

	if len(c.Allocation.Targets) == 0 {
		return fmt.Errorf("allocation.targets must define at least one asset class")
	}
	var sum float64
	for class, target := range c.Allocation.Targets {
		if !class.Valid() {
			return fmt.Errorf("allocation.targets: unknown asset class %q", class)
		}
		if target < 0 || target > 1 {
			return fmt.Errorf("allocation.targets[%s] must be in [0,1], got %.3f", class, target)
		}
		sum += target
	}
	// The legacy scripts never enforced this; keep it a loose sanity bound
	// rather than an exact equality so partial target maps still load.
	if sum > 1.0+1e-9 {
		return fmt.Errorf("allocation.targets sum to %.3f, must not exceed 1.0", sum)
	}
	if c.Allocation.ViolationMultiplier < 1.0 {
		return fmt.Errorf("allocation.violation_multiplier must be >= 1.0, got %.3f",
			c.Allocation.ViolationMultiplier)
	}
	if c.Allocation.CriticalExcess <= 0 {
		return fmt.Errorf("allocation.critical_excess must be > 0")
	}

	if len(c.Exit.Classes) == 0 {
		return fmt.Errorf("exit.classes must define thresholds for at least one asset class")
	}
	for class, ec := range c.Exit.Classes {
		if !class.Valid() || class == models.AssetClassCash {
			return fmt.Errorf("exit.classes: invalid asset class %q", class)
		}
		if ec.ProfitTarget <= 0 {
			return fmt.Errorf("exit.classes[%s].profit_target must be > 0", class)
		}
		if ec.StopLoss >= 0 {
			return fmt.Errorf("exit.classes[%s].stop_loss must be < 0", class)
		}
	}
	oa := c.Exit.OverAllocation
	if oa.ProfitExit <= oa.MinimalProfitExit {
		return fmt.Errorf("exit.over_allocation.profit_exit (%.3f) must be > minimal_profit_exit (%.3f)",
			oa.ProfitExit, oa.MinimalProfitExit)
	}
	if oa.MinimalProfitExit <= 0 {
		return fmt.Errorf("exit.over_allocation.minimal_profit_exit must be > 0")
	}
	if oa.StopLossExit >= 0 {
		return fmt.Errorf("exit.over_allocation.stop_loss_exit must be < 0")
	}

	if c.Rebalance.ProfitTakingFraction <= 0 || c.Rebalance.ProfitTakingFraction > 1 {
		return fmt.Errorf("rebalance.profit_taking_fraction must be in (0,1]")
	}
	if c.Rebalance.MinOrderNotional < 0 {
		return fmt.Errorf("rebalance.min_order_notional must be >= 0")
	}
	if _, err := time.ParseDuration(c.Rebalance.OrderDelay); err != nil {
		return fmt.Errorf("rebalance.order_delay invalid: %w", err)
	}
	for class, symbols := range c.Rebalance.BuyCandidates {
		if !class.Valid() || class == models.AssetClassCash {
			return fmt.Errorf("rebalance.buy_candidates: invalid asset class %q", class)
		}
		if len(symbols) == 0 {
			return fmt.Errorf("rebalance.buy_candidates[%s] must list at least one symbol", class)
		}
	}

	if _, err := time.ParseDuration(c.Schedule.CheckInterval); err != nil {
		return fmt.Errorf("schedule.check_interval invalid: %w", err)
	}

	if c.Report.Path == "" {
		return fmt.Errorf("report.path is required")
	}
	if c.Report.HistoryLimit <= 0 {
		return fmt.Errorf("report.history_limit must be > 0")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Allocation.ViolationMultiplier == 0 {
		c.Allocation.ViolationMultiplier = defaultViolationMultiplier
	}
	if c.Allocation.CriticalExcess == 0 {
		c.Allocation.CriticalExcess = defaultCriticalExcess
	}
	if c.Rebalance.ProfitTakingFraction == 0 {
		c.Rebalance.ProfitTakingFraction = defaultProfitTakingFraction
	}
	if c.Rebalance.OrderDelay == "" {
		c.Rebalance.OrderDelay = defaultOrderDelay.String()
	}
	if c.Schedule.CheckInterval == "" {
		c.Schedule.CheckInterval = "15m"
	}
	if c.Report.HistoryLimit == 0 {
		c.Report.HistoryLimit = defaultHistoryLimit
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetCheckInterval returns the configured decision loop interval.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CheckInterval)
	if err != nil {
		return 15 * time.Minute // default
	}
	return d
}

// GetOrderDelay returns the configured pause between order submissions.
func (c *Config) GetOrderDelay() time.Duration {
	d, err := time.ParseDuration(c.Rebalance.OrderDelay)
	if err != nil {
		return defaultOrderDelay
	}
	return d
}

// TargetClasses returns the configured allocation classes in a stable order
// so violation scans are deterministic across passes.
func (c *Config) TargetClasses() []models.AssetClass {
	classes := make([]models.AssetClass, 0, len(c.Allocation.Targets))
	for class := range c.Allocation.Targets {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return classes
}
