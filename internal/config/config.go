package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"holder-indexer/internal/logging"
)

// DateLayout is the layout used for series epochs and CLI date flags.
const DateLayout = "2006-01-02"

// Series kinds.
const (
	KindHolders = "holders"
	KindTVL     = "tvl"
)

// Election modes.
const (
	ElectionStatic   = "static"
	ElectionAdvisory = "advisory"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Gate      GateConfig      `mapstructure:"gate"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Explorer  ExplorerConfig  `mapstructure:"explorer"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Series    []SeriesConfig  `mapstructure:"series"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig points at the shared cool-down store. An empty Addr keeps
// cool-down flags in process memory.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// GateConfig governs which replica runs indexing ticks and how long a failure suppresses them.
type GateConfig struct {
	ElectedWorker   bool          `mapstructure:"elected_worker"`
	Election        string        `mapstructure:"election"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	CooldownTTL     time.Duration `mapstructure:"cooldown_ttl"`
}

// SchedulerConfig governs tick cadence.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	DailySpec    string        `mapstructure:"daily_spec"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// ExplorerConfig covers the block-explorer HTTP API.
type ExplorerConfig struct {
	Network        string        `mapstructure:"network"`
	MainnetURL     string        `mapstructure:"mainnet_url"`
	TestnetURL     string        `mapstructure:"testnet_url"`
	APIKey         string        `mapstructure:"api_key"`
	PageSize       int           `mapstructure:"page_size"`
	ResultWindow   int           `mapstructure:"result_window"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HTTPConfig configures the read-only ops server. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// SeriesConfig describes one indexed time series.
type SeriesConfig struct {
	Name             string          `mapstructure:"name"`
	Kind             string          `mapstructure:"kind"`
	Contract         string          `mapstructure:"contract"`
	HolderAddress    string          `mapstructure:"holder_address"`
	Epoch            time.Time       `mapstructure:"epoch"`
	Threshold        decimal.Decimal `mapstructure:"threshold"`
	Decimals         int32           `mapstructure:"decimals"`
	FunctionPrefixes []string        `mapstructure:"function_prefixes"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HOLDERINDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	fillSeriesDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Series {
		cfg.Series[i].Epoch = cfg.Series[i].Epoch.UTC()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "holderindexer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "holderindexer:cooldown:")

	v.SetDefault("gate.elected_worker", true)
	v.SetDefault("gate.election", ElectionStatic)
	v.SetDefault("gate.advisory_lock_key", int64(0x686f6c64))
	v.SetDefault("gate.cooldown_ttl", "15m")

	v.SetDefault("scheduler.tick_interval", "5s")
	v.SetDefault("scheduler.daily_spec", "0 5 0 * * *")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("explorer.network", "mainnet")
	v.SetDefault("explorer.mainnet_url", "https://api.etherscan.io/api")
	v.SetDefault("explorer.testnet_url", "https://api-sepolia.etherscan.io/api")
	v.SetDefault("explorer.page_size", 1000)
	v.SetDefault("explorer.result_window", 10000)
	v.SetDefault("explorer.rate_limit_rps", 4.0)
	v.SetDefault("explorer.request_timeout", "15s")
	v.SetDefault("explorer.user_agent", "holderindexer/1.0")

	v.SetDefault("ethereum.request_timeout", "15s")

	v.SetDefault("series", []map[string]any{
		{
			"name":     "iq",
			"kind":     KindHolders,
			"contract": "0x579CEa1889991f68aCc35Ff5c3dd0621fF29b0C9",
			"epoch":    "2021-03-19",
		},
		{
			"name":     "hiiq",
			"kind":     KindHolders,
			"contract": "0x1bF5457eCAa14Ff63CC89EFd560E251e814E16Ba",
			"epoch":    "2021-03-19",
		},
		{
			"name":           "hiiq_tvl",
			"kind":           KindTVL,
			"contract":       "0x579CEa1889991f68aCc35Ff5c3dd0621fF29b0C9",
			"holder_address": "0x1bF5457eCAa14Ff63CC89EFd560E251e814E16Ba",
			"epoch":          "2021-03-19",
		},
	})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeHookFunc(DateLayout),
			stringToDecimalHookFunc(),
		)
	}
}

func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Decimal{}, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		}
		return data, nil
	}
}

// seriesDefaults fill keys a series entry leaves out. Keys present in the
// source are kept even when zero.
var seriesDefaults = map[string]any{
	"kind":              KindHolders,
	"threshold":         "5",
	"decimals":          18,
	"function_prefixes": []string{"transfer", "approve"},
}

func fillSeriesDefaults(v *viper.Viper) {
	var entries []map[string]any
	switch raw := v.Get("series").(type) {
	case []map[string]any:
		entries = raw
	case []any:
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				return
			}
			entries = append(entries, m)
		}
	default:
		return
	}

	filled := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out := make(map[string]any, len(entry)+len(seriesDefaults))
		for k, val := range entry {
			out[strings.ToLower(k)] = val
		}
		for k, val := range seriesDefaults {
			if _, ok := out[k]; !ok {
				out[k] = val
			}
		}
		filled = append(filled, out)
	}
	v.Set("series", filled)
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be greater than zero")
	}
	if strings.TrimSpace(c.Scheduler.DailySpec) == "" {
		return fmt.Errorf("scheduler.daily_spec must be set")
	}
	if c.Gate.CooldownTTL <= 0 {
		return fmt.Errorf("gate.cooldown_ttl must be greater than zero")
	}
	switch c.Gate.Election {
	case ElectionStatic, ElectionAdvisory:
	default:
		return fmt.Errorf("gate.election must be %q or %q", ElectionStatic, ElectionAdvisory)
	}
	if c.Explorer.PageSize <= 0 {
		return fmt.Errorf("explorer.page_size must be greater than zero")
	}
	if c.Explorer.ResultWindow < c.Explorer.PageSize {
		return fmt.Errorf("explorer.result_window must be at least explorer.page_size")
	}
	if c.Explorer.Network != "mainnet" && c.Explorer.Network != "testnet" {
		return fmt.Errorf("explorer.network must be mainnet or testnet")
	}

	seen := make(map[string]struct{}, len(c.Series))
	for _, s := range c.Series {
		if s.Name == "" {
			return fmt.Errorf("series.name is required")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("series %q declared twice", s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.Contract == "" {
			return fmt.Errorf("series %q: contract is required", s.Name)
		}
		if s.Epoch.IsZero() {
			return fmt.Errorf("series %q: epoch is required", s.Name)
		}
		if s.Threshold.IsNegative() {
			return fmt.Errorf("series %q: threshold cannot be negative", s.Name)
		}
		if s.Decimals < 0 || s.Decimals > 36 {
			return fmt.Errorf("series %q: decimals out of range", s.Name)
		}
		switch s.Kind {
		case KindHolders:
		case KindTVL:
			if s.HolderAddress == "" {
				return fmt.Errorf("series %q: holder_address is required for tvl series", s.Name)
			}
		default:
			return fmt.Errorf("series %q: unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

// FindSeries returns the series named name.
func (c *Config) FindSeries(name string) (SeriesConfig, bool) {
	for _, s := range c.Series {
		if s.Name == name {
			return s, true
		}
	}
	return SeriesConfig{}, false
}

// SeriesNames lists configured series in declaration order.
func (c *Config) SeriesNames() []string {
	names := make([]string, 0, len(c.Series))
	for _, s := range c.Series {
		names = append(names, s.Name)
	}
	return names
}
