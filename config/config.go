/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Built-in defaults (see setDefaults)
  2. Optional YAML file passed to Load
  3. Environment, prefixed CDRLEDGER_ with "." replaced by "_"
     (e.g. CDRLEDGER_BILLING_CYCLE_PERIOD=2592000). A .env file in the
     working directory is loaded into the environment first.

EXAMPLE FILE:
  http:
    port: 8080
  store:
    driver: sqlite
    sqlite_path: ./data/cdr-ledger.db
  billing:
    cycle_period: 7862400
    balance_rule: latest
  scheduler:
    spec: "@every 5m"
*/
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/warp/cdr-ledger/billing"
)

const EnvPrefix = "CDRLEDGER"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Clock sources.
const (
	ClockSystem = "system"
	ClockManual = "manual"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type StoreConfig struct {
	Driver     string      `mapstructure:"driver"`
	SQLitePath string      `mapstructure:"sqlite_path"`
	Redis      RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type BillingConfig struct {
	// CyclePeriod is the cycle length in timestamp units (seconds).
	CyclePeriod  int64  `mapstructure:"cycle_period"`
	BalanceRule  string `mapstructure:"balance_rule"`
	Clock        string `mapstructure:"clock"`
	ManualStart  uint64 `mapstructure:"manual_start"` // 0 means the wall clock at startup
	BatchWorkers int    `mapstructure:"batch_workers"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.sqlite_path", "./data/cdr-ledger.db")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "cdrledger")
	v.SetDefault("billing.cycle_period", 30*24*3600)
	v.SetDefault("billing.balance_rule", billing.BalanceRuleLatest)
	v.SetDefault("billing.clock", ClockSystem)
	v.SetDefault("billing.manual_start", 0)
	v.SetDefault("billing.batch_workers", 8)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 1m")
}

// Load reads configuration from defaults, the optional file at path and the
// environment, then validates it.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting. The returned error matches
// billing.ErrInvalidConfiguration.
func (c Config) Validate() error {
	var problems []string

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		problems = append(problems, fmt.Sprintf("http.port %d out of range", c.HTTP.Port))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			problems = append(problems, "store.redis.addr is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Billing.CyclePeriod <= 0 {
		problems = append(problems, fmt.Sprintf("billing.cycle_period must be positive, got %d", c.Billing.CyclePeriod))
	}
	if _, err := billing.BalanceRuleByName(c.Billing.BalanceRule); err != nil {
		problems = append(problems, fmt.Sprintf("unknown billing.balance_rule %q", c.Billing.BalanceRule))
	}
	if c.Billing.Clock != ClockSystem && c.Billing.Clock != ClockManual {
		problems = append(problems, fmt.Sprintf("unknown billing.clock %q", c.Billing.Clock))
	}
	if c.Billing.BatchWorkers <= 0 {
		problems = append(problems, fmt.Sprintf("billing.batch_workers must be positive, got %d", c.Billing.BatchWorkers))
	}

	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Spec); err != nil {
			problems = append(problems, fmt.Sprintf("scheduler.spec %q: %v", c.Scheduler.Spec, err))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", billing.ErrInvalidConfiguration, strings.Join(problems, "; "))
}

// IsManualClock reports whether time only moves through the clock API.
func (c Config) IsManualClock() bool {
	return c.Billing.Clock == ClockManual
}
