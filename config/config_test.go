package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cdr-ledger/billing"
	"github.com/warp/cdr-ledger/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no stray .env

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, int64(30*24*3600), cfg.Billing.CyclePeriod)
	assert.Equal(t, billing.BalanceRuleLatest, cfg.Billing.BalanceRule)
	assert.Equal(t, config.ClockSystem, cfg.Billing.Clock)
	assert.Equal(t, 8, cfg.Billing.BatchWorkers)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "@every 1m", cfg.Scheduler.Spec)
	assert.False(t, cfg.IsManualClock())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	// GIVEN: A YAML file and an environment override
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 9090
store:
  driver: redis
  redis:
    addr: cache:6379
    prefix: ledger
billing:
  cycle_period: 7862400
  balance_rule: total_cost
  clock: manual
  manual_start: 1727971507
`), 0o600))
	t.Setenv("CDRLEDGER_HTTP_PORT", "9191")

	// WHEN: Loading
	cfg, err := config.Load(path)
	require.NoError(t, err)

	// THEN: The environment wins over the file, the file over defaults
	assert.Equal(t, 9191, cfg.HTTP.Port)
	assert.Equal(t, config.DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "cache:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "ledger", cfg.Store.Redis.Prefix)
	assert.Equal(t, int64(7862400), cfg.Billing.CyclePeriod)
	assert.Equal(t, billing.BalanceRuleTotalCost, cfg.Billing.BalanceRule)
	assert.True(t, cfg.IsManualClock())
	assert.Equal(t, uint64(1727971507), cfg.Billing.ManualStart)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CDRLEDGER_BILLING_CYCLE_PERIOD=3600\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CDRLEDGER_BILLING_CYCLE_PERIOD") })

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), cfg.Billing.CyclePeriod)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	valid, err := config.Load("")
	require.NoError(t, err)

	cases := map[string]func(c *config.Config){
		"zero cycle period":     func(c *config.Config) { c.Billing.CyclePeriod = 0 },
		"negative cycle period": func(c *config.Config) { c.Billing.CyclePeriod = -60 },
		"unknown driver":        func(c *config.Config) { c.Store.Driver = "postgres" },
		"sqlite without path":   func(c *config.Config) { c.Store.Driver = config.DriverSQLite; c.Store.SQLitePath = "" },
		"redis without addr":    func(c *config.Config) { c.Store.Driver = config.DriverRedis; c.Store.Redis.Addr = "" },
		"unknown balance rule":  func(c *config.Config) { c.Billing.BalanceRule = "average" },
		"unknown clock":         func(c *config.Config) { c.Billing.Clock = "ntp" },
		"no batch workers":      func(c *config.Config) { c.Billing.BatchWorkers = 0 },
		"bad port":              func(c *config.Config) { c.HTTP.Port = 70000 },
		"bad cron spec":         func(c *config.Config) { c.Scheduler.Spec = "every minute" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), billing.ErrInvalidConfiguration)
		})
	}

	// A bad spec is ignored while the scheduler is off.
	c := valid
	c.Scheduler.Enabled = false
	c.Scheduler.Spec = "every minute"
	assert.NoError(t, c.Validate())
}
