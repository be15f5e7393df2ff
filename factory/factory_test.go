package factory_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/cdr-ledger/billing"
	"github.com/warp/cdr-ledger/config"
	"github.com/warp/cdr-ledger/factory"
)

// =============================================================================
// CDR PAYLOADS
// =============================================================================

func TestParseCDR_ObjectAndTupleAgree(t *testing.T) {
	object, err := factory.ParseCDR([]byte(`{"service_type":1,"timestamp":1727971507,"cost":"25","balance":1000}`))
	require.NoError(t, err)
	tuple, err := factory.ParseCDR([]byte(`[1, 1727971507, 25, "1000"]`))
	require.NoError(t, err)

	assert.Equal(t, object.ServiceType, tuple.ServiceType)
	assert.Equal(t, object.Timestamp, tuple.Timestamp)
	assert.True(t, object.Cost.Equal(tuple.Cost))
	assert.True(t, object.Balance.Equal(tuple.Balance))
}

func TestParseCDR_WideValues(t *testing.T) {
	c, err := factory.ParseCDR([]byte(`[255, 18446744073709551615, "115792089237316195423570985008687907853269984665640564039457584007913129639935", 0]`))
	require.NoError(t, err)
	assert.Equal(t, billing.ServiceType(255), c.ServiceType)
	assert.Equal(t, ^uint64(0), c.Timestamp)
	assert.Equal(t, "115792089237316195423570985008687907853269984665640564039457584007913129639935", c.Cost.String())
}

func TestParseCDR_Rejects(t *testing.T) {
	cases := map[string]struct {
		body string
		want error
	}{
		"empty":              {``, factory.ErrInvalidCDR},
		"scalar":             {`42`, factory.ErrInvalidCDR},
		"short tuple":        {`[1, 2, 3]`, factory.ErrInvalidCDR},
		"service type > 255": {`[256, 1, 1, 1]`, factory.ErrInvalidCDR},
		"negative timestamp": {`[1, -1, 1, 1]`, factory.ErrInvalidCDR},
		"negative cost":      {`[1, 1, -1, 1]`, billing.ErrInvalidAmount},
		"fractional balance": {`{"cost":1,"balance":"0.5"}`, billing.ErrInvalidAmount},
		"exponent cost":      {`[1, 1, 1e5, 1]`, billing.ErrInvalidAmount},
		"exponent string":    {`{"cost":"1e200000000","balance":0}`, billing.ErrInvalidAmount},
		"unknown field":      {`{"cost":1,"balance":1,"extra":true}`, factory.ErrInvalidCDR},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := factory.ParseCDR([]byte(tc.body))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseEntries(t *testing.T) {
	entries, err := factory.ParseEntries([]byte(`[
		{"user_id": "0x8ba1f109551bd432803012645ac136dd", "cdr": [1, 10, 1, 1]},
		{"user_id": "8ba1f109-551b-d432-8030-12645ac136dd", "cdr": {"service_type": 2, "timestamp": 11, "cost": 2, "balance": 0}}
	]`))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].UserID, entries[1].UserID)
	assert.Equal(t, billing.ServiceData, entries[1].CDR.ServiceType)

	_, err = factory.ParseEntries([]byte(`[{"user_id": "nope", "cdr": [1, 1, 1, 1]}]`))
	assert.ErrorIs(t, err, billing.ErrInvalidUserID)
}

func TestToJSON(t *testing.T) {
	b, err := json.Marshal(factory.ToJSON(billing.CDR{ServiceType: 1, Timestamp: 7, Cost: billing.NewAmount(3), Balance: billing.NewAmount(4)}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"service_type":1,"timestamp":7,"cost":"3","balance":"4"}`, string(b))
}

// =============================================================================
// RUNTIME
// =============================================================================

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuild_Drivers(t *testing.T) {
	mr := miniredis.RunT(t)

	cases := map[string]func(c *config.Config){
		"memory": func(c *config.Config) {},
		"sqlite": func(c *config.Config) {
			c.Store.Driver = config.DriverSQLite
			c.Store.SQLitePath = filepath.Join(t.TempDir(), "data", "ledger.db")
		},
		"redis": func(c *config.Config) {
			c.Store.Driver = config.DriverRedis
			c.Store.Redis.Addr = mr.Addr()
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cfg := baseConfig(t)
			cfg.Billing.Clock = config.ClockManual
			cfg.Billing.ManualStart = 5000
			mutate(&cfg)

			rt, err := factory.Build(ctx, cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
			require.NoError(t, err)
			defer rt.Close()

			require.NotNil(t, rt.Manual)
			assert.Equal(t, uint64(5000), rt.Manual.Now())

			user := billing.NewUserID()
			_, err = rt.Engine.AddCDR(ctx, user, billing.CDR{Cost: billing.NewAmount(1), Balance: billing.NewAmount(2)})
			require.NoError(t, err)

			acc, err := rt.Engine.Account(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, uint64(5000), acc.FirstRecordTime)
		})
	}
}

func TestBuild_SystemClockAndRule(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Billing.BalanceRule = billing.BalanceRuleTotalCost

	rt, err := factory.Build(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Manual)
	assert.IsType(t, billing.SystemClock{}, rt.Engine.Clock())
	assert.Equal(t, billing.BalanceRuleTotalCost, rt.Engine.BalanceRule().Name())
}

func TestBuild_InvalidConfiguration(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Billing.CyclePeriod = 0

	_, err := factory.Build(context.Background(), cfg, zaptest.NewLogger(t), nil)
	assert.ErrorIs(t, err, billing.ErrInvalidConfiguration)
}
