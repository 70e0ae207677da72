package cli

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"holder-indexer/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Gate:      config.GateConfig{Election: config.ElectionStatic, CooldownTTL: time.Minute},
		Scheduler: config.SchedulerConfig{TickInterval: time.Second, DailySpec: "@daily"},
		Explorer:  config.ExplorerConfig{Network: "mainnet", PageSize: 1000, ResultWindow: 10000},
		Series: []config.SeriesConfig{{
			Name:      "iq",
			Kind:      config.KindHolders,
			Contract:  "0x1",
			Epoch:     time.Date(2021, 3, 19, 0, 0, 0, 0, time.UTC),
			Threshold: decimal.NewFromInt(5),
			Decimals:  18,
		}},
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Cleanup(func() { logLevel, network, rpcURL = "", "", "" })

	cfg := validConfig()
	require.NoError(t, applyOverrides(cfg))
	require.Equal(t, "mainnet", cfg.Explorer.Network)

	logLevel, network, rpcURL = "debug", "testnet", "http://node:8545"
	require.NoError(t, applyOverrides(cfg))
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "testnet", cfg.Explorer.Network)
	require.Equal(t, "http://node:8545", cfg.Ethereum.RPCURL)

	network = "goerli"
	require.Error(t, applyOverrides(validConfig()))
}
