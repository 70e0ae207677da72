package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"holder-indexer/internal/app"
	"holder-indexer/internal/config"
	"holder-indexer/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	network   string
	rpcURL    string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "holderindexer",
	Short: "Index daily token holder counts and locked value",
	Long: `holderindexer walks each configured series one UTC day at a time, keeps the
set of addresses holding at least the series threshold, and records one
snapshot per day.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if err := applyOverrides(cfg); err != nil {
			return err
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// applyOverrides folds command-line flags into cfg and re-validates it.
func applyOverrides(cfg *config.Config) error {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if network != "" {
		cfg.Explorer.Network = network
	}
	if rpcURL != "" {
		cfg.Ethereum.RPCURL = rpcURL
	}
	return cfg.Validate()
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&network, "network", "", "Explorer network to query (mainnet or testnet)")
	rootCmd.PersistentFlags().StringVar(&rpcURL, "rpc-url", "", "Override ethereum.rpc_url for balanceOf reads")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
