package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/sal/pkg/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "salphone",
	Short: "SIP softphone built on the sal signaling stack",
	Long: `salphone answers and places SIP calls using the sal operation stack
over the sipgo transport.

Configuration is read from a YAML file (--config) and SAL_* environment
variables, for example SAL_SIP_LISTEN=0.0.0.0:5070 or SAL_LOG_LEVEL=debug.`,
	SilenceUsage: true,
	Version:      "1.0.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
