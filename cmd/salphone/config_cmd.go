package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/sal/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage salphone configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init <file>",
	Short: "Write the default configuration to a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Default().Save(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "default config written to %s\n", args[0])
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration given by --config and the environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "VALID: listen %s/%s, codecs %v\n",
			cfg.SIP.Listen, cfg.SIP.Transport, cfg.Media.Codecs)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}
