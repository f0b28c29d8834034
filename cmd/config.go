package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/agentgate/core/config"
)

var configDefaults bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file and AGENTGATE_*
environment variables, as YAML.`,
	RunE: runConfig,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, err := loadConfig(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)

	configCmd.Flags().BoolVar(&configDefaults, "defaults", false, "Print the built-in defaults instead")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if !configDefaults {
		mgr, _, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = mgr.Get()
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
