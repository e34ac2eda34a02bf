package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"sipwatch/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config file without starting capture",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load %s: %w", configFile, err)
		}
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return fmt.Errorf("validate %s: %w", configFile, err)
		}
		fmt.Printf("%s is valid\n", configFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
