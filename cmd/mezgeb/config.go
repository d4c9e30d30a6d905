package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/config"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect and write the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration as TOML",
	Long: `Print the configuration after defaults, the config file and MEZGEB_*
environment variables have been applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "# %s\n", config.Path())
		return cfg.Encode(w)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the resolved configuration to the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), config.Path())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
