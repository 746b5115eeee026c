package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/daybreak/internal/config"
)

var (
	configInitProject bool
	configInitForce   bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View or create daybreak configuration.

Configuration is stored at ~/.config/daybreak/config.yaml
Project-specific overrides can be placed in .daybreak.yaml
Environment variables (DAYBREAK_WORKFLOW_DURATION_MINUTES, ANTHROPIC_API_KEY,
GOOGLE_API_KEY, ...) override both.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		shown := *cfg
		shown.Anthropic.APIKey = config.MaskAPIKey(cfg.Anthropic.APIKey)
		shown.Gemini.APIKey = config.MaskAPIKey(cfg.Gemini.APIKey)
		body, err := config.Marshal(&shown)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "# user config:    %s\n", describePath(config.GetUserConfigPath()))
		fmt.Fprintf(out, "# project config: %s\n", describePath(config.GetProjectConfigPath()))
		fmt.Fprintf(out, "# api key source: %s\n", config.GetAPIKeySource(cfg))
		fmt.Fprint(out, string(body))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetUserConfigPath()
		if configInitProject {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
			path = filepath.Join(cwd, config.ProjectConfigName)
		}
		if err := config.WriteStarter(path, configInitForce); err != nil {
			return fmt.Errorf("%w (use --force to overwrite)", err)
		}
		printStatus(cmd.OutOrStdout(), "✓", "wrote "+path, color.FgGreen)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitProject, "project", false, "Write .daybreak.yaml in the current directory")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func describePath(path string) string {
	if path == "" {
		return "(none)"
	}
	if _, err := os.Stat(path); err != nil {
		return path + " (not found)"
	}
	return path
}
