package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/yairfalse/tracepipe/pkg/config"
	"gopkg.in/yaml.v3"
)

var (
	configPath   string
	configForce  bool
	configFormat string
)

// configFs is where config subcommands read and write files
var configFs = afero.NewOsFs()

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tracepipe configuration",
	Long: `Initialize, inspect and validate configuration.

Configuration sources (in priority order):
  1. Command line flags
  2. Environment variables (TRACEPIPE_*)
  3. Configuration file (--config, $TRACEPIPE_CONFIG or the search paths)
  4. Defaults`,
	Example: `  # Write a config file with every default spelled out
  tracepipe config init

  # Show the effective configuration as JSON
  tracepipe config show --format json

  # Validate a file
  tracepipe config validate tracepipe.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the defaults",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigValidate,
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables tracepipe reads",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range config.NewLoader().EnvVarNames() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configEnvCmd)

	configInitCmd.Flags().StringVar(&configPath, "file", "tracepipe.yaml", "configuration file path")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "output format (yaml, json)")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if exists, _ := afero.Exists(configFs, configPath); exists && !configForce {
		return fmt.Errorf("configuration file already exists: %s\nUse --force to overwrite or choose a different path", configPath)
	}
	if err := config.DefaultConfig().WriteFile(configFs, configPath); err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	abs, _ := filepath.Abs(configPath)
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration initialized: %s\n", abs)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var data []byte
	switch configFormat {
	case "yaml", "yml":
		data, err = yaml.Marshal(cfg)
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("unsupported format: %s (use yaml or json)", configFormat)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no configuration file given")
	}
	cfg, err := config.LoadConfigFs(configFs, path)
	if err != nil {
		return explainConfigError(err)
	}
	out := cmd.OutOrStdout()
	for _, w := range cfg.Warnings() {
		fmt.Fprintf(out, "warning: %s: %s (%s)\n", w.Field, w.Message, w.Suggestion)
	}
	fmt.Fprintf(out, "Configuration is valid: %s\n", path)
	return nil
}
