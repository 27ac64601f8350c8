package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/rename-milter/internal/app"
	"github.com/foxzi/rename-milter/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var errNoConfig = errors.New("config file is required (use -c flag)")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rename-milter",
	Short: "rename-milter - header relocation milter",
	Long: `rename-milter is a milter that renames selected headers added by earlier hops,
so that downstream filters only see the values this hop produced.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the milter",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rename-milter version %s\n", version)
		if commit != "unknown" {
			fmt.Fprintf(out, "  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Fprintf(out, "  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, errNoConfig
	}
	return config.Load(cfgFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app.Version = version
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	rename := cfg.Relocation()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  Socket: %s (umask %s)\n", cfg.Milter.Socket, cfg.Milter.Umask)
	fmt.Fprintf(out, "  Marker: %s\n", rename.Marker)
	fmt.Fprintf(out, "  Prefix: %s\n", rename.Prefix)
	if rename.RequireMarker {
		fmt.Fprintf(out, "  Require marker: yes\n")
	}
	fmt.Fprintf(out, "  Rules:\n")
	for _, name := range rename.Rules.Names() {
		rule, _ := rename.Rules.Lookup(name)
		fmt.Fprintf(out, "    %s: %s\n", name, rule.Matcher)
	}
	fmt.Fprintf(out, "  Logging: %s (%s, %s)\n", cfg.Logging.Output, cfg.Logging.Level, cfg.Logging.Format)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.Storage.Path != "" {
		fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Path)
	}

	return nil
}
