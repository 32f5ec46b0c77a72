package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/maildispatch/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the global flags
type options struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "maildispatch",
		Short: "maildispatch - bulk mail dispatch queue",
		Long: `maildispatch accepts mailings over a length-prefixed TCP protocol, keeps
them in a prioritized in-memory queue backed by snapshot files and relays
them to an SMTP server with a pool of delivery workers.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file with MAILDISPATCH_* overrides (default .env)")

	rootCmd.AddCommand(newServerCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newSendCmd(opts))
	rootCmd.AddCommand(newGroupCmd(opts))
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newStatsCmd(opts))

	return rootCmd
}

// loadConfig reads the dotenv file, then the configuration
func (o *options) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "maildispatch %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}

func newConfigCmd(opts *options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long:  "Commands for generating and validating maildispatch configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputPath := "maildispatch.conf"
			if len(args) > 0 {
				outputPath = args[0]
			}
			if err := config.CreateDefaultConfig(outputPath); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := opts.configPath
			if len(args) > 0 {
				configFile = args[0]
			}
			return validateConfig(cmd, configFile)
		},
	})

	return configCmd
}

func validateConfig(cmd *cobra.Command, configFile string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	result := cfg.Validate()

	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, e := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, e.Error())
		}
		fmt.Fprintln(out)
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, w := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, w.Error())
		}
		fmt.Fprintln(out)
	}

	if result.Valid {
		fmt.Fprintf(out, "Configuration Summary:\n")
		fmt.Fprintf(out, "  DB directory: %s\n", cfg.DB.Dir)
		fmt.Fprintf(out, "  Receiver: %s\n", cfg.Receiver.Listen)
		fmt.Fprintf(out, "  Workers: %d\n", cfg.Sender.Workers)
		if cfg.SMTP.DryRun {
			fmt.Fprintf(out, "  SMTP relay: dry run\n")
		} else {
			fmt.Fprintf(out, "  SMTP relay: %s:%d\n", cfg.SMTP.Hostname, cfg.SMTP.Port)
		}
		fmt.Fprintf(out, "  Body cache: %s\n", cfg.Cache.Type)
		if cfg.Metrics.Enabled {
			fmt.Fprintf(out, "  Metrics: %s\n", cfg.Metrics.Listen)
		} else {
			fmt.Fprintf(out, "  Metrics: disabled\n")
		}
		return nil
	}

	return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
}
