package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// loader reads configuration and builds the logger. With watch set, later
// edits of the config file are logged.
type loader func(watch bool) (*config.Config, *logger.Logger, error)

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:   "tokenizer",
		Short: "Find PII columns and replace their values with deterministic tokens",
		Long: `tokenizer classifies dataset columns for PII and rewrites plaintext values
to deterministic tokens, once per value, driven by tags on a metadata service.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level for one-shot commands")

	load := func(quiet bool) loader {
		return func(watch bool) (*config.Config, *logger.Logger, error) {
			var current atomic.Pointer[logger.Logger]
			var onChange func(*config.Config)
			if watch {
				onChange = func(c *config.Config) {
					if l := current.Load(); l != nil {
						l.Info("Configuration file changed, restart to apply",
							zap.Bool("dry_run", c.Tokenization.DryRun),
							zap.Strings("platforms", c.Tokenization.Platforms),
						)
					}
				}
			}

			cfg, err := config.LoadAndWatch(configPath, onChange)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
			}
			if quiet && !verbose {
				cfg.Logging.Level = "warn"
			}
			log, err := newLogger(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
			}
			current.Store(log)
			return cfg, log, nil
		}
	}

	root.AddCommand(
		newServeCmd(load(false)),
		newClassifyCmd(load(true)),
		newRunCmd(load(true)),
		newStatusCmd(),
		newHealthCheckCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pii-tokenizer %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
