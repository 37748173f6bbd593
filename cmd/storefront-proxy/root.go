package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-fetch/pkg/config"
	"github.com/Sternrassler/storefront-fetch/pkg/logging"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "storefront-proxy",
		Short: "Cached gateway in front of the storefront commerce API",
		Long: `storefront-proxy serves catalogue resources through the storefront fetch
layer. Responses are cached with a TTL, concurrent requests for the same
resource share one upstream call, transient failures are retried with
backoff, and stale data is served when the commerce API is unreachable.

Configuration is read from storefront.yaml (or --config) and can be
overridden with STOREFRONT_* environment variables, e.g.
  STOREFRONT_COMMERCE_BASE_URL=https://shop.example.com/wp-json/wc/v3`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.Logging.Level),
				Pretty: cfg.Logging.Pretty,
				Output: os.Stderr,
			})
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: ./storefront.yaml or $XDG_CONFIG_HOME/storefront-fetch/storefront.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newFetchCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storefront-proxy %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
