// Command freshrouted runs the freshness-aware read router as a daemon:
// it probes every configured backend, keeps circuit and lag state, and
// serves an admin API with routing diagnostics and Prometheus metrics.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/freshroute/internal/config"
	"github.com/dreamware/freshroute/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "freshrouted",
		Short: "Freshness-aware read router",
		Long: `freshrouted picks, for every read, a backend (primary, replica or
warehouse) that honors the request's freshness class, tracking replication
lag and backend health continuously.

Configuration is read from --config, ./freshroute.yaml or
/etc/freshroute/freshroute.yaml. Any key can be overridden from the
environment with the FRESHROUTE_ prefix, e.g. FRESHROUTE_LISTEN_ADDR.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")

	root.AddCommand(
		newServeCmd(&cfgFile),
		newValidateCmd(&cfgFile),
		newConfigCmd(&cfgFile),
	)
	return root
}

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run probes and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(ctx, cfg, log.Logger)
			if err != nil {
				return err
			}
			defer d.close()
			return d.run(ctx)
		},
	}
}

func newValidateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d classes, %d backends\n", len(cfg.Classes), len(cfg.Backends))
			return nil
		},
	}
}

func newConfigCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var defaults bool
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML, passwords redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if !defaults {
				var err error
				if cfg, err = config.Load(*cfgFile); err != nil {
					return err
				}
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	printCmd.Flags().BoolVar(&defaults, "defaults", false, "print built-in defaults without reading a file")
	cmd.AddCommand(printCmd)
	return cmd
}

func newLogger(c config.LogConfig) (*logging.Log, error) {
	return logging.New().
		FromPath(c.Path).
		WithLevel(c.Level).
		Console(strings.EqualFold(c.Format, "console")).
		Make()
}
