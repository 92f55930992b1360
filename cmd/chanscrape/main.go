// Package main provides the chanscrape CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/pkg/config"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOpts struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	rootCmd := &cobra.Command{
		Use:   "chanscrape",
		Short: "Scrape messaging channels into object storage",
		Long: `chanscrape reads a channel's history, uploads its media to object storage,
registers every artifact with the catalog and optionally enriches message text.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default: search for .chanscrape/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newScrapeCmd(opts),
		newJobCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// load reads the config and builds the logger. Flags override the file.
func (o *globalOpts) load() (*config.Config, logging.Logger, error) {
	path := o.configPath
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = config.FindConfigFile(wd)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	cfg.Logging.Level = firstNonEmpty(o.logLevel, cfg.Logging.Level)

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
