package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chanscrape/chanscrape/internal/job"
)

func newJobCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage scraping jobs in the job store",
	}
	cmd.AddCommand(newJobCreateCmd(g), newJobListCmd(g), newJobGetCmd(g))
	return cmd
}

func newJobCreateCmd(g *globalOpts) *cobra.Command {
	var (
		tracerID string
		jobArgs  map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job in the CREATED state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), g, func(ctx context.Context, m *job.Manager) error {
				j, err := m.Create(ctx, tracerID, jobArgs)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
	cmd.Flags().StringVar(&tracerID, "tracer-id", "", "Tracer id for the job (required)")
	cmd.Flags().StringToStringVar(&jobArgs, "arg", nil, "Job argument as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("tracer-id")
	return cmd
}

func newJobListCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), g, func(ctx context.Context, m *job.Manager) error {
				jobs, err := m.List(ctx)
				if err != nil {
					return err
				}
				if jobs == nil {
					jobs = []*job.Job{}
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
}

func newJobGetCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return withManager(cmd.Context(), g, func(ctx context.Context, m *job.Manager) error {
				j, err := m.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
}

// withManager opens the configured job store for the duration of fn.
func withManager(ctx context.Context, g *globalOpts, fn func(context.Context, *job.Manager) error) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Database.URL == "" {
		return errors.New("job commands need a persistent store: set database.url or DATABASE_URL")
	}
	m, closeStore, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	return fn(ctx, m)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
