package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chanscrape/chanscrape/internal/ingestion"
	"github.com/chanscrape/chanscrape/internal/job"
	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/internal/platform"
	"github.com/chanscrape/chanscrape/internal/source/tgexport"
	"github.com/chanscrape/chanscrape/pkg/config"
)

type scrapeOpts struct {
	jobID     int64
	channel   string
	tracerID  string
	exportDir string
	textOut   string
	output    string
}

func newScrapeCmd(g *globalOpts) *cobra.Command {
	var opts scrapeOpts

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one scraping job against a channel",
		Long: `Iterates the channel's messages, stores photos and documents through the
configured storage backend, registers them with the catalog and prints the job output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd.Context(), g, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int64Var(&opts.jobID, "job-id", 0, "Job id (required)")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel name (required)")
	cmd.Flags().StringVar(&opts.tracerID, "tracer-id", "", "Tracer id grouping this campaign's artifacts (required)")
	cmd.Flags().StringVar(&opts.exportDir, "export-dir", "", "Telegram export directory (default: source.export_dir)")
	cmd.Flags().StringVar(&opts.textOut, "text-out", "", "Write the text table to this CSV file")
	cmd.Flags().StringVar(&opts.output, "output", "text", "Output format: text or json")
	_ = cmd.MarkFlagRequired("job-id")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("tracer-id")

	return cmd
}

func runScrape(ctx context.Context, g *globalOpts, opts scrapeOpts, stdout io.Writer) error {
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	exportDir := firstNonEmpty(opts.exportDir, cfg.Source.ExportDir)
	if exportDir == "" {
		return errors.New("an export directory is required (--export-dir or source.export_dir)")
	}

	comps, err := ingestion.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	spec := ingestion.RunSpec{JobID: opts.jobID, ChannelName: opts.channel, TracerID: opts.tracerID}
	var pipelineOpts []ingestion.Option
	if cfg.Database.URL != "" {
		mgr, closeStore, err := openManager(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeStore() }()
		switch j, err := mgr.Get(ctx, opts.jobID); {
		case err == nil:
			spec.Job = j
			pipelineOpts = append(pipelineOpts, ingestion.WithRecorder(mgr))
		case errors.Is(err, job.ErrNotFound):
			log.Warn("job is not in the job store, running detached", logging.Int64("job_id", opts.jobID))
		default:
			return err
		}
	}

	out, err := comps.Pipeline(log, pipelineOpts...).Run(ctx, tgexport.New(exportDir, tgexport.WithLogger(log)), spec)
	if err != nil {
		return err
	}

	if opts.textOut != "" {
		if err := writeTextTable(opts.textOut, out.TextRows); err != nil {
			return err
		}
	}
	return printOutput(stdout, out, opts.output)
}

func openManager(ctx context.Context, cfg *config.Config) (*job.Manager, func() error, error) {
	store, closeStore, err := platform.OpenJobStore(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return job.NewManager(cfg.Server.JobManagerName, store), closeStore, nil
}

func writeTextTable(path string, rows []ingestion.TextRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create text table: %w", err)
	}
	if err := ingestion.WriteTextCSV(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printOutput(w io.Writer, out *ingestion.Output, format string) error {
	if format == "json" {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "State:     %s\n", out.State)
	fmt.Fprintf(w, "Tracer:    %s\n", out.TracerID)
	fmt.Fprintf(w, "Messages:  %d\n", len(out.TextRows))
	fmt.Fprintf(w, "Artifacts: %d\n", len(out.OutputLFNs))
	for _, l := range out.OutputLFNs {
		fmt.Fprintf(w, "  %s/%s/%d/%s\n", l.TracerID(), l.Source(), l.JobID(), l.RelativePath())
	}
	if len(out.Messages) > 0 {
		fmt.Fprintf(w, "Failures:  %d\n", len(out.Messages))
		for _, m := range out.Messages {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
	return nil
}
