package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arc-catalog/catalog"
	"arc-catalog/ingest"
	"arc-catalog/store"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Convert a raw capture tree into catalog rows and blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if strings.TrimSpace(e.cfg.SourceDir) == "" {
				return fmt.Errorf("missing source dir (use --source or config.yaml source_dir)")
			}

			runner, err := ingest.NewRunner(ingest.RunnerConfig{
				SourceDir:   e.cfg.SourceDir,
				CommitEvery: e.cfg.CommitEvery,
				MaxSamples:  e.cfg.MaxSamples,
				Timeout:     e.cfg.Timeout,
				LabelDirs:   e.cfg.LabelDirs,
			}, e.repo, e.blobs, e.log.Named("ingest"))
			if err != nil {
				return err
			}
			stats, runErr := runner.Run(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Ingestion: %s found, %s processed, %s errors (%s duplicates, %s incomplete) in %s\n",
				humanize.Comma(int64(stats.Found)),
				humanize.Comma(int64(stats.Processed)),
				humanize.Comma(int64(stats.Errors)),
				humanize.Comma(int64(stats.Duplicates)),
				humanize.Comma(int64(stats.Incomplete)),
				stats.Elapsed.Round(time.Millisecond))
			if runErr != nil {
				return runErr
			}
			sum, err := runner.Summary(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(out, sum)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.source, "source", "", "Root of the raw capture tree.")
	f.IntVar(&flags.commitEvery, "commit-every", ingest.DefaultCommitEvery, "Experiments per committed transaction.")
	f.IntVar(&flags.maxSamples, "max-samples", ingest.DefaultMaxSamples, "Per-channel sample cap.")
	f.DurationVar(&flags.timeout, "timeout", 0, "Overall timeout for one run (e.g. 30m, 2h).")
	return cmd
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print label histogram and sample/level aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			sum, err := e.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
}

func printSummary(out io.Writer, sum *store.CatalogStats) {
	fmt.Fprintf(out, "Catalog: %s files\n", humanize.Comma(sum.TotalFiles))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, lc := range sum.Labels {
		fmt.Fprintf(tw, "  %s\t%s\n", lc.Label, humanize.Comma(lc.Count))
	}
	_ = tw.Flush()
	printAggregate(out, "samples", sum.Samples, 0)
	printAggregate(out, "voltage (V)", sum.Voltage, 1)
	printAggregate(out, "current (mA)", sum.Current, 1)
}

func printAggregate(out io.Writer, name string, a store.Aggregate, digits int) {
	if a.Count == 0 {
		fmt.Fprintf(out, "%s: n/a\n", name)
		return
	}
	fmt.Fprintf(out, "%s: min %s, avg %s, max %s (%s values)\n", name,
		humanize.CommafWithDigits(a.Min, digits),
		humanize.CommafWithDigits(a.Avg, digits),
		humanize.CommafWithDigits(a.Max, digits),
		humanize.Comma(a.Count))
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print review status counts, or files matching --status/--reviewed",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			out := cmd.OutOrStdout()

			if !cmd.Flags().Changed("status") && !cmd.Flags().Changed("reviewed") {
				sum, err := e.svc.StatusSummary(cmd.Context())
				if err != nil {
					return err
				}
				for _, sc := range sum.ByStatus {
					fmt.Fprintf(out, "%s\t%s\n", sc.Status, humanize.Comma(sc.Count))
				}
				for _, rc := range sum.ByReviewed {
					fmt.Fprintf(out, "reviewed=%t\t%s\n", rc.ManualReviewed, humanize.Comma(rc.Count))
				}
				fmt.Fprintf(out, "reviewed in last 24h\t%s\n", humanize.Comma(sum.RecentReviews))
				return nil
			}

			var filter store.StatusFilter
			if cmd.Flags().Changed("status") {
				filter.Status = &flags.status
			}
			if cmd.Flags().Changed("reviewed") {
				b, err := strconv.ParseBool(flags.reviewed)
				if err != nil {
					return store.ErrValidation.New("--reviewed: %v", err)
				}
				filter.Reviewed = &b
			}
			files, err := e.svc.FilesByStatus(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, f := range files {
				reviewed := "-"
				if f.ReviewedAt != nil {
					reviewed = humanize.Time(*f.ReviewedAt)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", f.FileID, f.Filename, f.Label, reviewed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&flags.status, "status", "", "Only files with this status.")
	cmd.Flags().StringVar(&flags.reviewed, "reviewed", "", "Only files with this manual-review flag (true/false).")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every blob against its recorded checksum",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			problems, err := e.svc.VerifyAll(cmd.Context(), flags.workers)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range problems {
				fmt.Fprintf(out, "%d\t%s\t%v\n", p.FileID, p.Reason, p.Err)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%s blobs failed verification", humanize.Comma(int64(len(problems))))
			}
			fmt.Fprintln(out, "all blobs verified")
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.workers, "workers", catalog.DefaultVerifyWorkers, "Concurrent verifications.")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Move blobs without a catalog row aside (do not run during ingest)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			dir := flags.quarantine
			if dir == "" {
				dir = filepath.Join(e.blobs.Root(), "orphans")
			}
			res, err := e.svc.SweepOrphans(cmd.Context(), dir)
			if res != nil {
				e.log.Info("sweep", zap.Int("quarantined", len(res.Quarantined)), zap.Int("tmp_removed", res.TmpRemoved))
				for _, p := range res.Quarantined {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&flags.quarantine, "quarantine", "", "Where orphan blobs go (default <blob-dir>/orphans).")
	return cmd
}
