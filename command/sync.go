package command

import (
	"fmt"
	"io"

	"github.com/infobloxopen/sheets-etl/engine"
	"github.com/spf13/cobra"
)

func (a *app) discoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Record documents modified since the last discovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			res, err := s.engine.Discover(ctx)
			if err != nil {
				return err
			}
			printDiscover(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func (a *app) loadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Reload configured sheets whose document changed",
		Long: `Reload every configured sheet whose document was modified after its last
load. Each sheet is replaced in its own transaction; a failing sheet does not
stop the others, but makes the command exit non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			report, err := s.engine.Load(ctx)
			if err != nil {
				return err
			}
			printLoad(cmd.OutOrStdout(), report)
			return report.Err()
		},
	}
}

func (a *app) verifyCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-check that the longest unconfirmed documents are still accessible",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			n := count
			if n <= 0 {
				n = a.cfg.Sync.VerifyCount
			}
			results, err := s.engine.VerifyOldest(ctx, n)
			printVerify(cmd.OutOrStdout(), results)
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "documents to check, defaults to sync.verify_count")
	return cmd
}

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Discover, load and verify once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			a.serveMetrics(ctx, s.metrics)

			report, err := s.engine.Run(ctx)
			out := cmd.OutOrStdout()
			printDiscover(out, report.Discover)
			printLoad(out, report.Load)
			printVerify(out, report.Verify)
			if err != nil {
				return err
			}
			return report.Load.Err()
		},
	}
}

func printDiscover(w io.Writer, res engine.DiscoverResult) {
	fmt.Fprintf(w, "discovered %d document(s), watermark %s -> %s\n", len(res.Documents), res.From, res.To)
}

func printLoad(w io.Writer, report engine.LoadReport) {
	for _, o := range report.Loaded {
		fmt.Fprintf(w, "loaded    %s -> %s (%d rows)\n", o.Job, o.Job.TargetTable, o.Result.RowsInserted)
	}
	for _, o := range report.Skipped {
		fmt.Fprintf(w, "unchanged %s\n", o.Job)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(w, "failed    %s/%s: %v\n", f.DocumentID, f.SubTable, f.Err)
	}
}

func printVerify(w io.Writer, results []engine.VerifyResult) {
	for _, r := range results {
		if r.Accessible {
			fmt.Fprintf(w, "ok        %s\n", r.DocumentID)
		} else {
			fmt.Fprintf(w, "gone      %s: %v\n", r.DocumentID, r.Err)
		}
	}
}
