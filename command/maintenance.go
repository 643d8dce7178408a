package command

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/infobloxopen/sheets-etl/source"
	"github.com/spf13/cobra"
)

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List loaded jobs and whether their document changed since",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			jobs, err := st.Jobs(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOCUMENT\tSUB-TABLE\tTARGET\tLOADED\tSTATE")
			for _, j := range jobs {
				state := "current"
				if j.Stale() {
					state = "stale"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.DocumentID, j.SubTable, j.TargetTable, j.LoadedModified, state)
			}
			return tw.Flush()
		},
	}
}

func (a *app) sheetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sheets <documentId>",
		Short: "List the sub-tables of a remote document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src, err := a.opts.NewSource(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			lister, ok := src.(source.SubTableLister)
			if !ok {
				return errors.New("source cannot list sub-tables")
			}
			names, err := lister.SubTables(ctx, args[0])
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func (a *app) forgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <documentId>",
		Short: "Delete a document's loaded rows and accounting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := st.RemoveDocument(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s and %d job(s)\n", args[0], n)
			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
