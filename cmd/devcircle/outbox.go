package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/outbox"
	"github.com/spf13/cobra"
)

func newOutboxCommand() *cobra.Command {
	outboxCmd := &cobra.Command{Use: "outbox", Short: "Inspect and manage queued mutations"}

	var statuses []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued items",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			filter := make([]outbox.Status, 0, len(statuses))
			for _, status := range statuses {
				filter = append(filter, outbox.Status(status))
			}
			items, err := rt.session.Outbox().List(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tTYPE\tSTATUS\tRETRIES\tCREATED\tLAST ERROR")
			for _, item := range items {
				fmt.Fprintf(writer, "%d\t%s\t%s\t%d\t%s\t%s\n",
					item.ID, item.Type, item.SyncStatus, item.RetryCount,
					item.CreatedAt.Local().Format(time.RFC3339), item.LastError)
			}
			return writer.Flush()
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending, synced, failed)")

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Replay pending items now",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			report, err := rt.session.Outbox().Flush(cmd.Context())
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Reactivate failed items and replay them",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			report, err := rt.session.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete synced items",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			removed, err := rt.session.Outbox().ClearSynced(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d synced items\n", removed)
			return nil
		},
	}

	outboxCmd.AddCommand(list, drain, retry, clear)
	return outboxCmd
}

func printReport(report outbox.Report) {
	fmt.Printf("attempted %d: %d synced, %d retrying, %d failed, %d skipped\n",
		report.Attempted, report.Synced, report.Retrying, report.Failed, report.Skipped)
}
