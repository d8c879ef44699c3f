package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"company-intel/internal/memory"
	"company-intel/internal/models"
	"company-intel/internal/store"
)

func (a *app) runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect pipeline runs",
	}

	var tenant, status string
	var limit, offset int
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs for a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				runs, err := st.ListRuns(cmd.Context(), store.ListRunsParams{
					TenantID: tenant,
					Status:   models.RunStatus(strings.ToUpper(status)),
					Limit:    limit,
					Offset:   offset,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), runs)
				}
				return writeRuns(cmd, runs)
			})
		},
	}
	list.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant id")
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum results")
	list.Flags().IntVar(&offset, "offset", 0, "Skip this many runs")
	list.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	_ = list.MarkFlagRequired("tenant")

	var showTenant string
	show := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				run, err := st.GetRun(cmd.Context(), showTenant, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			})
		},
	}
	show.Flags().StringVarP(&showTenant, "tenant", "t", "", "Tenant id")
	_ = show.MarkFlagRequired("tenant")

	cmd.AddCommand(list, show)
	return cmd
}

func writeRuns(cmd *cobra.Command, runs []models.Run) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tSTARTED\tDURATION")
	for _, r := range runs {
		dur := "-"
		if r.DurationMs != nil {
			dur = (time.Duration(*r.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.Trigger, r.StartedAt.Format(time.RFC3339), dur)
	}
	return tw.Flush()
}

func (a *app) threadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect thread memory",
	}

	var tenant string
	var skip, take int
	list := &cobra.Command{
		Use:   "list",
		Short: "List threads by most recent activity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				threads, err := memory.NewManager(st, a.logger).ListThreads(cmd.Context(), tenant, skip, take)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "THREAD\tTURNS\tCHARS\tUPDATED")
				for _, t := range threads {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", t.ThreadKey, t.TotalTurns, t.TotalChars, t.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant id")
	list.Flags().IntVar(&skip, "skip", 0, "Skip this many threads")
	list.Flags().IntVar(&take, "take", 20, "Maximum results")
	_ = list.MarkFlagRequired("tenant")

	var showTenant string
	show := &cobra.Command{
		Use:   "show [thread-key]",
		Short: "Print the retained messages of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				mem, err := memory.NewManager(st, a.logger).GetThread(cmd.Context(), showTenant, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), mem)
			})
		},
	}
	show.Flags().StringVarP(&showTenant, "tenant", "t", "", "Tenant id")
	_ = show.MarkFlagRequired("tenant")

	var sumTenant string
	summarize := &cobra.Command{
		Use:   "set-summary [thread-key] [summary]",
		Short: "Replace the rolling summary of a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				if _, err := memory.NewManager(st, a.logger).SetSummary(cmd.Context(), sumTenant, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "summary updated")
				return nil
			})
		},
	}
	summarize.Flags().StringVarP(&sumTenant, "tenant", "t", "", "Tenant id")
	_ = summarize.MarkFlagRequired("tenant")

	cmd.AddCommand(list, show, summarize)
	return cmd
}
