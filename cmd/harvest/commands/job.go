package commands

import (
	"github.com/spf13/cobra"

	"github.com/remilejeune/udata-harvest/harvest"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "job",
		Aliases: []string{"jobs"},
		Short:   "Inspect harvest jobs",
	}
	cmd.AddCommand(newJobListCmd(), newJobStatusCmd())
	return cmd
}

func newJobListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "ls [ident]",
		Aliases: []string{"list"},
		Short:   "List jobs, newest first, of one source or of all",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident := ""
			if len(args) == 1 {
				ident = args[0]
			}
			return withApp(func(a *app) error {
				jobs, err := a.service.ListJobs(cmd.Context(), ident, limit)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, jobs)
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{
						j.ID, j.SourceID, statusColor(j.Status), itemSummary(j),
						formatTime(&j.CreatedAt), formatDuration(j),
					})
				}
				return printTable(cmd, []string{"ID", "SOURCE", "STATUS", "ITEMS", "CREATED", "DURATION"}, rows, "No jobs")
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs")
	return cmd
}

func newJobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id|ident>",
		Short: "Show a job, or the last job of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx := cmd.Context()
				job, err := a.service.GetJob(ctx, args[0])
				if harvest.IsNotFound(err) {
					job, err = a.service.LastJob(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJob(cmd, job)
			})
		},
	}
}
