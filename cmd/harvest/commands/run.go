package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
)

func newRunCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "run <ident>",
		Short: "Harvest a source now, in the foreground",
		Long: `Harvest a source now, in the foreground.

Failures are recorded on the job and reported here. With --debug the first
error stops the harvest and backend panics are not recovered.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				job, err := a.service.Run(cmd.Context(), args[0], debug)
				if job != nil {
					if perr := printJob(cmd, job); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if job.Status == harvest.JobFailed {
					return errors.Newf("harvest of %s failed", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Stop at the first error and propagate backend panics")
	return cmd
}

func newLaunchCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "launch <ident>",
		Short: "Queue a harvest for the workers of harvest serve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				launch, err := a.service.Launch(cmd.Context(), args[0], debug)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, launch)
				}
				success(cmd, "Queued launch %s", launch.ID)
				if a.cfg.Workers.Count == 0 {
					fmt.Fprint(cmd.OutOrStdout(), pterm.Warning.Sprintln("workers.count is 0: another process must run the queue"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Run the queued harvest in debug mode")
	return cmd
}

// printJob renders a job with its errors and the errors of its items.
func printJob(cmd *cobra.Command, job *harvest.Job) error {
	if jsonOutput(cmd) {
		return printJSON(cmd, job)
	}
	if err := printFields(cmd, [][2]string{
		{"Job", job.ID},
		{"Source", job.SourceID},
		{"Status", statusColor(job.Status)},
		{"Items", itemSummary(job)},
		{"Created", formatTime(&job.CreatedAt)},
		{"Started", formatTime(job.StartedAt)},
		{"Ended", formatTime(job.EndedAt)},
		{"Duration", formatDuration(job)},
	}); err != nil {
		return err
	}

	var rows [][]string
	for _, e := range job.Errors {
		rows = append(rows, []string{"(job)", e.Message})
	}
	for _, item := range job.Items {
		for _, e := range item.Errors {
			rows = append(rows, []string{item.RemoteID, e.Message})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return printTable(cmd, []string{"ITEM", "ERROR"}, rows, "")
}
