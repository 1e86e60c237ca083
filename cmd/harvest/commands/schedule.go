package commands

import (
	"github.com/spf13/cobra"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest/schedule"
)

func newScheduleCmd() *cobra.Command {
	var (
		crontab       schedule.Crontab
		fromFrequency bool
	)
	cmd := &cobra.Command{
		Use:   "schedule <ident>",
		Short: "Harvest a source periodically",
		Long: `Harvest a source periodically, on a crontab evaluated by harvest serve.

Unset fields default to "*". --from-frequency derives the crontab from the
frequency of the source (daily, weekly or monthly).

Examples:
  harvest schedule city-budget --hour 3 --minute 30
  harvest schedule city-budget --minute 0 --hour 6 --day-of-week 1
  harvest schedule city-budget --from-frequency`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx := cmd.Context()
				if fromFrequency {
					if cmd.Flags().Changed("minute") || cmd.Flags().Changed("hour") ||
						cmd.Flags().Changed("day-of-week") || cmd.Flags().Changed("day-of-month") ||
						cmd.Flags().Changed("month-of-year") {
						return errors.New("--from-frequency cannot be combined with crontab fields")
					}
					source, err := a.service.GetSource(ctx, args[0])
					if err != nil {
						return err
					}
					crontab, err = schedule.CrontabForFrequency(string(source.Frequency))
					if err != nil {
						return errors.Wrapf(err, "source %s", source.Slug)
					}
				}

				source, err := a.service.Schedule(ctx, args[0], crontab)
				if err != nil {
					return err
				}
				task, err := a.service.PeriodicTask(ctx, source.ID)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, task)
				}
				success(cmd, "Scheduled %s on %q, next run %s", source.Slug, task.Crontab.String(), formatTime(task.NextRunAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&crontab.Minute, "minute", "", "Crontab minute field")
	cmd.Flags().StringVar(&crontab.Hour, "hour", "", "Crontab hour field")
	cmd.Flags().StringVar(&crontab.DayOfWeek, "day-of-week", "", "Crontab day-of-week field")
	cmd.Flags().StringVar(&crontab.DayOfMonth, "day-of-month", "", "Crontab day-of-month field")
	cmd.Flags().StringVar(&crontab.MonthOfYear, "month-of-year", "", "Crontab month field")
	cmd.Flags().BoolVar(&fromFrequency, "from-frequency", false, "Derive the crontab from the source frequency")
	return cmd
}

func newUnscheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unschedule <ident>",
		Short: "Stop harvesting a source periodically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				source, err := a.service.Unschedule(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, source)
				}
				success(cmd, "Unscheduled %s", source.Slug)
				return nil
			})
		},
	}
}
