package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/harvest/schedule"
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "source",
		Aliases: []string{"sources"},
		Short:   "Manage harvest sources",
		Long: `Manage harvest sources.

Sources are addressed by slug or id everywhere an <ident> is expected.

Examples:
  harvest source ls
  harvest source create "City budget" ./exports --backend files --config pattern=*.csv
  harvest source get city-budget
  harvest source delete city-budget`,
	}
	cmd.AddCommand(newSourceListCmd(), newSourceGetCmd(), newSourceCreateCmd(), newSourceDeleteCmd())
	return cmd
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List sources",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				sources, err := a.service.ListSources(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, sources)
				}
				rows := make([][]string, 0, len(sources))
				for _, s := range sources {
					scheduled := ""
					if s.IsScheduled() {
						scheduled = "yes"
					}
					rows = append(rows, []string{s.Slug, s.Name, s.Backend, string(s.Frequency), scheduled, s.URL})
				}
				return printTable(cmd, []string{"SLUG", "NAME", "BACKEND", "FREQUENCY", "SCHEDULED", "URL"}, rows, "No sources")
			})
		},
	}
}

// sourceView is the JSON shape of source get.
type sourceView struct {
	*harvest.Source
	LastJob      *harvest.Job           `json:"last_job,omitempty"`
	PeriodicTask *schedule.PeriodicTask `json:"periodic_task,omitempty"`
}

func loadSourceView(ctx context.Context, a *app, ident string) (*sourceView, error) {
	source, err := a.service.GetSource(ctx, ident)
	if err != nil {
		return nil, err
	}
	view := &sourceView{Source: source}
	if job, err := a.service.LastJob(ctx, source.ID); err == nil {
		view.LastJob = job
	} else if !errors.Is(err, harvest.ErrJobNotFound) {
		return nil, err
	}
	if source.IsScheduled() {
		task, err := a.service.PeriodicTask(ctx, source.ID)
		if err != nil {
			return nil, err
		}
		view.PeriodicTask = task
	}
	return view, nil
}

func newSourceGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <ident>",
		Short: "Show a source with its schedule and last job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				view, err := loadSourceView(cmd.Context(), a, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, view)
				}
				s := view.Source
				fields := [][2]string{
					{"ID", s.ID},
					{"Slug", s.Slug},
					{"Name", s.Name},
					{"Description", s.Description},
					{"URL", s.URL},
					{"Backend", s.Backend},
					{"Config", formatValues(s.Config)},
					{"Frequency", string(s.Frequency)},
					{"Owner", s.Owner},
					{"Organization", s.Organization},
					{"Created", formatTime(&s.CreatedAt)},
				}
				if !s.Active {
					fields = append(fields, [2]string{"Active", "no"})
				}
				if t := view.PeriodicTask; t != nil {
					fields = append(fields,
						[2]string{"Schedule", t.Crontab.String()},
						[2]string{"Next run", formatTime(t.NextRunAt)},
						[2]string{"Last run", formatTime(t.LastRunAt)})
				}
				if j := view.LastJob; j != nil {
					fields = append(fields,
						[2]string{"Last job", j.ID},
						[2]string{"Last status", statusColor(j.Status)},
						[2]string{"Last items", itemSummary(j)})
				}
				return printFields(cmd, fields)
			})
		},
	}
}

func newSourceCreateCmd() *cobra.Command {
	var (
		in       harvest.SourceInput
		freq     string
		settings []string
	)
	cmd := &cobra.Command{
		Use:   "create <name> <url>",
		Short: "Create a source",
		Long: `Create a source.

Backend settings are passed as repeated --config key=value flags. Values are
typed: integers, floats and booleans are recognised, comma-separated values
become lists.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			in.URL = args[1]
			in.Frequency = harvest.Frequency(freq)
			config, err := parseSettings(settings)
			if err != nil {
				return err
			}
			in.Config = config

			return withApp(func(a *app) error {
				source, err := a.service.CreateSource(cmd.Context(), in)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, source)
				}
				success(cmd, "Created source %s (%s)", source.Slug, source.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&in.Backend, "backend", "b", "", "Backend harvesting the source (see harvest backends)")
	cmd.Flags().StringVar(&in.Description, "description", "", "Free-form description")
	cmd.Flags().StringVar(&freq, "frequency", "", "manual, daily, weekly or monthly (default manual)")
	cmd.Flags().StringArrayVarP(&settings, "config", "c", nil, "Backend setting as key=value (repeatable)")
	cmd.Flags().StringVar(&in.Owner, "owner", "", "Owning user")
	cmd.Flags().StringVar(&in.Organization, "organization", "", "Owning organization")
	cmd.Flags().BoolVar(&in.Inactive, "inactive", false, "Create the source disabled")
	_ = cmd.MarkFlagRequired("backend")
	return cmd
}

// parseSettings turns key=value pairs into typed values.
func parseSettings(pairs []string) (harvest.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(harvest.Values, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.WithHint(
				errors.Newf("invalid setting %q", pair),
				"use --config key=value, for example --config items_key=data")
		}
		values[key] = harvest.ParseValue(raw)
	}
	return values, nil
}

func newSourceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <ident>",
		Aliases: []string{"rm"},
		Short:   "Delete a source and its schedule; its jobs are kept",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				source, err := a.service.DeleteSource(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, source)
				}
				success(cmd, "Deleted source %s", source.Slug)
				return nil
			})
		},
	}
}
