package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/remilejeune/udata-harvest/am"
	"github.com/remilejeune/udata-harvest/errors"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the configuration",
		Long: `Show or initialise the configuration.

Configuration sources (later overrides earlier):
  1. Built-in defaults
  2. /etc/harvest/config.toml
  3. ~/.harvest/am.toml
  4. am.toml in the working directory or the nearest parent
  5. HARVEST_* environment variables (harvest.debug -> HARVEST_HARVEST_DEBUG)`,
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var (
		format  string
		sources bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sources {
				return showSources(cmd)
			}
			cfg, err := am.Load()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			if jsonOutput(cmd) {
				format = "json"
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return errors.Wrap(err, "failed to marshal config to JSON")
				}
				fmt.Fprintln(out, string(data))
			case "yaml":
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return errors.Wrap(err, "failed to marshal config to YAML")
				}
				fmt.Fprintf(out, "# harvest configuration\n%s", data)
			case "toml":
				data, err := toml.Marshal(cfg)
				if err != nil {
					return errors.Wrap(err, "failed to marshal config to TOML")
				}
				fmt.Fprintf(out, "# harvest configuration\n%s", data)
			default:
				return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "toml", "Output format: toml, json, yaml")
	cmd.Flags().BoolVar(&sources, "sources", false, "Show where each setting comes from")
	return cmd
}

func showSources(cmd *cobra.Command) error {
	in, err := am.Introspect()
	if err != nil {
		return errors.Wrap(err, "failed to inspect config")
	}
	if jsonOutput(cmd) {
		return printJSON(cmd, in)
	}

	out := cmd.OutOrStdout()
	if len(in.Files) == 0 {
		fmt.Fprintln(out, "No config file loaded")
	} else {
		fmt.Fprintln(out, "Config files (later overrides earlier):")
		for _, f := range in.Files {
			fmt.Fprintf(out, "  %s\n", f)
		}
	}
	fmt.Fprintln(out)

	rows := make([][]string, 0, len(in.Settings))
	for _, s := range in.Settings {
		value := fmt.Sprintf("%v", s.Value)
		if len(value) > 50 {
			value = value[:47] + "..."
		}
		origin := string(s.Source)
		if s.SourcePath != "" && s.Source != am.SourceDefault {
			origin += " (" + s.SourcePath + ")"
		}
		rows = append(rows, []string{s.Key, value, origin})
	}
	return printTable(cmd, []string{"KEY", "VALUE", "SOURCE"}, rows, "No settings")
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Long: `Write a default configuration file, ~/.harvest/am.toml unless a path
is given. An existing file is only replaced with --force; the previous
versions are kept as .back1 to .back3.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := am.UserConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no home directory: pass a path")
			}
			if err := am.WriteDefault(path, force); err != nil {
				return err
			}
			success(cmd, "Wrote %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
