package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
)

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "failed to encode JSON output")
}

// printTable renders rows under header. An empty table prints empty instead.
func printTable(cmd *cobra.Command, header []string, rows [][]string, empty string) error {
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), empty)
		return nil
	}
	data := append(pterm.TableData{header}, rows...)
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// printFields renders key/value pairs in order, skipping empty values.
func printFields(cmd *cobra.Command, fields [][2]string) error {
	var rows [][]string
	for _, f := range fields {
		if f[1] != "" {
			rows = append(rows, []string{pterm.Bold.Sprint(f[0]), f[1]})
		}
	}
	out, err := pterm.DefaultTable.WithData(rows).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func success(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln(format, args...))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(job *harvest.Job) string {
	if job.StartedAt == nil || job.EndedAt == nil {
		return ""
	}
	return job.EndedAt.Sub(*job.StartedAt).Round(time.Millisecond).String()
}

func statusColor(status harvest.JobStatus) string {
	switch status {
	case harvest.JobDone:
		return pterm.FgGreen.Sprint(status)
	case harvest.JobDoneErrors:
		return pterm.FgYellow.Sprint(status)
	case harvest.JobFailed:
		return pterm.FgRed.Sprint(status)
	default:
		return pterm.FgCyan.Sprint(status)
	}
}

// itemSummary renders item counts as "done=3 failed=1".
func itemSummary(job *harvest.Job) string {
	counts := job.CountItems()
	if len(counts) == 0 {
		return "no items"
	}
	keys := make([]string, 0, len(counts))
	for status := range counts {
		keys = append(keys, string(status))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[harvest.ItemStatus(k)]))
	}
	return strings.Join(parts, " ")
}

// formatValues renders settings as "key=value" pairs in key order.
func formatValues(vs harvest.Values) string {
	parts := make([]string, 0, len(vs))
	for _, k := range vs.Keys() {
		parts = append(parts, k+"="+vs[k].String())
	}
	return strings.Join(parts, " ")
}
