package main

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List and show runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			al, err := g.open(logger)
			if err != nil {
				return err
			}
			defer shutdown(al, logger)

			listed, err := al.Client().ListRuns(cmd.Context(), g.experimentID)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), listed)
			}
			rows := make([][]string, 0, len(listed))
			for _, r := range listed {
				rows = append(rows, []string{
					r.Info.RunID,
					string(r.Info.Status),
					formatMillis(r.Info.StartTime),
					r.Data.Tags[autologTag],
					r.Info.RunName,
				})
			}
			return writeTable(cmd.OutOrStdout(), []string{"RUN_ID", "STATUS", "STARTED", "FLAVOR", "NAME"}, rows)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show a run's params, tags and latest metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			al, err := g.open(logger)
			if err != nil {
				return err
			}
			defer shutdown(al, logger)

			run, err := al.Client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "run %s (%s)\nartifacts: %s\n\n", run.Info.RunID, run.Info.Status, run.Info.ArtifactURI)

			var rows [][]string
			for _, k := range sortedKeys(run.Data.Params) {
				rows = append(rows, []string{"param", k, run.Data.Params[k]})
			}
			for _, k := range sortedKeys(run.Data.Tags) {
				rows = append(rows, []string{"tag", k, run.Data.Tags[k]})
			}
			for _, k := range sortedKeys(run.Data.Metrics) {
				rows = append(rows, []string{"metric", k, fmt.Sprint(run.Data.Metrics[k])})
			}
			return writeTable(out, []string{"KIND", "KEY", "VALUE"}, rows)
		},
	})
	return cmd
}

func newMetricsCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Inspect metric histories",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "history RUN_ID KEY",
		Short: "Print every recorded point of a metric",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			al, err := g.open(logger)
			if err != nil {
				return err
			}
			defer shutdown(al, logger)

			points, err := al.Client().GetMetricHistory(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("metric history: %w", err)
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), points)
			}
			rows := make([][]string, 0, len(points))
			for _, p := range points {
				rows = append(rows, []string{fmt.Sprint(p.Step), fmt.Sprint(p.Value), formatMillis(p.Timestamp)})
			}
			return writeTable(cmd.OutOrStdout(), []string{"STEP", "VALUE", "TIMESTAMP"}, rows)
		},
	})
	return cmd
}

func newArtifactsCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect run artifacts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls RUN_ID [PATH]",
		Short: "List the artifacts of a run",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			al, err := g.open(logger)
			if err != nil {
				return err
			}
			defer shutdown(al, logger)

			dir := ""
			if len(args) == 2 {
				dir = args[1]
			}
			infos, err := al.Client().ListArtifacts(cmd.Context(), args[0], dir)
			if err != nil {
				return fmt.Errorf("list artifacts: %w", err)
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), infos)
			}
			rows := make([][]string, 0, len(infos))
			for _, fi := range infos {
				size := "-"
				if !fi.IsDir {
					size = fmt.Sprint(fi.FileSize)
				}
				rows = append(rows, []string{fi.Path, size})
			}
			return writeTable(cmd.OutOrStdout(), []string{"PATH", "SIZE"}, rows)
		},
	})
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
