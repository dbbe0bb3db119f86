package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"loom/internal/fileutil"
	"loom/internal/pipeline"
	"loom/internal/runstate"
	"loom/internal/stages"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-stage artifact counts and the last run outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			state, err := runstate.Open(cfg)
			if err != nil {
				return fmt.Errorf("open run state store: %w", err)
			}
			defer state.Close()

			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(stages.All()))
			for _, dir := range statDirs(cfg) {
				stats, err := fileutil.StatsForDir(dir)
				if err != nil {
					stats = fileutil.DirStats{}
				}
				rows = append(rows, []string{
					filepath.Base(dir),
					strconv.FormatInt(stats.Files, 10),
					humanize.Bytes(uint64(stats.Bytes)),
				})
			}

			fmt.Fprintln(out, renderTable(
				[]string{"Artifacts", "Files", "Size"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight},
			))

			completed, err := state.CompletedUnits(context.Background(), string(stages.Detect))
			if err == nil {
				fmt.Fprintf(out, "Detect units completed: %d\n", len(completed))
			}

			if report, path, ok := latestReport(reportsDir(cfg)); ok {
				fmt.Fprintf(out, "Last run: %s (%s, exit %d)\n", report.FinalStatus, report.RunID, report.ExitCode)
				stepRows := make([][]string, 0, len(report.Steps))
				for _, step := range report.Steps {
					stepRows = append(stepRows, []string{
						step.Label,
						step.Name,
						string(step.Status),
						fmt.Sprintf("%.1fs", step.DurationSeconds),
						strconv.Itoa(step.ExitCode),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Step", "Name", "Status", "Duration", "Exit"},
					stepRows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
				))
				fmt.Fprintf(out, "Report: %s\n", path)
			} else {
				fmt.Fprintln(out, "No runs recorded yet.")
			}
			return nil
		},
	}
}

// latestReport loads the most recently modified run report, if any.
func latestReport(dir string) (pipeline.Report, string, bool) {
	matches, err := filepath.Glob(filepath.Join(dir, "run-*.json"))
	if err != nil || len(matches) == 0 {
		return pipeline.Report{}, "", false
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return matches[i] < matches[j]
		}
		return fi.ModTime().After(fj.ModTime())
	})

	data, err := os.ReadFile(matches[0])
	if err != nil {
		return pipeline.Report{}, "", false
	}
	var report pipeline.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return pipeline.Report{}, "", false
	}
	return report, matches[0], true
}
