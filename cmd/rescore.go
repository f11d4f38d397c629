package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/seceval/internal/evaluator"
	"github.com/signalnine/seceval/internal/events"
	"github.com/signalnine/seceval/internal/report"
)

func newRescoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescore [run-dir]",
		Short: "Rebuild the final report from a run's raw results",
		Long: "Re-correlate results.json and codeql_results.sarif against the run's " +
			"generations.json and rewrite final_report.json and summary.json. " +
			"No containers or analysis tools are run.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, err := resolveRunDir(cmd, args)
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			rep, err := evaluator.Rescore(runDir, events.NewZapSink(logger))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rescored %d samples in %s\n", rep.Summary.Total, runDir)
			return report.Generate(runDir, "table", out)
		},
	}
}
