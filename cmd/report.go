package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/seceval/internal/report"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Summarize a run's final report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, err := resolveRunDir(cmd, args)
			if err != nil {
				return err
			}
			return report.Generate(runDir, flagFormat, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}

// resolveRunDir returns args[0], or <results dir>/latest, with symlinks
// resolved.
func resolveRunDir(cmd *cobra.Command, args []string) (string, error) {
	var runDir string
	if len(args) > 0 {
		runDir = args[0]
	} else {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return "", err
		}
		runDir = filepath.Join(cfg.Results.Dir, "latest")
	}
	resolved, err := filepath.EvalSymlinks(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	return resolved, nil
}
