package evaluator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/signalnine/seceval/internal/codeql"
	"github.com/signalnine/seceval/internal/events"
	"github.com/signalnine/seceval/internal/result"
	"github.com/signalnine/seceval/internal/task"
)

// Rescore rebuilds final_report.json and summary.json from the raw phase
// artifacts already in runDir. Nothing is executed. A missing results.json
// or SARIF file is treated like the corresponding phase having failed, and
// a security phase the previous summary records as skipped stays skipped.
func Rescore(runDir string, sink events.Sink) (*Report, error) {
	em := events.For(sink, "rescore")

	gens, err := task.LoadGenerations(filepath.Join(runDir, result.GenerationsFile))
	if err != nil {
		return nil, fmt.Errorf("loading generations: %w", err)
	}
	tasks, excluded := task.Select(gens)

	var phases Phases
	report := &Report{RunDir: runDir, Excluded: excluded}

	phases.Functional, phases.FunctionalErr = result.ReadFunctionalResults(filepath.Join(runDir, result.ResultsFile))
	if phases.FunctionalErr != nil {
		em.Warn("functional results unavailable", "error", phases.FunctionalErr.Error())
		report.FunctionalErr = phases.FunctionalErr
	}

	runID := ""
	prev, prevErr := result.ReadSummary(runDir)
	if prevErr == nil {
		runID = prev.RunID
	}

	sarifPath := filepath.Join(runDir, result.SARIFFile)
	reason := ""
	if prevErr == nil && !prev.SecurityEvaluated && prev.SecuritySkipReason != "" {
		reason = prev.SecuritySkipReason
		em.Skipped(reason, "source", result.SummaryFile)
	} else if _, statErr := os.Stat(sarifPath); statErr != nil {
		reason = "no analysis results"
		em.Skipped(reason)
	} else if findings, err := codeql.ParseResults(sarifPath); err != nil {
		reason = "analysis results unreadable"
		report.SecurityErr = err
		em.Skipped(reason, "error", err.Error())
	} else {
		phases.Findings, phases.SecurityRan = findings, true
	}

	report.RunID = runID
	report.Records = Correlate(tasks, phases)
	report.Summary = result.Summarize(runID, report.Records, len(excluded))
	report.Summary.SecuritySkipReason = reason

	if err := WriteArtifacts(runDir, report.Records, report.Summary); err != nil {
		return nil, err
	}
	em.Info("rescored", "total", report.Summary.Total)
	return report, nil
}
