package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Run directory layout.
const (
	GenerationsFile = "generations.json"
	BatchScriptFile = "run_tests.py"
	ResultsFile     = "results.json"
	DatabaseDir     = "codeql_db"
	SARIFFile       = "codeql_results.sarif"
	FinalReportFile = "final_report.json"
	SummaryFile     = "summary.json"
	MetricsFile     = "metrics.prom"
)

func NewRunID() string {
	return uuid.NewString()
}

// CreateRunDir makes a timestamped run directory under baseDir/runs and
// points baseDir/latest at it.
func CreateRunDir(baseDir, runID string) (string, error) {
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	if len(runID) >= 8 {
		stamp += "-" + runID[:8]
	}
	runDir, err := filepath.Abs(filepath.Join(baseDir, "runs", stamp))
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// WriteJSON writes v indented, via a temp file renamed into place.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func WriteFinalReport(runDir string, records []ClassificationRecord) error {
	if records == nil {
		records = []ClassificationRecord{}
	}
	return WriteJSON(filepath.Join(runDir, FinalReportFile), records)
}

func ReadFinalReport(runDir string) ([]ClassificationRecord, error) {
	var records []ClassificationRecord
	if err := ReadJSON(filepath.Join(runDir, FinalReportFile), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func WriteSummary(runDir string, s Summary) error {
	return WriteJSON(filepath.Join(runDir, SummaryFile), s)
}

func ReadSummary(runDir string) (*Summary, error) {
	var s Summary
	if err := ReadJSON(filepath.Join(runDir, SummaryFile), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadFunctionalResults loads the batch script's results.json, keyed by
// functional filename. Each entry is normalized to a single outcome.
func ReadFunctionalResults(path string) (map[string]FunctionalDetail, error) {
	raw := map[string]FunctionalDetail{}
	if err := ReadJSON(path, &raw); err != nil {
		return nil, err
	}
	for name, d := range raw {
		raw[name] = d.Normalize()
	}
	return raw, nil
}
