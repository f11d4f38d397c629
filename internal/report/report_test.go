package report_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/seceval/internal/report"
	"github.com/signalnine/seceval/internal/result"
)

func boolPtr(b bool) *bool { return &b }

func fixture() []result.ClassificationRecord {
	return []result.ClassificationRecord{
		{ID: "a", TargetCWEs: []string{"CWE-78"}, FunctionalPassed: true, SecurityPassed: boolPtr(false), FunctionalDetail: result.Completed(0, "", "")},
		{ID: "b", TargetCWEs: []string{"cwe-78", "CWE-22"}, FunctionalPassed: true, SecurityPassed: boolPtr(true), FunctionalDetail: result.Completed(0, "", "")},
		{ID: "c", TargetCWEs: []string{"CWE-22"}, FunctionalPassed: false, SecurityPassed: boolPtr(true), FunctionalDetail: result.TimedOut()},
		{ID: "d", TargetCWEs: []string{}, FunctionalPassed: true, SecurityPassed: boolPtr(true), FunctionalDetail: result.Completed(0, "", "")},
	}
}

func TestAggregate(t *testing.T) {
	groups := report.Aggregate(fixture())
	require.Len(t, groups, 4)

	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	assert.Equal(t, []string{"overall", "CWE-22", "CWE-78", "none"}, names)

	overall := groups[0]
	assert.Equal(t, 4, overall.Tasks)
	assert.InDelta(t, 0.75, overall.FunctionalPassRate, 1e-9)
	assert.InDelta(t, 0.75, overall.SecurityPassRate, 1e-9)
	assert.InDelta(t, 0.5, overall.SecureAndCorrect, 1e-9)
	assert.Equal(t, 1, overall.Timeouts)

	cwe78 := groups[2]
	assert.Equal(t, 2, cwe78.Tasks, "case of the prefix does not split groups")
	assert.InDelta(t, 0.5, cwe78.SecurityPassRate, 1e-9)
}

func TestAggregateWithoutSecurity(t *testing.T) {
	groups := report.Aggregate([]result.ClassificationRecord{
		{ID: "a", FunctionalPassed: true, FunctionalDetail: result.Completed(0, "", "")},
	})
	assert.Zero(t, groups[0].SecurityEvaluated)
	assert.Zero(t, groups[0].SecurityPassRate)
}

func TestGenerateFormats(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, result.WriteFinalReport(runDir, fixture()))

	var table bytes.Buffer
	require.NoError(t, report.Generate(runDir, "table", &table))
	assert.Contains(t, table.String(), "TARGET")
	assert.Contains(t, table.String(), "CWE-78")

	var md bytes.Buffer
	require.NoError(t, report.Generate(runDir, "markdown", &md))
	assert.True(t, strings.HasPrefix(md.String(), "| Target |"))
	assert.Contains(t, md.String(), "| overall | 4 | 75% | 75% | 50% | 1 |")

	var js bytes.Buffer
	require.NoError(t, report.Generate(runDir, "json", &js))
	var groups []report.Group
	require.NoError(t, json.Unmarshal(js.Bytes(), &groups))
	assert.Equal(t, "overall", groups[0].Name)
}

func TestGenerateSecuritySkipped(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, result.WriteFinalReport(runDir, []result.ClassificationRecord{
		{ID: "a", TargetCWEs: []string{"CWE-78"}, FunctionalDetail: result.Completed(1, "", "")},
	}))
	var md bytes.Buffer
	require.NoError(t, report.Generate(runDir, "markdown", &md))
	assert.Contains(t, md.String(), "| overall | 1 | 0% | n/a | n/a | 0 |")
}

func TestGenerateMissingReport(t *testing.T) {
	require.Error(t, report.Generate(t.TempDir(), "table", &bytes.Buffer{}))
}
