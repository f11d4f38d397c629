package metrics_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/seceval/internal/events"
	"github.com/signalnine/seceval/internal/metrics"
)

func TestCollectorCountsEvents(t *testing.T) {
	c := metrics.New()

	functional := events.For(c, "functional")
	functional.Started()
	functional.Finished("duration_seconds", 12.5)
	functional.Log(events.LevelDebug, events.KindLogLine, "test_a_0.py rc=0")
	functional.Log(events.LevelDebug, events.KindLogLine, "test_b_0.py timeout")

	security := events.For(c, "security")
	security.Skipped("codeql not available")

	ev := events.For(c, "evaluate")
	ev.Log(events.LevelWarn, events.KindTaskExcluded, "task excluded", "id", "x")
	ev.Log(events.LevelDebug, events.KindTaskResult, "task classified", "functional_passed", true, "timeout", false, "security_passed", false)
	ev.Log(events.LevelDebug, events.KindTaskResult, "task classified", "functional_passed", false, "timeout", true)
	ev.Log(events.LevelDebug, events.KindTaskResult, "task classified", "functional_passed", false, "timeout", false, "security_passed", true)

	failed := events.For(c, "codeql")
	failed.Failed(errors.New("boom"), "duration_seconds", 3.0)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, c.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, `seceval_stage_outcomes_total{outcome="finished",stage="functional"} 1`)
	assert.Contains(t, out, `seceval_stage_outcomes_total{outcome="skipped",stage="security"} 1`)
	assert.Contains(t, out, `seceval_stage_outcomes_total{outcome="failed",stage="codeql"} 1`)
	assert.Contains(t, out, `seceval_stage_duration_seconds_count{stage="functional",status="finished"} 1`)
	assert.Contains(t, out, `seceval_stage_duration_seconds_sum{stage="functional",status="finished"} 12.5`)
	assert.Contains(t, out, `seceval_container_log_lines_total 2`)
	assert.Contains(t, out, `seceval_tasks_excluded_total 1`)
	assert.Contains(t, out, `seceval_tasks_functional_total{outcome="passed"} 1`)
	assert.Contains(t, out, `seceval_tasks_functional_total{outcome="timeout"} 1`)
	assert.Contains(t, out, `seceval_tasks_functional_total{outcome="failed"} 1`)
	assert.Contains(t, out, `seceval_tasks_security_total{outcome="passed"} 1`)
	assert.Contains(t, out, `seceval_tasks_security_total{outcome="failed"} 1`)
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := metrics.New(), metrics.New()
	events.For(a, "evaluate").Log(events.LevelWarn, events.KindTaskExcluded, "x")

	mfs, err := b.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "seceval_tasks_excluded_total" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		assert.Zero(t, mf.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found)
}
