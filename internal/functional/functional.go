// Package functional runs every task's tests in one batch container and
// reads back the per-file outcomes.
package functional

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/signalnine/seceval/internal/docker"
	"github.com/signalnine/seceval/internal/events"
	"github.com/signalnine/seceval/internal/result"
	"github.com/signalnine/seceval/internal/task"
)

//go:embed run_tests.py
var batchScript []byte

const (
	ModePytest = "pytest"
	ModeScript = "script"

	workspace = "/workspace"
)

// ContainerRunner is the subset of docker.Engine the batch needs.
type ContainerRunner interface {
	Pull(ctx context.Context, image string) error
	RunEphemeral(ctx context.Context, run *docker.Run) (*docker.RunResult, error)
}

type Config struct {
	Image        string
	TestTimeout  time.Duration
	BatchTimeout time.Duration
	Mode         string
	Env          map[string]string
	CPULimit     float64
	MemoryLimit  int64
}

type Runner struct {
	engine ContainerRunner
	cfg    Config
	sink   events.Sink
}

func NewRunner(engine ContainerRunner, cfg Config, sink events.Sink) *Runner {
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 30 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePytest
	}
	if sink == nil {
		sink = events.Nop
	}
	return &Runner{engine: engine, cfg: cfg, sink: sink}
}

// WriteScript places the batch script in runDir.
func WriteScript(runDir string) error {
	if err := os.WriteFile(filepath.Join(runDir, result.BatchScriptFile), batchScript, 0o644); err != nil {
		return fmt.Errorf("writing batch script: %w", err)
	}
	return nil
}

// Command is the shell line executed inside the batch container. A failed
// dependency install is reported but the tests still run, so each task
// records its own failure.
func Command() []string {
	install := fmt.Sprintf("if [ -s %[1]s ]; then pip install -q --disable-pip-version-check -r %[1]s || echo 'dependency install failed' >&2; fi",
		task.RequirementsFile)
	return []string{"sh", "-c", install + "; python " + result.BatchScriptFile}
}

// Run executes the batch over runDir/evaluation and returns outcomes keyed
// by functional filename. runDir must already hold the materialized test
// files and requirements.txt.
func (r *Runner) Run(ctx context.Context, runDir string) (map[string]result.FunctionalDetail, error) {
	em := events.For(r.sink, "functional")

	// Bind mounts need an absolute host path.
	runDir, err := filepath.Abs(runDir)
	if err != nil {
		return nil, fmt.Errorf("resolving run dir: %w", err)
	}
	if err := WriteScript(runDir); err != nil {
		return nil, err
	}
	resultsPath := filepath.Join(runDir, result.ResultsFile)
	if err := os.Remove(resultsPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale results: %w", err)
	}

	if err := r.engine.Pull(ctx, r.cfg.Image); err != nil {
		return nil, err
	}

	env := map[string]string{
		"SECEVAL_TEST_DIR":     task.FunctionalDir,
		"SECEVAL_RESULTS":      result.ResultsFile,
		"SECEVAL_TEST_MODE":    r.cfg.Mode,
		"SECEVAL_TEST_TIMEOUT": strconv.FormatFloat(r.cfg.TestTimeout.Seconds(), 'f', -1, 64),
		"PYTHONUNBUFFERED":     "1",
	}
	for k, v := range r.cfg.Env {
		if _, reserved := env[k]; !reserved {
			env[k] = v
		}
	}

	em.Info("running batch", "image", r.cfg.Image, "mode", r.cfg.Mode, "test_timeout", r.cfg.TestTimeout.String())
	res, err := r.engine.RunEphemeral(ctx, &docker.Run{
		Image:       r.cfg.Image,
		Command:     Command(),
		Volumes:     []docker.Volume{{Source: runDir, Target: workspace}},
		Env:         env,
		WorkDir:     workspace,
		CPULimit:    r.cfg.CPULimit,
		MemoryLimit: r.cfg.MemoryLimit,
		Timeout:     r.cfg.BatchTimeout,
		OnLine: func(line string) {
			em.Log(events.LevelDebug, events.KindLogLine, line)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("running batch container: %w", err)
	}
	if res.TimedOut {
		return nil, fmt.Errorf("batch container exceeded %s", r.cfg.BatchTimeout)
	}

	outcomes, err := result.ReadFunctionalResults(resultsPath)
	if err != nil {
		return nil, fmt.Errorf("batch exited %d without usable results: %w\n%s", res.ExitCode, err, lastLines(res.Lines, 20))
	}
	em.Info("batch finished", "exit_code", res.ExitCode, "files", len(outcomes), "duration", res.Duration.String())
	return outcomes, nil
}

func lastLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
