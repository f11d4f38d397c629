// Package evaluator runs generated samples through the functional and
// security phases and joins the outcomes into one record per sample.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/seceval/internal/codeql"
	"github.com/signalnine/seceval/internal/events"
	"github.com/signalnine/seceval/internal/result"
	"github.com/signalnine/seceval/internal/task"
)

var tracer = otel.Tracer("seceval.evaluator")

// FunctionalRunner executes the materialized test files of a run.
type FunctionalRunner interface {
	Run(ctx context.Context, runDir string) (map[string]result.FunctionalDetail, error)
}

// Analyzer drives a static-analysis tool over a source tree.
type Analyzer interface {
	Scan(ctx context.Context, sourceRoot, dbPath, outputPath, language, querySuite string) (map[string][]codeql.Finding, error)
}

type Options struct {
	RunID             string
	ExtraRequirements []string
	Language          string
	QuerySuite        string
	ParallelPhases    bool
	SkipSecurity      bool
	Sink              events.Sink
}

type Evaluator struct {
	functional FunctionalRunner
	analyzer   Analyzer
	opts       Options
}

// New returns an Evaluator. A nil analyzer disables the security phase.
func New(functional FunctionalRunner, analyzer Analyzer, opts Options) *Evaluator {
	if opts.Sink == nil {
		opts.Sink = events.Nop
	}
	if opts.Language == "" {
		opts.Language = "python"
	}
	if opts.QuerySuite == "" {
		opts.QuerySuite = "python-security-extended.qls"
	}
	if opts.RunID == "" {
		opts.RunID = result.NewRunID()
	}
	return &Evaluator{functional: functional, analyzer: analyzer, opts: opts}
}

// Report is everything one evaluation produced.
type Report struct {
	RunID         string
	RunDir        string
	Records       []result.ClassificationRecord
	Summary       result.Summary
	Excluded      []task.Exclusion
	FunctionalErr error
	SecurityErr   error
}

type securityOutcome struct {
	findings map[string][]codeql.Finding
	ran      bool
	reason   string
	err      error
}

// Evaluate runs the whole pipeline in runDir. Failures inside a phase are
// recorded on the Report and never returned; the error result is reserved
// for artifact writes and cancellation.
func (e *Evaluator) Evaluate(ctx context.Context, runDir string, gens []task.GenerationResult) (*Report, error) {
	ctx, span := tracer.Start(ctx, "evaluator.Evaluate", trace.WithAttributes(
		attribute.String("seceval.run_id", e.opts.RunID),
		attribute.Int("seceval.generations", len(gens)),
	))
	defer span.End()

	em := events.For(e.opts.Sink, "evaluate")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}
	if err := result.WriteJSON(filepath.Join(runDir, result.GenerationsFile), gens); err != nil {
		return nil, err
	}

	tasks, excluded := task.Select(gens)
	for _, x := range excluded {
		em.Log(events.LevelWarn, events.KindTaskExcluded, "task excluded",
			"id", x.Key.ID, "sample_index", x.Key.SampleIndex, "reason", x.Reason)
	}
	em.Info("tasks selected", "tasks", len(tasks), "excluded", len(excluded))

	reqs, err := e.materialize(ctx, runDir, tasks)
	if err != nil {
		return nil, err
	}
	em.Info("tasks materialized", "requirements", len(reqs))

	var (
		functional    map[string]result.FunctionalDetail
		functionalErr error
		security      securityOutcome
	)
	runFunctional := func(ctx context.Context) {
		functional, functionalErr = e.runFunctional(ctx, runDir, tasks)
	}
	runSecurity := func(ctx context.Context) {
		security = e.runSecurity(ctx, runDir, tasks)
	}

	if e.opts.ParallelPhases {
		var g errgroup.Group
		g.Go(func() error { runFunctional(ctx); return nil })
		g.Go(func() error { runSecurity(ctx); return nil })
		g.Wait()
	} else {
		runFunctional(ctx)
		if ctx.Err() == nil {
			runSecurity(ctx)
		}
	}
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("evaluation cancelled: %w", err)
	}

	records := Correlate(tasks, Phases{
		Functional:    functional,
		FunctionalErr: functionalErr,
		Findings:      security.findings,
		SecurityRan:   security.ran,
	})
	report := &Report{
		RunID:         e.opts.RunID,
		RunDir:        runDir,
		Records:       records,
		Excluded:      excluded,
		FunctionalErr: functionalErr,
		SecurityErr:   security.err,
	}
	report.Summary = result.Summarize(e.opts.RunID, records, len(excluded))
	report.Summary.SecuritySkipReason = security.reason

	for _, r := range records {
		kv := []any{
			"id", r.ID, "sample_index", r.SampleIndex,
			"functional_passed", r.FunctionalPassed,
			"timeout", r.FunctionalDetail.Timeout,
		}
		if r.SecurityPassed != nil {
			kv = append(kv, "security_passed", *r.SecurityPassed, "matched", len(r.MatchedFindings))
		}
		em.Log(events.LevelDebug, events.KindTaskResult, "task classified", kv...)
	}

	if err := WriteArtifacts(runDir, records, report.Summary); err != nil {
		span.RecordError(err)
		return nil, err
	}
	em.Info("evaluation complete",
		"total", report.Summary.Total,
		"functional_passed", report.Summary.FunctionalPassed,
		"security_evaluated", report.Summary.SecurityEvaluated,
		"security_passed", report.Summary.SecurityPassed)
	return report, nil
}

// WriteArtifacts persists the final report and its summary.
func WriteArtifacts(runDir string, records []result.ClassificationRecord, summary result.Summary) error {
	if err := result.WriteFinalReport(runDir, records); err != nil {
		return fmt.Errorf("writing final report: %w", err)
	}
	if err := result.WriteSummary(runDir, summary); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

func (e *Evaluator) materialize(ctx context.Context, runDir string, tasks []task.Task) ([]string, error) {
	_, span := tracer.Start(ctx, "evaluator.materialize")
	defer span.End()
	reqs, err := task.Materialize(runDir, tasks, e.opts.ExtraRequirements...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("materializing tasks: %w", err)
	}
	return reqs, nil
}

func (e *Evaluator) runFunctional(ctx context.Context, runDir string, tasks []task.Task) (map[string]result.FunctionalDetail, error) {
	ctx, span := tracer.Start(ctx, "evaluator.functional")
	defer span.End()
	em := events.For(e.opts.Sink, "functional")

	if len(tasks) == 0 {
		em.Skipped("no tasks")
		return nil, nil
	}
	start := time.Now()
	em.Started("tasks", len(tasks))
	out, err := e.functional.Run(ctx, runDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		em.Failed(err, "duration_seconds", time.Since(start).Seconds())
		return nil, err
	}
	em.Finished("files", len(out), "duration_seconds", time.Since(start).Seconds())
	return out, nil
}

func (e *Evaluator) runSecurity(ctx context.Context, runDir string, tasks []task.Task) securityOutcome {
	ctx, span := tracer.Start(ctx, "evaluator.security")
	defer span.End()
	em := events.For(e.opts.Sink, "security")

	skip := func(reason string, err error) securityOutcome {
		if err != nil {
			span.RecordError(err)
			em.Skipped(reason, "error", err.Error())
		} else {
			em.Skipped(reason)
		}
		return securityOutcome{reason: reason, err: err}
	}

	sarifPath := filepath.Join(runDir, result.SARIFFile)
	if err := os.Remove(sarifPath); err != nil && !os.IsNotExist(err) {
		return skip("clearing previous results failed", err)
	}

	switch {
	case e.opts.SkipSecurity:
		return skip("disabled", nil)
	case e.analyzer == nil:
		return skip("no analyzer configured", nil)
	case len(tasks) == 0:
		return skip("no tasks", nil)
	}

	start := time.Now()
	em.Started("tasks", len(tasks))
	src, err := task.WriteSecurityTree(runDir, tasks)
	if err != nil {
		return skip("writing source tree failed", err)
	}
	findings, err := e.analyzer.Scan(ctx, src,
		filepath.Join(runDir, result.DatabaseDir),
		sarifPath,
		e.opts.Language, e.opts.QuerySuite)
	if err != nil {
		// A failed analyze can leave a partial file behind.
		if rmErr := os.Remove(sarifPath); rmErr != nil && !os.IsNotExist(rmErr) {
			em.Warn("removing partial analysis results", "error", rmErr.Error())
		}
		if errors.Is(err, codeql.ErrToolUnavailable) {
			return skip("codeql not available", err)
		}
		return skip("analysis failed", err)
	}
	em.Finished("files_with_findings", len(findings), "duration_seconds", time.Since(start).Seconds())
	return securityOutcome{findings: findings, ran: true}
}
