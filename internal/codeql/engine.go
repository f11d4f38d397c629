package codeql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalnine/seceval/internal/events"
)

var tracer = otel.Tracer("seceval.codeql")

var (
	ErrToolUnavailable = errors.New("codeql binary not found")
	ErrDatabaseCreate  = errors.New("codeql database create failed")
	ErrAnalyze         = errors.New("codeql database analyze failed")
	ErrParse           = errors.New("codeql results could not be parsed")
)

// State is the stage the engine last reached.
type State int

const (
	StateToolUnavailable State = iota
	StateDatabaseAbsent
	StateDatabaseReady
	StateResultsProduced
	StateFindingsIndexed
)

func (s State) String() string {
	switch s {
	case StateToolUnavailable:
		return "tool_unavailable"
	case StateDatabaseAbsent:
		return "database_absent"
	case StateDatabaseReady:
		return "database_ready"
	case StateResultsProduced:
		return "results_produced"
	case StateFindingsIndexed:
		return "findings_indexed"
	default:
		return "unknown"
	}
}

// Executor runs an external command and returns its combined output.
type Executor func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Engine struct {
	binary   string
	timeout  time.Duration
	threads  int
	exec     Executor
	lookPath func(string) (string, error)
	sink     events.Sink

	mu    sync.Mutex
	state State
}

type Option func(*Engine)

func WithBinary(path string) Option {
	return func(e *Engine) { e.binary = path }
}

// WithTimeout bounds each CodeQL invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithThreads(n int) Option {
	return func(e *Engine) { e.threads = n }
}

func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.exec = x }
}

func WithLookPath(f func(string) (string, error)) Option {
	return func(e *Engine) { e.lookPath = f }
}

func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		binary:   "codeql",
		timeout:  30 * time.Minute,
		exec:     execCombined,
		lookPath: exec.LookPath,
		sink:     events.Nop,
	}
	for _, o := range opts {
		o(e)
	}
	if e.sink == nil {
		e.sink = events.Nop
	}
	return e
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Available probes the PATH for the CodeQL binary.
func (e *Engine) Available() bool {
	_, err := e.lookPath(e.binary)
	if err != nil {
		e.setState(StateToolUnavailable)
		return false
	}
	e.setState(StateDatabaseAbsent)
	return true
}

// CreateDatabase builds a fresh database at dbPath from sourceRoot. Any
// existing database at dbPath is deleted first.
func (e *Engine) CreateDatabase(ctx context.Context, sourceRoot, dbPath, language string) error {
	ctx, span := tracer.Start(ctx, "codeql.CreateDatabase", trace.WithAttributes(
		attribute.String("codeql.language", language),
		attribute.String("codeql.source_root", sourceRoot),
	))
	defer span.End()

	if err := os.RemoveAll(dbPath); err != nil {
		return e.fail(span, ErrDatabaseCreate, fmt.Errorf("removing old database: %w", err))
	}
	e.setState(StateDatabaseAbsent)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return e.fail(span, ErrDatabaseCreate, err)
	}

	args := []string{
		"database", "create", dbPath,
		"--language=" + language,
		"--source-root=" + sourceRoot,
		"--overwrite",
	}
	if e.threads != 0 {
		args = append(args, fmt.Sprintf("--threads=%d", e.threads))
	}
	if err := e.run(ctx, args); err != nil {
		return e.fail(span, ErrDatabaseCreate, err)
	}
	e.setState(StateDatabaseReady)
	return nil
}

// Analyze runs querySuite against dbPath and writes SARIF to outputPath.
func (e *Engine) Analyze(ctx context.Context, dbPath, outputPath, querySuite string) error {
	ctx, span := tracer.Start(ctx, "codeql.Analyze", trace.WithAttributes(
		attribute.String("codeql.query_suite", querySuite),
	))
	defer span.End()

	if st := e.State(); st < StateDatabaseReady {
		return e.fail(span, ErrAnalyze, fmt.Errorf("database not ready (state %s)", st))
	}
	args := []string{
		"database", "analyze", dbPath, querySuite,
		"--format=sarif-latest",
		"--output=" + outputPath,
	}
	if e.threads != 0 {
		args = append(args, fmt.Sprintf("--threads=%d", e.threads))
	}
	if err := e.run(ctx, args); err != nil {
		return e.fail(span, ErrAnalyze, err)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return e.fail(span, ErrAnalyze, fmt.Errorf("no results file: %w", err))
	}
	e.setState(StateResultsProduced)
	return nil
}

// Parse reads the SARIF file produced by Analyze.
func (e *Engine) Parse(outputPath string) (map[string][]Finding, error) {
	findings, err := ParseResults(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	e.setState(StateFindingsIndexed)
	return findings, nil
}

// Scan drives the full state machine and stops at the first failing stage.
func (e *Engine) Scan(ctx context.Context, sourceRoot, dbPath, outputPath, language, querySuite string) (map[string][]Finding, error) {
	em := events.For(e.sink, "codeql")
	if !e.Available() {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, e.binary)
	}
	em.Info("creating database", "source_root", sourceRoot, "language", language)
	if err := e.CreateDatabase(ctx, sourceRoot, dbPath, language); err != nil {
		return nil, err
	}
	em.Info("analyzing database", "query_suite", querySuite)
	if err := e.Analyze(ctx, dbPath, outputPath, querySuite); err != nil {
		return nil, err
	}
	findings, err := e.Parse(outputPath)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, fs := range findings {
		total += len(fs)
	}
	em.Info("findings indexed", "files", len(findings), "findings", total)
	return findings, nil
}

func (e *Engine) run(ctx context.Context, args []string) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err := e.exec(ctx, e.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", e.binary, strings.Join(args[:2], " "), ctx.Err())
		}
		return fmt.Errorf("%s %s: %w: %s", e.binary, strings.Join(args[:2], " "), err, tail(out, 2048))
	}
	return nil
}

func (e *Engine) fail(span trace.Span, kind error, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%w: %v", kind, err)
}

func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
