package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/signalnine/seceval/internal/events"
)

var (
	ErrRuntimeUnreachable = errors.New("container runtime unreachable")
	ErrImagePull          = errors.New("image pull failed")
	ErrImageNotFound      = errors.New("image not found")
	ErrContainerStart     = errors.New("container start failed")
)

// LabelKey marks every container this package creates.
const LabelKey = "seceval"

// API is the slice of the Docker daemon the engine needs.
type API interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	Create(ctx context.Context, run *Run, labels map[string]string) (string, error)
	Start(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Wait(ctx context.Context, id string) (int64, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Close() error
}

type Volume struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Run describes one ephemeral container invocation.
type Run struct {
	Image       string
	Command     []string
	Volumes     []Volume
	Env         map[string]string
	WorkDir     string
	Labels      map[string]string
	User        string
	CPULimit    float64
	MemoryLimit int64
	// Timeout bounds the whole container lifetime. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
	// OnLine receives each log line as it is produced.
	OnLine func(line string)
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	// Lines holds the last lines of output, bounded by WithTailLines.
	// OnLine sees every line.
	Lines    []string
	Duration time.Duration
}

type Engine struct {
	api             API
	sink            events.Sink
	runID           string
	stopTimeout     time.Duration
	teardownTimeout time.Duration
	logBuffer       int
	tailLines       int
}

type Option func(*Engine)

func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRunID tags containers with the evaluation run they belong to.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stopTimeout = d }
}

func WithTeardownTimeout(d time.Duration) Option {
	return func(e *Engine) { e.teardownTimeout = d }
}

func WithLogBuffer(n int) Option {
	return func(e *Engine) { e.logBuffer = n }
}

// WithTailLines sets how many trailing output lines RunResult keeps.
func WithTailLines(n int) Option {
	return func(e *Engine) { e.tailLines = n }
}

func New(api API, opts ...Option) *Engine {
	e := &Engine{
		api:             api,
		sink:            events.Nop,
		stopTimeout:     5 * time.Second,
		teardownTimeout: 30 * time.Second,
		logBuffer:       256,
		tailLines:       200,
	}
	for _, o := range opts {
		o(e)
	}
	if e.sink == nil {
		e.sink = events.Nop
	}
	return e
}

// NewFromEnv connects to the daemon described by DOCKER_HOST and friends.
func NewFromEnv(opts ...Option) (*Engine, error) {
	api, err := NewMobyAPI()
	if err != nil {
		return nil, err
	}
	return New(api, opts...), nil
}

func (e *Engine) Close() error {
	return e.api.Close()
}

// Ping reports whether the daemon answers.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnreachable, err)
	}
	return nil
}

// Pull makes image available locally. It is a no-op when the image is
// already present.
func (e *Engine) Pull(ctx context.Context, image string) error {
	em := events.For(e.sink, "container")
	if err := e.Ping(ctx); err != nil {
		return err
	}
	present, err := e.api.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("%w: inspecting %s: %v", ErrImagePull, image, err)
	}
	if present {
		em.Debug("image present", "image", image)
		return nil
	}
	em.Info("pulling image", "image", image)
	if err := e.api.PullImage(ctx, image); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %w: %s", ErrImagePull, ErrImageNotFound, image)
		}
		return fmt.Errorf("%w: %s: %v", ErrImagePull, image, err)
	}
	present, err = e.api.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("%w: inspecting %s after pull: %v", ErrImagePull, image, err)
	}
	if !present {
		return fmt.Errorf("%w: %w: %s", ErrImagePull, ErrImageNotFound, image)
	}
	return nil
}

// RunEphemeral creates, starts and follows one container, then stops and
// removes it. Teardown runs on every path out of this function, including
// cancellation of ctx. A non-zero exit code is returned as data.
func (e *Engine) RunEphemeral(ctx context.Context, run *Run) (*RunResult, error) {
	if run == nil || run.Image == "" {
		return nil, fmt.Errorf("run: image is required")
	}
	em := events.For(e.sink, "container")

	labels := map[string]string{
		LabelKey:                 "true",
		LabelKey + ".invocation": uuid.NewString(),
	}
	if e.runID != "" {
		labels[LabelKey+".run"] = e.runID
	}
	for k, v := range run.Labels {
		labels[k] = v
	}

	id, err := e.api.Create(ctx, run, labels)
	if id != "" {
		defer e.teardown(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %v", ErrContainerStart, err)
	}
	em.Log(events.LevelInfo, events.KindContainer, "container created", "id", shortID(id), "image", run.Image)

	start := time.Now()
	if err := e.api.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerStart, err)
	}

	runCtx := ctx
	if run.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, run.Timeout)
		defer cancel()
	}

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	}

	rc, err := e.api.Logs(runCtx, id)
	if err != nil {
		if timedOut() {
			return &RunResult{ExitCode: 124, TimedOut: true, Duration: time.Since(start)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("attaching to logs: %w", err)
	}

	lines, err := drainLogs(runCtx, rc, e.logBuffer, e.tailLines, run.OnLine)
	if err != nil {
		if timedOut() {
			em.Warn("container timed out", "id", shortID(id), "timeout", run.Timeout.String())
			return &RunResult{ExitCode: 124, TimedOut: true, Lines: lines, Duration: time.Since(start)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("streaming logs: %w", err)
	}

	code, err := e.api.Wait(runCtx, id)
	if err != nil {
		if timedOut() {
			return &RunResult{ExitCode: 124, TimedOut: true, Lines: lines, Duration: time.Since(start)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("waiting for container: %w", err)
	}

	em.Log(events.LevelInfo, events.KindContainer, "container exited", "id", shortID(id), "exit_code", int(code))
	return &RunResult{
		ExitCode: int(code),
		Lines:    lines,
		Duration: time.Since(start),
	}, nil
}

// teardown stops then removes the container on a context that survives
// cancellation of the caller.
func (e *Engine) teardown(ctx context.Context, id string) {
	em := events.For(e.sink, "container")
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.teardownTimeout)
	defer cancel()

	if err := e.api.Stop(tctx, id, e.stopTimeout); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsNotModified(err) {
		em.Warn("stopping container", "id", shortID(id), "error", err.Error())
	}
	if err := e.api.Remove(tctx, id); err != nil && !errdefs.IsNotFound(err) {
		em.Error("removing container", "id", shortID(id), "error", err.Error())
		return
	}
	em.Log(events.LevelDebug, events.KindContainer, "container removed", "id", shortID(id))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
