package docker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/seceval/internal/docker"
	"github.com/signalnine/seceval/internal/events"
)

// fakeAPI tracks containers in memory so tests can assert nothing leaks.
type fakeAPI struct {
	mu sync.Mutex

	pingErr   error
	pullErr   error
	createErr error
	startErr  error
	waitErr   error
	partialID bool

	images map[string]bool
	logs   func(ctx context.Context) (io.ReadCloser, error)
	exit   int64

	nextID int
	live   map[string]bool
	labels map[string]string
	calls  []string
}

func newFake() *fakeAPI {
	return &fakeAPI{
		images: map[string]bool{},
		live:   map[string]bool{},
		logs: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("")), nil
		},
	}
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) Ping(context.Context) error { return f.pingErr }

func (f *fakeAPI) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeAPI) PullImage(_ context.Context, ref string) error {
	f.record("pull:" + ref)
	if f.pullErr != nil {
		return f.pullErr
	}
	f.mu.Lock()
	f.images[ref] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) Create(_ context.Context, _ *docker.Run, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = labels
	if f.createErr != nil && !f.partialID {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("c%02d-0123456789abcdef", f.nextID)
	f.live[id] = true
	f.calls = append(f.calls, "create")
	return id, f.createErr
}

func (f *fakeAPI) Start(context.Context, string) error {
	f.record("start")
	return f.startErr
}

func (f *fakeAPI) Logs(ctx context.Context, _ string) (io.ReadCloser, error) {
	return f.logs(ctx)
}

func (f *fakeAPI) Wait(context.Context, string) (int64, error) {
	return f.exit, f.waitErr
}

func (f *fakeAPI) Stop(_ context.Context, id string, _ time.Duration) error {
	f.record("stop")
	return nil
}

func (f *fakeAPI) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove")
	if !f.live[id] {
		return errdefs.ErrNotFound
	}
	delete(f.live, id)
	return nil
}

func (f *fakeAPI) Close() error { return nil }

func (f *fakeAPI) leaked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// failingReader yields some data and then an error.
type failingReader struct {
	data io.Reader
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if err == io.EOF {
		return n, r.err
	}
	return n, err
}

func (r *failingReader) Close() error { return nil }

type panickingReader struct{}

func (panickingReader) Read([]byte) (int, error) { panic("decoder exploded") }
func (panickingReader) Close() error             { return nil }

func TestRunEphemeralStreamsAndTearsDown(t *testing.T) {
	fake := newFake()
	fake.logs = func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("one\r\ntwo\nthree")), nil
	}
	rec := &events.Recorder{}
	engine := docker.New(fake, docker.WithSink(rec), docker.WithRunID("run-1"))

	var streamed []string
	res, err := engine.RunEphemeral(context.Background(), &docker.Run{
		Image:   "python:3.11-slim",
		Command: []string{"python", "run_tests.py"},
		OnLine:  func(l string) { streamed = append(streamed, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, []string{"one", "two", "three"}, res.Lines)
	assert.Equal(t, res.Lines, streamed)

	assert.Zero(t, fake.leaked())
	assert.Equal(t, []string{"create", "start", "stop", "remove"}, fake.callLog())
	assert.Equal(t, "true", fake.labels[docker.LabelKey])
	assert.Equal(t, "run-1", fake.labels[docker.LabelKey+".run"])
	assert.NotEmpty(t, fake.labels[docker.LabelKey+".invocation"])
	assert.NotEmpty(t, rec.Filter(events.KindContainer))
}

func TestRunEphemeralKeepsOutputTail(t *testing.T) {
	fake := newFake()
	fake.logs = func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("1\n2\n3\n4\n5\n6\n7\n")), nil
	}
	engine := docker.New(fake, docker.WithTailLines(3))

	var streamed []string
	res, err := engine.RunEphemeral(context.Background(), &docker.Run{
		Image:  "python:3.11-slim",
		OnLine: func(l string) { streamed = append(streamed, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "6", "7"}, res.Lines)
	assert.Len(t, streamed, 7)
}

func TestRunEphemeralNonZeroExitIsData(t *testing.T) {
	fake := newFake()
	fake.exit = 3
	engine := docker.New(fake)

	res, err := engine.RunEphemeral(context.Background(), &docker.Run{Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Zero(t, fake.leaked())
}

func TestRunEphemeralStartFailureCleansUp(t *testing.T) {
	fake := newFake()
	fake.startErr = errors.New("no such runtime")
	engine := docker.New(fake)

	_, err := engine.RunEphemeral(context.Background(), &docker.Run{Image: "img"})
	require.ErrorIs(t, err, docker.ErrContainerStart)
	assert.Zero(t, fake.leaked())
}

func TestRunEphemeralPartialCreateCleansUp(t *testing.T) {
	fake := newFake()
	fake.createErr = errors.New("network attach failed")
	fake.partialID = true
	engine := docker.New(fake)

	_, err := engine.RunEphemeral(context.Background(), &docker.Run{Image: "img"})
	require.ErrorIs(t, err, docker.ErrContainerStart)
	assert.Zero(t, fake.leaked())
}

func TestRunEphemeralMidStreamFailure(t *testing.T) {
	fake := newFake()
	fake.logs = func(context.Context) (io.ReadCloser, error) {
		return &failingReader{data: strings.NewReader("first\nsecond\n"), err: errors.New("connection reset")}, nil
	}
	engine := docker.New(fake)

	_, err := engine.RunEphemeral(context.Background(), &docker.Run{Image: "img"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, fake.leaked())
}

func TestRunEphemeralForwardsReaderPanic(t *testing.T) {
	fake := newFake()
	fake.logs = func(context.Context) (io.ReadCloser, error) { return panickingReader{}, nil }
	engine := docker.New(fake)

	_, err := engine.RunEphemeral(context.Background(), &docker.Run{Image: "img"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder exploded")
	assert.Zero(t, fake.leaked())
}

func TestRunEphemeralCancellationTearsDown(t *testing.T) {
	fake := newFake()
	pr, pw := io.Pipe()
	defer pw.Close()
	fake.logs = func(context.Context) (io.ReadCloser, error) {
		go pw.Write([]byte("started\n"))
		return pr, nil
	}
	engine := docker.New(fake)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := engine.RunEphemeral(ctx, &docker.Run{
		Image: "img",
		OnLine: func(string) {
			cancel()
		},
	})
	assert.Nil(t, res)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fake.leaked())
	assert.Contains(t, fake.callLog(), "remove")
}

func TestRunEphemeralTimeout(t *testing.T) {
	fake := newFake()
	pr, pw := io.Pipe()
	defer pw.Close()
	fake.logs = func(context.Context) (io.ReadCloser, error) { return pr, nil }
	engine := docker.New(fake)

	res, err := engine.RunEphemeral(context.Background(), &docker.Run{
		Image:   "img",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
	assert.Zero(t, fake.leaked())
}

func TestRunEphemeralRequiresImage(t *testing.T) {
	engine := docker.New(newFake())
	_, err := engine.RunEphemeral(context.Background(), &docker.Run{})
	require.Error(t, err)
}

func TestPull(t *testing.T) {
	t.Run("present image is not pulled", func(t *testing.T) {
		fake := newFake()
		fake.images["img"] = true
		require.NoError(t, docker.New(fake).Pull(context.Background(), "img"))
		assert.Empty(t, fake.callLog())
	})
	t.Run("missing image is pulled once", func(t *testing.T) {
		fake := newFake()
		engine := docker.New(fake)
		require.NoError(t, engine.Pull(context.Background(), "img"))
		require.NoError(t, engine.Pull(context.Background(), "img"))
		assert.Equal(t, []string{"pull:img"}, fake.callLog())
	})
	t.Run("unreachable runtime", func(t *testing.T) {
		fake := newFake()
		fake.pingErr = errors.New("dial unix /var/run/docker.sock: connect: no such file")
		err := docker.New(fake).Pull(context.Background(), "img")
		require.ErrorIs(t, err, docker.ErrRuntimeUnreachable)
		assert.NotErrorIs(t, err, docker.ErrImagePull)
	})
	t.Run("image not found", func(t *testing.T) {
		fake := newFake()
		fake.pullErr = fmt.Errorf("manifest unknown: %w", errdefs.ErrNotFound)
		err := docker.New(fake).Pull(context.Background(), "nope:latest")
		require.ErrorIs(t, err, docker.ErrImagePull)
		require.ErrorIs(t, err, docker.ErrImageNotFound)
		assert.NotErrorIs(t, err, docker.ErrRuntimeUnreachable)
	})
	t.Run("other pull failure", func(t *testing.T) {
		fake := newFake()
		fake.pullErr = errors.New("toomanyrequests")
		err := docker.New(fake).Pull(context.Background(), "img")
		require.ErrorIs(t, err, docker.ErrImagePull)
		assert.NotErrorIs(t, err, docker.ErrImageNotFound)
	})
}

func TestRunEphemeralDocker(t *testing.T) {
	if os.Getenv("SECEVAL_DOCKER_TESTS") == "" {
		t.Skip("set SECEVAL_DOCKER_TESTS=1 to run Docker tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	engine, err := docker.NewFromEnv()
	require.NoError(t, err)
	defer engine.Close()
	require.NoError(t, engine.Pull(ctx, "alpine:latest"))

	workDir := t.TempDir()
	res, err := engine.RunEphemeral(ctx, &docker.Run{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "echo hello; echo hello > /workspace/output.txt; exit 2"},
		Volumes: []docker.Volume{{Source: workDir, Target: "/workspace"}},
		WorkDir: "/workspace",
		Timeout: 60 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Lines, "hello")

	content, err := os.ReadFile(filepath.Join(workDir, "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestRunEphemeralDockerTimeout(t *testing.T) {
	if os.Getenv("SECEVAL_DOCKER_TESTS") == "" {
		t.Skip("set SECEVAL_DOCKER_TESTS=1 to run Docker tests")
	}
	ctx := context.Background()
	engine, err := docker.NewFromEnv()
	require.NoError(t, err)
	defer engine.Close()
	require.NoError(t, engine.Pull(ctx, "alpine:latest"))

	res, err := engine.RunEphemeral(ctx, &docker.Run{
		Image:   "alpine:latest",
		Command: []string{"sleep", "300"},
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
}
