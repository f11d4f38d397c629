package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// mobyAPI implements API on top of the Docker Engine SDK.
type mobyAPI struct {
	cli *client.Client
}

func NewMobyAPI() (API, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &mobyAPI{cli: cli}, nil
}

func (m *mobyAPI) Ping(ctx context.Context) error {
	_, err := m.cli.Ping(ctx, client.PingOptions{})
	return err
}

func (m *mobyAPI) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := m.cli.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (m *mobyAPI) PullImage(ctx context.Context, ref string) error {
	resp, err := m.cli.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer resp.Close()
	// The pull only completes once the progress stream is consumed.
	_, err = io.Copy(io.Discard, resp)
	return err
}

func (m *mobyAPI) Create(ctx context.Context, run *Run, labels map[string]string) (string, error) {
	env := make([]string, 0, len(run.Env))
	for k, v := range run.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	mounts := make([]mount.Mount, 0, len(run.Volumes))
	for _, v := range run.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if run.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(run.CPULimit * 1e9)
	}
	if run.MemoryLimit > 0 {
		hostCfg.Memory = run.MemoryLimit
	}

	// A TTY merges stdout and stderr into one raw stream, which is what
	// the log follower wants.
	containerCfg := &container.Config{
		Image:      run.Image,
		Cmd:        run.Command,
		Env:        env,
		Labels:     labels,
		WorkingDir: run.WorkDir,
		Tty:        true,
	}
	if run.User != "" {
		containerCfg.User = run.User
	}

	resp, err := m.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (m *mobyAPI) Start(ctx context.Context, id string) error {
	_, err := m.cli.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

func (m *mobyAPI) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := m.cli.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (m *mobyAPI) Wait(ctx context.Context, id string) (int64, error) {
	wait := m.cli.ContainerWait(ctx, id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	errCh := wait.Error
	for {
		select {
		case err := <-errCh:
			if err != nil {
				return -1, err
			}
			errCh = nil
		case status := <-wait.Result:
			return status.StatusCode, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

func (m *mobyAPI) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	_, err := m.cli.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &secs})
	return err
}

func (m *mobyAPI) Remove(ctx context.Context, id string) error {
	_, err := m.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	return err
}

func (m *mobyAPI) Close() error {
	return m.cli.Close()
}
