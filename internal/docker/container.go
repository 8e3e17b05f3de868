package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerSpec describes a preview container.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	// Binds uses the "host:container[:mode]" syntax.
	Binds    []string
	Ports    nat.PortMap
	Labels   map[string]string
	MemoryMB int
	CPUs     float64
}

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID          string
	PortBinding nat.PortMap
}

// PortMap binds containerPort/tcp to hostIP:hostPort.
func PortMap(hostIP string, hostPort, containerPort int) nat.PortMap {
	port := nat.Port(strconv.Itoa(containerPort) + "/tcp")
	return nat.PortMap{
		port: []nat.PortBinding{{HostIP: hostIP, HostPort: strconv.Itoa(hostPort)}},
	}
}

// EnsureImage pulls ref unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// RunContainer creates and starts a container from spec.
func (c *Client) RunContainer(ctx context.Context, spec ContainerSpec) (ContainerInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{},
	}
	for p := range spec.Ports {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		Binds:        spec.Binds,
		PortBindings: spec.Ports,
		// Crashes must surface as an exit rather than be masked by restarts.
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if spec.MemoryMB > 0 {
		hostCfg.Resources.Memory = int64(spec.MemoryMB) * 1024 * 1024
	}
	if spec.CPUs > 0 {
		hostCfg.Resources.NanoCPUs = int64(math.Round(spec.CPUs * 1e9))
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.RemoveContainer(context.WithoutCancel(ctx), created.ID)
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := c.inner.ContainerInspect(ctx, created.ID)
	if err != nil {
		return ContainerInfo{ID: created.ID}, fmt.Errorf("container inspect: %w", err)
	}
	bindings := nat.PortMap{}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		bindings = inspect.NetworkSettings.Ports
	}
	return ContainerInfo{ID: created.ID, PortBinding: bindings}, nil
}

// StopContainer asks the container to stop, letting the daemon SIGKILL after grace.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	secs := int(math.Ceil(grace.Seconds()))
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, ErrNotFound
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			if status.Error != nil && status.Error.Message != "" {
				return status.StatusCode, fmt.Errorf("wait for container stop: %s", status.Error.Message)
			}
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// ContainerLogs returns up to tail lines of combined stdout and stderr.
func (c *Client) ContainerLogs(ctx context.Context, id string, tail int) ([]string, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("container id cannot be empty")
	}
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "all"}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, id, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("demultiplex container logs: %w", err)
	}
	return splitLines(&buf), nil
}

func splitLines(r io.Reader) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	return lines
}
