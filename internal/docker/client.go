package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// Client wraps the Docker SDK client with the calls preview containers need.
type Client struct {
	inner *client.Client
}

// DaemonInfo is what Ping learns about the engine.
type DaemonInfo struct {
	APIVersion string
	OSType     string
}

// New connects using DOCKER_* environment defaults. host overrides DOCKER_HOST.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host = strings.TrimSpace(host); host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping checks the daemon is reachable and negotiates the API version.
func (c *Client) Ping(ctx context.Context) (DaemonInfo, error) {
	if c == nil || c.inner == nil {
		return DaemonInfo{}, fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return DaemonInfo{}, fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return DaemonInfo{}, fmt.Errorf("docker ping returned empty API version")
	}
	c.inner.NegotiateAPIVersionPing(ping)
	return DaemonInfo{APIVersion: ping.APIVersion, OSType: ping.OSType}, nil
}

// RemoveLabelled force-removes every container, running or not, carrying
// label ("key=value"). It returns how many were removed.
func (c *Client) RemoveLabelled(ctx context.Context, label string) (int, error) {
	if strings.TrimSpace(label) == "" {
		return 0, fmt.Errorf("label cannot be empty")
	}
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	removed := 0
	var errs []error
	for _, ctr := range list {
		if err := c.RemoveContainer(ctx, ctr.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
