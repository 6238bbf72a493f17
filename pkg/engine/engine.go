// Package engine is a thin typed shim over the Docker Engine management
// API, covering the operations the provisioning pipeline needs.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client wraps a Docker Engine API client.
type Client struct {
	api *client.Client
}

// NewClient connects to the engine at host. An empty host uses the
// standard DOCKER_HOST environment resolution.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker engine: %w", err)
	}
	return &Client{api: api}, nil
}

// Host returns the engine base URL this client talks to.
func (c *Client) Host() string {
	return c.api.DaemonHost()
}

// Close closes the engine connection.
func (c *Client) Close() error {
	if c.api != nil {
		return c.api.Close()
	}
	return nil
}

// IsNotFound reports whether err is the engine's not-found error.
func IsNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// CreateContainer creates a container and returns its id.
func (c *Client) CreateContainer(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container by name or id.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	if err := c.api.ContainerRemove(ctx, nameOrID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", nameOrID, err)
	}
	return nil
}

// WaitRemoved blocks until the container is gone from the engine.
func (c *Client) WaitRemoved(ctx context.Context, nameOrID string) error {
	statusCh, errCh := c.api.ContainerWait(ctx, nameOrID, container.WaitConditionRemoved)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to wait for container %s removal: %w", nameOrID, err)
		}
		return nil
	case <-statusCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitExit blocks until the container's process exits and returns its
// exit code.
func (c *Client) WaitExit(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return 0, fmt.Errorf("failed to wait for container %s: %w", id, err)
		}
		return 0, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// InspectContainer returns the full container record.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (types.ContainerJSON, error) {
	info, err := c.api.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}
	return info, nil
}

// ImageEnv returns the environment baked into an image's config.
func (c *Client) ImageEnv(ctx context.Context, image string) ([]string, error) {
	info, _, err := c.api.ImageInspectWithRaw(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	if info.Config == nil {
		return nil, nil
	}
	return info.Config.Env, nil
}

// ConnectNetwork attaches a container to the named network with a fixed
// IPv4 address and aliases.
func (c *Client) ConnectNetwork(ctx context.Context, networkName, containerID, ipv4 string, aliases []string) error {
	settings := &network.EndpointSettings{
		Aliases: aliases,
	}
	if ipv4 != "" {
		settings.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: ipv4}
	}
	if err := c.api.NetworkConnect(ctx, networkName, containerID, settings); err != nil {
		return fmt.Errorf("failed to connect container %s to network %s: %w", containerID, networkName, err)
	}
	return nil
}

// DisconnectNetwork detaches a container from the named network.
func (c *Client) DisconnectNetwork(ctx context.Context, networkName, containerID string) error {
	if err := c.api.NetworkDisconnect(ctx, networkName, containerID, false); err != nil {
		return fmt.Errorf("failed to disconnect container %s from network %s: %w", containerID, networkName, err)
	}
	return nil
}

// RemoveVolume removes a named volume.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.api.VolumeRemove(ctx, name, false); err != nil {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// PutArchive unpacks a tar stream into path inside the container.
func (c *Client) PutArchive(ctx context.Context, id, path string, content io.Reader) error {
	if err := c.api.CopyToContainer(ctx, id, path, content, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy archive into container %s: %w", id, err)
	}
	return nil
}

// FollowLogs streams the container's combined stdout/stderr, demultiplexed
// into a single line-oriented reader. The returned reader must be closed.
func (c *Client) FollowLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	raw, err := c.api.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream logs of container %s: %w", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// Logs returns the container's combined output so far.
func (c *Client) Logs(ctx context.Context, id string) ([]byte, error) {
	raw, err := c.api.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of container %s: %w", id, err)
	}
	defer raw.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, raw); err != nil {
		return nil, fmt.Errorf("failed to read logs of container %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

// Exec runs a command inside the container and fails on a non-zero exit.
func (c *Client) Exec(ctx context.Context, id string, cmd []string) error {
	exec, err := c.api.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec in container %s: %w", id, err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return fmt.Errorf("failed to start exec in container %s: %w", id, err)
	}
	defer resp.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, resp.Reader); err != nil {
		return fmt.Errorf("failed to read exec output in container %s: %w", id, err)
	}

	info, err := c.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec in container %s: %w", id, err)
	}
	if info.ExitCode != 0 {
		return fmt.Errorf("command %v exited %d in container %s: %s", cmd, info.ExitCode, id, out.String())
	}
	return nil
}
