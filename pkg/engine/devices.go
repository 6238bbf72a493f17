package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/dojoworks/workspaced/pkg/cache"
)

const (
	// probeImage is the minimal image used to enumerate engine devices.
	probeImage = "busybox:uclibc"

	// deviceCacheTTL bounds how long a probe result is trusted.
	deviceCacheTTL = 24 * time.Hour
)

func deviceCacheKey(host string) string {
	return "devices-" + host
}

// AvailableDevices returns the character-device paths under /dev on the
// engine this client talks to. Results are memoized in the shared cache
// for 24 hours, so the probe container only runs on a cold cache.
func AvailableDevices(ctx context.Context, c *Client, store cache.Cache) ([]string, error) {
	key := deviceCacheKey(c.Host())
	if payload, ok, err := store.Get(ctx, key); err == nil && ok {
		var devices []string
		if err := json.Unmarshal([]byte(payload), &devices); err == nil {
			return devices, nil
		}
	}

	devices, err := probeDevices(ctx, c)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(devices)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device list: %w", err)
	}
	if err := store.Set(ctx, key, string(payload), deviceCacheTTL); err != nil {
		return nil, err
	}
	return devices, nil
}

// probeDevices runs a short-lived privileged container that lists the
// engine's character devices. Output is collected through the log API
// rather than the run response, which some logging drivers leave empty.
func probeDevices(ctx context.Context, c *Client) ([]string, error) {
	id, err := c.CreateContainer(ctx,
		&container.Config{
			Image: probeImage,
			Cmd:   []string{"/bin/find", "/dev", "-type", "c"},
		},
		&container.HostConfig{Privileged: true},
		"")
	if err != nil {
		return nil, fmt.Errorf("failed to create device probe: %w", err)
	}
	defer func() {
		_ = c.RemoveContainer(context.WithoutCancel(ctx), id)
	}()

	if err := c.StartContainer(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to start device probe: %w", err)
	}
	if _, err := c.WaitExit(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to wait for device probe: %w", err)
	}

	output, err := c.Logs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to collect device probe output: %w", err)
	}
	return ParseDeviceList(output), nil
}

// ParseDeviceList splits probe output into device paths, one per line.
func ParseDeviceList(output []byte) []string {
	var devices []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			devices = append(devices, line)
		}
	}
	return devices
}
