package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// ErrClientNotInitialized is returned when a nil Client is used.
var ErrClientNotInitialized = errors.New("docker client not initialized")

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// Usage is a one-shot resource sample for a container.
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return ErrClientNotInitialized
	}
	var ping types.Ping
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// ContainerUsage samples CPU and memory usage of a container without streaming.
func (c *Client) ContainerUsage(ctx context.Context, containerID string) (Usage, error) {
	if c == nil || c.inner == nil {
		return Usage{}, ErrClientNotInitialized
	}
	resp, err := c.inner.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Usage{}, fmt.Errorf("container stats %s: %w", containerID, err)
	}
	defer resp.Body.Close()
	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Usage{}, fmt.Errorf("decode container stats: %w", err)
	}
	return usageFromStats(stats), nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func usageFromStats(stats types.StatsJSON) Usage {
	var u Usage
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	if cpuDelta > 0 && systemDelta > 0 {
		u.CPUPercent = cpuDelta / systemDelta * cpus * 100
	}
	used := float64(stats.MemoryStats.Usage)
	if cache, ok := stats.MemoryStats.Stats["inactive_file"]; ok && float64(cache) < used {
		used -= float64(cache)
	}
	if stats.MemoryStats.Limit > 0 {
		u.MemoryPercent = used / float64(stats.MemoryStats.Limit) * 100
	}
	return u
}
