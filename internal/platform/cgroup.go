// Package platform detects container resource limits so a service can size
// itself sanely without an operator having to hand-tune every deployment.
package platform

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimit returns the container memory limit in bytes, checking cgroup
// v2 first and falling back to v1. Returns 0 if no limit is set (bare
// metal, VMs, or an unconstrained container).
func MemoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			if v, err := strconv.ParseInt(limit, 10, 64); err == nil {
				return v
			}
		}
		return 0
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// MaxClientConnections derives a safe cap on concurrently connected client
// sockets from a detected memory limit, reserving headroom for runtime
// overhead (goroutine stacks, the bus client, buffer pools) the same way as
// for any other per-connection resident state.
func MaxClientConnections(memoryLimitBytes int64) int {
	const (
		runtimeOverhead   = 128 * 1024 * 1024
		perConnection     = 32 * 1024 // send buffer + participant bookkeeping
		defaultNoLimit    = 10000
		minConnections    = 100
		maxConnectionsCap = 50000
	)

	if memoryLimitBytes == 0 {
		return defaultNoLimit
	}

	available := memoryLimitBytes - runtimeOverhead
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	n := int(available / perConnection)
	if n < minConnections {
		n = minConnections
	}
	if n > maxConnectionsCap {
		n = maxConnectionsCap
	}
	return n
}
