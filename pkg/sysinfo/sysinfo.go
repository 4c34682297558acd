// Package sysinfo reports host telemetry for the console itself, so
// operators can tell a stalled console from a stalled backend.
package sysinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time view of the console host.
type Snapshot struct {
	Hostname      string  `json:"hostname"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	NumGoroutine  int     `json:"num_goroutine"`
}

// Collect gathers a host snapshot. Individual collector failures leave their
// fields zeroed rather than failing the whole snapshot.
func Collect(ctx context.Context) *Snapshot {
	snap := &Snapshot{NumGoroutine: runtime.NumGoroutine()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.UptimeSeconds = info.Uptime
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}

	return snap
}
