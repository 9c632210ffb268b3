// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hoststats backs the control API's host_stats() method (§4.H)
// with a thin wrapper over gopsutil's CPU, memory, and disk collectors.
package hoststats

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time read of host resource usage, returned to
// control API callers monitoring a host running migrations.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	Disks         []DiskUsage `json:"disks"`
}

// DiskUsage reports usage for one mount point.
type DiskUsage struct {
	Path        string  `json:"path"`
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Collector gathers a Snapshot. mountPoints, when non-empty, restricts
// disk reporting to those paths (typically the ZFS pool mount points the
// daemon replicates).
type Collector struct {
	mountPoints []string
}

// NewCollector builds a Collector scoped to mountPoints (empty means "/"
// only).
func NewCollector(mountPoints []string) *Collector {
	if len(mountPoints) == 0 {
		mountPoints = []string{"/"}
	}
	return &Collector{mountPoints: mountPoints}
}

// Collect reads CPU utilisation without blocking (interval 0: gopsutil
// compares against its previous sample) plus an instantaneous memory and
// disk read.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		CPUPercent:    cpuPct,
		MemoryPercent: vm.UsedPercent,
		MemoryUsed:    vm.Used,
		MemoryTotal:   vm.Total,
	}

	for _, mp := range c.mountPoints {
		usage, err := disk.UsageWithContext(ctx, mp)
		if err != nil {
			continue // an unmounted or transient path is skipped, not fatal.
		}
		snap.Disks = append(snap.Disks, DiskUsage{
			Path:        mp,
			UsedBytes:   usage.Used,
			TotalBytes:  usage.Total,
			UsedPercent: usage.UsedPercent,
		})
	}

	return snap, nil
}
