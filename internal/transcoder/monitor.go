// SPDX-License-Identifier: MIT

package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ResourceMetrics is a point-in-time snapshot of one child process's
// resource usage, read from /proc.
type ResourceMetrics struct {
	PID             int
	FileDescriptors int
	MemoryBytes     int64
	ThreadCount     int
	Uptime          time.Duration
	Timestamp       time.Time
}

// ResourceThresholds are the warning/critical levels ResourceMonitor
// alerts on. CPU is deliberately absent: a meaningful percentage needs
// a delta across two /proc/stat reads, and fd/memory/thread counts
// already catch the leak shapes a stuck FFmpeg child produces.
type ResourceThresholds struct {
	FDWarning      int
	FDCritical     int
	MemoryWarning  int64
	MemoryCritical int64
}

// DefaultThresholds returns the production defaults: an FFmpeg child
// holding this many file descriptors or this much resident memory is
// almost certainly leaking rather than working.
func DefaultThresholds() ResourceThresholds {
	return ResourceThresholds{
		FDWarning:      500,
		FDCritical:     1000,
		MemoryWarning:  512 * 1024 * 1024,
		MemoryCritical: 1024 * 1024 * 1024,
	}
}

// AlertLevel is the severity of a ResourceAlert.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (a AlertLevel) String() string {
	switch a {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	default:
		return "ok"
	}
}

// ResourceAlert is one threshold breach from CheckThresholds.
type ResourceAlert struct {
	Level    AlertLevel
	Resource string // "fd" or "memory"
	Message  string
	Value    int64
}

// ResourceMonitor periodically samples /proc for a child process's file
// descriptor count, resident memory, and thread count, raising alerts
// when they cross ResourceThresholds. The Manager owns one shared
// instance; each launch runs a sampling goroutine scoped to its own pid.
type ResourceMonitor struct {
	thresholds ResourceThresholds
	procPath   string

	mu      sync.RWMutex
	metrics map[int]*ResourceMetrics
}

// NewResourceMonitor constructs a monitor with the production thresholds
// reading from /proc.
func NewResourceMonitor() *ResourceMonitor {
	return &ResourceMonitor{
		thresholds: DefaultThresholds(),
		procPath:   "/proc",
		metrics:    make(map[int]*ResourceMetrics),
	}
}

// GetMetrics reads current resource usage for pid from /proc.
func (m *ResourceMonitor) GetMetrics(pid int) (*ResourceMetrics, error) {
	procDir := filepath.Join(m.procPath, strconv.Itoa(pid))
	if _, err := os.Stat(procDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("process %d not found", pid)
	}

	metrics := &ResourceMetrics{PID: pid, Timestamp: time.Now()}

	if entries, err := os.ReadDir(filepath.Join(procDir, "fd")); err == nil {
		metrics.FileDescriptors = len(entries)
	}
	// #nosec G304 -- procDir is built from a pid this package is actively tracking
	if data, err := os.ReadFile(filepath.Join(procDir, "stat")); err == nil {
		metrics.ThreadCount = parseThreadCount(string(data))
	}
	// #nosec G304 -- see above
	if data, err := os.ReadFile(filepath.Join(procDir, "statm")); err == nil {
		metrics.MemoryBytes = parseMemoryBytes(string(data))
	}
	if start, err := m.processStartTime(pid); err == nil {
		metrics.Uptime = time.Since(start)
	}

	m.mu.Lock()
	m.metrics[pid] = metrics
	m.mu.Unlock()

	return metrics, nil
}

// CheckThresholds compares metrics against m.thresholds.
func (m *ResourceMonitor) CheckThresholds(metrics *ResourceMetrics) []ResourceAlert {
	var alerts []ResourceAlert

	switch {
	case metrics.FileDescriptors >= m.thresholds.FDCritical:
		alerts = append(alerts, ResourceAlert{
			Level: AlertCritical, Resource: "fd",
			Message: fmt.Sprintf("file descriptors at critical level: %d >= %d", metrics.FileDescriptors, m.thresholds.FDCritical),
			Value:   int64(metrics.FileDescriptors),
		})
	case metrics.FileDescriptors >= m.thresholds.FDWarning:
		alerts = append(alerts, ResourceAlert{
			Level: AlertWarning, Resource: "fd",
			Message: fmt.Sprintf("file descriptors at warning level: %d >= %d", metrics.FileDescriptors, m.thresholds.FDWarning),
			Value:   int64(metrics.FileDescriptors),
		})
	}

	switch {
	case metrics.MemoryBytes >= m.thresholds.MemoryCritical:
		alerts = append(alerts, ResourceAlert{
			Level: AlertCritical, Resource: "memory",
			Message: fmt.Sprintf("memory usage at critical level: %d bytes >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryCritical),
			Value:   metrics.MemoryBytes,
		})
	case metrics.MemoryBytes >= m.thresholds.MemoryWarning:
		alerts = append(alerts, ResourceAlert{
			Level: AlertWarning, Resource: "memory",
			Message: fmt.Sprintf("memory usage at warning level: %d bytes >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryWarning),
			Value:   metrics.MemoryBytes,
		})
	}

	return alerts
}

// MonitorProcess samples pid every interval until ctx is cancelled,
// invoking alertCallback with any threshold breaches. It returns (rather
// than keeps sampling a dead pid) once GetMetrics fails, which happens
// as soon as the process exits.
func (m *ResourceMonitor) MonitorProcess(ctx context.Context, pid int, interval time.Duration, alertCallback func([]ResourceAlert)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			delete(m.metrics, pid)
			m.mu.Unlock()
			return
		case <-ticker.C:
			metrics, err := m.GetMetrics(pid)
			if err != nil {
				return
			}
			if alerts := m.CheckThresholds(metrics); len(alerts) > 0 && alertCallback != nil {
				alertCallback(alerts)
			}
		}
	}
}

func (m *ResourceMonitor) processStartTime(pid int) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(m.procPath, strconv.Itoa(pid), "stat")) // #nosec G304
	if err != nil {
		return time.Time{}, err
	}
	content := string(data)
	idx := strings.LastIndex(content, ")")
	if idx == -1 {
		return time.Time{}, fmt.Errorf("invalid stat format")
	}
	fields := strings.Fields(content[idx+1:])
	if len(fields) < 20 {
		return time.Time{}, fmt.Errorf("insufficient fields in stat")
	}
	startTicks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	boot := m.systemBootTime()
	const ticksPerSecond = 100
	return boot.Add(time.Duration(startTicks/ticksPerSecond) * time.Second), nil
}

func (m *ResourceMonitor) systemBootTime() time.Time {
	data, err := os.ReadFile(filepath.Join(m.procPath, "stat")) // #nosec G304
	if err != nil {
		return time.Now()
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			if fields := strings.Fields(line); len(fields) >= 2 {
				if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return time.Unix(secs, 0)
				}
			}
		}
	}
	return time.Now()
}

func parseThreadCount(stat string) int {
	idx := strings.LastIndex(stat, ")")
	if idx == -1 {
		return 0
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 18 {
		return 0
	}
	threads, err := strconv.Atoi(fields[17])
	if err != nil {
		return 0
	}
	return threads
}

func parseMemoryBytes(statm string) int64 {
	fields := strings.Fields(statm)
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * int64(os.Getpagesize())
}
