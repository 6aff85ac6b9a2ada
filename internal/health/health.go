// Package health aggregates a point-in-time status rollup for the
// monitoring surface: per-service checks, host metrics and a browser-pool
// snapshot.
package health

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Pinger is the store's liveness check.
type Pinger interface {
	Ping() error
}

// PoolSnapshot reports the browser pool's state.
type PoolSnapshot interface {
	Size() int
	Available() int
}

// QueueSnapshot reports queue occupancy.
type QueueSnapshot interface {
	Len() int
	Capacity() int
}

// Status is the rollup for one service or the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Service is one entry in the services map.
type Service struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// SystemMetrics are host-level readings from gopsutil.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
}

// BrowserPoolSnapshot is the pool state exposed to monitoring. Warm means
// currently available for lease.
type BrowserPoolSnapshot struct {
	Size   int `json:"size"`
	Warm   int `json:"warm"`
	Leased int `json:"leased"`
}

// Report is the /health response body.
type Report struct {
	Status    Status              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Services  map[string]Service  `json:"services"`
	System    SystemMetrics       `json:"system"`
	Pool      BrowserPoolSnapshot `json:"browser_pool"`
	Queue     QueueState          `json:"queue"`
}

// QueueState is queue occupancy in the health report.
type QueueState struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

// diskDegradedPct marks disk_space degraded; diskCriticalPct unhealthy.
const (
	diskDegradedPct = 85.0
	diskCriticalPct = 95.0
)

// Aggregator composes the report from its collaborators.
type Aggregator struct {
	store    Pinger
	pool     PoolSnapshot
	queue    QueueSnapshot
	videoDir string
}

func NewAggregator(store Pinger, pool PoolSnapshot, queue QueueSnapshot, videoDir string) *Aggregator {
	return &Aggregator{store: store, pool: pool, queue: queue, videoDir: videoDir}
}

// Check builds a point-in-time report. Individual probe failures degrade
// the report instead of failing it.
func (a *Aggregator) Check() *Report {
	r := &Report{
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]Service),
	}

	r.Services["database"] = a.checkDatabase()
	r.Services["browser_pool"] = a.checkPool(r)
	r.Services["queue"] = a.checkQueue(r)
	r.Services["disk_space"] = a.checkDisk(r)

	a.fillSystem(r)
	r.Status = rollup(r.Services)
	return r
}

func (a *Aggregator) checkDatabase() Service {
	if err := a.store.Ping(); err != nil {
		return Service{Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Service{Status: StatusHealthy}
}

func (a *Aggregator) checkPool(r *Report) Service {
	size := a.pool.Size()
	warm := a.pool.Available()
	r.Pool = BrowserPoolSnapshot{Size: size, Warm: warm, Leased: size - warm}

	switch {
	case size == 0:
		return Service{Status: StatusUnhealthy, Detail: "pool is empty"}
	case warm == 0:
		return Service{Status: StatusDegraded, Detail: "no warm browsers available"}
	default:
		return Service{Status: StatusHealthy}
	}
}

func (a *Aggregator) checkQueue(r *Report) Service {
	depth := a.queue.Len()
	capacity := a.queue.Capacity()
	r.Queue = QueueState{Depth: depth, Capacity: capacity}

	if capacity > 0 && depth >= capacity {
		return Service{Status: StatusDegraded, Detail: "queue at capacity"}
	}
	return Service{Status: StatusHealthy}
}

func (a *Aggregator) checkDisk(r *Report) Service {
	usage, err := disk.Usage(a.videoDir)
	if err != nil {
		return Service{Status: StatusDegraded, Detail: err.Error()}
	}
	r.System.DiskPercent = usage.UsedPercent
	r.System.DiskFreeGB = float64(usage.Free) / (1024 * 1024 * 1024)

	switch {
	case usage.UsedPercent >= diskCriticalPct:
		return Service{
			Status: StatusUnhealthy,
			Detail: fmt.Sprintf("disk %.1f%% full", usage.UsedPercent),
		}
	case usage.UsedPercent >= diskDegradedPct:
		return Service{
			Status: StatusDegraded,
			Detail: fmt.Sprintf("disk %.1f%% full", usage.UsedPercent),
		}
	default:
		return Service{Status: StatusHealthy}
	}
}

func (a *Aggregator) fillSystem(r *Report) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		r.System.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.System.MemoryPercent = vm.UsedPercent
		r.System.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
}

// rollup is the worst status across services: any unhealthy service makes
// the process unhealthy, any degraded one makes it degraded.
func rollup(services map[string]Service) Status {
	out := StatusHealthy
	for _, s := range services {
		switch s.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			out = StatusDegraded
		}
	}
	return out
}
