package resources

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// DefaultCPUWindow is how long a CPU sample observes utilisation.
const DefaultCPUWindow = 200 * time.Millisecond

// Snapshot is a point-in-time view of process and system resource usage.
// It is produced per query and never mutated afterwards.
type Snapshot struct {
	ProcessMemoryMB   float64   `json:"process_memory_mb"`
	AvailableMemoryMB float64   `json:"available_memory_mb"`
	CPUPercent        float64   `json:"cpu_percent"`
	Timestamp         time.Time `json:"timestamp"`
}

// Sampler reads current resource usage. Implementations may block for the
// duration of a CPU sampling window, so callers must not hold locks.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Snapshot, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// MemoryGuard is the boolean signal exported by an external hard memory
// limiter. The core only consumes it.
type MemoryGuard interface {
	MemorySafe() bool
}

// MemoryGuardFunc adapts a function to the MemoryGuard interface.
type MemoryGuardFunc func() bool

// MemorySafe implements MemoryGuard.
func (f MemoryGuardFunc) MemorySafe() bool {
	return f()
}

// SystemSampler samples the current process and host through gopsutil.
type SystemSampler struct {
	cpuWindow time.Duration

	mu   sync.Mutex
	proc *process.Process
}

// NewSystemSampler creates a sampler for the calling process. A zero
// cpuWindow compares against the previous call instead of blocking.
func NewSystemSampler(cpuWindow time.Duration) *SystemSampler {
	if cpuWindow < 0 {
		cpuWindow = DefaultCPUWindow
	}
	return &SystemSampler{cpuWindow: cpuWindow}
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("read virtual memory: %w", err)
	}
	snap.AvailableMemoryMB = float64(vm.Available) / bytesPerMB

	percents, err := cpu.PercentWithContext(ctx, s.cpuWindow, false)
	if err != nil {
		return snap, fmt.Errorf("read cpu percent: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	snap.ProcessMemoryMB = s.processMemoryMB(ctx)
	return snap, nil
}

func (s *SystemSampler) processMemoryMB(ctx context.Context) float64 {
	proc, err := s.handle(ctx)
	if err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			return float64(info.RSS) / bytesPerMB
		}
	}
	return runtimeMemoryMB()
}

func (s *SystemSampler) handle(ctx context.Context) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return s.proc, nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	s.proc = proc
	return proc, nil
}

// runtimeMemoryMB is the fallback when the OS refuses a process query.
func runtimeMemoryMB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.Sys) / bytesPerMB
}
