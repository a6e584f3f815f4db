package security

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
)

// ResourceGuardConfig holds the env-configured resource ceilings
// (MAX_MEMORY_MB, MAX_CPU_TIME, MAX_OPEN_FILES, read by cmd/worker).
type ResourceGuardConfig struct {
	MaxMemoryMB      int64
	MaxCPUTime       time.Duration
	MaxOpenFiles     int
}

// DefaultResourceGuardConfig returns the baseline resource ceilings.
func DefaultResourceGuardConfig() ResourceGuardConfig {
	return ResourceGuardConfig{
		MaxMemoryMB:  512,
		MaxCPUTime:   300 * time.Second,
		MaxOpenFiles: 50,
	}
}

// ResourceGuard samples process resource usage between pipeline stages
// via direct /proc reads and getrusage (Linux-only; no third-party
// resource-limit library is in use elsewhere in this codebase).
type ResourceGuard struct {
	cfg   ResourceGuardConfig
	start time.Time
}

// NewResourceGuard creates a guard; its CPU-time ceiling applies to the
// process's cumulative CPU time as reported by CPUTime.
func NewResourceGuard(cfg ResourceGuardConfig) *ResourceGuard {
	return &ResourceGuard{cfg: cfg, start: time.Now()}
}

// Check samples RSS, cumulative CPU time, and open FD count, returning a
// MemoryExhausted or WorkerTimeout IngestError on breach.
func (g *ResourceGuard) Check(ctx context.Context) error {
	rssMB, err := rssMB()
	if err == nil && rssMB > g.cfg.MaxMemoryMB {
		return ingesterrors.New(ingesterrors.MemoryExhausted,
			fmt.Sprintf("memory limit exceeded: %dMB > %dMB", rssMB, g.cfg.MaxMemoryMB),
			map[string]any{"rss_mb": rssMB})
	}

	if cpu, err := CPUTime(); err == nil && cpu > g.cfg.MaxCPUTime {
		return ingesterrors.New(ingesterrors.WorkerTimeout,
			fmt.Sprintf("cpu time limit exceeded: %s > %s", cpu, g.cfg.MaxCPUTime), nil)
	}

	fds, err := openFDCount()
	if err == nil && fds > g.cfg.MaxOpenFiles {
		return ingesterrors.New(ingesterrors.MemoryExhausted,
			fmt.Sprintf("open files limit exceeded: %d > %d", fds, g.cfg.MaxOpenFiles),
			map[string]any{"open_fds": fds})
	}
	return nil
}

// CPUTime returns process cumulative CPU time (user+sys) via
// syscall.Getrusage, sampling the OS's own accounting instead of
// wall-clock elapsed time.
func CPUTime() (time.Duration, error) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, fmt.Errorf("security: getrusage: %w", err)
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys, nil
}

// rssMB reads VmRSS from /proc/self/status.
func rssMB() (int64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("security: malformed VmRSS line")
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("security: VmRSS not found")
}

// openFDCount counts entries under /proc/self/fd.
func openFDCount() (int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
