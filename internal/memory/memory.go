// Package memory tunes the Go runtime for large-model workloads and
// reports heap usage for training logs: the process trades GC frequency
// against a soft ceiling so quantization and training spikes stay
// inside the host budget.
package memory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/loam/internal/logger"
)

// Env vars honoured by ApplyRuntimeTuning. GOGC and GOMEMLIMIT, when
// set, win over both of these and the config file.
const (
	EnvGCPercent = "LOAM_GC_PERCENT"
	EnvMemLimit  = "LOAM_MEM_LIMIT"
)

// Tuning selects allocator knobs applied once at process start.
type Tuning struct {
	// GCPercent feeds debug.SetGCPercent. Zero means leave the runtime
	// default; negative disables background GC.
	GCPercent int
	// SoftMemLimit feeds debug.SetMemoryLimit, in bytes. Zero leaves it
	// unset.
	SoftMemLimit int64
	// MaxProcs caps GOMAXPROCS when positive.
	MaxProcs int
}

var tuneOnce sync.Once

// ApplyRuntimeTuning applies t at most once per process. Explicit env
// vars override t; the runtime's own GOGC/GOMEMLIMIT, when present,
// are respected and the corresponding knob is left alone.
func ApplyRuntimeTuning(t Tuning, log logger.Logger) error {
	var err error
	tuneOnce.Do(func() {
		err = apply(t, log)
	})
	return err
}

func apply(t Tuning, log logger.Logger) error {
	if v := os.Getenv(EnvGCPercent); v != "" {
		pct, perr := strconv.Atoi(v)
		if perr != nil {
			return fmt.Errorf("%s: %w", EnvGCPercent, perr)
		}
		t.GCPercent = pct
	}
	if v := os.Getenv(EnvMemLimit); v != "" {
		limit, perr := ParseBytes(v)
		if perr != nil {
			return fmt.Errorf("%s: %w", EnvMemLimit, perr)
		}
		t.SoftMemLimit = limit
	}

	if t.GCPercent != 0 && os.Getenv("GOGC") == "" {
		old := debug.SetGCPercent(t.GCPercent)
		log.Info("gc percent tuned", "old", old, "new", t.GCPercent)
	}
	if t.SoftMemLimit > 0 && os.Getenv("GOMEMLIMIT") == "" {
		debug.SetMemoryLimit(t.SoftMemLimit)
		log.Info("soft memory limit set", "bytes", t.SoftMemLimit)
	}
	if t.MaxProcs > 0 {
		old := runtime.GOMAXPROCS(t.MaxProcs)
		log.Info("gomaxprocs tuned", "old", old, "new", t.MaxProcs)
	}
	return nil
}

// ReleaseNow forces a collection and returns freed pages to the OS.
// Called between pipeline phases, after quantization in particular.
func ReleaseNow() {
	runtime.GC()
	debug.FreeOSMemory()
}

var (
	peakMu sync.Mutex
	peak   uint64
)

// ResetPeak restarts the heap high-water mark from the current heap.
func ResetPeak() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	peakMu.Lock()
	peak = ms.HeapAlloc
	peakMu.Unlock()
}

// StartPeakSampler keeps the high-water mark honest between snapshots
// by sampling the heap at interval until ctx ends.
func StartPeakSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				observe(ms.HeapAlloc)
			}
		}
	}()
}

func observe(heap uint64) uint64 {
	peakMu.Lock()
	defer peakMu.Unlock()
	if heap > peak {
		peak = heap
	}
	return peak
}

// Stats is one point-in-time memory reading.
type Stats struct {
	HeapAlloc uint64
	HeapSys   uint64
	HeapPeak  uint64
	Sys       uint64
	NumGC     uint32
	// SystemTotal and SystemFree are host-wide figures, zero where the
	// platform offers no cheap query.
	SystemTotal uint64
	SystemFree  uint64
}

// Snapshot reads the current heap figures and folds them into the peak.
func Snapshot() Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	total, free := systemMemory()
	return Stats{
		HeapAlloc:   ms.HeapAlloc,
		HeapSys:     ms.HeapSys,
		HeapPeak:    observe(ms.HeapAlloc),
		Sys:         ms.Sys,
		NumGC:       ms.NumGC,
		SystemTotal: total,
		SystemFree:  free,
	}
}

// HeapMiB is the current heap in MiB, the unit training logs carry.
func (s Stats) HeapMiB() float64 {
	return float64(s.HeapAlloc) / (1 << 20)
}

func (s Stats) String() string {
	return fmt.Sprintf("heap=%s peak=%s sys=%s",
		FormatBytes(s.HeapAlloc), FormatBytes(s.HeapPeak), FormatBytes(s.Sys))
}

// FormatBytes renders a byte count the way the logs print sizes.
func FormatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%dMiB", n/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%dKiB", n/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// ParseBytes reads sizes like "512MiB", "8GiB", "1.5GiB" or a plain
// byte count.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	units := []struct {
		suffix string
		mult   float64
	}{
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
		{"GB", 1e9},
		{"MB", 1e6},
		{"KB", 1e3},
		{"B", 1},
	}
	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("size %q: %w", s, err)
		}
		if v < 0 {
			return 0, fmt.Errorf("size %q: negative", s)
		}
		return int64(v * u.mult), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("size %q: negative", s)
	}
	return v, nil
}
