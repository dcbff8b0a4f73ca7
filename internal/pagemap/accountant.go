// Package pagemap computes per-process USS, PSS, shared, resident and swapped
// memory from /proc/<pid>/pagemap and the kernel's /proc/kpagecount table.
//
// An Accountant runs accounting passes. Each pass loads one immutable
// Snapshot of kpagecount and then scans every requested process against it.
// Reading kpagecount, kpageflags and other processes' pagemap requires
// CAP_SYS_ADMIN; without it the kernel reports zero frame numbers.
package pagemap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Config controls an Accountant. Zero values select the defaults.
type Config struct {
	// ProcPath is where proc is mounted. Default /proc.
	ProcPath string
	// PageSize in bytes. Default is the page size of the running system.
	PageSize uint64
	// CapacityFactor multiplies the MemTotal page count to size the
	// snapshot, since frame numbers are sparse. Default 2.
	CapacityFactor uint64
	// Workers is the number of processes scanned in parallel. Default 1.
	Workers int
	// ProcessTimeout bounds the scan of a single process. Default 10s.
	ProcessTimeout time.Duration
	// PageFlags enables loading kpageflags and tallying per-flag bytes.
	PageFlags bool
}

func (c Config) withDefaults() Config {
	if c.ProcPath == "" {
		c.ProcPath = procfs.DefaultMountPoint
	}
	if c.PageSize == 0 {
		c.PageSize = uint64(unix.Getpagesize())
	}
	if c.CapacityFactor == 0 {
		c.CapacityFactor = 2
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 10 * time.Second
	}
	return c
}

// State is the phase an Accountant is in.
type State int32

const (
	StateIdle State = iota
	StateSnapshotLoading
	StateScanning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSnapshotLoading:
		return "snapshot-loading"
	case StateScanning:
		return "scanning"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Accountant runs accounting passes against one proc mount.
type Accountant struct {
	cfg      Config
	fs       procfs.FS
	pageSize uint64

	mu      sync.Mutex // serializes passes
	version atomic.Uint64
	state   atomic.Int32
}

// New checks that the kernel frame tables can be opened and returns an
// Accountant. An error wrapping ErrFrameTableUnavailable means the kernel
// lacks the interface or the caller lacks privilege.
func New(cfg Config) (*Accountant, error) {
	cfg = cfg.withDefaults()

	fs, err := procfs.NewFS(cfg.ProcPath)
	if err != nil {
		return nil, fmt.Errorf("opening proc at %s: %w", cfg.ProcPath, err)
	}

	for _, name := range []string{"kpagecount", "kpageflags"} {
		f, err := os.Open(filepath.Join(cfg.ProcPath, name))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFrameTableUnavailable, err)
		}
		f.Close()
	}

	return &Accountant{cfg: cfg, fs: fs, pageSize: cfg.PageSize}, nil
}

// PageSize returns the page size used to convert pages to bytes.
func (a *Accountant) PageSize() uint64 { return a.pageSize }

// State returns the current phase.
func (a *Accountant) State() State { return State(a.state.Load()) }

func (a *Accountant) setState(s State) { a.state.Store(int32(s)) }

// LoadSnapshot copies the kernel frame tables. Frames the kernel does not
// return are recorded as unmapped. It is safe to call while a pass runs;
// every call gets a new version.
func (a *Accountant) LoadSnapshot() (*Snapshot, error) {
	pages, err := TotalPages(a.fs, a.pageSize)
	if err != nil {
		return nil, err
	}
	frames := pages * a.cfg.CapacityFactor

	counts, err := loadTable(filepath.Join(a.cfg.ProcPath, "kpagecount"), frames)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{counts: counts, LoadedAt: time.Now()}

	if a.cfg.PageFlags {
		if snap.flags, err = loadTable(filepath.Join(a.cfg.ProcPath, "kpageflags"), frames); err != nil {
			return nil, err
		}
	}

	snap.Version = a.version.Add(1)
	slog.Debug("Loaded frame snapshot", "version", snap.Version, "frames", frames, "pageFlags", a.cfg.PageFlags)
	return snap, nil
}

// Report is the result of one accounting pass.
type Report struct {
	SnapshotVersion uint64
	Physical        PhysicalSummary
	Stats           map[int]*ProcessMemoryStats
	// Skipped lists processes that could not be accounted, ordered by pid.
	Skipped  []*UnavailableError
	Duration time.Duration
}

// Get returns the stats of pid, or nil if it was not accounted.
func (r *Report) Get(pid int) *ProcessMemoryStats {
	return r.Stats[pid]
}

type scanResult struct {
	pid   int
	stats *ProcessMemoryStats
	err   *UnavailableError
}

// Run performs one accounting pass over pids. Processes whose sources are
// unavailable are listed in Report.Skipped. Run only fails if the snapshot
// cannot be loaded or ctx is done.
func (a *Accountant) Run(ctx context.Context, pids []int) (*Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.setState(StateIdle)

	start := time.Now()

	a.setState(StateSnapshotLoading)
	snap, err := a.LoadSnapshot()
	if err != nil {
		return nil, err
	}

	a.setState(StateScanning)
	shards := shard(pids, a.cfg.Workers)
	results := make([][]scanResult, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, pids := range shards {
		g.Go(func() error {
			for _, pid := range pids {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = append(results[i], a.scan(gctx, snap, pid))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// A cancellation during the last scan is reported as a deadline skip.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{
		SnapshotVersion: snap.Version,
		Physical:        snap.Physical(),
		Stats:           make(map[int]*ProcessMemoryStats, len(pids)),
	}
	for _, part := range results {
		for _, res := range part {
			if res.err != nil {
				slog.Debug("Skipping process", "pid", res.pid, "source", res.err.Source, "error", res.err.Err)
				report.Skipped = append(report.Skipped, res.err)
				continue
			}
			report.Stats[res.pid] = res.stats
		}
	}
	slices.SortFunc(report.Skipped, func(x, y *UnavailableError) int { return x.PID - y.PID })
	report.Duration = time.Since(start)
	return report, nil
}

func (a *Accountant) scan(ctx context.Context, snap *Snapshot, pid int) scanResult {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProcessTimeout)
	defer cancel()

	stats, err := a.ScanProcess(ctx, snap, pid)
	if err != nil {
		return scanResult{pid: pid, err: err.(*UnavailableError)}
	}
	return scanResult{pid: pid, stats: stats}
}

// shard splits pids round-robin into at most n disjoint, duplicate-free
// lists.
func shard(pids []int, n int) [][]int {
	seen := make(map[int]struct{}, len(pids))
	shards := make([][]int, n)
	i := 0
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		shards[i%n] = append(shards[i%n], pid)
		i++
	}
	return shards
}
