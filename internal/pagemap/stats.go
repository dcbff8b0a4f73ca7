package pagemap

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// ProcessMemoryStats is the memory usage of one process, in bytes.
type ProcessMemoryStats struct {
	PID  int
	Name string

	USS      uint64
	PSS      float64
	Shared   uint64
	Resident uint64
	Swapped  uint64

	// Flags holds resident bytes per kpageflags bit. It is only filled when
	// the accountant is configured with PageFlags.
	Flags PageFlagCounts
}

// tally accumulates page-unit contributions for one region or process.
type tally struct {
	Contribution
	flags PageFlagCounts
}

func (t *tally) merge(o *tally) {
	t.add(o.Contribution)
	t.flags.merge(&o.flags)
}

func (t *tally) stats(pid int, pageSize uint64) *ProcessMemoryStats {
	s := &ProcessMemoryStats{
		PID:      pid,
		USS:      t.USS * pageSize,
		PSS:      t.PSS * float64(pageSize),
		Shared:   t.Shared * pageSize,
		Resident: t.Resident * pageSize,
		Swapped:  t.Swapped * pageSize,
	}
	for i, pages := range t.flags {
		s.Flags[i] = pages * pageSize
	}
	return s
}

// ScanProcess accounts the address space of pid against snap. Any returned
// error is an *UnavailableError and means the process was not accounted.
func (a *Accountant) ScanProcess(ctx context.Context, snap *Snapshot, pid int) (*ProcessMemoryStats, error) {
	dir := filepath.Join(a.cfg.ProcPath, strconv.Itoa(pid))

	regions, err := ReadMaps(filepath.Join(dir, "maps"))
	if err != nil {
		return nil, unavailable(pid, SourceMaps, err)
	}

	pagemap, err := os.Open(filepath.Join(dir, "pagemap"))
	if err != nil {
		return nil, unavailable(pid, SourcePagemap, err)
	}
	defer pagemap.Close()

	withFlags := a.cfg.PageFlags && snap.HasFlags()

	var total, region tally
	for _, r := range regions {
		if err := ctx.Err(); err != nil {
			return nil, unavailable(pid, SourceDeadline, err)
		}

		region = tally{}
		err := ReadWindow(ctx, pagemap, r, a.pageSize, func(raw uint64) {
			e := DecodeEntry(raw)
			region.add(Classify(e, snap))
			if withFlags && e.Present {
				region.flags.add(snap.Flags(e.PFN))
			}
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, unavailable(pid, SourceDeadline, err)
		}
		if err != nil {
			// Typically a region that vanished since maps was read.
			slog.Debug("Skipping unreadable region", "pid", pid, "start", r.Start, "end", r.End, "path", r.Path, "error", err)
			continue
		}
		total.merge(&region)
	}

	stats := total.stats(pid, a.pageSize)
	stats.Name, err = a.processName(pid)
	if err != nil {
		slog.Debug("Process name unavailable", "error", unavailable(pid, SourceStatus, err))
	}
	return stats, nil
}

// processName returns the Name field of /proc/<pid>/status.
func (a *Accountant) processName(pid int) (string, error) {
	proc, err := a.fs.Proc(pid)
	if err != nil {
		return "", err
	}
	status, err := proc.NewStatus()
	if err != nil {
		return "", err
	}
	return status.Name, nil
}
