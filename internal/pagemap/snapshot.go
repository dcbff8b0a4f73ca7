package pagemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/procfs"
)

// Snapshot is a frozen copy of /proc/kpagecount (and optionally
// /proc/kpageflags) taken at the start of one accounting pass.
// It is never modified after LoadSnapshot returns.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	counts []byte
	flags  []byte
}

// Frames returns the number of frames the snapshot holds counts for.
func (s *Snapshot) Frames() uint64 {
	return uint64(len(s.counts) / EntrySize)
}

// Count returns the number of mappings of frame pfn. Frames outside the
// snapshot count as zero.
func (s *Snapshot) Count(pfn uint64) uint64 {
	return lookup(s.counts, pfn)
}

// Flags returns the kpageflags bits of frame pfn, or zero if flags were not
// loaded or pfn is outside the snapshot.
func (s *Snapshot) Flags(pfn uint64) uint64 {
	return lookup(s.flags, pfn)
}

// HasFlags reports whether the snapshot carries kpageflags data.
func (s *Snapshot) HasFlags() bool {
	return s.flags != nil
}

func lookup(table []byte, pfn uint64) uint64 {
	if pfn >= uint64(len(table)/EntrySize) {
		return 0
	}
	off := pfn * EntrySize
	return binary.LittleEndian.Uint64(table[off : off+EntrySize])
}

// PhysicalSummary classifies every frame of a snapshot by its mapping count.
type PhysicalSummary struct {
	Unmapped uint64
	Private  uint64
	Shared   uint64
}

// Physical walks all frames of the snapshot.
func (s *Snapshot) Physical() PhysicalSummary {
	var sum PhysicalSummary
	for pfn := uint64(0); pfn < s.Frames(); pfn++ {
		switch c := s.Count(pfn); {
		case c == 0:
			sum.Unmapped++
		case c == 1:
			sum.Private++
		default:
			sum.Shared++
		}
	}
	return sum
}

// TotalPages returns the number of pages of RAM reported by MemTotal in
// /proc/meminfo, rounded up.
func TotalPages(fs procfs.FS, pageSize uint64) (uint64, error) {
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("reading meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return 0, errors.New("MemTotal not found in meminfo")
	}
	return (*mi.MemTotal*1024 + pageSize - 1) / pageSize, nil
}

// loadTable reads up to frames records of a kernel frame table. Anything the
// kernel does not return stays zero.
func loadTable(path string, frames uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameTableUnavailable, err)
	}
	defer f.Close()

	buf := make([]byte, frames*EntrySize)
	n, err := io.ReadFull(f, buf)
	if err != nil {
		slog.Debug("Partial read of frame table, remaining frames count as zero",
			"path", path, "readBytes", n, "wantBytes", len(buf), "error", err)
	}
	return buf, nil
}
