package pagemap

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func present(pfn uint64) uint64 { return entryPresent | pfn }

// fakeProc is a directory laid out like the parts of /proc the accountant reads.
type fakeProc struct {
	t    *testing.T
	root string
}

// newFakeProc creates a proc tree whose meminfo reports memTotalKB, with
// empty frame tables.
func newFakeProc(t *testing.T, memTotalKB uint64) *fakeProc {
	t.Helper()
	p := &fakeProc{t: t, root: t.TempDir()}
	p.write("meminfo", []byte(fmt.Sprintf("MemTotal:       %d kB\nMemFree:        %d kB\n", memTotalKB, memTotalKB/2)))
	p.write("kpagecount", nil)
	p.write("kpageflags", nil)
	return p
}

func (p *fakeProc) write(name string, data []byte) {
	p.t.Helper()
	path := filepath.Join(p.root, name)
	require.NoError(p.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(p.t, os.WriteFile(path, data, 0o644))
}

func frameTable(values map[uint64]uint64) []byte {
	var maxPFN uint64
	for pfn := range values {
		maxPFN = max(maxPFN, pfn)
	}
	buf := make([]byte, (maxPFN+1)*EntrySize)
	for pfn, v := range values {
		binary.LittleEndian.PutUint64(buf[pfn*EntrySize:], v)
	}
	return buf
}

func (p *fakeProc) setCounts(counts map[uint64]uint64) {
	p.write("kpagecount", frameTable(counts))
}

func (p *fakeProc) setFlags(flags map[uint64]uint64) {
	p.write("kpageflags", frameTable(flags))
}

// addProcess creates /proc/<pid> with the given maps text and pagemap
// entries keyed by virtual address. An empty name omits the status file.
func (p *fakeProc) addProcess(pid int, name, maps string, entries map[uint64]uint64) {
	p.t.Helper()
	dir := strconv.Itoa(pid)
	p.write(filepath.Join(dir, "maps"), []byte(maps))
	if name != "" {
		p.write(filepath.Join(dir, "status"), []byte(fmt.Sprintf("Name:\t%s\nTgid:\t%d\n", name, pid)))
	}

	f, err := os.Create(filepath.Join(p.root, dir, "pagemap"))
	require.NoError(p.t, err)
	defer f.Close()
	var raw [EntrySize]byte
	for vaddr, v := range entries {
		binary.LittleEndian.PutUint64(raw[:], v)
		_, err := f.WriteAt(raw[:], int64(vaddr/testPageSize*EntrySize))
		require.NoError(p.t, err)
	}
}

func (p *fakeProc) remove(name string) {
	p.t.Helper()
	require.NoError(p.t, os.RemoveAll(filepath.Join(p.root, name)))
}

func (p *fakeProc) accountant(cfg Config) *Accountant {
	p.t.Helper()
	cfg.ProcPath = p.root
	cfg.PageSize = testPageSize
	a, err := New(cfg)
	require.NoError(p.t, err)
	return a
}

func mapsLine(start, end uint64, path string) string {
	return fmt.Sprintf("%x-%x rw-p 00000000 00:00 0          %s\n", start, end, path)
}
