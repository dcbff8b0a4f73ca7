package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsaarni/pagemap-exporter/internal/pagemap"
)

func TestParseProcessFilter(t *testing.T) {
	f, err := ParseProcessFilter("default/web-0/nginx/*")
	require.NoError(t, err)
	assert.Equal(t, ProcessFilter{Namespace: "default", Pod: "web-0", Container: "nginx", Command: "*"}, f)
	assert.False(t, f.HostOnly())

	f, err = ParseProcessFilter("*/*/*/postgres")
	require.NoError(t, err)
	assert.True(t, f.HostOnly())
	assert.Equal(t, "postgres", f.Command)

	for _, bad := range []string{"", "a/b/c", "a//c/d"} {
		_, err := ParseProcessFilter(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	} {
		assert.Equal(t, want, parseLogLevel(&in), in)
	}
	none := "none"
	assert.True(t, parseLogLevel(&none) > slog.LevelError)
}

func writeProc(t *testing.T, root string, pid, comm string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
}

func TestProcFinder(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "1", "init")
	writeProc(t, root, "42", "postgres")
	writeProc(t, root, "43", "postgres")
	writeProc(t, root, "self", "ignored")
	fs, err := procfs.NewFS(root)
	require.NoError(t, err)

	pids, err := NewProcFinder(fs, "postgres").PIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{42, 43}, pids)

	pids, err = NewProcFinder(fs, wildcard).PIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 42, 43}, pids)
}

func testReport() *pagemap.Report {
	big := &pagemap.ProcessMemoryStats{PID: 10, Name: "big", USS: 8192, PSS: 10240, Shared: 4096, Resident: 12288, Swapped: 4096}
	big.Flags[pagemap.FlagAnon] = 8192
	return &pagemap.Report{
		SnapshotVersion: 3,
		Physical:        pagemap.PhysicalSummary{Unmapped: 5, Private: 2, Shared: 1},
		Stats: map[int]*pagemap.ProcessMemoryStats{
			10: big,
			20: {PID: 20, Name: "small", PSS: 2048, Shared: 4096, Resident: 4096},
		},
		Skipped: []*pagemap.UnavailableError{{PID: 30, Source: pagemap.SourceMaps}},
	}
}

func TestSetMetrics(t *testing.T) {
	setMetrics(&pagemap.Report{}, false)
	before := testutil.ToFloat64(SkippedProcesses.WithLabelValues("maps"))

	setMetrics(testReport(), true)

	assert.Equal(t, 8192.0, testutil.ToFloat64(ProcessUss.WithLabelValues("10", "big")))
	assert.Equal(t, 10240.0, testutil.ToFloat64(ProcessPss.WithLabelValues("10", "big")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(ProcessShared.WithLabelValues("20", "small")))
	assert.Equal(t, 12288.0, testutil.ToFloat64(ProcessResident.WithLabelValues("10", "big")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(ProcessSwapped.WithLabelValues("10", "big")))
	assert.Equal(t, 8192.0, testutil.ToFloat64(ProcessPageFlag.WithLabelValues("10", "big", "anon")))
	assert.Equal(t, before+1, testutil.ToFloat64(SkippedProcesses.WithLabelValues("maps")))
	assert.Equal(t, 3.0, testutil.ToFloat64(SnapshotVersion))
	assert.Equal(t, 5.0, testutil.ToFloat64(PhysicalFrames.WithLabelValues("unmapped")))

	// A later pass without pid 20 drops its series.
	report := testReport()
	delete(report.Stats, 20)
	setMetrics(report, false)
	assert.Equal(t, 1, testutil.CollectAndCount(ProcessPss))
	assert.Equal(t, 0, testutil.CollectAndCount(ProcessPageFlag))
}

func TestSetMetricsKeepsSurvivingSeries(t *testing.T) {
	setMetrics(&pagemap.Report{}, false)
	setMetrics(testReport(), true)

	report := testReport()
	report.Stats[10].PSS = 20480
	report.Stats[20].Name = "renamed"
	setMetrics(report, true)

	assert.Equal(t, 20480.0, testutil.ToFloat64(ProcessPss.WithLabelValues("10", "big")))
	assert.Equal(t, 2, testutil.CollectAndCount(ProcessPss))
	assert.False(t, ProcessPss.DeleteLabelValues("20", "small"), "series of the old comm was not removed")
	assert.Equal(t, 2*int(pagemap.NumPageFlags), testutil.CollectAndCount(ProcessPageFlag))
	assert.False(t, ProcessPageFlag.DeleteLabelValues("20", "small", "anon"))
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, testReport()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "PSS(KiB)")
	assert.Contains(t, lines[1], "big")
	assert.Contains(t, lines[1], "10.0")
	assert.Contains(t, lines[2], "small")
	assert.Equal(t, "1 processes skipped", lines[4])
}
