package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tsaarni/pagemap-exporter/internal/pagemap"
)

// Per-process gauges, computed from pagemap and kpagecount.
var (
	ProcessUss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagemap_process_uss_bytes",
			Help: "Unique Set Size: resident memory mapped only by this process (bytes).",
		},
		[]string{"pid", "comm"},
	)
	ProcessPss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagemap_process_pss_bytes",
			Help: "Proportional Set Size: resident memory with each shared page divided by the number of its mappings (bytes).",
		},
		[]string{"pid", "comm"},
	)
	ProcessShared = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagemap_process_shared_bytes",
			Help: "Resident memory in pages mapped more than once system-wide (bytes).",
		},
		[]string{"pid", "comm"},
	)
	ProcessResident = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagemap_process_resident_bytes",
			Help: "Resident Set Size: memory currently backed by RAM, shared pages counted in full (bytes).",
		},
		[]string{"pid", "comm"},
	)
	ProcessSwapped = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagemap_process_swap_bytes",
			Help: "Memory of the process that is swapped out (bytes).",
		},
		[]string{"pid", "comm"},
	)
	ProcessPageFlag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagemap_process_page_flag_bytes",
			Help: "Resident memory of the process by kpageflags bit (bytes). Only set with -page-flags.",
		},
		[]string{"pid", "comm", "flag"},
	)
)

// Pass-level metrics.
var (
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagemap_pass_duration_seconds",
			Help:    "Time taken by one accounting pass, including the snapshot load.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	PassErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagemap_pass_errors_total",
			Help: "Accounting passes that failed as a whole.",
		},
	)
	SkippedProcesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagemap_skipped_processes_total",
			Help: "Processes left out of a pass because a source was unavailable.",
		},
		[]string{"source"},
	)
	SnapshotVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagemap_snapshot_version",
			Help: "Version of the kpagecount snapshot used by the last pass.",
		},
	)
	PhysicalFrames = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagemap_physical_frames",
			Help: "Physical frames in the last snapshot by mapping state (unmapped, private, shared).",
		},
		[]string{"state"},
	)
)

var processGauges = []*prometheus.GaugeVec{ProcessUss, ProcessPss, ProcessShared, ProcessResident, ProcessSwapped}

type seriesKey struct{ pid, comm string }

// Label sets written by the previous setMetrics call. Only the poll loop
// calls setMetrics.
var (
	publishedProcs = map[seriesKey]struct{}{}
	publishedFlags = map[seriesKey]struct{}{}
)

// setMetrics overwrites the per-process series with the contents of report
// and then deletes the series of processes that are gone. Series that
// survive a pass are never absent from a scrape.
func setMetrics(report *pagemap.Report, pageFlags bool) {
	procs := make(map[seriesKey]struct{}, len(report.Stats))
	flagged := make(map[seriesKey]struct{})
	for _, s := range report.Stats {
		key := seriesKey{pid: strconv.Itoa(s.PID), comm: s.Name}
		setProcessMetrics(key, s, pageFlags)
		procs[key] = struct{}{}
		if pageFlags {
			flagged[key] = struct{}{}
		}
	}

	for key := range publishedProcs {
		if _, ok := procs[key]; ok {
			continue
		}
		for _, g := range processGauges {
			g.DeleteLabelValues(key.pid, key.comm)
		}
	}
	for key := range publishedFlags {
		if _, ok := flagged[key]; !ok {
			ProcessPageFlag.DeletePartialMatch(prometheus.Labels{"pid": key.pid, "comm": key.comm})
		}
	}
	publishedProcs, publishedFlags = procs, flagged

	for _, skipped := range report.Skipped {
		SkippedProcesses.WithLabelValues(string(skipped.Source)).Inc()
	}
	PassDuration.Observe(report.Duration.Seconds())
	SnapshotVersion.Set(float64(report.SnapshotVersion))
	PhysicalFrames.WithLabelValues("unmapped").Set(float64(report.Physical.Unmapped))
	PhysicalFrames.WithLabelValues("private").Set(float64(report.Physical.Private))
	PhysicalFrames.WithLabelValues("shared").Set(float64(report.Physical.Shared))
}

func setProcessMetrics(key seriesKey, s *pagemap.ProcessMemoryStats, pageFlags bool) {
	ProcessUss.WithLabelValues(key.pid, key.comm).Set(float64(s.USS))
	ProcessPss.WithLabelValues(key.pid, key.comm).Set(s.PSS)
	ProcessShared.WithLabelValues(key.pid, key.comm).Set(float64(s.Shared))
	ProcessResident.WithLabelValues(key.pid, key.comm).Set(float64(s.Resident))
	ProcessSwapped.WithLabelValues(key.pid, key.comm).Set(float64(s.Swapped))
	if !pageFlags {
		return
	}
	for f := pagemap.PageFlag(0); f < pagemap.NumPageFlags; f++ {
		ProcessPageFlag.WithLabelValues(key.pid, key.comm, f.String()).Set(float64(s.Flags[f]))
	}
}
