package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"

	"github.com/tsaarni/pagemap-exporter/internal/pagemap"
)

var (
	listenAddr           = flag.String("addr", ":8080", "Address to listen on for HTTP requests")
	procPath             = flag.String("proc-path", "/proc", "Path where proc is mounted")
	interval             = flag.Duration("scrape-interval", 15*time.Second, "Interval between accounting passes")
	logLevel             = flag.String("log-level", "info", "Log level: debug, info, warn, error, none")
	containerdSocketPath = flag.String("containerd-sock", "/run/containerd/containerd.sock", "Path to containerd socket, used when the filter names a namespace, pod or container")
	processFilter        = flag.String("filter", "*/*/*/*", "Processes to account in the format namespace/pod/container/command. Use * as a wildcard.")
	workers              = flag.Int("workers", 4, "Number of processes scanned in parallel")
	processTimeout       = flag.Duration("process-timeout", 10*time.Second, "Maximum time spent scanning a single process")
	pageFlags            = flag.Bool("page-flags", false, "Also load /proc/kpageflags and export per-flag memory")
	capacityFactor       = flag.Uint64("capacity-factor", 2, "Snapshot size as a multiple of the MemTotal page count")
	once                 = flag.Bool("once", false, "Run a single pass, print a table and exit")
)

func pollMetrics(ctx context.Context, accountant *pagemap.Accountant, source PIDSource) {
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		if err := collectAndSetMetrics(ctx, accountant, source); err != nil {
			slog.Error("Accounting pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func collectAndSetMetrics(ctx context.Context, accountant *pagemap.Accountant, source PIDSource) error {
	report, err := runPass(ctx, accountant, source)
	if err != nil {
		PassErrors.Inc()
		return err
	}
	setMetrics(report, *pageFlags)
	return nil
}

func runPass(ctx context.Context, accountant *pagemap.Accountant, source PIDSource) (*pagemap.Report, error) {
	pids, err := source.PIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding processes: %w", err)
	}
	if len(pids) == 0 {
		slog.Warn("No matching processes found", "filter", *processFilter)
	}

	report, err := accountant.Run(ctx, pids)
	if err != nil {
		return nil, err
	}
	slog.Debug("Accounting pass done",
		"snapshot", report.SnapshotVersion,
		"accounted", len(report.Stats),
		"skipped", len(report.Skipped),
		"duration", report.Duration)
	return report, nil
}

// printReport writes the report as a table sorted by PSS, largest first.
func printReport(w io.Writer, report *pagemap.Report) error {
	stats := make([]*pagemap.ProcessMemoryStats, 0, len(report.Stats))
	for _, s := range report.Stats {
		stats = append(stats, s)
	}
	slices.SortFunc(stats, func(a, b *pagemap.ProcessMemoryStats) int {
		switch {
		case a.PSS > b.PSS:
			return -1
		case a.PSS < b.PSS:
			return 1
		}
		return a.PID - b.PID
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "PID\tUSS(KiB)\tPSS(KiB)\tSHR(KiB)\tRSS(KiB)\tSWAP(KiB)\tNAME\t")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%d\t%.1f\t%d\t%d\t%d\t%s\t\n",
			s.PID, s.USS/1024, s.PSS/1024, s.Shared/1024, s.Resident/1024, s.Swapped/1024, s.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, "\n%d processes skipped\n", len(report.Skipped))
	}
	return nil
}

func newPIDSource(fs procfs.FS, filter ProcessFilter) (PIDSource, error) {
	if filter.HostOnly() {
		return NewProcFinder(fs, filter.Command), nil
	}

	// Check that containerd socket exists.
	if _, err := os.Stat(*containerdSocketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("containerd socket %s does not exist", *containerdSocketPath)
	}
	return NewKubernetesPIDFinder(*containerdSocketPath, fs, filter)
}

func parseLogLevel(level *string) slog.Level {
	switch strings.ToLower(*level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return slog.Level(999) // Higher than any defined level.
	default:
		slog.Warn("Unknown log level, defaulting to info", "log-level", *level)
		return slog.LevelInfo
	}
}

func main() {
	flag.Parse()

	slog.SetLogLoggerLevel(parseLogLevel(logLevel))

	// Check that /proc path exists.
	if _, err := os.Stat(*procPath); os.IsNotExist(err) {
		slog.Error("The specified /proc path does not exist", "procPath", *procPath)
		os.Exit(1)
	}

	filter, err := ParseProcessFilter(*processFilter)
	if err != nil {
		slog.Error("Invalid process filter", "error", err)
		os.Exit(1)
	}

	fs, err := procfs.NewFS(*procPath)
	if err != nil {
		slog.Error("Failed to open proc", "procPath", *procPath, "error", err)
		os.Exit(1)
	}

	accountant, err := pagemap.New(pagemap.Config{
		ProcPath:       *procPath,
		CapacityFactor: *capacityFactor,
		Workers:        *workers,
		ProcessTimeout: *processTimeout,
		PageFlags:      *pageFlags,
	})
	if errors.Is(err, pagemap.ErrFrameTableUnavailable) {
		slog.Error("Kernel page accounting is unavailable, run as root on a kernel with CONFIG_PROC_PAGE_MONITOR", "error", err)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize accountant", "error", err)
		os.Exit(1)
	}

	source, err := newPIDSource(fs, filter)
	if err != nil {
		slog.Error("Failed to initialize PID finder", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		report, err := runPass(ctx, accountant, source)
		if err != nil {
			slog.Error("Accounting pass failed", "error", err)
			os.Exit(1)
		}
		if err := printReport(os.Stdout, report); err != nil {
			slog.Error("Failed to print report", "error", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("Starting pagemap-exporter", "listenAddr", *listenAddr, "procPath", *procPath, "scrapeInterval", *interval, "pageSize", accountant.PageSize())

	go pollMetrics(ctx, accountant, source)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", http.RedirectHandler("/metrics", http.StatusFound))

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
