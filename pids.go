package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

const wildcard = "*"

// PIDSource discovers the processes to account in one pass.
type PIDSource interface {
	PIDs(ctx context.Context) ([]int, error)
}

// ProcessFilter selects processes by Kubernetes location and command name.
// Each field is matched exactly, or is "*" to match anything.
type ProcessFilter struct {
	Namespace string
	Pod       string
	Container string
	Command   string
}

// ParseProcessFilter parses namespace/pod/container/command.
func ParseProcessFilter(s string) (ProcessFilter, error) {
	parts := strings.SplitN(s, "/", 4)
	if len(parts) != 4 {
		return ProcessFilter{}, fmt.Errorf("invalid process filter %q, expected namespace/pod/container/command", s)
	}
	for _, p := range parts {
		if p == "" {
			return ProcessFilter{}, fmt.Errorf("invalid process filter %q, empty field", s)
		}
	}
	return ProcessFilter{Namespace: parts[0], Pod: parts[1], Container: parts[2], Command: parts[3]}, nil
}

// HostOnly reports whether the filter selects nothing Kubernetes-specific.
func (f ProcessFilter) HostOnly() bool {
	return f.Namespace == wildcard && f.Pod == wildcard && f.Container == wildcard
}

func matchesPattern(pattern, value string) bool {
	return pattern == wildcard || pattern == value
}

func commMatches(p procfs.Proc, comm string) bool {
	if comm == wildcard {
		return true
	}
	procComm, err := p.Comm()
	if err != nil {
		return false
	}
	return procComm == comm
}

// ProcFinder lists every process in proc whose comm matches.
type ProcFinder struct {
	fs   procfs.FS
	comm string
}

func NewProcFinder(fs procfs.FS, comm string) *ProcFinder {
	return &ProcFinder{fs: fs, comm: comm}
}

func (f *ProcFinder) PIDs(ctx context.Context) ([]int, error) {
	procs, err := f.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	var pids []int
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if commMatches(p, f.comm) {
			pids = append(pids, p.PID)
		}
	}
	return pids, nil
}
