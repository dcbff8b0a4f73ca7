package pagemap

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTableUnavailable is returned when /proc/kpagecount or
	// /proc/kpageflags cannot be opened. There is no degraded mode without them.
	ErrFrameTableUnavailable = errors.New("kernel frame table unavailable")

	ErrMapsUnavailable    = errors.New("maps unavailable")
	ErrPagemapUnavailable = errors.New("pagemap unavailable")
	ErrStatusUnavailable  = errors.New("status unavailable")
	ErrScanDeadline       = errors.New("process scan deadline exceeded")
)

// Source names the per-process kernel file a soft failure came from.
type Source string

const (
	SourceMaps     Source = "maps"
	SourcePagemap  Source = "pagemap"
	SourceStatus   Source = "status"
	SourceDeadline Source = "deadline"
)

func (s Source) sentinel() error {
	switch s {
	case SourceMaps:
		return ErrMapsUnavailable
	case SourcePagemap:
		return ErrPagemapUnavailable
	case SourceStatus:
		return ErrStatusUnavailable
	case SourceDeadline:
		return ErrScanDeadline
	}
	return nil
}

// UnavailableError reports that one process could not be accounted because
// one of its sources was missing. It never aborts a pass.
type UnavailableError struct {
	PID    int
	Source Source
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("pid %d: %s unavailable: %v", e.PID, e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is matches the sentinel for the failing source, so callers can write
// errors.Is(err, ErrMapsUnavailable).
func (e *UnavailableError) Is(target error) bool {
	return target != nil && target == e.Source.sentinel()
}

func unavailable(pid int, source Source, err error) *UnavailableError {
	return &UnavailableError{PID: pid, Source: source, Err: err}
}
