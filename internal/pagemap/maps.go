package pagemap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Region is one entry of /proc/<pid>/maps.
type Region struct {
	Start uint64
	End   uint64
	Perms string
	Path  string
}

// Pages returns the number of whole pages covered by the region.
func (r Region) Pages(pageSize uint64) uint64 {
	return (r.End - r.Start) / pageSize
}

var (
	// Start     End          Perms Offset  Dev    Inode                     Path
	// 7d4337f0f000-7d4337f10000 rw-p 0002d000 00:2bc 42926480                  /usr/lib/x86_64-linux-gnu/ld-2.31.so
	headerRe = regexp.MustCompile(`^([0-9a-fA-F]+)-([0-9a-fA-F]+) ([rwxps-]{4}) ([0-9a-fA-F]+) ([0-9a-fA-F:]+) (\d+)(?:\s+(.*))?$`)

	// Only the bounds are required, the rest of the line is optional.
	boundsRe = regexp.MustCompile(`^([0-9a-fA-F]+)-([0-9a-fA-F]+)(?:\s|$)`)
)

// The vsyscall page lives above the user address space and pagemap cannot
// be read for it.
const vsyscallPath = "[vsyscall]"

// maxMapsLine bounds how much of one maps line is kept. The address range
// is at the start of the line, so a longer line loses only the end of its
// path.
const maxMapsLine = 64 * 1024

// ParseMaps parses the contents of a /proc/[pid]/maps file. Lines that do not
// start with a valid address range are skipped.
func ParseMaps(r io.Reader) ([]Region, error) {
	var regions []Region

	reader := bufio.NewReaderSize(r, maxMapsLine)
	for {
		line, isPrefix, err := reader.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		if region, ok := parseMapsLine(string(line)); ok {
			regions = append(regions, region)
		}
		for isPrefix {
			if _, isPrefix, err = reader.ReadLine(); err != nil && err != io.EOF {
				return nil, fmt.Errorf("read error: %w", err)
			}
		}
	}
	return regions, nil
}

func parseMapsLine(line string) (Region, bool) {
	var region Region
	var start, end string
	if m := headerRe.FindStringSubmatch(line); m != nil {
		start, end = m[1], m[2]
		region.Perms = m[3]
		region.Path = strings.TrimSpace(m[7])
	} else if m := boundsRe.FindStringSubmatch(line); m != nil {
		start, end = m[1], m[2]
	} else {
		return Region{}, false
	}

	var err error
	if region.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
		return Region{}, false
	}
	if region.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return Region{}, false
	}
	if region.Start >= region.End || region.Path == vsyscallPath {
		return Region{}, false
	}
	return region, true
}

// ReadMaps opens and parses a maps file.
func ReadMaps(path string) ([]Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f)
}
