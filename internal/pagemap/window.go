package pagemap

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// windowBatch bounds how many pagemap entries are read per pread.
const windowBatch = 1024

// ReadWindow reads the pagemap entries covering region from r and passes
// each raw value to visit, in address order. An error means the window was
// cut short; entries already visited are not rolled back, so callers that
// want all-or-nothing must buffer.
//
// ctx is checked before every batch. When it is done the returned error
// wraps ctx.Err() unchanged, so callers can tell it apart from a short read.
func ReadWindow(ctx context.Context, r io.ReaderAt, region Region, pageSize uint64, visit func(raw uint64)) error {
	pages := region.Pages(pageSize)
	if pages == 0 {
		return nil
	}
	buf := make([]byte, min(pages, windowBatch)*EntrySize)

	first := region.Start / pageSize
	for done := uint64(0); done < pages; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(pages-done, windowBatch)
		chunk := buf[:n*EntrySize]
		off := int64((first + done) * EntrySize)
		read, err := r.ReadAt(chunk, off)
		if read < len(chunk) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("reading pagemap at %#x: %w", off, err)
		}
		for i := 0; i < len(chunk); i += EntrySize {
			visit(binary.LittleEndian.Uint64(chunk[i:]))
		}
		done += n
	}
	return nil
}
