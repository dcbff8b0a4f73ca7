package pagemap

// Bits of a /proc/<pid>/pagemap entry, see Documentation/admin-guide/mm/pagemap.rst.
const (
	entryPresent = 1 << 63
	entrySwapped = 1 << 62
	pfnMask      = 1<<55 - 1

	// EntrySize is the size in bytes of one pagemap or kpagecount record.
	EntrySize = 8
)

// Entry is a decoded pagemap entry for one virtual page.
type Entry struct {
	Present bool
	Swapped bool
	// PFN is only meaningful when Present is set.
	PFN uint64
}

// DecodeEntry decodes a raw pagemap value. Every input is valid.
func DecodeEntry(raw uint64) Entry {
	if raw&entryPresent != 0 {
		return Entry{Present: true, PFN: raw & pfnMask}
	}
	if raw&entrySwapped != 0 {
		return Entry{Swapped: true}
	}
	return Entry{}
}
