package pagemap

// PageFlag is a bit index in /proc/kpageflags.
type PageFlag uint

const (
	FlagLocked PageFlag = iota
	FlagError
	FlagReferenced
	FlagUptodate
	FlagDirty
	FlagLRU
	FlagActive
	FlagSlab
	FlagWriteback
	FlagReclaim
	FlagBuddy
	FlagMmap
	FlagAnon
	FlagSwapCache
	FlagSwapBacked
	FlagCompoundHead
	FlagCompoundTail
	FlagHuge
	FlagUnevictable
	FlagHWPoison
	FlagNoPage
	FlagKSM
	FlagTHP

	NumPageFlags
)

var pageFlagNames = [NumPageFlags]string{
	"locked", "error", "referenced", "uptodate", "dirty", "lru", "active",
	"slab", "writeback", "reclaim", "buddy", "mmap", "anon", "swapcache",
	"swapbacked", "compound_head", "compound_tail", "huge", "unevictable",
	"hwpoison", "nopage", "ksm", "thp",
}

func (f PageFlag) String() string {
	if f < NumPageFlags {
		return pageFlagNames[f]
	}
	return "unknown"
}

// PageFlagCounts tallies resident pages by kpageflags bit.
type PageFlagCounts [NumPageFlags]uint64

func (c *PageFlagCounts) add(flags uint64) {
	for f := PageFlag(0); f < NumPageFlags; f++ {
		if flags&(1<<f) != 0 {
			c[f]++
		}
	}
}

func (c *PageFlagCounts) merge(o *PageFlagCounts) {
	for i := range c {
		c[i] += o[i]
	}
}
