package pagemap

// Contribution is what pages add to a process's totals, in pages.
// Resident and Swapped are never both set for a single page.
type Contribution struct {
	USS      uint64
	PSS      float64
	Shared   uint64
	Resident uint64
	Swapped  uint64
}

func (c *Contribution) add(o Contribution) {
	c.USS += o.USS
	c.PSS += o.PSS
	c.Shared += o.Shared
	c.Resident += o.Resident
	c.Swapped += o.Swapped
}

// Classify computes the contribution of one decoded pagemap entry.
//
// A present page whose frame has no recorded mappings (freed since the
// snapshot, or beyond its end) is still resident but adds nothing else.
// A frame mapped k times adds 1/k of a page to PSS, so the k mappers of a
// frame together account for exactly one page.
func Classify(e Entry, snap *Snapshot) Contribution {
	switch {
	case e.Present:
		c := Contribution{Resident: 1}
		switch count := snap.Count(e.PFN); {
		case count == 1:
			c.USS = 1
			c.PSS = 1
		case count > 1:
			c.Shared = 1
			c.PSS = 1 / float64(count)
		}
		return c
	case e.Swapped:
		return Contribution{Swapped: 1}
	}
	return Contribution{}
}
