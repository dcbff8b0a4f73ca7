package pagemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(counts map[uint64]uint64) *Snapshot {
	return &Snapshot{counts: frameTable(counts)}
}

func TestClassify(t *testing.T) {
	snap := snapshotOf(map[uint64]uint64{7: 1, 100: 2, 200: 3, 300: 0})

	tests := []struct {
		name string
		raw  uint64
		want Contribution
	}{
		{"unmapped", 0, Contribution{}},
		{"swapped", entrySwapped, Contribution{Swapped: 1}},
		{"private", present(7), Contribution{Resident: 1, USS: 1, PSS: 1}},
		{"shared by two", present(100), Contribution{Resident: 1, Shared: 1, PSS: 0.5}},
		{"freed since snapshot", present(300), Contribution{Resident: 1}},
		{"beyond snapshot", present(5000), Contribution{Resident: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(DecodeEntry(tc.raw), snap)
			assert.Equal(t, tc.want, got)
			assert.LessOrEqual(t, got.Resident+got.Swapped, uint64(1))
		})
	}
}

func TestClassifySharedFrameSumsToOnePage(t *testing.T) {
	for _, k := range []uint64{2, 3, 7, 10, 1000} {
		snap := snapshotOf(map[uint64]uint64{9: k})

		var sum Contribution
		for i := uint64(0); i < k; i++ {
			c := Classify(DecodeEntry(present(9)), snap)
			require.Equal(t, uint64(0), c.USS)
			require.Equal(t, uint64(1), c.Shared)
			sum.add(c)
		}
		assert.InDelta(t, 1.0, sum.PSS, 1e-9, "refcount %d", k)
	}
}

func TestSnapshotBounds(t *testing.T) {
	snap := snapshotOf(map[uint64]uint64{0: 4, 3: 1})
	assert.Equal(t, uint64(4), snap.Frames())
	assert.Equal(t, uint64(4), snap.Count(0))
	assert.Equal(t, uint64(1), snap.Count(3))
	assert.Equal(t, uint64(0), snap.Count(4))
	assert.Equal(t, uint64(0), snap.Count(1<<54))
	assert.Equal(t, uint64(0), snap.Flags(0))
	assert.False(t, snap.HasFlags())

	assert.Equal(t, PhysicalSummary{Unmapped: 2, Private: 1, Shared: 1}, snap.Physical())
}
