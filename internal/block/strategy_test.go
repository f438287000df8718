package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStriping(t *testing.T) {
	s := NewStriping(0, 4)
	for i := 0; i < 12; i++ {
		require.Equal(t, i%4, s.Disk(i))
	}

	shifted := NewStriping(2, 5)
	for i := 0; i < 9; i++ {
		require.Equal(t, 2+i%3, shifted.Disk(i))
	}
}

func TestSimpleRandomIsShiftedStriping(t *testing.T) {
	s := NewSimpleRandom(0, 4)
	base := s.Disk(0)
	for i := 0; i < 16; i++ {
		d := s.Disk(i)
		require.GreaterOrEqual(t, d, 0)
		require.Less(t, d, 4)
		require.Equal(t, (base+i)%4, d, "simple random must stripe from its offset")
	}
}

func TestFullyRandomStaysInRange(t *testing.T) {
	s := NewFullyRandom(1, 5)
	for i := 0; i < 256; i++ {
		d := s.Disk(i)
		require.GreaterOrEqual(t, d, 1)
		require.Less(t, d, 5)
	}
}

func TestRandomCyclicIsAPermutationPerCycle(t *testing.T) {
	s := NewRandomCyclic(0, 6)
	seen := make(map[int]bool)
	for i := 0; i < 6; i++ {
		seen[s.Disk(i)] = true
	}
	require.Len(t, seen, 6, "one cycle must touch every disk exactly once")

	// The permutation repeats.
	for i := 0; i < 18; i++ {
		require.Equal(t, s.Disk(i%6), s.Disk(i))
	}
}

func TestSingleDisk(t *testing.T) {
	s := NewSingleDisk(3)
	for i := 0; i < 8; i++ {
		require.Equal(t, 3, s.Disk(i))
	}
}

func TestOffsetWrapsBase(t *testing.T) {
	s := NewOffset(NewStriping(0, 4), 3)
	for i := 0; i < 8; i++ {
		require.Equal(t, (i+3)%4, s.Disk(i))
	}
}

func TestInterleavedRunsAdvanceInLockstep(t *testing.T) {
	iv := NewInterleaved(NewStriping(0, 4), 2)
	r0, r1 := iv.Run(0), iv.Run(1)

	// Run r's block b maps to base(r + b*runs): the two runs alternate
	// disks and never collide on the same block index.
	for b := 0; b < 8; b++ {
		require.Equal(t, (2*b)%4, r0.Disk(b))
		require.Equal(t, (2*b+1)%4, r1.Disk(b))
	}
}
