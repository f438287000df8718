// Package block turns disks into blocks: a manager fans allocation requests
// out over per-disk free-space allocators according to a pluggable strategy,
// and hands back block identifiers that name a file and an offset.
package block

import (
	"fmt"

	"karst/internal/buffer"
	"karst/internal/fio"
)

// BID identifies one block: the file it lives on, its byte offset there,
// and its size. A BID is unassigned until NewBlocks fills in storage and
// offset. DeleteBlock leaves the fields as they are.
type BID struct {
	Storage fio.File
	Offset  int64
	Size    int64
}

// Valid reports whether the BID has storage and a positive size. It does
// not track frees: a BID passed to DeleteBlock still reports true.
func (b *BID) Valid() bool {
	return b != nil && b.Storage != nil && b.Size > 0
}

// End returns the past-the-end offset of the block.
func (b *BID) End() int64 { return b.Offset + b.Size }

func (b *BID) String() string {
	if b == nil || b.Storage == nil {
		return fmt.Sprintf("[unassigned +%d]", b.sizeOrZero())
	}
	return fmt.Sprintf("[%s:%d +%d]", b.Storage.Path(), b.Offset, b.Size)
}

func (b *BID) sizeOrZero() int64 {
	if b == nil {
		return 0
	}
	return b.Size
}

// NewBIDs builds n unassigned BIDs of one size, the bulk shape every
// container above the manager allocates in. The size must be a positive
// multiple of the device alignment.
func NewBIDs(size int64, n int) ([]*BID, error) {
	if size <= 0 || !buffer.AlignedOffset(size) {
		return nil, fmt.Errorf("block: size %d is not a positive multiple of %d", size, buffer.Alignment)
	}
	bids := make([]*BID, n)
	for i := range bids {
		bids[i] = &BID{Size: size}
	}
	return bids, nil
}
