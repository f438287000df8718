package block

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"karst/internal/config"
	"karst/internal/fio"
	"karst/internal/logging"
)

var (
	// ErrOutOfSpace means an allocation cannot be satisfied and the disk
	// does not autogrow.
	ErrOutOfSpace = errors.New("block: out of external memory")
	// ErrDoubleFree means a freed region overlaps a region that is already
	// free. The free-space map is left untouched.
	ErrDoubleFree = errors.New("block: double free of external memory region")
)

// Extent is one free region of a disk.
type Extent struct {
	Offset int64
	Length int64
}

// DiskAllocator manages the free space of a single disk. The free-space map
// is an ordered list of disjoint extents that are never adjacent; freeing
// always coalesces with both neighbors.
type DiskAllocator struct {
	log *logging.Logger

	mu        sync.Mutex
	free      []Extent
	freeBytes int64
	diskBytes int64
	cfgBytes  int64
	storage   fio.File
	autogrow  bool
}

// NewDiskAllocator sizes the storage file to the configured size and starts
// with one free extent covering all of it.
func NewDiskAllocator(storage fio.File, cfg config.Disk) (*DiskAllocator, error) {
	a := &DiskAllocator{
		log:      logging.New("block.allocator"),
		cfgBytes: cfg.Size,
		storage:  storage,
		autogrow: cfg.Autogrow,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.growLocked(cfg.Size); err != nil {
		return nil, err
	}
	return a, nil
}

// Autogrow reports whether the disk extends on demand.
func (a *DiskAllocator) Autogrow() bool { return a.autogrow }

// FreeBytes returns the number of unallocated bytes.
func (a *DiskAllocator) FreeBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBytes
}

// UsedBytes returns the number of allocated bytes.
func (a *DiskAllocator) UsedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.diskBytes - a.freeBytes
}

// TotalBytes returns the current size of the disk, including growth.
func (a *DiskAllocator) TotalBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.diskBytes
}

// HasAvailableSpace reports whether bytes more could be allocated.
func (a *DiskAllocator) HasAvailableSpace(bytes int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autogrow || a.freeBytes >= bytes
}

// FreeExtents returns a copy of the free-space map, ordered by offset.
func (a *DiskAllocator) FreeExtents() []Extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Extent, len(a.free))
	copy(out, a.free)
	return out
}

// NewBlocks assigns offsets to every BID from the leftmost free extent that
// holds the whole request. When no extent fits and the disk cannot grow any
// further, the request is split in half and the halves placed independently,
// trading contiguity for success.
func (a *DiskAllocator) NewBlocks(bids []*BID) error {
	if len(bids) == 0 {
		return nil
	}
	for _, bid := range bids {
		if bid.Size <= 0 {
			return fmt.Errorf("block: allocation of non-positive size %d", bid.Size)
		}
	}

	a.mu.Lock()
	placed, err := a.tryPlaceLocked(bids)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if placed {
		return nil
	}

	if len(bids) == 1 {
		return fmt.Errorf("%w: %d bytes requested, %d bytes free",
			ErrOutOfSpace, bids[0].Size, a.FreeBytes())
	}

	a.log.Warn("no contiguous region found, splitting the request",
		"blocks", len(bids))
	mid := len(bids) / 2
	if err := a.NewBlocks(bids[:mid]); err != nil {
		return err
	}
	return a.NewBlocks(bids[mid:])
}

// tryPlaceLocked attempts a contiguous placement, growing the file when the
// disk autogrows. It reports false, with the map unchanged, when only a
// split can succeed.
func (a *DiskAllocator) tryPlaceLocked(bids []*BID) (bool, error) {
	var requested int64
	for _, bid := range bids {
		requested += bid.Size
	}

	if a.freeBytes < requested {
		if !a.autogrow {
			return false, fmt.Errorf("%w: %d bytes requested, %d bytes free",
				ErrOutOfSpace, requested, a.freeBytes)
		}
		a.log.Info("extending the external memory space",
			"requested", requested, "free", a.freeBytes)
		if err := a.growLocked(requested); err != nil {
			return false, err
		}
	}

	idx := a.firstFitLocked(requested)
	if idx < 0 && a.autogrow {
		if err := a.growLocked(requested); err != nil {
			return false, err
		}
		idx = a.firstFitLocked(requested)
	}
	if idx < 0 {
		return false, nil
	}

	region := a.free[idx]
	if region.Length > requested {
		a.free[idx] = Extent{Offset: region.Offset + requested, Length: region.Length - requested}
	} else {
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	}

	pos := region.Offset
	for _, bid := range bids {
		bid.Offset = pos
		pos += bid.Size
	}
	a.freeBytes -= requested
	return true, nil
}

// firstFitLocked returns the index of the leftmost free extent of at least
// the given length, or -1.
func (a *DiskAllocator) firstFitLocked(length int64) int {
	for i, e := range a.free {
		if e.Length >= length {
			return i
		}
	}
	return -1
}

// DeleteBlock returns the block's region to the free-space map.
func (a *DiskAllocator) DeleteBlock(bid *BID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log.Debug("delete block",
		"offset", bid.Offset, "size", bid.Size,
		"free", a.freeBytes, "total", a.diskBytes)
	return a.addFreeRegionLocked(bid.Offset, bid.Size)
}

// DeleteBlocks frees a range of blocks, stopping at the first failure.
func (a *DiskAllocator) DeleteBlocks(bids []*BID) error {
	for _, bid := range bids {
		if err := a.DeleteBlock(bid); err != nil {
			return err
		}
	}
	return nil
}

// Close truncates the disk back to its configured size. Allocated blocks
// must no longer be in use.
func (a *DiskAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.diskBytes > a.cfgBytes {
		if err := a.storage.SetSize(a.cfgBytes); err != nil {
			return err
		}
		a.diskBytes = a.cfgBytes
	}
	return nil
}

func (a *DiskAllocator) growLocked(extendBytes int64) error {
	if extendBytes == 0 {
		return nil
	}
	if err := a.storage.SetSize(a.diskBytes + extendBytes); err != nil {
		return err
	}
	if err := a.addFreeRegionLocked(a.diskBytes, extendBytes); err != nil {
		return err
	}
	a.diskBytes += extendBytes
	return nil
}

// addFreeRegionLocked inserts [pos, pos+size) into the free-space map,
// coalescing with the immediate predecessor and successor. Any overlap with
// an existing free extent is a double free and fails loudly, with the map
// unchanged.
func (a *DiskAllocator) addFreeRegionLocked(pos, size int64) error {
	succ := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].Offset > pos
	})
	pred := succ - 1

	if pred >= 0 {
		p := a.free[pred]
		if p.Offset <= pos && p.Offset+p.Length > pos {
			return fmt.Errorf("%w: region %d+%d overlaps free extent %d+%d",
				ErrDoubleFree, pos, size, p.Offset, p.Length)
		}
	}
	if succ < len(a.free) {
		s := a.free[succ]
		if pos <= s.Offset && pos+size > s.Offset {
			return fmt.Errorf("%w: region %d+%d overlaps free extent %d+%d",
				ErrDoubleFree, pos, size, s.Offset, s.Length)
		}
	}

	region := Extent{Offset: pos, Length: size}
	mergeLo := pred >= 0 && a.free[pred].Offset+a.free[pred].Length == pos
	mergeHi := succ < len(a.free) && a.free[succ].Offset == pos+size

	switch {
	case mergeLo && mergeHi:
		a.free[pred].Length += size + a.free[succ].Length
		a.free = append(a.free[:succ], a.free[succ+1:]...)
	case mergeLo:
		a.free[pred].Length += size
	case mergeHi:
		a.free[succ].Offset = pos
		a.free[succ].Length += size
	default:
		a.free = append(a.free, Extent{})
		copy(a.free[succ+1:], a.free[succ:])
		a.free[succ] = region
	}

	a.freeBytes += size
	return nil
}
