package block

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"karst/internal/buffer"
	"karst/internal/config"
	"karst/internal/fio"
	"karst/internal/logging"
)

// Manager owns one file and one allocator per configured disk and spreads
// allocation requests over them. The process-wide instance lives in the
// root package; the type itself is constructible so tests can run several
// engines against throwaway directories.
type Manager struct {
	log        *logging.Logger
	disks      []config.Disk
	files      []fio.File
	allocators []*DiskAllocator
	byFile     map[fio.File]*DiskAllocator
}

// NewManager opens every configured disk with its requested backend, sizes
// it, and builds its allocator. Descriptors without a device id are
// numbered in configuration order. On failure, disks opened so far are
// closed again.
func NewManager(disks []config.Disk) (m *Manager, err error) {
	if len(disks) == 0 {
		return nil, fmt.Errorf("block: no disks configured")
	}

	m = &Manager{
		log:    logging.New("block.manager"),
		disks:  make([]config.Disk, len(disks)),
		byFile: make(map[fio.File]*DiskAllocator),
	}
	copy(m.disks, disks)

	defer func() {
		if err != nil {
			for _, f := range m.files {
				_ = f.Close()
			}
		}
	}()

	for i := range m.disks {
		cfg := &m.disks[i]
		if err = cfg.Normalize(); err != nil {
			return nil, err
		}
		if cfg.DeviceID < 0 {
			cfg.DeviceID = i
		}

		f, oerr := fio.Open(*cfg)
		if oerr != nil {
			return nil, fmt.Errorf("block: open disk %s: %w", cfg.Path, oerr)
		}
		m.files = append(m.files, f)

		a, aerr := NewDiskAllocator(f, *cfg)
		if aerr != nil {
			return nil, fmt.Errorf("block: allocator for %s: %w", cfg.Path, aerr)
		}
		m.allocators = append(m.allocators, a)
		m.byFile[f] = a

		m.log.Info("disk attached",
			"path", cfg.Path, "bytes", cfg.Size, "backend", cfg.Backend,
			"device", cfg.DeviceID)
	}
	return m, nil
}

// Disks returns the number of configured disks.
func (m *Manager) Disks() int { return len(m.files) }

// File returns the file handle of one disk, for callers that address a
// disk directly.
func (m *Manager) File(d int) fio.File { return m.files[d] }

// NewBlocks assigns storage and offsets to the BIDs: block i goes to disk
// s.Disk(i), and each disk's allocator places its share in one bulk call.
// Offsets land in the original BID order.
func (m *Manager) NewBlocks(s Strategy, bids []*BID) error {
	for _, bid := range bids {
		if bid == nil || bid.Size <= 0 {
			return fmt.Errorf("block: allocation with empty BID")
		}
		if !buffer.AlignedOffset(bid.Size) {
			m.log.Warn("block size is not a multiple of the alignment",
				"size", bid.Size, "alignment", buffer.Alignment)
		}
	}

	buckets := make([][]*BID, len(m.files))
	for i, bid := range bids {
		d := s.Disk(i)
		if d < 0 || d >= len(m.files) {
			return fmt.Errorf("block: strategy mapped block %d to disk %d of %d", i, d, len(m.files))
		}
		bid.Storage = m.files[d]
		buckets[d] = append(buckets[d], bid)
	}

	for d, group := range buckets {
		if len(group) == 0 {
			continue
		}
		if err := m.allocators[d].NewBlocks(group); err != nil {
			return err
		}
	}
	return nil
}

// NewBlock allocates a single block.
func (m *Manager) NewBlock(s Strategy, bid *BID) error {
	return m.NewBlocks(s, []*BID{bid})
}

// DeleteBlock returns a block to the allocator of the disk that owns it.
func (m *Manager) DeleteBlock(bid *BID) error {
	if !bid.Valid() {
		return fmt.Errorf("block: delete of unassigned BID %s", bid)
	}
	a, ok := m.byFile[bid.Storage]
	if !ok {
		return fmt.Errorf("block: delete of BID %s from a foreign disk", bid)
	}
	return a.DeleteBlock(bid)
}

// DeleteBlocks frees a range of blocks, reporting every failure.
func (m *Manager) DeleteBlocks(bids []*BID) error {
	var result *multierror.Error
	for _, bid := range bids {
		if err := m.DeleteBlock(bid); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// FreeBytes sums the free bytes over all disks.
func (m *Manager) FreeBytes() int64 {
	var n int64
	for _, a := range m.allocators {
		n += a.FreeBytes()
	}
	return n
}

// TotalBytes sums the current disk sizes.
func (m *Manager) TotalBytes() int64 {
	var n int64
	for _, a := range m.allocators {
		n += a.TotalBytes()
	}
	return n
}

// CurrentAllocation sums the allocated bytes over all disks.
func (m *Manager) CurrentAllocation() int64 {
	var n int64
	for _, a := range m.allocators {
		n += a.UsedBytes()
	}
	return n
}

// Close truncates every disk back to its configured size and closes the
// files. The disk queues must be terminated first so no request still
// names a file.
func (m *Manager) Close() error {
	var result *multierror.Error
	for _, a := range m.allocators {
		if err := a.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, f := range m.files {
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
