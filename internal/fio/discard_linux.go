//go:build linux

package fio

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Discard punches a hole so the filesystem can reclaim the region. Kept
// best effort: filesystems without punch-hole support just keep the bytes.
func (b *fileBase) Discard(offset, length int64) error {
	err := unix.Fallocate(int(b.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err == nil || err == unix.EOPNOTSUPP {
		return nil
	}
	return errors.Wrapf(err, "fio: discard %d bytes at %d on %s", length, offset, b.path)
}
