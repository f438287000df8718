package fio

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"karst/internal/config"
)

// syscallFile performs transfers with plain pread/pwrite. A per-file mutex
// serializes the descriptor; concurrency across disks comes from having one
// queue worker per disk.
type syscallFile struct {
	fileBase
}

func openSyscallFile(cfg config.Disk) (File, error) {
	f := &syscallFile{}
	if err := f.init(f, cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *syscallFile) IOType() string { return "syscall" }

func (f *syscallFile) Serve(buf []byte, offset int64, op OpType) error {
	f.fdMu.Lock()
	defer f.fdMu.Unlock()

	if op == ReadOp {
		f.fstats.ReadStarted(int64(len(buf)))
		defer f.fstats.ReadFinished()
	} else {
		f.fstats.WriteStarted(int64(len(buf)))
		defer f.fstats.WriteFinished()
	}

	fd := int(f.f.Fd())
	pos := offset
	for len(buf) > 0 {
		var n int
		var err error
		if op == ReadOp {
			n, err = unix.Pread(fd, buf, pos)
		} else {
			n, err = unix.Pwrite(fd, buf, pos)
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &IOError{
				Op:     op,
				Path:   f.path,
				Offset: pos,
				Bytes:  int64(len(buf)),
				Err:    errors.WithStack(err),
			}
		}
		if n == 0 {
			if op == ReadOp {
				// Read extends past end-of-file; the contract is to
				// zero-fill the remainder rather than fail.
				for i := range buf {
					buf[i] = 0
				}
				return nil
			}
			return &IOError{
				Op:     op,
				Path:   f.path,
				Offset: pos,
				Bytes:  int64(len(buf)),
				Err:    errors.New("pwrite returned 0"),
			}
		}
		buf = buf[n:]
		pos += int64(n)
	}
	return nil
}
