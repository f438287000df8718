package fio

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"karst/internal/config"
	"karst/internal/logging"
	"karst/internal/stats"
)

var fileLog = logging.New("fio.file")

// File is an opened disk. A file keeps a count of live requests that name
// it and refuses to close while any remain.
type File interface {
	// ReadAsync enqueues an asynchronous read of len(buf) bytes at offset.
	ReadAsync(buf []byte, offset int64, h CompletionHandler) (*Request, error)
	// WriteAsync enqueues an asynchronous write of len(buf) bytes at offset.
	WriteAsync(buf []byte, offset int64, h CompletionHandler) (*Request, error)
	// Serve performs one synchronous transfer.
	Serve(buf []byte, offset int64, op OpType) error

	SetSize(size int64) error
	Size() (int64, error)
	Lock() error
	// Discard tells the backend a region's contents are no longer needed.
	// Best effort; not every filesystem supports it.
	Discard(offset, length int64) error
	// Close waits for in-flight requests to drain and closes the file.
	Close() error
	// CloseRemove closes the file and unlinks it from the filesystem.
	CloseRemove() error

	Path() string
	QueueID() int
	DeviceID() int
	IOType() string
	DirectIO() bool
	Stats() *stats.FileStats
	// NumRequests returns the number of live requests naming this file.
	NumRequests() int64

	addRequestRef()
	deleteRequestRef()
	aioDepth() int
}

// Open opens one configured disk with the backend it asks for. The
// descriptor must be normalized and carry a resolved device id.
func Open(cfg config.Disk) (File, error) {
	switch cfg.Backend {
	case config.BackendSyscall:
		return openSyscallFile(cfg)
	case config.BackendFilePerBlock:
		fileLog.Warn("fileperblock backend is not built in; serving through the syscall backend",
			"path", cfg.Path)
		return openSyscallFile(cfg)
	case config.BackendMmap:
		return openMmapFile(cfg)
	case config.BackendAIO:
		return openAIOFile(cfg)
	}
	return nil, fmt.Errorf("fio: unknown backend %q for %s", cfg.Backend, cfg.Path)
}

// fileBase carries everything the backends share: the descriptor, identity,
// statistics, and the request reference count.
type fileBase struct {
	self File

	f      *os.File
	fdMu   sync.Mutex
	path   string
	direct bool

	queueID  int
	deviceID int
	depth    int

	fstats *stats.FileStats

	refMu   sync.Mutex
	refCond *sync.Cond
	refs    int64
}

func (b *fileBase) init(self File, cfg config.Disk) error {
	f, direct, err := openOSFile(cfg)
	if err != nil {
		return err
	}
	if cfg.UnlinkOnOpen {
		if rerr := os.Remove(cfg.Path); rerr != nil {
			fileLog.Warn("unlink on open failed", "path", cfg.Path, "err", rerr)
		}
	}

	b.self = self
	b.f = f
	b.path = cfg.Path
	b.direct = direct
	b.queueID = cfg.QueueID
	if b.queueID < 0 {
		b.queueID = cfg.DeviceID
	}
	b.deviceID = cfg.DeviceID
	b.depth = cfg.QueueLength
	b.fstats = stats.Default().NewFileStats(cfg.DeviceID)
	b.refCond = sync.NewCond(&b.refMu)
	return nil
}

var directTryOnce sync.Once

// openOSFile opens the descriptor honoring the direct-I/O tristate. The
// returned bool reports whether O_DIRECT is in effect.
func openOSFile(cfg config.Disk) (*os.File, bool, error) {
	flag := os.O_RDWR | os.O_CREATE
	perm := os.FileMode(0644)

	switch cfg.Direct {
	case config.DirectOff:
		f, err := os.OpenFile(cfg.Path, flag, perm)
		if err != nil {
			return nil, false, errors.Wrapf(err, "fio: open %s", cfg.Path)
		}
		return f, false, nil

	case config.DirectOn:
		f, err := directio.OpenFile(cfg.Path, flag, perm)
		if err != nil {
			return nil, false, errors.Wrapf(err, "fio: direct open %s", cfg.Path)
		}
		return f, true, nil

	default: // DirectTry
		f, err := directio.OpenFile(cfg.Path, flag, perm)
		if err == nil {
			return f, true, nil
		}
		tryErr := err
		directTryOnce.Do(func() {
			fileLog.Warn("direct open failed, falling back to buffered I/O",
				"path", cfg.Path, "err", tryErr)
		})
		f, err = os.OpenFile(cfg.Path, flag, perm)
		if err != nil {
			return nil, false, errors.Wrapf(err, "fio: open %s", cfg.Path)
		}
		return f, false, nil
	}
}

func (b *fileBase) ReadAsync(buf []byte, offset int64, h CompletionHandler) (*Request, error) {
	return b.async(buf, offset, ReadOp, h)
}

func (b *fileBase) WriteAsync(buf []byte, offset int64, h CompletionHandler) (*Request, error) {
	return b.async(buf, offset, WriteOp, h)
}

func (b *fileBase) async(buf []byte, offset int64, op OpType, h CompletionHandler) (*Request, error) {
	if len(buf) == 0 {
		return nil, ErrNilRequest
	}
	r := newRequest(b.self, buf, offset, op, h)
	if err := Queues().AddRequest(r); err != nil {
		// The request never reached a queue; hand its file reference back.
		b.deleteRequestRef()
		return nil, err
	}
	return r, nil
}

func (b *fileBase) SetSize(size int64) error {
	if err := unix.Ftruncate(int(b.f.Fd()), size); err != nil {
		return errors.Wrapf(err, "fio: ftruncate %s to %d", b.path, size)
	}
	return nil
}

func (b *fileBase) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(b.f.Fd()), &st); err != nil {
		return 0, errors.Wrapf(err, "fio: fstat %s", b.path)
	}
	return st.Size, nil
}

func (b *fileBase) Lock() error {
	if err := unix.Flock(int(b.f.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrapf(err, "fio: flock %s", b.path)
	}
	return nil
}

func (b *fileBase) Close() error {
	b.refMu.Lock()
	for b.refs > 0 {
		b.refCond.Wait()
	}
	b.refMu.Unlock()

	if err := b.f.Close(); err != nil {
		return errors.Wrapf(err, "fio: close %s", b.path)
	}
	return nil
}

func (b *fileBase) CloseRemove() error {
	// Unlink first so nothing can reopen the path; harmless when the file
	// was already unlinked on open.
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		fileLog.Warn("unlink failed", "path", b.path, "err", err)
	}
	return b.Close()
}

func (b *fileBase) Path() string            { return b.path }
func (b *fileBase) QueueID() int            { return b.queueID }
func (b *fileBase) DeviceID() int           { return b.deviceID }
func (b *fileBase) DirectIO() bool          { return b.direct }
func (b *fileBase) Stats() *stats.FileStats { return b.fstats }
func (b *fileBase) aioDepth() int           { return b.depth }

func (b *fileBase) NumRequests() int64 {
	b.refMu.Lock()
	defer b.refMu.Unlock()
	return b.refs
}

func (b *fileBase) addRequestRef() {
	b.refMu.Lock()
	b.refs++
	b.refMu.Unlock()
}

func (b *fileBase) deleteRequestRef() {
	b.refMu.Lock()
	b.refs--
	if b.refs == 0 {
		b.refCond.Broadcast()
	}
	b.refMu.Unlock()
}
