package fio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"karst/internal/buffer"
	"karst/internal/config"
)

const mib = 1 << 20

var nextDevice = 1000

func testConfig(t *testing.T, backend string) config.Disk {
	t.Helper()
	nextDevice++
	cfg := config.Disk{
		Path:     filepath.Join(t.TempDir(), "disk.dat"),
		Size:     4 * mib,
		Backend:  backend,
		Direct:   config.DirectOff,
		QueueID:  nextDevice,
		DeviceID: nextDevice,
	}
	require.NoError(t, cfg.Normalize())
	return cfg
}

func openTestFile(t *testing.T, backend string) File {
	t.Helper()
	cfg := testConfig(t, backend)
	f, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, f.SetSize(cfg.Size))
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func pattern(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestServeRoundTrip(t *testing.T) {
	// Writing a buffer and reading the region back must reproduce it
	// exactly, whichever backend serves the transfer.
	for _, backend := range []string{config.BackendSyscall, config.BackendMmap} {
		t.Run(backend, func(t *testing.T) {
			f := openTestFile(t, backend)

			out := pattern(2*buffer.Alignment, 0xAB)
			require.NoError(t, f.Serve(out, buffer.Alignment, WriteOp))

			in := make([]byte, len(out))
			require.NoError(t, f.Serve(in, buffer.Alignment, ReadOp))
			require.Equal(t, out, in)
		})
	}
}

func TestSyscallReadPastEOFZeroFills(t *testing.T) {
	f := openTestFile(t, config.BackendSyscall)

	head := pattern(buffer.Alignment, 0x77)
	require.NoError(t, f.Serve(head, 4*mib-buffer.Alignment, WriteOp))

	// The region extends one alignment unit past end-of-file: the tail of
	// the buffer comes back zeroed, not as an error.
	in := pattern(2*buffer.Alignment, 0xFF)
	require.NoError(t, f.Serve(in, 4*mib-buffer.Alignment, ReadOp))
	require.Equal(t, head, in[:buffer.Alignment])
	require.Equal(t, pattern(buffer.Alignment, 0x00), in[buffer.Alignment:])
}

func TestSizeAndSetSize(t *testing.T) {
	f := openTestFile(t, config.BackendSyscall)

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(4*mib), size)

	require.NoError(t, f.SetSize(8*mib))
	size, err = f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(8*mib), size)
}

func TestDiscardKeepsSize(t *testing.T) {
	f := openTestFile(t, config.BackendSyscall)
	require.NoError(t, f.Serve(pattern(buffer.Alignment, 0x55), 0, WriteOp))
	require.NoError(t, f.Discard(0, buffer.Alignment))

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(4*mib), size)
}

func TestLock(t *testing.T) {
	f := openTestFile(t, config.BackendSyscall)
	require.NoError(t, f.Lock())
}

func TestUnlinkOnOpen(t *testing.T) {
	cfg := testConfig(t, config.BackendSyscall)
	cfg.UnlinkOnOpen = true
	f, err := Open(cfg)
	require.NoError(t, err)
	defer f.Close()

	_, statErr := os.Stat(cfg.Path)
	require.True(t, os.IsNotExist(statErr))

	// The descriptor keeps working after the unlink.
	require.NoError(t, f.SetSize(mib))
	require.NoError(t, f.Serve(pattern(buffer.Alignment, 0x11), 0, WriteOp))
}

func TestCloseRemove(t *testing.T) {
	cfg := testConfig(t, config.BackendSyscall)
	f, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, f.CloseRemove())

	_, statErr := os.Stat(cfg.Path)
	require.True(t, os.IsNotExist(statErr))
}

func TestFilePerBlockFallsBackToSyscall(t *testing.T) {
	cfg := testConfig(t, config.BackendFilePerBlock)
	f, err := Open(cfg)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, "syscall", f.IOType())
}

func TestDirectTryFallsBack(t *testing.T) {
	// Whether or not the filesystem supports O_DIRECT, a try open must
	// produce a usable file.
	cfg := testConfig(t, config.BackendSyscall)
	cfg.Direct = config.DirectTry
	f, err := Open(cfg)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.SetSize(mib))
	buf, err := buffer.Alloc(buffer.Alignment)
	require.NoError(t, err)
	defer buffer.Free(buf)
	copy(buf, pattern(buffer.Alignment, 0x3C))
	require.NoError(t, f.Serve(buf, 0, WriteOp))
}

func TestUnknownBackend(t *testing.T) {
	cfg := testConfig(t, config.BackendSyscall)
	cfg.Backend = "telepathy"
	_, err := Open(cfg)
	require.Error(t, err)
}

func TestIOErrorCarriesContext(t *testing.T) {
	err := &IOError{Op: WriteOp, Path: "/dev/null", Offset: 4096, Bytes: 8192, Err: os.ErrPermission}
	require.Contains(t, err.Error(), "WRITE")
	require.Contains(t, err.Error(), "/dev/null")
	require.Contains(t, err.Error(), "4096")
	require.ErrorIs(t, err, os.ErrPermission)
}
