package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	disks, err := Parse([]byte(`
disks:
  - path: /mnt/fast/karst.dat
    size: 1073741824
    backend: aio
    direct: on
    queue_id: 3
    device_id: 7
    queue_length: 128
  - path: /tmp/karst.tmp
    size: 0
`))
	require.NoError(t, err)
	require.Len(t, disks, 2)

	d := disks[0]
	require.Equal(t, "/mnt/fast/karst.dat", d.Path)
	require.Equal(t, int64(1073741824), d.Size)
	require.Equal(t, BackendAIO, d.Backend)
	require.Equal(t, DirectOn, d.Direct)
	require.Equal(t, 3, d.QueueID)
	require.Equal(t, 7, d.DeviceID)
	require.Equal(t, 128, d.QueueLength)
	require.False(t, d.Autogrow)

	// Size 0 means autogrow and leave nothing behind; absent fields get
	// their defaults.
	d = disks[1]
	require.Equal(t, BackendSyscall, d.Backend)
	require.Equal(t, DirectTry, d.Direct)
	require.True(t, d.Autogrow)
	require.True(t, d.UnlinkOnOpen)
	require.Equal(t, -1, d.QueueID)
	require.Equal(t, -1, d.DeviceID)
	require.Equal(t, DefaultQueueLength, d.QueueLength)
}

func TestParseExplicitZeroIDs(t *testing.T) {
	disks, err := Parse([]byte(`
disks:
  - path: /tmp/a
    size: 4096
    queue_id: 0
    device_id: 0
`))
	require.NoError(t, err)
	require.Equal(t, 0, disks[0].QueueID)
	require.Equal(t, 0, disks[0].DeviceID)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`disks: []`))
	require.Error(t, err)

	_, err = Parse([]byte("disks:\n  - path: /tmp/a\n    backend: carrier-pigeon\n"))
	require.Error(t, err)

	_, err = Parse([]byte("disks:\n  - path: /tmp/a\n    direct: sometimes\n"))
	require.Error(t, err)

	_, err = Parse([]byte("disks:\n  - size: 4096\n"))
	require.Error(t, err)

	_, err = Parse([]byte("disks:\n  - path: /tmp/a\n    frobnicate: true\n"))
	require.Error(t, err, "unknown fields must be rejected")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
disks:
  - path: /tmp/karst0
    size: 8192
    backend: mmap
    direct: off
`), 0644))

	disks, err := Load(path)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	require.Equal(t, BackendMmap, disks[0].Backend)
	require.Equal(t, DirectOff, disks[0].Direct)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNormalizeNegativeValues(t *testing.T) {
	d := Disk{Path: "/tmp/a", Size: -1}
	require.Error(t, d.Normalize())

	d = Disk{Path: "/tmp/a", QueueLength: -2}
	require.Error(t, d.Normalize())
}
