// Package config describes the disks the engine may spread blocks over.
// The engine itself consumes a ready-made []Disk; Load exists for programs
// that keep the disk list in a file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backends understood by the file layer.
const (
	BackendSyscall      = "syscall"
	BackendMmap         = "mmap"
	BackendAIO          = "aio"
	BackendFilePerBlock = "fileperblock"
)

// DefaultQueueLength is the kernel queue depth used when a disk does not
// request one.
const DefaultQueueLength = 64

// DirectMode is the direct-I/O tristate. Off never requests O_DIRECT; Try
// requests it but falls back with a warning when the open fails; On requires
// it and fails the open otherwise.
type DirectMode int

const (
	DirectTry DirectMode = iota
	DirectOff
	DirectOn
)

func (m DirectMode) String() string {
	switch m {
	case DirectOff:
		return "off"
	case DirectTry:
		return "try"
	case DirectOn:
		return "on"
	}
	return fmt.Sprintf("direct(%d)", int(m))
}

// UnmarshalYAML accepts off/try/on. Some YAML dialects resolve bare on and
// off as booleans, so those spellings are taken either way.
func (m *DirectMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var b bool
		if berr := value.Decode(&b); berr != nil {
			return err
		}
		if b {
			s = "on"
		} else {
			s = "off"
		}
	}
	switch strings.ToLower(s) {
	case "off":
		*m = DirectOff
	case "try", "":
		*m = DirectTry
	case "on":
		*m = DirectOn
	default:
		return fmt.Errorf("config: unknown direct mode %q", s)
	}
	return nil
}

// MarshalYAML renders the tristate back to its config spelling.
func (m DirectMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Disk is the immutable description of one disk handed to the block manager.
type Disk struct {
	// Path of the regular file or device node.
	Path string `yaml:"path"`

	// Size in bytes to allocate up front. 0 means autogrow from empty and
	// remove the file on exit.
	Size int64 `yaml:"size"`

	// Backend selects the I/O implementation: syscall, mmap, aio, or
	// fileperblock.
	Backend string `yaml:"backend"`

	// Direct is the direct-I/O tristate.
	Direct DirectMode `yaml:"direct"`

	// Autogrow extends the file when an allocation does not fit.
	Autogrow bool `yaml:"autogrow"`

	// UnlinkOnOpen unlinks the file right after opening, so it disappears
	// when the process exits.
	UnlinkOnOpen bool `yaml:"unlink_on_open"`

	// QueueID selects the per-disk queue. -1 means one queue per device.
	QueueID int `yaml:"queue_id"`

	// DeviceID identifies the physical device. -1 lets the block manager
	// number devices in configuration order.
	DeviceID int `yaml:"device_id"`

	// QueueLength is the desired AIO queue depth. 0 means the default.
	QueueLength int `yaml:"queue_length"`
}

// Normalize applies the defaulting rules and validates the descriptor.
func (d *Disk) Normalize() error {
	if d.Path == "" {
		return fmt.Errorf("config: disk with empty path")
	}
	if d.Size < 0 {
		return fmt.Errorf("config: disk %s: negative size %d", d.Path, d.Size)
	}
	if d.Size == 0 {
		// An unsized disk grows on demand and leaves nothing behind.
		d.Autogrow = true
		d.UnlinkOnOpen = true
	}
	if d.Backend == "" {
		d.Backend = BackendSyscall
	}
	switch d.Backend {
	case BackendSyscall, BackendMmap, BackendAIO, BackendFilePerBlock:
	default:
		return fmt.Errorf("config: disk %s: unknown backend %q", d.Path, d.Backend)
	}
	if d.QueueLength == 0 {
		d.QueueLength = DefaultQueueLength
	}
	if d.QueueLength < 0 {
		return fmt.Errorf("config: disk %s: negative queue length %d", d.Path, d.QueueLength)
	}
	return nil
}

// rawDisk distinguishes absent queue_id/device_id from an explicit 0, which
// is a valid id. Absent means -1.
type rawDisk struct {
	Path         string     `yaml:"path"`
	Size         int64      `yaml:"size"`
	Backend      string     `yaml:"backend"`
	Direct       DirectMode `yaml:"direct"`
	Autogrow     bool       `yaml:"autogrow"`
	UnlinkOnOpen bool       `yaml:"unlink_on_open"`
	QueueID      *int       `yaml:"queue_id"`
	DeviceID     *int       `yaml:"device_id"`
	QueueLength  int        `yaml:"queue_length"`
}

// fileConfig is the on-disk shape of a configuration file.
type fileConfig struct {
	Disks []rawDisk `yaml:"disks"`
}

// Load reads a YAML disk list. Defaults are applied; an empty list is an
// error because an engine without disks cannot allocate anything.
func Load(path string) ([]Disk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML disk list from memory.
func Parse(raw []byte) ([]Disk, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if len(fc.Disks) == 0 {
		return nil, fmt.Errorf("config: no disks configured")
	}
	disks := make([]Disk, 0, len(fc.Disks))
	for _, rd := range fc.Disks {
		d := Disk{
			Path:         rd.Path,
			Size:         rd.Size,
			Backend:      rd.Backend,
			Direct:       rd.Direct,
			Autogrow:     rd.Autogrow,
			UnlinkOnOpen: rd.UnlinkOnOpen,
			QueueID:      -1,
			DeviceID:     -1,
			QueueLength:  rd.QueueLength,
		}
		if rd.QueueID != nil {
			d.QueueID = *rd.QueueID
		}
		if rd.DeviceID != nil {
			d.DeviceID = *rd.DeviceID
		}
		if err := d.Normalize(); err != nil {
			return nil, err
		}
		disks = append(disks, d)
	}
	return disks, nil
}
