package stats

import (
	"errors"
	"time"
)

// ErrDeviceMismatch is returned by Sub and Add when the two snapshots do not
// describe the same device set.
var ErrDeviceMismatch = errors.New("stats: snapshots do not cover the same devices")

// FileStatsData is an immutable snapshot of one device's counters.
type FileStatsData struct {
	DeviceID   int
	ReadCount  int64
	WriteCount int64
	ReadBytes  int64
	WriteBytes int64
	ReadTime   time.Duration
	WriteTime  time.Duration
}

// Add combines two snapshots of the same device.
func (d FileStatsData) Add(o FileStatsData) (FileStatsData, error) {
	if d.DeviceID != o.DeviceID {
		return FileStatsData{}, ErrDeviceMismatch
	}
	return FileStatsData{
		DeviceID:   d.DeviceID,
		ReadCount:  d.ReadCount + o.ReadCount,
		WriteCount: d.WriteCount + o.WriteCount,
		ReadBytes:  d.ReadBytes + o.ReadBytes,
		WriteBytes: d.WriteBytes + o.WriteBytes,
		ReadTime:   d.ReadTime + o.ReadTime,
		WriteTime:  d.WriteTime + o.WriteTime,
	}, nil
}

// Sub subtracts an earlier snapshot of the same device.
func (d FileStatsData) Sub(o FileStatsData) (FileStatsData, error) {
	if d.DeviceID != o.DeviceID {
		return FileStatsData{}, ErrDeviceMismatch
	}
	return FileStatsData{
		DeviceID:   d.DeviceID,
		ReadCount:  d.ReadCount - o.ReadCount,
		WriteCount: d.WriteCount - o.WriteCount,
		ReadBytes:  d.ReadBytes - o.ReadBytes,
		WriteBytes: d.WriteBytes - o.WriteBytes,
		ReadTime:   d.ReadTime - o.ReadTime,
		WriteTime:  d.WriteTime - o.WriteTime,
	}, nil
}

// Data is a snapshot of the aggregate instance.
type Data struct {
	Files []FileStatsData

	PReadTime  time.Duration
	PWriteTime time.Duration
	PIOTime    time.Duration

	WaitTime      time.Duration
	ReadWaitTime  time.Duration
	WriteWaitTime time.Duration

	Elapsed time.Duration
}

// ReadCount sums read counts over all devices.
func (d Data) ReadCount() int64 {
	var n int64
	for _, f := range d.Files {
		n += f.ReadCount
	}
	return n
}

// WriteCount sums write counts over all devices.
func (d Data) WriteCount() int64 {
	var n int64
	for _, f := range d.Files {
		n += f.WriteCount
	}
	return n
}

// ReadBytes sums read bytes over all devices.
func (d Data) ReadBytes() int64 {
	var n int64
	for _, f := range d.Files {
		n += f.ReadBytes
	}
	return n
}

// WriteBytes sums write bytes over all devices.
func (d Data) WriteBytes() int64 {
	var n int64
	for _, f := range d.Files {
		n += f.WriteBytes
	}
	return n
}

// Sub subtracts an earlier snapshot. The device sets must match exactly;
// region-of-execution measurement is only meaningful over the same disks.
func (d Data) Sub(o Data) (Data, error) {
	if len(d.Files) != len(o.Files) {
		return Data{}, ErrDeviceMismatch
	}
	out := Data{
		Files:         make([]FileStatsData, len(d.Files)),
		PReadTime:     d.PReadTime - o.PReadTime,
		PWriteTime:    d.PWriteTime - o.PWriteTime,
		PIOTime:       d.PIOTime - o.PIOTime,
		WaitTime:      d.WaitTime - o.WaitTime,
		ReadWaitTime:  d.ReadWaitTime - o.ReadWaitTime,
		WriteWaitTime: d.WriteWaitTime - o.WriteWaitTime,
		Elapsed:       d.Elapsed - o.Elapsed,
	}
	for i := range d.Files {
		f, err := d.Files[i].Sub(o.Files[i])
		if err != nil {
			return Data{}, err
		}
		out.Files[i] = f
	}
	return out, nil
}
