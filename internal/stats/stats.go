// Package stats accounts for every transfer the engine starts and finishes.
// Each device keeps its own counters; the aggregate instance additionally
// tracks parallel I/O time and the time application goroutines spend waiting
// on requests.
//
// Time counters follow one rule: while n operations of a kind are active and
// dt elapses, the serving-time counter grows by n*dt and the parallel-time
// counter grows by dt. Both are maintained incrementally by updating an
// epoch timestamp whenever n changes.
package stats

import (
	"sync"
	"time"
)

// OpKind selects which wait counter a request wait contributes to.
type OpKind int

const (
	WaitOpRead OpKind = iota
	WaitOpWrite
)

// timeCounter implements the n*dt rule for one operation kind.
type timeCounter struct {
	active int
	epoch  time.Time
	seq    time.Duration // sum of n*dt
	par    time.Duration // sum of dt while n > 0
}

func (c *timeCounter) advance(now time.Time) {
	if !c.epoch.IsZero() {
		dt := now.Sub(c.epoch)
		c.seq += time.Duration(c.active) * dt
		if c.active > 0 {
			c.par += dt
		}
	}
	c.epoch = now
}

func (c *timeCounter) start(now time.Time) {
	c.advance(now)
	c.active++
}

func (c *timeCounter) finish(now time.Time) {
	c.advance(now)
	c.active--
}

// FileStats carries the counters of one device.
type FileStats struct {
	deviceID int

	readMu     sync.Mutex
	readCount  int64
	readBytes  int64
	readTimer  timeCounter
	writeMu    sync.Mutex
	writeCount int64
	writeBytes int64
	writeTimer timeCounter

	parent *Stats
}

// DeviceID returns the device these counters belong to.
func (f *FileStats) DeviceID() int { return f.deviceID }

// ReadStarted records the begin of one read transfer of size bytes.
func (f *FileStats) ReadStarted(size int64) {
	now := time.Now()
	f.readMu.Lock()
	f.readCount++
	f.readBytes += size
	f.readTimer.start(now)
	f.readMu.Unlock()

	f.parent.pReadStarted(now)
}

// ReadFinished records the end of one read transfer.
func (f *FileStats) ReadFinished() {
	now := time.Now()
	f.readMu.Lock()
	f.readTimer.finish(now)
	f.readMu.Unlock()

	f.parent.pReadFinished(now)
}

// ReadCanceled rolls back a read that was started but then canceled at the
// kernel; the transfer never happened, so count and bytes are withdrawn.
func (f *FileStats) ReadCanceled(size int64) {
	f.readMu.Lock()
	f.readCount--
	f.readBytes -= size
	f.readMu.Unlock()
	f.ReadFinished()
}

// WriteStarted records the begin of one write transfer of size bytes.
func (f *FileStats) WriteStarted(size int64) {
	now := time.Now()
	f.writeMu.Lock()
	f.writeCount++
	f.writeBytes += size
	f.writeTimer.start(now)
	f.writeMu.Unlock()

	f.parent.pWriteStarted(now)
}

// WriteFinished records the end of one write transfer.
func (f *FileStats) WriteFinished() {
	now := time.Now()
	f.writeMu.Lock()
	f.writeTimer.finish(now)
	f.writeMu.Unlock()

	f.parent.pWriteFinished(now)
}

// WriteCanceled rolls back a started-then-canceled write.
func (f *FileStats) WriteCanceled(size int64) {
	f.writeMu.Lock()
	f.writeCount--
	f.writeBytes -= size
	f.writeMu.Unlock()
	f.WriteFinished()
}

// Data snapshots the device counters.
func (f *FileStats) Data() FileStatsData {
	now := time.Now()
	f.readMu.Lock()
	f.readTimer.advance(now)
	d := FileStatsData{
		DeviceID:  f.deviceID,
		ReadCount: f.readCount,
		ReadBytes: f.readBytes,
		ReadTime:  f.readTimer.seq,
	}
	f.readMu.Unlock()
	f.writeMu.Lock()
	f.writeTimer.advance(now)
	d.WriteCount = f.writeCount
	d.WriteBytes = f.writeBytes
	d.WriteTime = f.writeTimer.seq
	f.writeMu.Unlock()
	return d
}

// Stats is the aggregate instance shared by all devices.
type Stats struct {
	created time.Time

	ioMu       sync.Mutex
	readTimer  timeCounter // parallel read time across all devices
	writeTimer timeCounter
	ioTimer    timeCounter // parallel I/O time, reads and writes combined

	waitMu         sync.Mutex
	waitTimer      timeCounter
	readWaitTimer  timeCounter
	writeWaitTimer timeCounter

	filesMu sync.Mutex
	files   []*FileStats
}

var (
	instance *Stats
	once     sync.Once
)

// Default returns the process-wide statistics instance, creating it on first
// use. It must exist before any queue starts measuring.
func Default() *Stats {
	once.Do(func() {
		instance = &Stats{created: time.Now()}
	})
	return instance
}

// NewFileStats registers counters for one device.
func (s *Stats) NewFileStats(deviceID int) *FileStats {
	f := &FileStats{deviceID: deviceID, parent: s}
	s.filesMu.Lock()
	s.files = append(s.files, f)
	s.filesMu.Unlock()
	return f
}

// Elapsed returns the time since the instance was created.
func (s *Stats) Elapsed() time.Duration { return time.Since(s.created) }

// WaitStarted records that a goroutine began waiting on a request.
func (s *Stats) WaitStarted(op OpKind) {
	now := time.Now()
	s.waitMu.Lock()
	s.waitTimer.start(now)
	if op == WaitOpRead {
		s.readWaitTimer.start(now)
	} else {
		s.writeWaitTimer.start(now)
	}
	s.waitMu.Unlock()
}

// WaitFinished records that a goroutine stopped waiting on a request.
func (s *Stats) WaitFinished(op OpKind) {
	now := time.Now()
	s.waitMu.Lock()
	s.waitTimer.finish(now)
	if op == WaitOpRead {
		s.readWaitTimer.finish(now)
	} else {
		s.writeWaitTimer.finish(now)
	}
	s.waitMu.Unlock()
}

func (s *Stats) pReadStarted(now time.Time) {
	s.ioMu.Lock()
	s.readTimer.start(now)
	s.ioTimer.start(now)
	s.ioMu.Unlock()
}

func (s *Stats) pReadFinished(now time.Time) {
	s.ioMu.Lock()
	s.readTimer.finish(now)
	s.ioTimer.finish(now)
	s.ioMu.Unlock()
}

func (s *Stats) pWriteStarted(now time.Time) {
	s.ioMu.Lock()
	s.writeTimer.start(now)
	s.ioTimer.start(now)
	s.ioMu.Unlock()
}

func (s *Stats) pWriteFinished(now time.Time) {
	s.ioMu.Lock()
	s.writeTimer.finish(now)
	s.ioTimer.finish(now)
	s.ioMu.Unlock()
}

// Data snapshots the aggregate and every registered device.
func (s *Stats) Data() Data {
	now := time.Now()
	d := Data{Elapsed: now.Sub(s.created)}

	s.ioMu.Lock()
	s.readTimer.advance(now)
	s.writeTimer.advance(now)
	s.ioTimer.advance(now)
	d.PReadTime = s.readTimer.par
	d.PWriteTime = s.writeTimer.par
	d.PIOTime = s.ioTimer.par
	s.ioMu.Unlock()

	s.waitMu.Lock()
	s.waitTimer.advance(now)
	s.readWaitTimer.advance(now)
	s.writeWaitTimer.advance(now)
	d.WaitTime = s.waitTimer.par
	d.ReadWaitTime = s.readWaitTimer.par
	d.WriteWaitTime = s.writeWaitTimer.par
	s.waitMu.Unlock()

	s.filesMu.Lock()
	d.Files = make([]FileStatsData, 0, len(s.files))
	for _, f := range s.files {
		d.Files = append(d.Files, f.Data())
	}
	s.filesMu.Unlock()
	return d
}
