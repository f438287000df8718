// Package karst is an out-of-core block I/O engine. It carves uniformly
// sized blocks out of a pool of disk files, issues asynchronous direct-I/O
// transfers against them through per-disk queues, and accounts for every
// byte moved.
//
// The usual flow: Init with a disk list, ask the Manager for blocks, read
// and write them through the files the BIDs name, Shutdown when done.
package karst

import (
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"

	"karst/internal/block"
	"karst/internal/config"
	"karst/internal/fio"
	"karst/internal/stats"
)

// Aliases for the types that cross the package boundary. The internal
// packages hold the implementations; this package is the API.
type (
	Disk              = config.Disk
	BID               = block.BID
	Strategy          = block.Strategy
	File              = fio.File
	Request           = fio.Request
	CompletionHandler = fio.CompletionHandler
	PriorityOp        = fio.PriorityOp
	StatsData         = stats.Data
)

const (
	PriorityNone  = fio.PriorityNone
	PriorityRead  = fio.PriorityRead
	PriorityWrite = fio.PriorityWrite
)

// Strategy constructors.
var (
	NewStriping     = block.NewStriping
	NewSimpleRandom = block.NewSimpleRandom
	NewFullyRandom  = block.NewFullyRandom
	NewRandomCyclic = block.NewRandomCyclic
	NewSingleDisk   = block.NewSingleDisk
	NewOffset       = block.NewOffset
	NewInterleaved  = block.NewInterleaved
	NewBIDs         = block.NewBIDs
)

// Request helpers.
var (
	WaitAll = fio.WaitAll
	WaitAny = fio.WaitAny
)

// LoadConfig reads a YAML disk list.
var LoadConfig = config.Load

var (
	mu      sync.Mutex
	manager *block.Manager
)

// ErrNotInitialized is returned by Shutdown before Init. Manager returns nil
// in that case.
var ErrNotInitialized = errors.New("karst: engine not initialized")

// Init brings the engine up: statistics first, then the configuration,
// then the block manager, which opens the disks. The per-disk queues are
// built lazily when the first request arrives. Init fails when the engine
// is already up.
func Init(disks []Disk, options ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if manager != nil {
		return errors.New("karst: engine already initialized")
	}

	stats.Default()
	for _, opt := range options {
		opt.apply()
	}

	m, err := block.NewManager(disks)
	if err != nil {
		return err
	}
	manager = m
	return nil
}

// InitFromFile is Init with the disk list loaded from a YAML file.
func InitFromFile(path string, options ...Option) error {
	disks, err := config.Load(path)
	if err != nil {
		return err
	}
	return Init(disks, options...)
}

// Manager returns the process-wide block manager.
func Manager() *block.Manager {
	mu.Lock()
	defer mu.Unlock()
	return manager
}

// SetPriorityOp switches the drain preference of every per-disk queue.
func SetPriorityOp(op PriorityOp) {
	fio.Queues().SetPriorityOp(op)
}

// Statistics snapshots the process-wide I/O statistics.
func Statistics() StatsData {
	return stats.Default().Data()
}

// Shutdown tears the engine down in reverse order of construction: queues
// drain and join first, then the block manager truncates and closes its
// files. The statistics instance survives, so a final snapshot is still
// meaningful after Shutdown.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if manager == nil {
		return ErrNotInitialized
	}

	var result *multierror.Error
	if err := fio.Queues().Terminate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	manager = nil
	return result.ErrorOrNil()
}
