package storage

import (
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	valueLen  = 8 // one int64 slot
	offsetLen = 4 // one index slot

	// IndexSlots is the number of committed-offset slots held by an index segment.
	IndexSlots       = 1024 * 1024
	indexSegmentSize = IndexSlots * offsetLen

	indexSuffix = ".idx"
	dataSep     = "-"
)

var (
	ErrInvalidCapacity  = errors.New("segment capacity must be positive")
	ErrSegmentSize      = errors.New("segment file size mismatch")
	ErrNotDirectory     = errors.New("not a directory")
	ErrNothingToRecover = errors.New("no committed segments to recover")
	ErrIndexFull        = errors.New("index segment is full")
	ErrStoreClosed      = errors.New("store closed")
)

// Record is one fixed-width tuple; column i lives in slot i.
type Record []int64

type StoreOptions struct {
	// SegmentSize is the byte capacity of every data segment. Ignored when a
	// previous store is recovered, since the size is read from disk.
	SegmentSize int

	// Recover reopens committed segments instead of wiping the prefix.
	Recover bool

	Logger     log.Logger
	Registerer prometheus.Registerer
}
