package sorter

import (
	"extsort/config"
	"extsort/storage"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	tsdb_errors "github.com/prometheus/prometheus/tsdb/errors"
)

const (
	inputPrefix  = "data"
	outputPrefix = "out"

	valueLen = 8
)

var (
	ErrColumnCount      = errors.New("invalid column count")
	ErrDuplicateColumn  = errors.New("duplicate column")
	ErrMissingColumn    = errors.New("columns do not match")
	ErrRowCountMismatch = errors.New("inserts multiple columns, but the number of rows is not the same")
	ErrNotSorted        = errors.New("please use SortAll first")
	ErrAlreadySorted    = errors.New("already sorted")
	ErrClosed           = errors.New("sorter closed")
)

// Comparator orders two records of the same width. It returns a negative
// number when a sorts before b, zero when they tie and a positive number otherwise.
type Comparator func(a, b storage.Record) int

type State int

const (
	Building State = iota
	Sorted
	Closed
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Sorted:
		return "sorted"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	config.SortOptions

	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Engine sorts fixed-width int64 records that may not fit in memory. Records
// are batched in memory, each full batch is sorted and spilled into its own
// segment of a staging store under dir, and SortAll merges all those runs into
// a single output store.
//
// An Engine is not safe for concurrent use.
type Engine[H comparable] struct {
	dir        string
	columns    *ColumnMap[H]
	cmp        Comparator
	stable     bool
	logger     log.Logger
	baseLogger log.Logger
	registerer prometheus.Registerer
	metrics    *Metrics
	pool       *storage.RowPool

	batch    []storage.Record
	batchCap int

	// outSegmentLimit caps the byte size of each output segment.
	outSegmentLimit int64

	in    *storage.Store
	out   *storage.Store
	state State
}

// New prepares an engine in dir, which must exist and should not hold files of
// a previous sort. columns fixes the on-disk layout: column i is slot i.
func New[H comparable](dir string, columns []H, cmp Comparator, opts Options) (*Engine[H], error) {
	if cmp == nil {
		return nil, errors.New("nil comparator")
	}

	cm, err := NewColumnMap(columns)

	if err != nil {
		return nil, err
	}

	if err := opts.Validate(cm.Len()); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	in, err := storage.Open(dir, inputPrefix, storage.StoreOptions{
		SegmentSize: opts.SegmentSize,
		Logger:      logger,
		Registerer:  opts.Registerer,
	})

	if err != nil {
		return nil, errors.Wrap(err, "open staging store")
	}

	batchCap := opts.SegmentSize / (cm.Len() * valueLen)

	e := &Engine[H]{
		dir:        dir,
		columns:    cm,
		cmp:        cmp,
		stable:     opts.StableSort,
		logger:     log.With(logger, "component", "sorter"),
		baseLogger: logger,
		registerer: opts.Registerer,
		metrics:    NewMetrics(opts.Registerer),
		pool:       storage.NewRowPool(cm.Len()),
		batch:      make([]storage.Record, 0, batchCap),
		batchCap:   batchCap,
		in:         in,

		outSegmentLimit: config.MaxSegmentSize,
	}

	e.metrics.batchCapacity.Set(float64(batchCap))

	level.Info(e.logger).Log("msg", "may use at least", "memory", humanize.IBytes(uint64(e.MemorySize())),
		"batch", batchCap, "columns", cm.Len(), "dir", dir)

	return e, nil
}

func (e *Engine[H]) State() State { return e.state }
func (e *Engine[H]) Columns() []H { return e.columns.Columns() }
func (e *Engine[H]) BatchCapacity() int { return e.batchCap }

// MemorySize estimates the bytes held by a full in-memory batch.
func (e *Engine[H]) MemorySize() int64 {
	const sliceHeader = 24
	perRow := int64(e.columns.Len()*valueLen) + sliceHeader
	return int64(e.batchCap)*perRow + sliceHeader
}

func (e *Engine[H]) checkBuilding() error {
	switch e.state {
	case Sorted:
		return ErrAlreadySorted
	case Closed:
		return ErrClosed
	}
	return nil
}

// AppendLine adds one record given as column id → value. values must name
// exactly the engine's columns. An empty map is ignored.
func (e *Engine[H]) AppendLine(values map[H]int64) error {
	if err := e.checkBuilding(); err != nil {
		return err
	}

	if len(values) == 0 {
		return nil
	}

	row := e.pool.Get()

	if err := e.columns.Fill(values, row); err != nil {
		e.pool.Put(row)
		return err
	}

	return e.add(row)
}

// Append adds len(columns[id]) records given column by column. Every column
// must be present with the same number of rows.
func (e *Engine[H]) Append(columns map[H][]int64) error {
	if err := e.checkBuilding(); err != nil {
		return err
	}

	if len(columns) == 0 {
		return nil
	}

	rows, err := e.columns.rowCount(columns)

	if err != nil {
		return err
	}

	ids := e.columns.ids

	for i := 0; i < rows; i++ {
		row := e.pool.Get()

		for slot, id := range ids {
			row[slot] = columns[id][i]
		}

		if err := e.add(row); err != nil {
			return err
		}
	}

	return nil
}

// AppendRecord adds a record already laid out by slot. rec is copied.
func (e *Engine[H]) AppendRecord(rec storage.Record) error {
	if err := e.checkBuilding(); err != nil {
		return err
	}

	if len(rec) != e.columns.Len() {
		return errors.Wrapf(ErrColumnCount, "record has %d values, want %d", len(rec), e.columns.Len())
	}

	row := e.pool.Get()
	copy(row, rec)

	return e.add(row)
}

func (e *Engine[H]) add(row storage.Record) error {
	e.batch = append(e.batch, row)
	e.metrics.appended.Inc()

	if len(e.batch) >= e.batchCap {
		return e.sortAndSpill()
	}

	return nil
}

func (e *Engine[H]) sortBatch() {
	if e.stable {
		slices.SortStableFunc(e.batch, e.cmp)
	} else {
		slices.SortFunc(e.batch, e.cmp)
	}
}

// sortAndSpill sorts the batch and writes it as one run. A run always starts
// a segment of its own, allocated only once there is data for it, so no empty
// segment is ever followed by a non-empty one.
func (e *Engine[H]) sortAndSpill() error {
	if len(e.batch) == 0 {
		return nil
	}

	e.sortBatch()

	if e.in.ActiveOffset() > 0 {
		if err := e.in.CreateNewSegment(); err != nil {
			return errors.Wrap(err, "allocate run segment")
		}
	}

	n := len(e.batch)

	if err := e.flush(e.in); err != nil {
		return errors.Wrap(err, "spill batch")
	}

	e.metrics.spills.Inc()
	level.Debug(e.logger).Log("msg", "batch spilled", "records", n, "segment", e.in.SegmentCount()-1)

	return nil
}

// flush writes the batch into the active segment of store, recycles its rows
// and commits.
func (e *Engine[H]) flush(store *storage.Store) error {
	for i, row := range e.batch {
		store.AppendRecord(row)
		e.pool.Put(row)
		e.batch[i] = nil
	}

	e.batch = e.batch[:0]

	return store.Commit()
}

// SortAll spills what is left in memory and merges every run into the output
// store. Each run is already sorted by the comparator; the merge repeatedly
// takes the smallest head among all runs.
func (e *Engine[H]) SortAll() error {
	if err := e.checkBuilding(); err != nil {
		return err
	}

	start := time.Now()

	if err := e.sortAndSpill(); err != nil {
		return err
	}

	rowLen := int64(e.columns.Len() * valueLen)

	outBytes := min(e.in.CurrentSize(), e.outSegmentLimit)
	outBytes -= outBytes % rowLen
	outBytes = max(outBytes, rowLen)

	out, err := storage.Open(e.dir, outputPrefix, storage.StoreOptions{
		SegmentSize: int(outBytes),
		Logger:      e.baseLogger,
		Registerer:  e.registerer,
	})

	if err != nil {
		return errors.Wrap(err, "open output store")
	}

	runs, merged, err := e.merge(out, int(outBytes/rowLen))

	if err != nil {
		// Rows popped from the runs stay in the input store, so the batch
		// is dropped and a later SortAll merges everything again.
		out.Clear()
		e.resetBatch()
		return err
	}

	e.out = out
	e.state = Sorted
	e.metrics.merged.Add(float64(merged))
	e.metrics.mergeDuration.Observe(time.Since(start).Seconds())

	level.Info(e.logger).Log("msg", "sort completed", "runs", runs, "records", merged,
		"segments", out.SegmentCount(), "size", humanize.IBytes(uint64(out.CurrentSize())), "duration", time.Since(start))

	return nil
}

// merge writes every run into out in comparator order, keeping at most
// maxRows records per output segment. It returns the number of runs and
// records merged.
func (e *Engine[H]) merge(out *storage.Store, maxRows int) (int, int, error) {
	readers, err := e.in.Readers(e.columns.Len(), e.pool)

	if err != nil {
		return 0, 0, err
	}

	runs := newMinHeap(len(readers), func(a, b *storage.SegmentReader) bool {
		x, _ := a.Current()
		y, _ := b.Current()
		return e.cmp(x, y) < 0
	})

	for _, r := range readers {
		if _, ok := r.Current(); ok {
			runs.Push(r)
		}
	}

	var (
		threshold = min(e.batchCap, maxRows)
		written   int // rows in the active output segment
		merged    int
	)

	flush := func() error {
		if written > 0 && written+len(e.batch) > maxRows {
			if err := out.CreateNewSegment(); err != nil {
				return err
			}
			written = 0
		}

		written += len(e.batch)
		merged += len(e.batch)

		return e.flush(out)
	}

	for runs.Len() > 0 {
		r := runs.Pop()
		row, _ := r.Current()

		e.batch = append(e.batch, row)

		r.LoadNext()

		if _, ok := r.Current(); ok {
			runs.Push(r)
		}

		if len(e.batch) >= threshold {
			if err := flush(); err != nil {
				return 0, 0, errors.Wrap(err, "write merged batch")
			}
		}
	}

	if err := flush(); err != nil {
		return 0, 0, errors.Wrap(err, "write merged batch")
	}

	return len(readers), merged, nil
}

// ForEachSorted replays the merged output. The record passed to action is
// reused between calls.
func (e *Engine[H]) ForEachSorted(action func(storage.Record)) error {
	if e.state == Closed {
		return ErrClosed
	}

	if e.out == nil {
		return ErrNotSorted
	}

	return e.out.ForEachRow(e.columns.Len(), action)
}

// ForEachForTest spills the current batch and replays the staging store. Each
// run comes out sorted but the stream as a whole is not.
func (e *Engine[H]) ForEachForTest(action func(storage.Record)) error {
	if e.state == Closed {
		return ErrClosed
	}

	if err := e.sortAndSpill(); err != nil {
		return err
	}

	return e.in.ForEachRow(e.columns.Len(), action)
}

// DeleteOutFile removes the merged output. ForEachSorted reports ErrNotSorted
// afterwards.
func (e *Engine[H]) DeleteOutFile() {
	if e.out != nil {
		e.out.Clear()
		e.out = nil
	}
}

// Close keeps the output files for ForEachSorted(dir, ...) and deletes the
// staging store. It is safe to call more than once.
func (e *Engine[H]) Close() error {
	if e.state == Closed {
		return nil
	}
	e.state = Closed

	errs := tsdb_errors.NewMulti()

	if e.out != nil {
		errs.Add(e.out.Close())
	}

	e.in.Clear()
	errs.Add(e.in.Close())

	e.resetBatch()
	e.batch = nil

	return errs.Err()
}

func (e *Engine[H]) resetBatch() {
	for i, row := range e.batch {
		e.pool.Put(row)
		e.batch[i] = nil
	}
	e.batch = e.batch[:0]
}

// ForEachSorted replays the output store a previous engine left in dir, for
// example after a restart. Records have columnCount values each and the slice
// passed to action is reused between calls.
func ForEachSorted(dir string, columnCount int, action func(storage.Record)) error {
	if columnCount <= 0 {
		return errors.Wrapf(ErrColumnCount, "%d", columnCount)
	}

	out, err := storage.Open(dir, outputPrefix, storage.StoreOptions{Recover: true})

	if err != nil {
		return errors.Wrap(err, "open sorted output")
	}

	errs := tsdb_errors.NewMulti(out.ForEachRow(columnCount, action))
	errs.Add(out.Close())

	return errs.Err()
}
