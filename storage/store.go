package storage

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	tsdb_errors "github.com/prometheus/prometheus/tsdb/errors"
)

// Store is an append-only sequence of int64 slots spread over equally sized
// mapped segments named "{prefix}-{n}", plus an offset index "{prefix}.idx"
// recording how many bytes of each segment were committed.
//
// A Store has a single owner and is not safe for concurrent use.
type Store struct {
	dir         string
	prefix      string
	segmentSize int
	logger      log.Logger
	metrics     *StoreMetrics

	segments []*Segment
	index    *OffsetIndex

	closed  bool
	cleared bool
}

// Open creates the store for prefix under dir. With opts.Recover set, the
// segments recorded by a previous commit are reopened at their committed
// offsets. Otherwise, or when nothing was committed, stale files of the prefix
// are deleted and the store starts with one empty segment.
func Open(dir, prefix string, opts StoreOptions) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if err := checkDir(dir); err != nil {
		return nil, err
	}

	s := &Store{
		dir:         dir,
		prefix:      prefix,
		segmentSize: opts.SegmentSize,
		logger:      log.With(logger, "component", "store", "prefix", prefix),
		metrics:     NewStoreMetrics(opts.Registerer, prefix),
	}

	dataFiles, err := Segments(dir, prefix)

	if err != nil {
		return nil, err
	}

	idxPath := IndexName(dir, prefix)

	if opts.Recover && exists(idxPath) && len(dataFiles) > 0 {
		recovered, err := s.recover(idxPath)

		if err != nil {
			return nil, err
		}

		if recovered {
			return s, nil
		}
	}

	if s.segmentSize <= 0 {
		if opts.Recover {
			return nil, errors.Wrapf(ErrNothingToRecover, "store %s in %s", prefix, dir)
		}
		return nil, errors.Wrapf(ErrInvalidCapacity, "store %s: %d", prefix, s.segmentSize)
	}

	if s.segmentSize < valueLen {
		return nil, errors.Wrapf(ErrInvalidCapacity, "store %s: %d is smaller than one slot", prefix, s.segmentSize)
	}

	s.removeStale(dataFiles, idxPath)

	if s.index, err = OpenOffsetIndex(idxPath); err != nil {
		return nil, err
	}

	if err := s.CreateNewSegment(); err != nil {
		s.index.Release()
		return nil, err
	}

	return s, nil
}

// recover reports false when the index holds no offsets; the caller then
// starts from scratch.
func (s *Store) recover(idxPath string) (bool, error) {
	index, err := OpenOffsetIndex(idxPath)

	if err != nil {
		return false, err
	}

	offsets := index.Offsets()

	if len(offsets) == 0 {
		return false, index.Release()
	}

	first := SegmentName(s.dir, s.prefix, 0)
	info, err := os.Stat(first)

	if err != nil {
		index.Release()
		return false, errors.Wrapf(err, "stat first segment %s", first)
	}

	// All segments of a store share the size of the first one.
	s.segmentSize = int(info.Size())
	s.index = index

	var size int64

	for i, off := range offsets {
		seg, err := OpenSegment(SegmentName(s.dir, s.prefix, i), off, s.segmentSize)

		if err != nil {
			s.release()
			return false, errors.Wrapf(err, "recover segment %d", i)
		}

		s.segments = append(s.segments, seg)
		size += int64(off)
	}

	s.metrics.segments.Set(float64(len(s.segments)))
	s.metrics.committedBytes.Set(float64(size))

	level.Info(s.logger).Log("msg", "recovered store", "segments", len(s.segments),
		"segmentSize", humanize.IBytes(uint64(s.segmentSize)), "committed", humanize.IBytes(uint64(size)))

	return true, nil
}

func (s *Store) removeStale(dataFiles []string, idxPath string) {
	for _, f := range append(dataFiles, idxPath) {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			level.Warn(s.logger).Log("msg", "unable to remove stale file", "file", f, "err", err)
		}
	}
}

func (s *Store) Dir() string { return s.dir }
func (s *Store) Prefix() string { return s.prefix }
func (s *Store) SegmentSize() int { return s.segmentSize }
func (s *Store) SegmentCount() int { return len(s.segments) }
func (s *Store) active() *Segment { return s.segments[len(s.segments)-1] }
func (s *Store) ActiveOffset() int { return s.active().Pos() }

// CreateNewSegment allocates a zero-offset segment and makes it active.
func (s *Store) CreateNewSegment() error {
	if s.closed {
		return ErrStoreClosed
	}

	i := len(s.segments)

	if i >= IndexSlots-1 {
		return errors.Wrapf(ErrIndexFull, "store %s", s.prefix)
	}

	seg, err := OpenSegment(SegmentName(s.dir, s.prefix, i), 0, s.segmentSize)

	if err != nil {
		return err
	}

	if err := syncDir(s.dir); err != nil {
		seg.Remove()
		return errors.Wrapf(err, "sync dir %s", s.dir)
	}

	s.segments = append(s.segments, seg)
	s.metrics.segmentsCreated.Inc()
	s.metrics.segments.Set(float64(len(s.segments)))

	level.Debug(s.logger).Log("msg", "segment created", "segment", i, "path", seg.Path())

	return nil
}

// Append writes v, moving to a new segment first when the active one is full.
func (s *Store) Append(v int64) error {
	if s.closed {
		return ErrStoreClosed
	}

	if s.active().Pos()+valueLen > s.segmentSize {
		if err := s.CreateNewSegment(); err != nil {
			return err
		}
	}

	s.active().Append(v)

	return nil
}

// AppendUnchecked writes v into the active segment without a capacity check.
// Callers must already know the value fits.
func (s *Store) AppendUnchecked(v int64) {
	s.active().Append(v)
}

// AppendRecord writes every slot of rec with AppendUnchecked.
func (s *Store) AppendRecord(rec Record) {
	seg := s.active()
	for _, v := range rec {
		seg.Append(v)
	}
}

// Commit forces every segment to disk and persists their cursors into the
// index. Nothing written since the previous commit is visible to a recovering
// store before this returns.
func (s *Store) Commit() error {
	if s.closed {
		return ErrStoreClosed
	}

	start := time.Now()
	offsets := make([]int, 0, len(s.segments))

	var size int64

	for i, seg := range s.segments {
		off, err := seg.Flush()

		if err != nil {
			return errors.Wrapf(err, "commit segment %d", i)
		}

		if off == 0 && i < len(s.segments)-1 {
			level.Warn(s.logger).Log("msg", "empty segment before the last one hides later segments from recovery", "segment", i)
		}

		offsets = append(offsets, off)
		size += int64(off)
	}

	if err := s.index.Write(offsets); err != nil {
		return err
	}

	s.metrics.commits.Inc()
	s.metrics.commitDuration.Observe(time.Since(start).Seconds())
	s.metrics.committedBytes.Set(float64(size))

	return nil
}

// committedOffsets returns one committed offset per open segment, as seen by
// a reader of the index.
func (s *Store) committedOffsets() []int {
	offsets := s.index.Offsets()

	for len(offsets) < len(s.segments) {
		offsets = append(offsets, 0)
	}

	return offsets[:len(s.segments)]
}

// CurrentSize is the number of committed bytes across all segments.
func (s *Store) CurrentSize() int64 {
	if s.closed {
		return 0
	}

	var size int64

	for _, off := range s.index.Offsets() {
		size += int64(off)
	}

	return size
}

// ForEach replays every committed slot in segment order.
func (s *Store) ForEach(action func(int64)) error {
	if s.closed {
		return ErrStoreClosed
	}

	for i, off := range s.committedOffsets() {
		view := s.segments[i].View(off)

		for view.Remaining() >= valueLen {
			action(view.Int64())
		}
	}

	return nil
}

// ForEachRow replays committed slots grouped into rows of width values. A row
// may span a segment boundary. The slice passed to action is reused.
func (s *Store) ForEachRow(width int, action func(Record)) error {
	if width <= 0 {
		return errors.Errorf("invalid row width %d", width)
	}

	row := make(Record, width)
	col := 0

	return s.ForEach(func(v int64) {
		row[col] = v
		col++

		if col == width {
			action(row)
			col = 0
		}
	})
}

// Readers opens one primed SegmentReader per segment over its committed bytes.
func (s *Store) Readers(width int, pool *RowPool) ([]*SegmentReader, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}

	offsets := s.committedOffsets()
	readers := make([]*SegmentReader, 0, len(offsets))

	for i, off := range offsets {
		r := NewSegmentReader(s.segments[i], off, width, pool)
		r.LoadNext()
		readers = append(readers, r)
	}

	return readers, nil
}

func (s *Store) release() error {
	errs := tsdb_errors.NewMulti()

	for _, seg := range s.segments {
		errs.Add(seg.Release())
	}

	if s.index != nil {
		errs.Add(s.index.Release())
	}

	return errs.Err()
}

// Close releases every mapping and keeps the files for a later recovering Open.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	return s.release()
}

// Clear releases and deletes all data files and the index. Failures are logged
// and otherwise ignored.
func (s *Store) Clear() {
	if s.cleared {
		return
	}
	s.cleared = true
	s.closed = true

	for _, seg := range s.segments {
		if err := seg.Remove(); err != nil {
			level.Debug(s.logger).Log("msg", "error removing segment", "path", seg.Path(), "err", err)
		}
	}
	s.segments = nil

	if s.index != nil {
		if err := s.index.Remove(); err != nil {
			level.Debug(s.logger).Log("msg", "error removing index", "err", err)
		}
	}
}
