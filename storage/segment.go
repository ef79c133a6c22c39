package storage

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	tsdb_errors "github.com/prometheus/prometheus/tsdb/errors"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

var mapFile = osMap

// Segment is one fixed-size backing file mapped read/write in full. It owns
// both the mapping and the file handle; Release gives both back.
type Segment struct {
	path     string
	file     *os.File
	data     []byte
	capacity int
	pos      int
	released bool
}

// OpenSegment creates or reopens the file at path, makes sure it is exactly
// capacity bytes long and maps it. The write cursor starts at writeOffset.
func OpenSegment(path string, writeOffset, capacity int) (*Segment, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "segment %s: %d", path, capacity)
	}

	if err := checkDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	if writeOffset < 0 || writeOffset > capacity {
		return nil, errors.Errorf("segment %s: write offset %d out of range [0, %d]", path, writeOffset, capacity)
	}

	created := true

	if info, err := os.Stat(path); err == nil {
		if info.Size() != int64(capacity) {
			return nil, errors.Wrapf(ErrSegmentSize, "segment file %s should be of size %d but was of size %d", path, capacity, info.Size())
		}
		created = false
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat segment %s", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)

	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", path)
	}

	// A file this call created is deleted again if it cannot be mapped.
	discard := func() {
		f.Close()
		if created {
			os.Remove(path)
		}
	}

	if created {
		if err := fileutil.Preallocate(f, int64(capacity), true); err != nil {
			discard()
			return nil, errors.Wrapf(err, "preallocate segment %s", path)
		}
	}

	data, err := mapFile(f, capacity)

	if err != nil {
		discard()
		return nil, errors.Wrapf(err, "mmap segment %s", path)
	}

	return &Segment{
		path:     path,
		file:     f,
		data:     data,
		capacity: capacity,
		pos:      writeOffset,
	}, nil
}

func (s *Segment) Path() string { return s.path }
func (s *Segment) Capacity() int { return s.capacity }

// Pos is the current write cursor in bytes.
func (s *Segment) Pos() int { return s.pos }

func (s *Segment) Remaining() int { return s.capacity - s.pos }

// Append writes v at the cursor. Callers guarantee the slot fits.
func (s *Segment) Append(v int64) {
	putInt64(s.data[s.pos:], v)
	s.pos += valueLen
}

func (s *Segment) PutInt32(v int32) {
	putInt32(s.data[s.pos:], v)
	s.pos += offsetLen
}

func (s *Segment) Reset() {
	s.pos = 0
}

// Flush forces the mapped pages to stable storage and returns the cursor.
func (s *Segment) Flush() (int, error) {
	if s.released {
		return 0, errors.Wrap(ErrStoreClosed, s.path)
	}

	if err := osSync(s.data); err != nil {
		return 0, errors.Wrapf(err, "msync segment %s", s.path)
	}

	return s.pos, nil
}

// View returns a read cursor at 0 that only sees the first committed bytes.
// It is valid until the segment is released.
func (s *Segment) View(committed int) *View {
	if committed > len(s.data) {
		committed = len(s.data)
	}
	if committed < 0 {
		committed = 0
	}

	return &View{data: s.data[:committed:committed]}
}

// Release unmaps the region and closes the file. Safe to call more than once.
func (s *Segment) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	errs := tsdb_errors.NewMulti()

	if s.data != nil {
		errs.Add(errors.Wrapf(osUnmap(s.data), "munmap segment %s", s.path))
		s.data = nil
	}

	if s.file != nil {
		errs.Add(errors.Wrapf(s.file.Close(), "close segment %s", s.path))
		s.file = nil
	}

	return errs.Err()
}

// Remove releases the segment and deletes its backing file.
func (s *Segment) Remove() error {
	errs := tsdb_errors.NewMulti(s.Release())

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		errs.Add(err)
	}

	return errs.Err()
}

// View is a read-only cursor over committed segment bytes.
type View struct {
	data []byte
	pos  int
}

func (v *View) Remaining() int { return len(v.data) - v.pos }

func (v *View) Int64() int64 {
	x := getInt64(v.data[v.pos:])
	v.pos += valueLen
	return x
}

func (v *View) Int32() int32 {
	x := getInt32(v.data[v.pos:])
	v.pos += offsetLen
	return x
}
