package storage

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSegmentCreatesFileOfCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-0")

	s, err := OpenSegment(path, 0, 64)
	require.NoError(t, err)
	defer s.Release()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(64), info.Size())
	assert.Equal(t, 0, s.Pos())
	assert.Equal(t, 64, s.Remaining())
}

func TestOpenSegmentRejectsSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-0")

	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0o666))

	_, err := OpenSegment(path, 0, 64)
	require.ErrorIs(t, err, ErrSegmentSize)

	// The file must be left as it was.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())
}

func TestOpenSegmentConfigurationErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenSegment(filepath.Join(dir, "seg-0"), 0, 0)
	require.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = OpenSegment(filepath.Join(dir, "missing", "seg-0"), 0, 64)
	require.ErrorIs(t, err, ErrNotDirectory)

	_, err = OpenSegment(filepath.Join(dir, "seg-0"), 72, 64)
	require.Error(t, err)
}

func TestSegmentAppendFlushView(t *testing.T) {
	s, err := OpenSegment(filepath.Join(t.TempDir(), "seg-0"), 0, 64)
	require.NoError(t, err)
	defer s.Release()

	values := []int64{math.MinInt64, -1, math.MaxInt64}
	for _, v := range values {
		s.Append(v)
	}

	off, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 24, off)

	// Only the committed prefix is visible through a view.
	view := s.View(16)
	var got []int64
	for view.Remaining() >= valueLen {
		got = append(got, view.Int64())
	}
	assert.Equal(t, values[:2], got)

	// Views are independent of each other and of the write cursor.
	other := s.View(off)
	assert.Equal(t, int64(math.MinInt64), other.Int64())
	assert.Equal(t, 24, s.Pos())
}

func TestSegmentBigEndianLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg-0")

	s, err := OpenSegment(path, 0, 16)
	require.NoError(t, err)

	s.Append(0x0102030405060708)
	_, err = s.Flush()
	require.NoError(t, err)
	require.NoError(t, s.Release())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, raw[:8])
}

func TestSegmentReopenAtOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg-0")

	s, err := OpenSegment(path, 0, 32)
	require.NoError(t, err)
	s.Append(7)
	s.Append(-7)
	off, err := s.Flush()
	require.NoError(t, err)
	require.NoError(t, s.Release())

	s, err = OpenSegment(path, off, 32)
	require.NoError(t, err)
	defer s.Release()

	assert.Equal(t, 16, s.Pos())

	s.Append(9)
	view := s.View(s.Pos())
	assert.Equal(t, int64(7), view.Int64())
	assert.Equal(t, int64(-7), view.Int64())
	assert.Equal(t, int64(9), view.Int64())
}

func TestSegmentReleaseAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg-0")

	s, err := OpenSegment(path, 0, 32)
	require.NoError(t, err)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())

	_, err = s.Flush()
	require.ErrorIs(t, err, ErrStoreClosed)

	require.NoError(t, s.Remove())
	require.NoError(t, s.Remove())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenSegmentMapFailure(t *testing.T) {
	defer func(orig func(*os.File, int) ([]byte, error)) { mapFile = orig }(mapFile)
	mapFile = func(*os.File, int) ([]byte, error) {
		return nil, errors.New("mmap: cannot allocate memory")
	}

	dir := t.TempDir()

	// A file created by the failed open does not stay behind.
	fresh := filepath.Join(dir, "seg-0")
	_, err := OpenSegment(fresh, 0, 64)
	require.Error(t, err)

	_, err = os.Stat(fresh)
	assert.True(t, os.IsNotExist(err))

	// An existing file is left alone.
	kept := filepath.Join(dir, "seg-1")
	require.NoError(t, os.WriteFile(kept, make([]byte, 64), 0o666))

	_, err = OpenSegment(kept, 0, 64)
	require.Error(t, err)

	info, err := os.Stat(kept)
	require.NoError(t, err)
	assert.Equal(t, int64(64), info.Size())
}
