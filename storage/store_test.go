package storage

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string, segmentSize int, recover bool) *Store {
	t.Helper()

	s, err := Open(dir, "data", StoreOptions{
		SegmentSize: segmentSize,
		Recover:     recover,
		Logger:      log.NewNopLogger(),
		Registerer:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	return s
}

func collect(t *testing.T, s *Store) []int64 {
	t.Helper()

	values := []int64{}
	require.NoError(t, s.ForEach(func(v int64) {
		values = append(values, v)
	}))

	return values
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func TestStoreCreation(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, 64, false)
	defer s.Close()

	assert.Equal(t, 1, s.SegmentCount())
	assert.Equal(t, 0, s.ActiveOffset())
	assert.Equal(t, int64(0), s.CurrentSize())
	assert.ElementsMatch(t, []string{"data-0", "data.idx"}, listFiles(t, dir))

	info, err := os.Stat(filepath.Join(dir, "data.idx"))
	require.NoError(t, err)
	assert.Equal(t, int64(IndexSlots*4), info.Size())
}

func TestStoreAppendRollsSegments(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, 32, false)
	defer s.Close()

	want := make([]int64, 10)
	for i := range want {
		want[i] = int64(i) - 5
		require.NoError(t, s.Append(want[i]))
	}

	require.NoError(t, s.Commit())

	assert.Equal(t, 3, s.SegmentCount())
	assert.Equal(t, int64(80), s.CurrentSize())
	assert.Equal(t, want, collect(t, s))
	assert.ElementsMatch(t, []string{"data-0", "data-1", "data-2", "data.idx"}, listFiles(t, dir))

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.commits))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.segmentsCreated))
	assert.Equal(t, 80.0, testutil.ToFloat64(s.metrics.committedBytes))
}

func TestStoreUncommittedDataIsInvisible(t *testing.T) {
	s := openStore(t, t.TempDir(), 64, false)
	defer s.Close()

	require.NoError(t, s.Append(1))
	require.NoError(t, s.Append(2))

	assert.Empty(t, collect(t, s))
	assert.Equal(t, int64(0), s.CurrentSize())

	require.NoError(t, s.Commit())
	assert.Equal(t, []int64{1, 2}, collect(t, s))

	// Appended after the commit: still hidden.
	require.NoError(t, s.Append(3))
	assert.Equal(t, []int64{1, 2}, collect(t, s))
}

func TestStoreIndexLayout(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, 16, false)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(int64(i)))
	}
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "data.idx"))
	require.NoError(t, err)

	assert.Equal(t, uint32(16), binary.BigEndian.Uint32(raw[0:]))
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(raw[4:]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(raw[8:]))
}

func TestStoreRecovery(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, 32, false)

	values := []int64{math.MinInt64, -1, 0, 1, math.MaxInt64, 42, -42}
	for _, v := range values {
		require.NoError(t, s.Append(v))
	}
	require.NoError(t, s.Commit())

	before := collect(t, s)
	require.NoError(t, s.Close())

	// The segment size is read back from disk.
	r := openStore(t, dir, 0, true)
	defer r.Close()

	assert.Equal(t, 32, r.SegmentSize())
	assert.Equal(t, 2, r.SegmentCount())
	assert.Equal(t, before, collect(t, r))
	assert.Equal(t, int64(len(values)*8), r.CurrentSize())

	// Writing resumes at the committed offset.
	require.NoError(t, r.Append(99))
	require.NoError(t, r.Commit())
	assert.Equal(t, append(values, 99), collect(t, r))
}

func TestStoreOpenWithoutRecoveryDiscardsStaleFiles(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, 16, false)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(int64(i)))
	}
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())
	require.Len(t, listFiles(t, dir), 4)

	r := openStore(t, dir, 16, false)
	defer r.Close()

	assert.Empty(t, collect(t, r))
	assert.ElementsMatch(t, []string{"data-0", "data.idx"}, listFiles(t, dir))
}

func TestStoreRecoveryWithEmptyIndexStartsFresh(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, 16, false)
	require.NoError(t, s.Append(1))
	require.NoError(t, s.Close())

	r := openStore(t, dir, 16, true)
	defer r.Close()

	assert.Empty(t, collect(t, r))
	assert.Equal(t, 0, r.ActiveOffset())
}

func TestStoreNothingToRecover(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(dir, "out", StoreOptions{Recover: true})
	require.ErrorIs(t, err, ErrNothingToRecover)
	assert.Empty(t, listFiles(t, dir))

	_, err = Open(dir, "out", StoreOptions{})
	require.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = Open(filepath.Join(dir, "missing"), "out", StoreOptions{SegmentSize: 16})
	require.ErrorIs(t, err, ErrNotDirectory)
}

func TestStoreRecoveryRejectsResizedSegment(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, 16, false)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(int64(i)))
	}
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	require.NoError(t, os.Truncate(filepath.Join(dir, "data-1"), 8))

	_, err := Open(dir, "data", StoreOptions{Recover: true})
	require.ErrorIs(t, err, ErrSegmentSize)
}

func TestStoreForEachRowSpansSegments(t *testing.T) {
	s := openStore(t, t.TempDir(), 24, false)
	defer s.Close()

	for i := 0; i < 7; i++ {
		require.NoError(t, s.Append(int64(i)))
	}
	require.NoError(t, s.Commit())

	var rows [][]int64
	require.NoError(t, s.ForEachRow(2, func(r Record) {
		rows = append(rows, append([]int64(nil), r...))
	}))

	// The trailing half row is dropped.
	assert.Equal(t, [][]int64{{0, 1}, {2, 3}, {4, 5}}, rows)

	require.Error(t, s.ForEachRow(0, func(Record) {}))
}

func TestStoreReaders(t *testing.T) {
	s := openStore(t, t.TempDir(), 32, false)
	defer s.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(int64(i)))
	}
	require.NoError(t, s.Commit())

	readers, err := s.Readers(2, NewRowPool(2))
	require.NoError(t, err)
	require.Len(t, readers, 2)

	first, ok := readers[0].Current()
	require.True(t, ok)
	assert.Equal(t, Record{0, 1}, first)

	second, ok := readers[1].Current()
	require.True(t, ok)
	assert.Equal(t, Record{4, 5}, second)
}

func TestStoreCloseAndClearAreIdempotent(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, 16, false)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(int64(i)))
	}
	require.NoError(t, s.Commit())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NotEmpty(t, listFiles(t, dir))

	s.Clear()
	s.Clear()
	require.NoError(t, s.Close())

	assert.Empty(t, listFiles(t, dir))

	require.ErrorIs(t, s.Append(1), ErrStoreClosed)
	require.ErrorIs(t, s.Commit(), ErrStoreClosed)
	require.ErrorIs(t, s.ForEach(func(int64) {}), ErrStoreClosed)
	assert.Empty(t, listFiles(t, dir))
}

func TestStoresWithDistinctPrefixesShareDirectory(t *testing.T) {
	dir := t.TempDir()
	registry := prometheus.NewRegistry()

	in, err := Open(dir, "data", StoreOptions{SegmentSize: 16, Registerer: registry})
	require.NoError(t, err)
	defer in.Close()

	out, err := Open(dir, "out", StoreOptions{SegmentSize: 16, Registerer: registry})
	require.NoError(t, err)

	require.NoError(t, in.Append(1))
	require.NoError(t, in.Commit())

	out.Clear()

	assert.Equal(t, []int64{1}, collect(t, in))
	assert.ElementsMatch(t, []string{"data-0", "data.idx"}, listFiles(t, dir))
}

func TestSyncDir(t *testing.T) {
	require.NoError(t, syncDir(t.TempDir()))
	require.Error(t, syncDir(filepath.Join(t.TempDir(), "missing")))
}

func TestStoresReopenedOnOneRegistry(t *testing.T) {
	dir := t.TempDir()
	registry := prometheus.NewRegistry()
	opts := StoreOptions{SegmentSize: 16, Registerer: registry}

	first, err := Open(dir, "out", opts)
	require.NoError(t, err)
	require.NoError(t, first.Append(1))
	require.NoError(t, first.Commit())
	first.Clear()

	second, err := Open(dir, "out", opts)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.Append(2))
	require.NoError(t, second.Commit())

	assert.Equal(t, 2.0, testutil.ToFloat64(second.metrics.commits))

	series, err := testutil.GatherAndCount(registry, "extsort_store_commits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestRegisterCollectorConflict(t *testing.T) {
	registry := prometheus.NewRegistry()

	c := RegisterCollector(registry, prometheus.NewCounter(prometheus.CounterOpts{Name: "x_total", Help: "x"}))
	c.Inc()

	again := RegisterCollector(registry, prometheus.NewCounter(prometheus.CounterOpts{Name: "x_total", Help: "x"}))
	again.Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(c))

	assert.Panics(t, func() {
		RegisterCollector(registry, prometheus.NewGauge(prometheus.GaugeOpts{Name: "x_total", Help: "other"}))
	})
}
