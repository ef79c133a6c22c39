package main

import (
	"cmp"
	"extsort/config"
	"extsort/sorter"
	"extsort/storage"
	"flag"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Sorts a generated two-column dataset by its second column, checks the order
// and replays the result from disk the way a later process would.
func main() {
	var (
		configFile  = flag.String("config", "", "path to a YAML config file")
		dir         = flag.String("dir", "", "working directory; a temporary one is used when empty")
		rows        = flag.Int64("rows", 1_000_000, "number of rows to generate")
		segmentSize = flag.Int("segment-size", 0, "segment size in bytes, overrides the config file")
		keep        = flag.Bool("keep", false, "keep the sorted output on disk")
		dumpMetrics = flag.Bool("metrics", false, "print metrics in text exposition format before exiting")
	)

	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	cfg := config.Default()

	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			level.Error(logger).Log("err", err)
			os.Exit(1)
		}
	}

	if *dir != "" {
		cfg.Dir = *dir
	}

	if *segmentSize > 0 {
		cfg.Sort.SegmentSize = *segmentSize
	}

	filter, err := cfg.LevelFilter()

	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}

	logger = level.NewFilter(logger, filter)
	registry := prometheus.NewRegistry()

	if err := run(logger, registry, cfg, *rows, *keep); err != nil {
		level.Error(logger).Log("msg", "sort failed", "err", err)
		os.Exit(1)
	}

	if *dumpMetrics {
		if err := writeMetrics(registry); err != nil {
			level.Error(logger).Log("msg", "unable to write metrics", "err", err)
		}
	}
}

func run(logger log.Logger, registry *prometheus.Registry, cfg config.Config, rows int64, keep bool) error {
	dir := cfg.Dir

	if dir == "" {
		tmp, err := os.MkdirTemp("", "extsort")

		if err != nil {
			return err
		}

		dir = tmp
	} else if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}

	if !keep {
		defer os.RemoveAll(dir)
	}

	byB := func(x, y storage.Record) int { return cmp.Compare(x[1], y[1]) }

	e, err := sorter.New(dir, []string{"a", "b"}, byB, sorter.Options{
		SortOptions: cfg.Sort,
		Logger:      logger,
		Registerer:  registry,
	})

	if err != nil {
		return err
	}

	defer e.Close()

	start := time.Now()
	line := make(map[string]int64, 2)

	for i := int64(0); i < rows; i++ {
		line["a"] = i
		line["b"] = rows - i - 1

		if err := e.AppendLine(line); err != nil {
			return err
		}
	}

	logger.Log("msg", "built unsorted file", "rows", rows, "duration", time.Since(start))

	if err := e.SortAll(); err != nil {
		return err
	}

	action, result := checker(rows)

	if err := e.ForEachSorted(action); err != nil {
		return err
	}

	if err := result(); err != nil {
		return err
	}

	if err := e.Close(); err != nil {
		return err
	}

	action, result = checker(rows)

	if err := sorter.ForEachSorted(dir, 2, action); err != nil {
		return err
	}

	if err := result(); err != nil {
		return errors.Wrap(err, "replay after close")
	}

	logger.Log("msg", "sorted output verified", "rows", rows, "dir", dir, "kept", keep)

	return nil
}

// checker expects b to count up from 0 with a+b == rows-1. result reports the
// first violation, or a short count.
func checker(rows int64) (func(storage.Record), func() error) {
	var (
		next int64
		err  error
	)

	action := func(rec storage.Record) {
		if err == nil && (rec[1] != next || rec[0]+rec[1] != rows-1) {
			err = errors.Errorf("result is not correct: %d,%d at %d", rec[0], rec[1], next)
		}
		next++
	}

	result := func() error {
		if err == nil && next != rows {
			err = errors.Errorf("replayed %d rows, want %d", next, rows)
		}
		return err
	}

	return action, result
}

func writeMetrics(registry *prometheus.Registry) error {
	families, err := registry.Gather()

	if err != nil {
		return err
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			return err
		}
	}

	return nil
}
