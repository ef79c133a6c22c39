package config

import (
	"math"
	"os"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSegmentSize bounds both the in-memory batch and each spilled segment.
	DefaultSegmentSize = 50 * 1024 * 1024

	// MaxSegmentSize is the largest offset an index slot can record.
	MaxSegmentSize = math.MaxInt32

	DefaultLogLevel = "info"
)

var ErrInvalidOptions = errors.New("invalid sort options")

type Config struct {
	Dir      string      `yaml:"dir"`
	LogLevel string      `yaml:"log_level"`
	Sort     SortOptions `yaml:"sort"`
}

type SortOptions struct {
	SegmentSize int  `yaml:"segment_size"`
	StableSort  bool `yaml:"stable_sort"`
}

func Default() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Sort: SortOptions{
			SegmentSize: DefaultSegmentSize,
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)

	if err != nil {
		return cfg, errors.Wrap(err, "open config")
	}

	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// Validate checks that one segment can hold at least one row of columns values.
func (o SortOptions) Validate(columns int) error {
	if columns <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "column count %d", columns)
	}

	if o.SegmentSize <= 0 || o.SegmentSize > MaxSegmentSize {
		return errors.Wrapf(ErrInvalidOptions, "segment size %d out of range (0, %d]", o.SegmentSize, MaxSegmentSize)
	}

	if rowLen := columns * 8; o.SegmentSize < rowLen {
		return errors.Wrapf(ErrInvalidOptions, "segment size %d smaller than one row of %d bytes", o.SegmentSize, rowLen)
	}

	return nil
}

// LevelFilter maps LogLevel onto a go-kit level filter.
func (c Config) LevelFilter() (level.Option, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}

	return nil, errors.Errorf("unknown log level %q", c.LogLevel)
}
