package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

func SegmentName(dir, prefix string, i int) string {
	return filepath.Join(dir, prefix+dataSep+strconv.Itoa(i))
}

func IndexName(dir, prefix string) string {
	return filepath.Join(dir, prefix+indexSuffix)
}

// segmentIndex parses the sequence number out of "{prefix}-{n}".
func segmentIndex(prefix, fileName string) (int, bool) {
	rest, ok := strings.CutPrefix(fileName, prefix+dataSep)
	if !ok || rest == "" {
		return 0, false
	}

	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 {
		return 0, false
	}

	return i, true
}

// Segments lists the data segment files of prefix found in dir.
func Segments(dir, prefix string) ([]string, error) {
	files, err := os.ReadDir(dir)

	if err != nil {
		return nil, errors.Wrap(err, "unable to list segments")
	}

	names := make([]string, 0, len(files))

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		if _, ok := segmentIndex(prefix, file.Name()); ok {
			names = append(names, filepath.Join(dir, file.Name()))
		}
	}

	return names, nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)

	if err != nil {
		return errors.Wrapf(ErrNotDirectory, "%s: %v", dir, err)
	}

	if !info.IsDir() {
		return errors.Wrap(ErrNotDirectory, dir)
	}

	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)

	if err != nil {
		return err
	}

	defer d.Close()

	return fileutil.Fdatasync(d)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
