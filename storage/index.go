package storage

import (
	"math"

	"github.com/pkg/errors"
)

// OffsetIndex persists the committed write offset of every data segment as a
// list of 4-byte slots. The first zero slot terminates the list, so a segment
// is only ever allocated right before data is written to it.
type OffsetIndex struct {
	segment *Segment
}

func OpenOffsetIndex(path string) (*OffsetIndex, error) {
	segment, err := OpenSegment(path, 0, indexSegmentSize)

	if err != nil {
		return nil, errors.Wrap(err, "open offset index")
	}

	return &OffsetIndex{segment: segment}, nil
}

// Offsets reads the committed offsets up to the first zero slot.
func (i *OffsetIndex) Offsets() []int {
	view := i.segment.View(indexSegmentSize)
	offsets := make([]int, 0)

	for view.Remaining() >= offsetLen {
		off := view.Int32()

		if off == 0 {
			break
		}

		offsets = append(offsets, int(off))
	}

	return offsets
}

// Write rewrites the list from slot 0 and forces it to disk. No sentinel is
// written: the list never shrinks between clears, so the slot after the last
// entry is still zero.
func (i *OffsetIndex) Write(offsets []int) error {
	if len(offsets) >= IndexSlots {
		return errors.Wrapf(ErrIndexFull, "%d segments", len(offsets))
	}

	i.segment.Reset()

	for _, off := range offsets {
		if off > math.MaxInt32 {
			return errors.Errorf("segment offset %d exceeds index slot range", off)
		}
		i.segment.PutInt32(int32(off))
	}

	_, err := i.segment.Flush()

	return errors.Wrap(err, "flush offset index")
}

func (i *OffsetIndex) Release() error {
	return i.segment.Release()
}

func (i *OffsetIndex) Remove() error {
	return i.segment.Remove()
}
