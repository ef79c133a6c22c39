package storage

// SegmentReader decodes fixed-width rows from one segment's committed bytes
// and keeps exactly one row of lookahead. LoadNext must be called once before
// Current means anything.
type SegmentReader struct {
	view  *View
	width int
	pool  *RowPool
	cur   Record
}

// NewSegmentReader reads rows of width values from the first committed bytes
// of seg. Rows come from pool when it is non-nil.
func NewSegmentReader(seg *Segment, committed, width int, pool *RowPool) *SegmentReader {
	view := seg.View(committed)
	osAdviseSequential(view.data)

	return &SegmentReader{
		view:  view,
		width: width,
		pool:  pool,
	}
}

// LoadNext decodes the next row, or clears the lookahead at the end of the
// committed bytes. A row handed out by Current is never written again by the
// reader, so callers may keep it.
func (r *SegmentReader) LoadNext() {
	if r.view.Remaining() < r.width*valueLen {
		r.cur = nil
		return
	}

	var row Record
	if r.pool != nil && r.pool.Width() == r.width {
		row = r.pool.Get()
	} else {
		row = make(Record, r.width)
	}

	for i := range row {
		row[i] = r.view.Int64()
	}

	r.cur = row
}

func (r *SegmentReader) Current() (Record, bool) {
	return r.cur, r.cur != nil
}
