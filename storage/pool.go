package storage

import "sync"

// RowPool recycles fixed-width rows between spills so a long merge does not
// allocate one slice per record.
type RowPool struct {
	width int
	pool  sync.Pool
}

func NewRowPool(width int) *RowPool {
	p := &RowPool{width: width}

	p.pool.New = func() any {
		row := make(Record, width)
		return &row
	}

	return p
}

func (p *RowPool) Width() int {
	return p.width
}

// Get returns a row of the pool's width. Its contents are unspecified.
func (p *RowPool) Get() Record {
	return *p.pool.Get().(*Record)
}

func (p *RowPool) Put(row Record) {
	if len(row) != p.width {
		return
	}

	p.pool.Put(&row)
}
