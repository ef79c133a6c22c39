package sorter

import (
	"extsort/storage"

	"github.com/pkg/errors"
)

// ColumnMap assigns each column id a fixed slot in the record layout. Slots
// follow the order of the slice the map was built from and never change.
type ColumnMap[H comparable] struct {
	ids []H
	pos map[H]int
}

func NewColumnMap[H comparable](columns []H) (*ColumnMap[H], error) {
	if len(columns) == 0 {
		return nil, errors.Wrap(ErrColumnCount, "no columns")
	}

	m := &ColumnMap[H]{
		ids: make([]H, 0, len(columns)),
		pos: make(map[H]int, len(columns)),
	}

	for i, id := range columns {
		if _, dup := m.pos[id]; dup {
			return nil, errors.Wrapf(ErrDuplicateColumn, "%v", id)
		}
		m.pos[id] = i
		m.ids = append(m.ids, id)
	}

	return m, nil
}

func (m *ColumnMap[H]) Len() int {
	return len(m.ids)
}

func (m *ColumnMap[H]) Position(id H) (int, bool) {
	i, ok := m.pos[id]
	return i, ok
}

// Columns returns the ids in slot order.
func (m *ColumnMap[H]) Columns() []H {
	return append([]H(nil), m.ids...)
}

// Fill lays values out in dst by slot. values must name exactly the mapped columns.
func (m *ColumnMap[H]) Fill(values map[H]int64, dst storage.Record) error {
	if len(values) != len(m.ids) {
		return errors.Wrapf(ErrMissingColumn, "got %d columns, want %d", len(values), len(m.ids))
	}

	for i, id := range m.ids {
		v, ok := values[id]

		if !ok {
			return errors.Wrapf(ErrMissingColumn, "%v", id)
		}

		dst[i] = v
	}

	return nil
}

// rowCount checks a column-major batch against the map and returns its row count.
func (m *ColumnMap[H]) rowCount(columns map[H][]int64) (int, error) {
	if len(columns) != len(m.ids) {
		return 0, errors.Wrapf(ErrMissingColumn, "got %d columns, want %d", len(columns), len(m.ids))
	}

	rows := -1

	for _, id := range m.ids {
		values, ok := columns[id]

		if !ok {
			return 0, errors.Wrapf(ErrMissingColumn, "%v", id)
		}

		if rows >= 0 && len(values) != rows {
			return 0, errors.Wrapf(ErrRowCountMismatch, "column %v has %d rows, want %d", id, len(values), rows)
		}

		rows = len(values)
	}

	return rows, nil
}
