package topology

// A Table stores rows of integers contiguously, with
// row i occupying Data[Offsets[i]:Offsets[i+1]].
type Table struct {
	Offsets []int
	Data    []int
}

// NewTable packs rows into a Table. The rows are copied.
func NewTable(rows [][]int) *Table {
	t := &Table{Offsets: make([]int, 1, len(rows)+1)}
	for _, row := range rows {
		t.Data = append(t.Data, row...)
		t.Offsets = append(t.Offsets, len(t.Data))
	}
	return t
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int {
	return len(t.Offsets) - 1
}

// RowSize returns the length of row i.
func (t *Table) RowSize(i int) int {
	return t.Offsets[i+1] - t.Offsets[i]
}

// Row returns row i. The result must not be modified.
func (t *Table) Row(i int) []int {
	return t.Data[t.Offsets[i]:t.Offsets[i+1]:t.Offsets[i+1]]
}

// Rows unpacks the table into a fresh slice per row.
func (t *Table) Rows() [][]int {
	res := make([][]int, t.NumRows())
	for i := range res {
		res[i] = append([]int{}, t.Row(i)...)
	}
	return res
}
