package topology

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrLayout = errors.New("topology: unknown layout")
	ErrTables = errors.New("topology: invalid index tables")
)

// A Layout selects which index table an array follows.
type Layout int

const (
	// SlaveLayout addresses every local representative of
	// a group.
	SlaveLayout Layout = 0

	// MasterLayout addresses the true degrees of freedom
	// of the groups this rank owns.
	MasterLayout Layout = 2
)

// Valid reports whether l is a known layout.
func (l Layout) Valid() bool {
	return l == SlaveLayout || l == MasterLayout
}

func (l Layout) String() string {
	switch l {
	case SlaveLayout:
		return "slave"
	case MasterLayout:
		return "master"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// Tables maps every group of a GroupTopology to its local
// indices in both layouts.
type Tables struct {
	LDof  *Table
	LTDof *Table
}

// NewTables validates and packs the per-group index lists
// of a rank.
//
// ldof[g] lists the local degrees of freedom of group g.
// ltdof[g] lists the true degrees of freedom of group g
// and must have the same length as ldof[g] when the rank
// owns g; for other groups it is ignored and stored empty.
// Within each layout, no index may appear in two groups.
func NewTables(topo *GroupTopology, ldof, ltdof [][]int) (*Tables, error) {
	if len(ldof) != topo.GroupCount() || len(ltdof) != topo.GroupCount() {
		return nil, errors.Wrapf(ErrTables, "expected %d groups but got %d ldof and %d ltdof rows",
			topo.GroupCount(), len(ldof), len(ltdof))
	}
	owned := make([][]int, len(ltdof))
	for g := range ltdof {
		if !topo.IsMaster(g) {
			continue
		}
		if len(ltdof[g]) != len(ldof[g]) {
			return nil, errors.Wrapf(ErrTables, "owned group %d has %d ldofs but %d ltdofs", g,
				len(ldof[g]), len(ltdof[g]))
		}
		owned[g] = ltdof[g]
	}
	if err := checkDisjoint("ldof", ldof); err != nil {
		return nil, err
	}
	if err := checkDisjoint("ltdof", owned); err != nil {
		return nil, err
	}
	return &Tables{LDof: NewTable(ldof), LTDof: NewTable(owned)}, nil
}

func checkDisjoint(name string, rows [][]int) error {
	owner := map[int]int{}
	for g, row := range rows {
		for _, idx := range row {
			if idx < 0 {
				return errors.Wrapf(ErrTables, "%s row %d has negative index %d", name, g, idx)
			}
			if prev, ok := owner[idx]; ok {
				return errors.Wrapf(ErrTables, "%s index %d appears in groups %d and %d", name, idx,
					prev, g)
			}
			owner[idx] = g
		}
	}
	return nil
}

// Table returns the index table for a layout.
func (t *Tables) Table(layout Layout) (*Table, error) {
	switch layout {
	case SlaveLayout:
		return t.LDof, nil
	case MasterLayout:
		return t.LTDof, nil
	}
	return nil, errors.Wrapf(ErrLayout, "%v", layout)
}

// GroupSize returns the number of indices of a group in a
// layout. It panics on an unknown layout.
func (t *Tables) GroupSize(layout Layout, group int) int {
	return t.mustTable(layout).RowSize(group)
}

// GroupIndices returns the indices of a group in a
// layout. It panics on an unknown layout.
func (t *Tables) GroupIndices(layout Layout, group int) []int {
	return t.mustTable(layout).Row(group)
}

func (t *Tables) mustTable(layout Layout) *Table {
	table, err := t.Table(layout)
	if err != nil {
		panic(err)
	}
	return table
}

// Contiguous numbers a rank's degrees of freedom group by
// group, giving group g size(key of g) consecutive local
// indices and, when the rank owns g, as many consecutive
// true indices. The result is valid input for NewTables.
func Contiguous(topo *GroupTopology, size func(key int64) int) (ldof, ltdof [][]int) {
	var nextLocal, nextTrue int
	for g := 0; g < topo.GroupCount(); g++ {
		n := size(topo.GroupKey(g))
		ldof = append(ldof, sequence(nextLocal, n))
		nextLocal += n
		if topo.IsMaster(g) {
			ltdof = append(ltdof, sequence(nextTrue, n))
			nextTrue += n
		} else {
			ltdof = append(ltdof, nil)
		}
	}
	return
}

func sequence(start, n int) []int {
	res := make([]int, n)
	for i := range res {
		res[i] = start + i
	}
	return res
}
