package spreadsheet

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

// ca parses an unqualified cell name on worksheet 1
func ca(name string) CellAddress {
	row, col, ok := ParseCellName(name)
	if !ok {
		panic("bad cell name " + name)
	}
	return CellAddress{WorksheetID: 1, Row: row, Column: col}
}

func cas(names ...string) []CellAddress {
	out := make([]CellAddress, 0, len(names))
	for _, name := range names {
		out = append(out, ca(name))
	}
	return out
}

func ra(name string) RangeAddress {
	ref, ok := parseReference("", name, true)
	if !ok {
		panic("bad range " + name)
	}
	return ref.rangeAddress(1)
}

// stepNames renders a schedule as cell lists, cyclic steps marked with '*'
func stepNames(s *Schedule) []string {
	var out []string
	for _, step := range s.Steps {
		name := ""
		for i, c := range step.Cells {
			if i > 0 {
				name += ","
			}
			name += c.String()
		}
		if step.Cyclic {
			name += "*"
		}
		out = append(out, name)
	}
	return out
}

func stepLayers(s *Schedule) []int {
	var out []int
	for _, step := range s.Steps {
		out = append(out, step.Layer)
	}
	return out
}

func TestSetPrecedents(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("C1"), cas("A1", "B1", "A1"), []RangeAddress{ra("A1:A2")})
	assert.Equal(t, cas("A1", "B1", "A2"), dg.DirectPrecedents(ca("C1")))
	assert.Equal(t, cas("C1"), dg.DirectDependents(ca("A2")))
	assert.Equal(t, 4, dg.NodeCount())
	assert.Equal(t, 3, dg.EdgeCount())

	// replacing edges releases nodes nothing else refers to
	dg.SetPrecedents(ca("C1"), cas("B1"), nil)
	assert.Equal(t, cas("B1"), dg.DirectPrecedents(ca("C1")))
	assert.Equal(t, 0, len(dg.DirectDependents(ca("A1"))))
	assert.Equal(t, 2, dg.NodeCount())

	dg.SetPrecedents(ca("C1"), nil, nil)
	assert.Equal(t, 0, dg.NodeCount())
	assert.Equal(t, 0, dg.EdgeCount())
}

func TestSmallRangesExpandRowMajor(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("Z1"), nil, []RangeAddress{ra("B2:A1")})
	assert.Equal(t, cas("A1", "B1", "A2", "B2"), dg.DirectPrecedents(ca("Z1")))
	assert.Equal(t, 0, len(dg.ObservedRanges(ca("Z1"))))
	assert.Equal(t, 5, dg.NodeCount())
}

func TestLargeRangesAreObservedWhole(t *testing.T) {
	dg := NewDependencyGraph(4)
	big := ra("A1:A10")
	dg.SetPrecedents(ca("Z1"), nil, []RangeAddress{big, big})
	assert.Equal(t, 1, dg.NodeCount())
	assert.Equal(t, 1, dg.EdgeCount())
	assert.Equal(t, []RangeAddress{big}, dg.ObservedRanges(ca("Z1")))
	assert.Equal(t, cas("Z1"), dg.DirectDependents(ca("A5")))
	assert.Equal(t, 0, len(dg.DirectDependents(ca("A11"))))

	dg.MarkDirty(ca("A5"))
	assert.True(t, dg.IsDirty(ca("Z1")))
	assert.False(t, dg.IsDirty(ca("A6")))

	s := dg.Schedule(cas("Z1", "A3"))
	assert.Equal(t, []string{"A3", "Z1"}, stepNames(s))
	assert.Equal(t, []int{0, 1}, stepLayers(s))

	dg.ClearAllDirty()
	dg.ClearPrecedents(ca("Z1"))
	assert.Equal(t, 0, len(dg.rangeObservers))
	dg.MarkDirty(ca("A6"))
	assert.Equal(t, cas("A6"), dg.DirtyCells())
}

func TestNodeStorageIsReused(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("C1"), cas("A1", "B1"), nil)
	allocated := len(dg.nodes)
	dg.ClearPrecedents(ca("C1"))
	assert.Equal(t, 0, dg.NodeCount())
	dg.SetPrecedents(ca("F1"), cas("D1", "E1"), nil)
	assert.Equal(t, allocated, len(dg.nodes))
	assert.Equal(t, cas("D1", "E1"), dg.DirectPrecedents(ca("F1")))
}

func TestMarkDirtyPropagates(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("B1"), cas("A1"), nil)
	dg.SetPrecedents(ca("C1"), cas("B1"), nil)
	dg.SetPrecedents(ca("D1"), cas("Z9"), nil)

	dg.MarkDirty(ca("A1"))
	assert.Equal(t, cas("A1", "B1", "C1"), dg.DirtyCells())
	dg.ClearDirty(ca("B1"))
	assert.False(t, dg.IsDirty(ca("B1")))
	dg.ClearAllDirty()
	assert.Equal(t, 0, len(dg.DirtyCells()))
}

func TestAllDependents(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("B1"), cas("A1"), nil)
	dg.SetPrecedents(ca("C1"), cas("B1"), nil)
	dg.SetPrecedents(ca("D1"), cas("C1", "E1"), nil)
	dg.SetPrecedents(ca("E1"), cas("D1"), nil)

	assert.Equal(t, cas("B1", "C1", "D1", "E1"), dg.AllDependents(ca("A1")))
	// a cell on a cycle depends on itself
	assert.Equal(t, cas("D1", "E1"), dg.AllDependents(ca("D1")))
	assert.Equal(t, 0, len(dg.AllDependents(ca("E9"))))
}

func TestVolatileCells(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("B1"), cas("A1"), nil)
	dg.MarkVolatile(ca("A1"))
	dg.MarkVolatile(ca("C3"))
	assert.True(t, dg.IsVolatile(ca("A1")))
	assert.Equal(t, cas("A1", "C3"), dg.VolatileCells())

	dg.MarkAllVolatileDirty()
	assert.Equal(t, cas("A1", "B1", "C3"), dg.DirtyCells())

	dg.UnmarkVolatile(ca("C3"))
	assert.Equal(t, cas("A1"), dg.VolatileCells())
}

func TestRemoveNode(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("B1"), cas("A1"), nil)
	dg.SetPrecedents(ca("C1"), cas("B1"), nil)
	dg.MarkVolatile(ca("B1"))
	dg.MarkDirty(ca("A1"))

	dg.RemoveNode(ca("B1"))
	assert.False(t, dg.IsDirty(ca("B1")))
	assert.False(t, dg.IsVolatile(ca("B1")))
	assert.Equal(t, 0, len(dg.DirectDependents(ca("A1"))))
	// dependents still read the removed address
	assert.Equal(t, cas("C1"), dg.DirectDependents(ca("B1")))
	assert.Equal(t, 2, dg.NodeCount())
}

func TestScheduleOrdersByDependencyThenAddress(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("B1"), cas("A1"), nil)
	dg.SetPrecedents(ca("C1"), cas("A1"), nil)
	dg.SetPrecedents(ca("A2"), cas("B1", "C1"), nil)

	s := dg.Schedule(cas("A2", "C1", "B1", "A1", "D5", "A1"))
	// ready cells are taken in address order
	assert.Equal(t, []string{"A1", "B1", "C1", "A2", "D5"}, stepNames(s))
	assert.Equal(t, []int{0, 1, 1, 2, 0}, stepLayers(s))
	assert.Equal(t, 3, s.Layers)
}

func TestScheduleLayersAreNotMonotone(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("B1"), cas("A1"), nil)

	s := dg.Schedule(cas("A1", "B1", "A2"))
	// B1 becomes ready before A2 in address order but sits one layer deeper
	assert.Equal(t, []string{"A1", "B1", "A2"}, stepNames(s))
	assert.Equal(t, []int{0, 1, 0}, stepLayers(s))
}

func TestScheduleIgnoresCleanCells(t *testing.T) {
	dg := NewDependencyGraph(0)
	dg.SetPrecedents(ca("B1"), cas("A1"), nil)
	dg.SetPrecedents(ca("A1"), cas("B1"), nil)

	// the cycle only counts when both ends are scheduled
	s := dg.Schedule(cas("B1"))
	assert.Equal(t, []string{"B1"}, stepNames(s))
	s = dg.Schedule(cas("A1", "B1"))
	assert.Equal(t, []string{"A1,B1*"}, stepNames(s))
	assert.Equal(t, 0, s.Layers)
}

func TestScheduleCycles(t *testing.T) {
	dg := NewDependencyGraph(0)
	// A1 <-> B1, C1 reads the cycle, Z1 is independent
	dg.SetPrecedents(ca("A1"), cas("B1"), nil)
	dg.SetPrecedents(ca("B1"), cas("A1"), nil)
	dg.SetPrecedents(ca("C1"), cas("A1"), nil)
	// D1 self-loop, E1 reads it
	dg.SetPrecedents(ca("D1"), cas("D1"), nil)
	dg.SetPrecedents(ca("E1"), cas("D1"), nil)

	s := dg.Schedule(cas("A1", "B1", "C1", "D1", "E1", "Z1"))
	assert.Equal(t, []string{"Z1", "A1,B1*", "C1", "D1*", "E1"}, stepNames(s))
	assert.Equal(t, []int{0, -1, -1, -1, -1}, stepLayers(s))
	assert.Equal(t, 1, s.Layers)
}

func TestScheduleChainedCycles(t *testing.T) {
	dg := NewDependencyGraph(0)
	// B2 <-> C2 reads A1 <-> A2
	dg.SetPrecedents(ca("A1"), cas("A2"), nil)
	dg.SetPrecedents(ca("A2"), cas("A1"), nil)
	dg.SetPrecedents(ca("B2"), cas("C2", "A2"), nil)
	dg.SetPrecedents(ca("C2"), cas("B2"), nil)

	s := dg.Schedule(cas("C2", "B2", "A2", "A1"))
	assert.Equal(t, []string{"A1,A2*", "B2,C2*"}, stepNames(s))
}

func TestScheduleCyclesAcrossWorksheets(t *testing.T) {
	dg := NewDependencyGraph(0)
	other := CellAddress{WorksheetID: 2, Row: 0, Column: 0}
	dg.SetPrecedents(ca("A1"), []CellAddress{other}, nil)
	dg.SetPrecedents(other, cas("A1"), nil)

	s := dg.Schedule([]CellAddress{other, ca("A1")})
	assert.Equal(t, 1, len(s.Steps))
	assert.True(t, s.Steps[0].Cyclic)
	assert.Equal(t, []CellAddress{ca("A1"), other}, s.Steps[0].Cells)
}
