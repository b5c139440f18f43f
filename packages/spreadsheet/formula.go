package spreadsheet

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// FormulaKey is a normalized formula text used for deduplication. two
// formulas that tokenize the same (ignoring whitespace and the leading '=')
// have the same FormulaKey, whatever the case of their names.
type FormulaKey string

// NormalizeFormula returns the deduplication key for a formula source
func NormalizeFormula(source string) FormulaKey {
	tokens, err := Tokenize(source)
	if err != nil {
		// keep broken formulas apart from each other
		return FormulaKey(strings.TrimSpace(source))
	}
	// names, references and worksheets are case-insensitive
	for i := range tokens {
		switch tokens[i].Type {
		case TokenIdentifier, TokenCell, TokenRange:
			tokens[i].Value = strings.ToUpper(tokens[i].Value)
			tokens[i].Sheet = strings.ToUpper(tokens[i].Sheet)
		}
	}
	return FormulaKey(JoinTokens(tokens))
}

// FormulaTable stores formulas centrally: one compiled program per distinct
// formula text, reference counted by the cells using it. programs compile
// lazily on first use.
type FormulaTable struct {
	compile func(source string) *Program

	// core formula storage

	keyIndex  map[FormulaKey]uint32 // normalized text -> formula ID
	sources   map[uint32]string     // formula ID -> first source seen
	programs  map[uint32]*Program   // formula ID -> compiled program, absent until used
	refCounts map[uint32]int        // formula ID -> reference count

	// cell tracking

	cellsUsingFormula map[uint32]map[CellAddress]struct{} // formula ID -> cells using it
	formulaAtCell     map[CellAddress]uint32              // cell -> formula ID (reverse index)

	nextID uint32
}

// NewFormulaTable creates a new formula table compiling with the given func
func NewFormulaTable(compile func(source string) *Program) *FormulaTable {
	return &FormulaTable{
		compile:           compile,
		keyIndex:          make(map[FormulaKey]uint32),
		sources:           make(map[uint32]string),
		programs:          make(map[uint32]*Program),
		refCounts:         make(map[uint32]int),
		cellsUsingFormula: make(map[uint32]map[CellAddress]struct{}),
		formulaAtCell:     make(map[CellAddress]uint32),
		nextID:            1, // start at 1, reserve 0 for no formula
	}
}

// InternFormula adds a formula or increments its reference count if it
// already exists, and tracks the cell using it. a cell holds at most one
// formula; any previous one is released. returns the formula ID.
func (ft *FormulaTable) InternFormula(source string, cell CellAddress) uint32 {
	key := NormalizeFormula(source)

	if old, exists := ft.formulaAtCell[cell]; exists {
		if ft.keyIndex[key] == old {
			return old
		}
		ft.RemoveCellReference(old, cell)
	}

	id, exists := ft.keyIndex[key]
	if !exists {
		id = ft.nextID
		ft.nextID++
		ft.keyIndex[key] = id
		ft.sources[id] = source
	}

	ft.refCounts[id]++
	if ft.cellsUsingFormula[id] == nil {
		ft.cellsUsingFormula[id] = make(map[CellAddress]struct{})
	}
	ft.cellsUsingFormula[id][cell] = struct{}{}
	ft.formulaAtCell[cell] = id
	return id
}

// GetProgram returns the compiled program for a formula ID, compiling it on
// first use
func (ft *FormulaTable) GetProgram(id uint32) (*Program, bool) {
	if p, ok := ft.programs[id]; ok {
		return p, true
	}
	source, ok := ft.sources[id]
	if !ok {
		return nil, false
	}
	p := ft.compile(source)
	ft.programs[id] = p
	return p, true
}

// RemoveCellReference removes a cell reference from a formula. returns true
// if the formula was removed due to zero references.
func (ft *FormulaTable) RemoveCellReference(formulaID uint32, cell CellAddress) bool {
	if cells, exists := ft.cellsUsingFormula[formulaID]; exists {
		if _, used := cells[cell]; !used {
			return false
		}
		delete(cells, cell)
		if len(cells) == 0 {
			delete(ft.cellsUsingFormula, formulaID)
		}
	} else {
		return false
	}
	delete(ft.formulaAtCell, cell)

	ft.refCounts[formulaID]--
	if ft.refCounts[formulaID] <= 0 {
		ft.removeFormula(formulaID)
		return true
	}
	return false
}

// removeFormula removes a formula and all its tracking data
func (ft *FormulaTable) removeFormula(formulaID uint32) {
	if source, exists := ft.sources[formulaID]; exists {
		delete(ft.keyIndex, NormalizeFormula(source))
	}
	delete(ft.sources, formulaID)
	delete(ft.programs, formulaID)
	delete(ft.refCounts, formulaID)
	delete(ft.cellsUsingFormula, formulaID)
}

// InvalidateFunction drops compiled programs that call the named function so
// they recompile against the current registry. returns the affected cells in
// address order.
func (ft *FormulaTable) InvalidateFunction(name string) []CellAddress {
	name = strings.ToUpper(name)
	var cells []CellAddress
	for id, p := range ft.programs {
		if !slices.Contains(p.Functions, name) {
			continue
		}
		delete(ft.programs, id)
		cells = append(cells, maps.Keys(ft.cellsUsingFormula[id])...)
	}
	slices.SortFunc(cells, compareAddresses)
	return cells
}

// CellsReferencingWorksheet returns cells whose compiled formulas mention the
// named worksheet, in address order. formulas not compiled yet are skipped;
// they resolve the name when they first compile.
func (ft *FormulaTable) CellsReferencingWorksheet(name string) []CellAddress {
	var cells []CellAddress
	for id, p := range ft.programs {
		for _, ref := range p.References {
			if strings.EqualFold(ref.Sheet, name) {
				cells = append(cells, maps.Keys(ft.cellsUsingFormula[id])...)
				break
			}
		}
	}
	slices.SortFunc(cells, compareAddresses)
	return cells
}

// GetReferenceCount returns the reference count for a formula
func (ft *FormulaTable) GetReferenceCount(id uint32) int {
	return ft.refCounts[id]
}

// GetCellsUsingFormula returns all cells using a specific formula, in
// address order
func (ft *FormulaTable) GetCellsUsingFormula(formulaID uint32) []CellAddress {
	cells := maps.Keys(ft.cellsUsingFormula[formulaID])
	slices.SortFunc(cells, compareAddresses)
	return cells
}

// GetFormulaAtCell returns the formula ID at a specific cell
func (ft *FormulaTable) GetFormulaAtCell(cell CellAddress) (uint32, bool) {
	id, exists := ft.formulaAtCell[cell]
	return id, exists
}

// Count returns the number of unique formulas
func (ft *FormulaTable) Count() int {
	return len(ft.keyIndex)
}

// TotalReferences returns the total number of references across all formulas
func (ft *FormulaTable) TotalReferences() int {
	total := 0
	for _, count := range ft.refCounts {
		total += count
	}
	return total
}
