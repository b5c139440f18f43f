package spreadsheet

// Storage holds references to shared tables needed by storage operations
type Storage struct {
	worksheets      *WorksheetTable
	formulas        *FormulaTable
	dependencyGraph *DependencyGraph

	// worksheets interned by each formula cell's references, released when
	// the formula is rebuilt or removed
	sheetRefs map[CellAddress][]uint32
}

func newStorage(compile func(source string) *Program, expansionLimit uint64) *Storage {
	return &Storage{
		worksheets:      NewWorksheetTable(),
		formulas:        NewFormulaTable(compile),
		dependencyGraph: NewDependencyGraph(expansionLimit),
		sheetRefs:       make(map[CellAddress][]uint32),
	}
}

// cellAt returns the stored cell at addr, nil when the cell or its worksheet
// doesn't exist
func (s *Storage) cellAt(addr CellAddress) *Cell {
	ws, ok := s.worksheets.GetWorksheet(addr.WorksheetID)
	if !ok {
		return nil
	}
	return ws.GetCell(addr.Row, addr.Column)
}

// value is the ValueLookup of every evaluation: a pure read of the store
func (s *Storage) value(addr CellAddress) CellValue {
	ws, ok := s.worksheets.GetWorksheet(addr.WorksheetID)
	if !ok {
		return CellValue{}
	}
	return ws.Value(addr.Row, addr.Column)
}

// bindReferences turns a program's references into graph precedents for the
// cell at addr. named worksheets are interned so edges exist even before the
// worksheet is defined.
func (s *Storage) bindReferences(addr CellAddress, p *Program) ([]CellAddress, []RangeAddress) {
	s.releaseSheetRefs(addr)

	var (
		cells  []CellAddress
		ranges []RangeAddress
		held   []uint32
	)
	interned := make(map[string]uint32)
	for _, ref := range p.References {
		sheet := addr.WorksheetID
		if ref.Sheet != "" {
			key := worksheetKey(ref.Sheet)
			id, seen := interned[key]
			if !seen {
				id = s.worksheets.InternWorksheet(ref.Sheet)
				interned[key] = id
				held = append(held, id)
			}
			sheet = id
		}
		if ref.IsRange {
			ranges = append(ranges, ref.rangeAddress(sheet))
		} else {
			cells = append(cells, ref.cellAddress(sheet))
		}
	}
	if len(held) > 0 {
		s.sheetRefs[addr] = held
	}
	return cells, ranges
}

// releaseSheetRefs drops the worksheet references held by a formula cell
func (s *Storage) releaseSheetRefs(addr CellAddress) {
	for _, id := range s.sheetRefs[addr] {
		s.worksheets.RemoveReference(id)
	}
	delete(s.sheetRefs, addr)
}

// detachFormula forgets everything a formula cell contributed: its formula
// table entry, the worksheets it interned, and its outgoing edges
func (s *Storage) detachFormula(cell *Cell) {
	if cell.formulaID != 0 {
		s.formulas.RemoveCellReference(cell.formulaID, cell.Address)
	}
	s.releaseSheetRefs(cell.Address)
	s.dependencyGraph.ClearPrecedents(cell.Address)
	s.dependencyGraph.UnmarkVolatile(cell.Address)
	cell.formulaID = 0
	cell.program = nil
	cell.stale = false
}
