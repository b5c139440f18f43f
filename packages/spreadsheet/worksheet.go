package spreadsheet

import (
	"iter"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// WorksheetTable manages worksheet storage and ID mappings. names are matched
// case-insensitively; the first spelling seen is kept for display.
type WorksheetTable struct {
	// core name/ID mapping (for all worksheets, defined or not)

	nameToID map[string]uint32 // upper-cased name -> ID for all worksheets
	idToName map[uint32]string // ID -> display name for all worksheets

	// worksheet definitions

	definedWorksheets map[uint32]*Worksheet // ID -> worksheet for defined worksheets
	order             []uint32              // defined worksheet IDs in creation order

	// track undefined worksheets (referenced but not yet defined)

	undefinedIDs map[uint32]struct{} // set of IDs that are undefined

	// reference counting

	refCounts map[uint32]int // ID -> reference count
	nextID    uint32
}

// NewWorksheetTable creates a new worksheet table
func NewWorksheetTable() *WorksheetTable {
	return &WorksheetTable{
		nameToID:          make(map[string]uint32),
		idToName:          make(map[uint32]string),
		definedWorksheets: make(map[uint32]*Worksheet),
		undefinedIDs:      make(map[uint32]struct{}),
		refCounts:         make(map[uint32]int),
		nextID:            1, // start at 1, reserve 0 for no worksheet
	}
}

func worksheetKey(name string) string {
	return strings.ToUpper(name)
}

// InternWorksheet adds a reference to a worksheet (defined or not). returns
// the ID of the worksheet.
func (wt *WorksheetTable) InternWorksheet(name string) uint32 {
	if id, exists := wt.nameToID[worksheetKey(name)]; exists {
		wt.refCounts[id]++
		return id
	}

	id := wt.nextID
	wt.nameToID[worksheetKey(name)] = id
	wt.idToName[id] = name
	wt.undefinedIDs[id] = struct{}{} // start as undefined
	wt.refCounts[id] = 1
	wt.nextID++

	return id
}

// DefineWorksheet defines a worksheet. if the name was previously referenced
// while undefined it keeps its ID, so edges built against it stay valid.
// returns the ID of the worksheet and whether it was referenced before.
func (wt *WorksheetTable) DefineWorksheet(name string) (*Worksheet, bool) {
	id, exists := wt.nameToID[worksheetKey(name)]
	if !exists {
		id = wt.nextID
		wt.nextID++
		wt.nameToID[worksheetKey(name)] = id
		wt.refCounts[id] = 0
	}
	wt.idToName[id] = name
	delete(wt.undefinedIDs, id)

	ws := NewWorksheet(id, name)
	wt.definedWorksheets[id] = ws
	wt.order = append(wt.order, id)
	return ws, exists
}

// UndefineWorksheet removes the definition of a worksheet. if the worksheet
// still has references, it transitions to undefined state. if it has no
// references, it's removed completely. returns true if the worksheet was
// removed completely.
func (wt *WorksheetTable) UndefineWorksheet(name string) bool {
	id, exists := wt.nameToID[worksheetKey(name)]
	if !exists {
		return false
	}

	delete(wt.definedWorksheets, id)
	wt.order = slices.DeleteFunc(wt.order, func(o uint32) bool { return o == id })

	if wt.refCounts[id] > 0 {
		wt.undefinedIDs[id] = struct{}{}
		return false
	}

	wt.removeWorksheet(id)
	return true
}

// removeWorksheet removes a worksheet completely from all tracking maps
func (wt *WorksheetTable) removeWorksheet(id uint32) {
	name := wt.idToName[id]
	delete(wt.nameToID, worksheetKey(name))
	delete(wt.idToName, id)
	delete(wt.definedWorksheets, id)
	delete(wt.undefinedIDs, id)
	delete(wt.refCounts, id)
}

// RemoveReference decrements the reference count for a worksheet ID. if the
// count reaches 0 and the worksheet is undefined, it's removed. returns true
// if the worksheet was removed.
func (wt *WorksheetTable) RemoveReference(id uint32) bool {
	if _, exists := wt.idToName[id]; !exists {
		return false
	}

	wt.refCounts[id]--
	if wt.refCounts[id] <= 0 {
		if _, isUndefined := wt.undefinedIDs[id]; isUndefined {
			wt.removeWorksheet(id)
			return true
		}
		// defined worksheets stay even with 0 references
	}

	return false
}

// GetWorksheet returns the Worksheet for a given ID
func (wt *WorksheetTable) GetWorksheet(id uint32) (*Worksheet, bool) {
	worksheet, exists := wt.definedWorksheets[id]
	return worksheet, exists
}

// GetWorksheetByName returns the Worksheet for a given name
func (wt *WorksheetTable) GetWorksheetByName(name string) (*Worksheet, bool) {
	id, exists := wt.nameToID[worksheetKey(name)]
	if !exists {
		return nil, false
	}
	return wt.GetWorksheet(id)
}

// ResolveDefined returns the ID of a defined worksheet
func (wt *WorksheetTable) ResolveDefined(name string) (uint32, bool) {
	id, exists := wt.GetWorksheetID(name)
	return id, exists && wt.IsWorksheetDefined(id)
}

// IsWorksheetDefined checks if a worksheet has a definition
func (wt *WorksheetTable) IsWorksheetDefined(id uint32) bool {
	_, exists := wt.definedWorksheets[id]
	return exists
}

// GetWorksheetID returns the ID for a worksheet name
func (wt *WorksheetTable) GetWorksheetID(name string) (uint32, bool) {
	id, exists := wt.nameToID[worksheetKey(name)]
	return id, exists
}

// GetWorksheetName returns the name for a worksheet ID
func (wt *WorksheetTable) GetWorksheetName(id uint32) (string, bool) {
	name, exists := wt.idToName[id]
	return name, exists
}

// GetReferenceCount returns the reference count for a worksheet ID
func (wt *WorksheetTable) GetReferenceCount(id uint32) int {
	return wt.refCounts[id]
}

// DefinedWorksheets returns defined worksheets in creation order
func (wt *WorksheetTable) DefinedWorksheets() []*Worksheet {
	result := make([]*Worksheet, 0, len(wt.order))
	for _, id := range wt.order {
		result = append(result, wt.definedWorksheets[id])
	}
	return result
}

// GetAllUndefinedWorksheets returns all undefined (referenced but not
// defined) worksheet names, sorted
func (wt *WorksheetTable) GetAllUndefinedWorksheets() []string {
	result := make([]string, 0, len(wt.undefinedIDs))
	for id := range wt.undefinedIDs {
		if name, exists := wt.idToName[id]; exists {
			result = append(result, name)
		}
	}
	slices.Sort(result)
	return result
}

// CountDefined returns the number of defined worksheets
func (wt *WorksheetTable) CountDefined() int {
	return len(wt.definedWorksheets)
}

// CountUndefined returns the number of undefined worksheets
func (wt *WorksheetTable) CountUndefined() int {
	return len(wt.undefinedIDs)
}

// ChunkKey represents the key for indexing chunks in Worksheet
type ChunkKey struct {
	ChunkRow uint32
	ChunkCol uint32
}

const (
	ChunkRows uint32 = 64                    // rows per chunk - power of 2 for efficient modulo
	ChunkCols uint32 = 64                    // columns per chunk
	ChunkSize        = ChunkRows * ChunkCols // 4096 cells per chunk
)

// Chunk represents a 64x64 region of cells, stored row-major
type Chunk struct {
	Cells         [ChunkSize]*Cell
	NonEmptyCount int
}

// Worksheet provides sparse spreadsheet storage optimized for typical
// spreadsheet access patterns.
//
// architecture:
// - cells are partitioned into 64x64 chunks for spatial locality
// - chunks are allocated only for regions that hold cells
// - empty chunks are released when their last cell is removed
type Worksheet struct {
	chunks      map[ChunkKey]*Chunk // sparse map of chunks indexed by ChunkKey
	totalCells  int                 // stats tracking total number of cells
	formulas    int                 // number of formula cells
	cellsByType [6]uint32           // cells by value type for diagnostic use
	worksheetID uint32
	name        string
}

// NewWorksheet creates a new worksheet
func NewWorksheet(worksheetID uint32, name string) *Worksheet {
	return &Worksheet{
		chunks:      make(map[ChunkKey]*Chunk),
		worksheetID: worksheetID,
		name:        name,
	}
}

func (w *Worksheet) ID() uint32 { return w.worksheetID }

func (w *Worksheet) Name() string { return w.name }

func chunkPosition(row, col uint32) (ChunkKey, uint32) {
	key := ChunkKey{ChunkRow: row / ChunkRows, ChunkCol: col / ChunkCols}
	idx := (row%ChunkRows)*ChunkCols + col%ChunkCols
	return key, idx
}

// GetCell retrieves a cell at the given row and column, nil when absent.
// it never allocates.
func (w *Worksheet) GetCell(row, col uint32) *Cell {
	key, idx := chunkPosition(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		return nil
	}
	return chunk.Cells[idx]
}

// Cell returns the cell at the given row and column, creating an Empty one
// if absent
func (w *Worksheet) Cell(row, col uint32) *Cell {
	key, idx := chunkPosition(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		chunk = &Chunk{}
		w.chunks[key] = chunk
	}
	if cell := chunk.Cells[idx]; cell != nil {
		return cell
	}
	cell := &Cell{Address: CellAddress{WorksheetID: w.worksheetID, Row: row, Column: col}}
	chunk.Cells[idx] = cell
	chunk.NonEmptyCount++
	w.totalCells++
	w.cellsByType[CellValueTypeEmpty]++
	return cell
}

// Value returns the value at the given row and column, Empty when absent
func (w *Worksheet) Value(row, col uint32) CellValue {
	if cell := w.GetCell(row, col); cell != nil {
		return cell.Value
	}
	return CellValue{}
}

// SetValue stores a value (literal or computed) in the cell at the given row
// and column, keeping type statistics current
func (w *Worksheet) SetValue(row, col uint32, value CellValue) *Cell {
	cell := w.Cell(row, col)
	w.cellsByType[cell.Value.Type()]--
	cell.Value = value
	w.cellsByType[value.Type()]++
	return cell
}

// setFormula records the formula text of a cell
func (w *Worksheet) setFormula(cell *Cell, source string) {
	if cell.Formula == "" && source != "" {
		w.formulas++
	} else if cell.Formula != "" && source == "" {
		w.formulas--
	}
	cell.Formula = source
}

// RemoveCell removes a cell at the given row and column and returns it, nil
// if there was none
func (w *Worksheet) RemoveCell(row, col uint32) *Cell {
	key, idx := chunkPosition(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		return nil
	}
	cell := chunk.Cells[idx]
	if cell == nil {
		return nil
	}

	chunk.Cells[idx] = nil
	chunk.NonEmptyCount--
	w.totalCells--
	w.cellsByType[cell.Value.Type()]--
	if cell.Formula != "" {
		w.formulas--
	}

	if chunk.NonEmptyCount == 0 {
		delete(w.chunks, key)
	}
	return cell
}

// Cells returns an iterator over all stored cells in (row, column) order
func (w *Worksheet) Cells() iter.Seq[*Cell] {
	return func(yield func(*Cell) bool) {
		keys := maps.Keys(w.chunks)
		slices.SortFunc(keys, func(a, b ChunkKey) int {
			if a.ChunkRow != b.ChunkRow {
				return compareUint32(a.ChunkRow, b.ChunkRow)
			}
			return compareUint32(a.ChunkCol, b.ChunkCol)
		})

		// walk one band of chunk rows at a time so rows come out in order
		for start := 0; start < len(keys); {
			end := start
			for end < len(keys) && keys[end].ChunkRow == keys[start].ChunkRow {
				end++
			}
			band := keys[start:end]
			for localRow := uint32(0); localRow < ChunkRows; localRow++ {
				for _, key := range band {
					chunk := w.chunks[key]
					for localCol := uint32(0); localCol < ChunkCols; localCol++ {
						cell := chunk.Cells[localRow*ChunkCols+localCol]
						if cell == nil {
							continue
						}
						if !yield(cell) {
							return
						}
					}
				}
			}
			start = end
		}
	}
}

func compareUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// GetCellsByType returns the count of cells by value type for diagnostic
// purposes
func (w *Worksheet) GetCellsByType() [6]uint32 {
	return w.cellsByType
}

// GetCellTypeCount returns the count of cells of a specific value type
func (w *Worksheet) GetCellTypeCount(cellType CellType) uint32 {
	if cellType < CellType(len(w.cellsByType)) {
		return w.cellsByType[cellType]
	}
	return 0
}

// GetTotalCells returns the total number of stored cells
func (w *Worksheet) GetTotalCells() int {
	return w.totalCells
}

// GetFormulaCount returns the number of formula cells
func (w *Worksheet) GetFormulaCount() int {
	return w.formulas
}
