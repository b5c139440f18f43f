package spreadsheet

import (
	"iter"
	"strconv"
)

// RangeAddress represents a range of cells within a single worksheet. start
// is always the top-left corner and end the bottom-right, both inclusive.
type RangeAddress struct {
	WorksheetID uint32
	StartRow    uint32
	StartColumn uint32
	EndRow      uint32
	EndColumn   uint32
}

// rangeAddress binds a reference to a worksheet
func (r Reference) rangeAddress(worksheetID uint32) RangeAddress {
	return RangeAddress{
		WorksheetID: worksheetID,
		StartRow:    r.StartRow,
		StartColumn: r.StartColumn,
		EndRow:      r.EndRow,
		EndColumn:   r.EndColumn,
	}
}

// cellAddress binds a single-cell reference to a worksheet
func (r Reference) cellAddress(worksheetID uint32) CellAddress {
	return CellAddress{WorksheetID: worksheetID, Row: r.StartRow, Column: r.StartColumn}
}

// Contains checks whether the address lies inside the range
func (r RangeAddress) Contains(addr CellAddress) bool {
	return addr.WorksheetID == r.WorksheetID &&
		addr.Row >= r.StartRow && addr.Row <= r.EndRow &&
		addr.Column >= r.StartColumn && addr.Column <= r.EndColumn
}

// Size returns the number of cells in the range
func (r RangeAddress) Size() uint64 {
	return uint64(r.EndRow-r.StartRow+1) * uint64(r.EndColumn-r.StartColumn+1)
}

func (r RangeAddress) String() string {
	return ColumnName(r.StartColumn) + strconv.FormatUint(uint64(r.StartRow)+1, 10) + ":" +
		ColumnName(r.EndColumn) + strconv.FormatUint(uint64(r.EndRow)+1, 10)
}

// Cells returns an iterator over every address in the range, row-major
func (r RangeAddress) Cells() iter.Seq[CellAddress] {
	return func(yield func(CellAddress) bool) {
		for row := r.StartRow; row <= r.EndRow; row++ {
			for col := r.StartColumn; col <= r.EndColumn; col++ {
				if !yield(CellAddress{WorksheetID: r.WorksheetID, Row: row, Column: col}) {
					return
				}
			}
		}
	}
}
