package spreadsheet

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrorCode represents standard spreadsheet error codes following
// Excel conventions
type ErrorCode uint8

const (
	ErrorCodeSyntax   ErrorCode = 1 // #ERROR! - malformed formula
	ErrorCodeDiv0     ErrorCode = 2 // #DIV/0! - division by zero
	ErrorCodeValue    ErrorCode = 3 // #VALUE! - wrong type of argument or operand
	ErrorCodeRef      ErrorCode = 4 // #REF! - invalid cell reference
	ErrorCodeName     ErrorCode = 5 // #NAME? - unrecognized function name
	ErrorCodeNum      ErrorCode = 6 // #NUM! - number too large or small to be represented
	ErrorCodeNA       ErrorCode = 7 // #N/A - wrong number of arguments for function
	ErrorCodeCircular ErrorCode = 8 // #CIRCULAR! - cycle did not converge
)

// ErrorMapper maps error code numbers to their string representations
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeSyntax:   "#ERROR!",
	ErrorCodeDiv0:     "#DIV/0!",
	ErrorCodeValue:    "#VALUE!",
	ErrorCodeRef:      "#REF!",
	ErrorCodeName:     "#NAME?",
	ErrorCodeNum:      "#NUM!",
	ErrorCodeNA:       "#N/A",
	ErrorCodeCircular: "#CIRCULAR!",
}

func (c ErrorCode) String() string {
	if s, ok := ErrorMapper[c]; ok {
		return s
	}
	return "#ERROR!"
}

// SpreadsheetError preserves error code for display in cells. it is what the
// tokenizer and builder return, and what an Error-valued cell unwraps to.
type SpreadsheetError struct {
	ErrorCode ErrorCode
	Message   string
}

func (e *SpreadsheetError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrorMapper[e.ErrorCode]
}

// Value converts the error into an Error-valued cell value
func (e *SpreadsheetError) Value() CellValue {
	return ErrorValue(e.ErrorCode, e.Message)
}

func NewSpreadsheetError(code ErrorCode, message string) *SpreadsheetError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &SpreadsheetError{
		ErrorCode: code,
		Message:   message,
	}
}

// CellType represents numeric constants for cell value
// types (external API)
type CellType uint8

const (
	CellValueTypeEmpty   CellType = 0
	CellValueTypeNumber  CellType = 1
	CellValueTypeString  CellType = 2
	CellValueTypeDate    CellType = 3
	CellValueTypeBoolean CellType = 4
	CellValueTypeError   CellType = 5
)

func (t CellType) String() string {
	switch t {
	case CellValueTypeEmpty:
		return "Empty"
	case CellValueTypeNumber:
		return "Number"
	case CellValueTypeString:
		return "Text"
	case CellValueTypeDate:
		return "Date"
	case CellValueTypeBoolean:
		return "Boolean"
	case CellValueTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// CellValue is a tagged union over the value kinds a cell can hold. the zero
// value is Empty. payload fields are unexported so only the field matching
// the tag is ever populated.
type CellValue struct {
	typ     CellType
	number  float64
	text    string // text payload, or the message of an error
	boolean bool
	date    time.Time
	errCode ErrorCode
}

func Empty() CellValue {
	return CellValue{}
}

func Number(n float64) CellValue {
	return CellValue{typ: CellValueTypeNumber, number: n}
}

func Text(s string) CellValue {
	return CellValue{typ: CellValueTypeString, text: s}
}

func Boolean(b bool) CellValue {
	return CellValue{typ: CellValueTypeBoolean, boolean: b}
}

func Date(t time.Time) CellValue {
	return CellValue{typ: CellValueTypeDate, date: t}
}

// ErrorValue creates an Error-valued cell value. an empty message is
// replaced by the code's display string.
func ErrorValue(code ErrorCode, message string) CellValue {
	if message == "" {
		message = ErrorMapper[code]
	}
	return CellValue{typ: CellValueTypeError, errCode: code, text: message}
}

func (v CellValue) Type() CellType { return v.typ }

func (v CellValue) IsEmpty() bool { return v.typ == CellValueTypeEmpty }

func (v CellValue) IsError() bool { return v.typ == CellValueTypeError }

// NumberValue returns the number payload, 0 for non-number values
func (v CellValue) NumberValue() float64 { return v.number }

// TextValue returns the text payload, "" for non-text values
func (v CellValue) TextValue() string {
	if v.typ != CellValueTypeString {
		return ""
	}
	return v.text
}

func (v CellValue) BooleanValue() bool { return v.boolean }

func (v CellValue) DateValue() time.Time { return v.date }

// ErrorCode returns the error kind, 0 for non-error values
func (v CellValue) ErrorCode() ErrorCode { return v.errCode }

// Err returns the value as a *SpreadsheetError, or nil when it isn't one
func (v CellValue) Err() *SpreadsheetError {
	if v.typ != CellValueTypeError {
		return nil
	}
	return &SpreadsheetError{ErrorCode: v.errCode, Message: v.text}
}

// Equal reports whether both values carry the same tag and payload. dates
// compare by instant, errors by code.
func (v CellValue) Equal(o CellValue) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case CellValueTypeEmpty:
		return true
	case CellValueTypeNumber:
		return v.number == o.number || (math.IsNaN(v.number) && math.IsNaN(o.number))
	case CellValueTypeString:
		return v.text == o.text
	case CellValueTypeBoolean:
		return v.boolean == o.boolean
	case CellValueTypeDate:
		return v.date.Equal(o.date)
	case CellValueTypeError:
		return v.errCode == o.errCode
	}
	return false
}

// excelEpochUnixDays is the number of days between 1899-12-30 (serial day 0)
// and the unix epoch
const excelEpochUnixDays = 25569

// DateSerial converts a time to a spreadsheet serial day number
func DateSerial(t time.Time) float64 {
	return float64(t.Unix())/86400 + float64(t.Nanosecond())/86400e9 + excelEpochUnixDays
}

// SerialDate converts a spreadsheet serial day number back to a UTC time
func SerialDate(serial float64) time.Time {
	secs := (serial - excelEpochUnixDays) * 86400
	whole := math.Floor(secs)
	return time.Unix(int64(whole), int64((secs-whole)*1e9)).UTC()
}

// ToNumber converts value to number, returning ok=false if conversion fails
func (v CellValue) ToNumber() (float64, bool) {
	switch v.typ {
	case CellValueTypeNumber:
		return v.number, true
	case CellValueTypeBoolean:
		if v.boolean {
			return 1, true
		}
		return 0, true
	case CellValueTypeDate:
		return DateSerial(v.date), true
	case CellValueTypeEmpty:
		return 0, true
	case CellValueTypeString:
		s := strings.TrimSpace(v.text)
		if s == "" {
			return 0, false
		}
		num, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return num, true
	default:
		return 0, false
	}
}

// ToBoolean converts value to a boolean, returning ok=false if it isn't
// interpretable as one
func (v CellValue) ToBoolean() (bool, bool) {
	switch v.typ {
	case CellValueTypeBoolean:
		return v.boolean, true
	case CellValueTypeNumber:
		return v.number != 0, true
	case CellValueTypeDate:
		return true, true
	case CellValueTypeEmpty:
		return false, true
	case CellValueTypeString:
		switch strings.ToUpper(strings.TrimSpace(v.text)) {
		case "TRUE":
			return true, true
		case "FALSE":
			return false, true
		}
	}
	return false, false
}

// ToText converts value to its display text
func (v CellValue) ToText() string {
	switch v.typ {
	case CellValueTypeNumber:
		return formatNumber(v.number)
	case CellValueTypeString:
		return v.text
	case CellValueTypeBoolean:
		if v.boolean {
			return "TRUE"
		}
		return "FALSE"
	case CellValueTypeDate:
		if v.date.Hour() == 0 && v.date.Minute() == 0 && v.date.Second() == 0 {
			return v.date.Format("2006-01-02")
		}
		return v.date.Format("2006-01-02 15:04:05")
	case CellValueTypeError:
		return v.errCode.String()
	default:
		return ""
	}
}

func (v CellValue) String() string {
	return v.ToText()
}

// formatNumber formats without unnecessary decimals
func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	abs := math.Abs(n)
	if abs >= 1e-6 && abs < 1e15 {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// grid bounds; references outside them are #REF!
const (
	MaxRows    uint32 = 1 << 20 // 1,048,576
	MaxColumns uint32 = 1 << 14 // 16,384
)

type CellAddress struct {
	WorksheetID uint32
	Row         uint32
	Column      uint32
}

// String renders the address as <ColumnLetters><Row>, 1-based
func (a CellAddress) String() string {
	return ColumnName(a.Column) + strconv.FormatUint(uint64(a.Row)+1, 10)
}

// Less orders addresses by worksheet, then row, then column
func (a CellAddress) Less(b CellAddress) bool {
	return compareAddresses(a, b) < 0
}

func compareAddresses(a, b CellAddress) int {
	switch {
	case a.WorksheetID != b.WorksheetID:
		if a.WorksheetID < b.WorksheetID {
			return -1
		}
		return 1
	case a.Row != b.Row:
		if a.Row < b.Row {
			return -1
		}
		return 1
	case a.Column != b.Column:
		if a.Column < b.Column {
			return -1
		}
		return 1
	}
	return 0
}

// ColumnName converts a zero-based column index to letters (0 -> A,
// 26 -> AA). base 26 with no zero digit.
func ColumnName(col uint32) string {
	n := uint64(col) + 1
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('A' + (n-1)%26)
		n = (n - 1) / 26
	}
	return string(buf[i:])
}

// ParseColumnName converts column letters to a zero-based index
func ParseColumnName(letters string) (uint32, bool) {
	if letters == "" {
		return 0, false
	}
	var col uint64
	for _, ch := range letters {
		switch {
		case ch >= 'A' && ch <= 'Z':
			col = col*26 + uint64(ch-'A'+1)
		case ch >= 'a' && ch <= 'z':
			col = col*26 + uint64(ch-'a'+1)
		default:
			return 0, false
		}
		if col > uint64(MaxColumns) {
			return 0, false
		}
	}
	return uint32(col - 1), true
}

// ParseCellName parses an unqualified reference like "B12" into zero-based
// row and column. out-of-bounds references are rejected.
func ParseCellName(s string) (row uint32, col uint32, ok bool) {
	letterEnd := 0
	for letterEnd < len(s) && isASCIILetter(rune(s[letterEnd])) {
		letterEnd++
	}
	if letterEnd == 0 || letterEnd == len(s) {
		return 0, 0, false
	}
	col, ok = ParseColumnName(s[:letterEnd])
	if !ok {
		return 0, 0, false
	}
	digits := s[letterEnd:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, 0, false
		}
	}
	r, err := strconv.ParseUint(digits, 10, 32)
	if err != nil || r == 0 || r > uint64(MaxRows) {
		return 0, 0, false
	}
	return uint32(r - 1), col, true
}

func isASCIILetter(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isASCIIDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

// Cell represents a spreadsheet cell: a literal value, or a formula plus its
// last computed value and cached compiled form
type Cell struct {
	Address CellAddress
	Formula string    // formula source without the leading '='; empty for literals
	Value   CellValue // literal value, or the formula's last result

	program   *Program // compiled form, nil until built
	formulaID uint32   // formula table ID, 0 when none
	stale     bool     // formula changed since the program and edges were built
}

// HasFormula reports whether the cell holds a formula
func (c *Cell) HasFormula() bool {
	return c.Formula != ""
}
