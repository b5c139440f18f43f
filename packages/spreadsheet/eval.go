package spreadsheet

import (
	"fmt"
	"math"
	"strings"
)

// ValueLookup reads the current value of a cell. it must be a pure read.
type ValueLookup func(addr CellAddress) CellValue

// SheetResolver maps a worksheet name to its id
type SheetResolver func(name string) (uint32, bool)

// EvalContext is everything a program needs to run at one cell
type EvalContext struct {
	At        CellAddress
	Lookup    ValueLookup
	Sheets    SheetResolver
	Functions *FunctionRegistry
}

// operand is a stack slot: a scalar value or a range that is only
// meaningful as a function argument
type operand struct {
	value   CellValue
	isRange bool
	rng     RangeAddress
}

// Evaluate runs a compiled program and returns its single result. it never
// panics on data; build errors and evaluation errors come back as Error
// values.
func Evaluate(p *Program, ctx *EvalContext) CellValue {
	if p.Err != nil {
		return p.Err.Value()
	}

	stack := make([]operand, 0, 8)
	push := func(v CellValue) {
		stack = append(stack, operand{value: v})
	}
	popScalar := func() CellValue {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.isRange {
			return ErrorValue(ErrorCodeValue, "range used where a single value is expected")
		}
		return top.value
	}

	ip := 0
	for ip < len(p.Instructions) {
		in := &p.Instructions[ip]
		ip++

		switch in.Op {
		case OpPushNumber, OpPushText, OpPushBoolean, OpPushError:
			push(in.Value)

		case OpPushCell:
			ref := p.References[in.Ref]
			sheet, ok := ctx.resolveSheet(ref.Sheet)
			if !ok {
				push(ErrorValue(ErrorCodeRef, "unknown worksheet '"+ref.Sheet+"'"))
				continue
			}
			push(ctx.Lookup(CellAddress{WorksheetID: sheet, Row: ref.StartRow, Column: ref.StartColumn}))

		case OpPushRange:
			ref := p.References[in.Ref]
			sheet, ok := ctx.resolveSheet(ref.Sheet)
			if !ok {
				push(ErrorValue(ErrorCodeRef, "unknown worksheet '"+ref.Sheet+"'"))
				continue
			}
			stack = append(stack, operand{isRange: true, rng: ref.rangeAddress(sheet)})

		case OpNegate:
			v := popScalar()
			if v.IsError() {
				push(v)
				continue
			}
			n, ok := v.ToNumber()
			if !ok {
				push(ErrorValue(ErrorCodeValue, "cannot negate "+v.Type().String()))
				continue
			}
			push(Number(-n))

		case OpPlus:
			push(popScalar())

		case OpBinary:
			right := popScalar()
			left := popScalar()
			push(applyBinary(in.Operator, left, right))

		case OpCall:
			base := len(stack) - in.Argc
			result := ctx.call(in.Name, stack[base:])
			stack = stack[:base]
			push(result)

		case OpJumpIfFalse:
			cond := popScalar()
			if cond.IsError() {
				push(cond)
				ip = in.End
				continue
			}
			b, ok := cond.ToBoolean()
			if !ok {
				push(ErrorValue(ErrorCodeValue, "IF condition is not a boolean"))
				ip = in.End
				continue
			}
			if !b {
				ip = in.Target
			}

		case OpJump:
			ip = in.Target
		}
	}

	if len(stack) != 1 {
		return ErrorValue(ErrorCodeSyntax, fmt.Sprintf("malformed program leaves %d values", len(stack)))
	}
	if stack[0].isRange {
		return ErrorValue(ErrorCodeValue, "range used where a single value is expected")
	}
	return stack[0].value
}

func (ctx *EvalContext) resolveSheet(name string) (uint32, bool) {
	if name == "" {
		return ctx.At.WorksheetID, true
	}
	if ctx.Sheets == nil {
		return 0, false
	}
	return ctx.Sheets(name)
}

// flattenArgs expands range operands row-major into their cell values
func (ctx *EvalContext) flattenArgs(ops []operand) []CellValue {
	n := 0
	for i := range ops {
		if ops[i].isRange {
			n += int(ops[i].rng.Size())
		} else {
			n++
		}
	}
	args := make([]CellValue, 0, n)
	for i := range ops {
		if !ops[i].isRange {
			args = append(args, ops[i].value)
			continue
		}
		for addr := range ops[i].rng.Cells() {
			args = append(args, ctx.Lookup(addr))
		}
	}
	return args
}

// gridArgs keeps range operands in their rows×columns shape
func (ctx *EvalContext) gridArgs(ops []operand) []Argument {
	args := make([]Argument, 0, len(ops))
	for i := range ops {
		if !ops[i].isRange {
			args = append(args, Argument{Value: ops[i].value})
			continue
		}
		rng := ops[i].rng
		grid := make(Grid, 0, rng.EndRow-rng.StartRow+1)
		for row := rng.StartRow; row <= rng.EndRow; row++ {
			values := make([]CellValue, 0, rng.EndColumn-rng.StartColumn+1)
			for col := rng.StartColumn; col <= rng.EndColumn; col++ {
				values = append(values, ctx.Lookup(CellAddress{WorksheetID: rng.WorksheetID, Row: row, Column: col}))
			}
			grid = append(grid, values)
		}
		args = append(args, Argument{Grid: grid, IsRange: true})
	}
	return args
}

// call dispatches to the registry. errors among the arguments win over the
// call, first one left to right. functions that take ranges whole only see
// errors of their scalar arguments up front.
func (ctx *EvalContext) call(name string, ops []operand) (result CellValue) {
	var def FunctionDef
	found := false
	if ctx.Functions != nil {
		def, found = ctx.Functions.Resolve(name)
	}
	defer func() {
		if r := recover(); r != nil {
			result = ErrorValue(ErrorCodeValue, fmt.Sprintf("%s failed: %v", name, r))
		}
	}()

	if found && def.RangeFn != nil {
		args := ctx.gridArgs(ops)
		for _, arg := range args {
			if !arg.IsRange && arg.Value.IsError() {
				return arg.Value
			}
		}
		return def.RangeFn(args)
	}

	args := ctx.flattenArgs(ops)
	for _, arg := range args {
		if arg.IsError() {
			return arg
		}
	}
	if !found {
		return ErrorValue(ErrorCodeName, "unknown function '"+name+"'")
	}
	return def.Fn(args)
}

// applyBinary evaluates one binary operator on scalar operands
func applyBinary(op BinaryOp, left, right CellValue) CellValue {
	if left.IsError() {
		return left
	}
	if right.IsError() {
		return right
	}

	switch op {
	case BinOpConcat:
		return Text(left.ToText() + right.ToText())
	case BinOpEqual, BinOpNotEqual, BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual:
		cmp := compareValues(left, right)
		switch op {
		case BinOpEqual:
			return Boolean(cmp == 0)
		case BinOpNotEqual:
			return Boolean(cmp != 0)
		case BinOpLess:
			return Boolean(cmp < 0)
		case BinOpLessEqual:
			return Boolean(cmp <= 0)
		case BinOpGreater:
			return Boolean(cmp > 0)
		default:
			return Boolean(cmp >= 0)
		}
	}

	l, ok := left.ToNumber()
	if !ok {
		return ErrorValue(ErrorCodeValue, fmt.Sprintf("cannot use %s in arithmetic", left.Type()))
	}
	r, ok := right.ToNumber()
	if !ok {
		return ErrorValue(ErrorCodeValue, fmt.Sprintf("cannot use %s in arithmetic", right.Type()))
	}

	var result float64
	switch op {
	case BinOpAdd:
		result = l + r
	case BinOpSubtract:
		result = l - r
	case BinOpMultiply:
		result = l * r
	case BinOpDivide:
		if r == 0 {
			return ErrorValue(ErrorCodeDiv0, "")
		}
		result = l / r
	case BinOpPower:
		if l == 0 && r < 0 {
			return ErrorValue(ErrorCodeDiv0, "")
		}
		result = math.Pow(l, r)
	default:
		return ErrorValue(ErrorCodeValue, "unknown operator")
	}
	return numberResult(result)
}

// numberResult turns non-finite arithmetic into #NUM!
func numberResult(n float64) CellValue {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return ErrorValue(ErrorCodeNum, "")
	}
	return Number(n)
}

// value classes for comparison: numbers < text < booleans
const (
	classNumber = iota
	classText
	classBoolean
)

func compareClass(v CellValue) int {
	switch v.Type() {
	case CellValueTypeString:
		return classText
	case CellValueTypeBoolean:
		return classBoolean
	default:
		return classNumber
	}
}

// compareValues orders two non-error scalars. Empty takes the shape of the
// other side (0, "" or FALSE); booleans compare with numbers as 0/1.
func compareValues(left, right CellValue) int {
	if left.IsEmpty() && right.IsEmpty() {
		return 0
	}
	if left.IsEmpty() {
		left = emptyAs(right)
	}
	if right.IsEmpty() {
		right = emptyAs(left)
	}
	// serials lose sub-microsecond precision
	if left.Type() == CellValueTypeDate && right.Type() == CellValueTypeDate {
		return left.DateValue().Compare(right.DateValue())
	}

	lc, rc := compareClass(left), compareClass(right)
	switch {
	case lc == classText && rc == classText:
		return strings.Compare(strings.ToLower(left.TextValue()), strings.ToLower(right.TextValue()))
	case lc != classText && rc != classText:
		l, _ := left.ToNumber()
		r, _ := right.ToNumber()
		return compareFloats(l, r)
	case lc < rc:
		return -1
	default:
		return 1
	}
}

func emptyAs(other CellValue) CellValue {
	switch other.Type() {
	case CellValueTypeString:
		return Text("")
	case CellValueTypeBoolean:
		return Boolean(false)
	default:
		return Number(0)
	}
}

func compareFloats(l, r float64) int {
	if l < r {
		return -1
	} else if l > r {
		return 1
	}
	return 0
}
