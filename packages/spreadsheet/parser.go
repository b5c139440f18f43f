package spreadsheet

import (
	"strconv"
	"strings"
)

// BinaryOp represents binary operators in compiled programs
type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
)

var binaryOps = map[string]BinaryOp{
	"+":  BinOpAdd,
	"-":  BinOpSubtract,
	"*":  BinOpMultiply,
	"/":  BinOpDivide,
	"^":  BinOpPower,
	"&":  BinOpConcat,
	"=":  BinOpEqual,
	"<>": BinOpNotEqual,
	"<":  BinOpLess,
	"<=": BinOpLessEqual,
	">":  BinOpGreater,
	">=": BinOpGreaterEqual,
}

var binaryOpSymbols = map[BinaryOp]string{}

func init() {
	for sym, op := range binaryOps {
		binaryOpSymbols[op] = sym
	}
}

func (op BinaryOp) String() string {
	return binaryOpSymbols[op]
}

// operator precedence, low to high
const (
	precComparison = 1
	precConcat     = 2
	precAdditive   = 3
	precMultiply   = 4
	precUnary      = 5
	precPower      = 6
)

func (op BinaryOp) precedence() int {
	switch op {
	case BinOpConcat:
		return precConcat
	case BinOpAdd, BinOpSubtract:
		return precAdditive
	case BinOpMultiply, BinOpDivide:
		return precMultiply
	case BinOpPower:
		return precPower
	default:
		return precComparison
	}
}

// OpCode identifies an instruction in a compiled program
type OpCode uint8

const (
	OpPushNumber OpCode = iota
	OpPushText
	OpPushBoolean
	OpPushError
	OpPushCell
	OpPushRange
	OpNegate
	OpPlus
	OpBinary
	OpCall
	OpJumpIfFalse
	OpJump
)

func (op OpCode) String() string {
	switch op {
	case OpPushNumber:
		return "PushNumber"
	case OpPushText:
		return "PushText"
	case OpPushBoolean:
		return "PushBoolean"
	case OpPushError:
		return "PushError"
	case OpPushCell:
		return "PushCell"
	case OpPushRange:
		return "PushRange"
	case OpNegate:
		return "Negate"
	case OpPlus:
		return "Plus"
	case OpBinary:
		return "Binary"
	case OpCall:
		return "Call"
	case OpJumpIfFalse:
		return "JumpIfFalse"
	case OpJump:
		return "Jump"
	}
	return "Unknown"
}

// Instruction is one step of a postfix program. which fields are meaningful
// depends on Op:
//   - push ops carry Value, or Ref (index into Program.References)
//   - OpBinary carries Operator
//   - OpCall carries Name and Argc
//   - OpJumpIfFalse jumps to Target when the condition is false, and to End
//     with the condition's error when it isn't a boolean
//   - OpJump jumps to Target
type Instruction struct {
	Op       OpCode
	Value    CellValue
	Ref      int
	Operator BinaryOp
	Name     string
	Argc     int
	Target   int
	End      int
}

// Reference is a cell or range mentioned by a formula. Sheet is empty when
// the reference is unqualified and resolves against the authoring sheet.
type Reference struct {
	Sheet       string
	IsRange     bool
	StartRow    uint32
	StartColumn uint32
	EndRow      uint32
	EndColumn   uint32
}

func (r Reference) String() string {
	s := ColumnName(r.StartColumn) + strconv.FormatUint(uint64(r.StartRow)+1, 10)
	if r.IsRange {
		s += ":" + ColumnName(r.EndColumn) + strconv.FormatUint(uint64(r.EndRow)+1, 10)
	}
	if r.Sheet != "" {
		s = quoteSheetName(r.Sheet) + "!" + s
	}
	return s
}

// Program is the compiled, immutable form of a formula. it is shared by all
// cells with the same formula text and must not be mutated after Compile.
type Program struct {
	Source       string
	Instructions []Instruction
	References   []Reference
	Functions    []string
	Volatile     bool
	Err          *SpreadsheetError
}

// CompileOptions configures compilation
type CompileOptions struct {
	// Functions decides which calls are volatile. nil falls back to the
	// built-in volatile set.
	Functions *FunctionRegistry
}

// opKind is the kind of an operator stack entry
type opKind uint8

const (
	opEntryBinary opKind = iota
	opEntryUnary
	opEntryParen
	opEntryCall
)

type opEntry struct {
	kind   opKind
	binary BinaryOp
	unary  OpCode
	prec   int
	frame  int // index into compiler.frames for opEntryCall
}

// callFrame tracks a function call being compiled
type callFrame struct {
	name        string
	commas      int
	isIF        bool
	jumpIfFalse int // instruction index of the condition branch
	jump        int // instruction index of the then-branch exit
}

type compiler struct {
	opts     CompileOptions
	tokens   []Token
	pos      int
	program  *Program
	ops      []opEntry
	frames   []callFrame
	refIndex map[Reference]int
	funcSeen map[string]bool
}

// Compile tokenizes and compiles a formula into a postfix program using the
// shunting-yard algorithm. it never fails; build errors are reported in
// Program.Err and the program evaluates to that error.
func Compile(source string, opts CompileOptions) *Program {
	program := &Program{Source: source}
	tokens, err := Tokenize(source)
	if err != nil {
		program.Err = err.(*SpreadsheetError)
		return program
	}
	c := &compiler{
		opts:     opts,
		tokens:   tokens,
		program:  program,
		refIndex: make(map[Reference]int),
		funcSeen: make(map[string]bool),
	}
	if serr := c.compile(); serr != nil {
		return &Program{Source: source, Err: serr}
	}
	return program
}

func (c *compiler) syntaxError(tok Token, msg string) *SpreadsheetError {
	return NewSpreadsheetError(ErrorCodeSyntax, msg+" at position "+strconv.Itoa(tok.Pos))
}

func (c *compiler) emit(in Instruction) int {
	c.program.Instructions = append(c.program.Instructions, in)
	return len(c.program.Instructions) - 1
}

func (c *compiler) compile() *SpreadsheetError {
	expectOperand := true
	for {
		tok := c.tokens[c.pos]
		c.pos++

		switch tok.Type {
		case TokenEOF:
			if expectOperand {
				if len(c.program.Instructions) == 0 && len(c.ops) == 0 {
					return c.syntaxError(tok, "empty formula")
				}
				return c.syntaxError(tok, "missing operand")
			}
			for len(c.ops) > 0 {
				top := c.ops[len(c.ops)-1]
				if top.kind == opEntryParen || top.kind == opEntryCall {
					return c.syntaxError(tok, "unmatched '('")
				}
				c.popOperator()
			}
			return nil

		case TokenNumber, TokenString, TokenBoolean, TokenError, TokenCell, TokenRange:
			if !expectOperand {
				return c.syntaxError(tok, "unexpected "+strings.ToLower(tok.Type.String())+" '"+tok.Value+"'")
			}
			if err := c.emitOperand(tok); err != nil {
				return err
			}
			expectOperand = false

		case TokenIdentifier:
			if !expectOperand {
				return c.syntaxError(tok, "unexpected identifier '"+tok.Value+"'")
			}
			if c.tokens[c.pos].Type == TokenLeftParen {
				c.pos++
				c.openCall(tok)
				continue
			}
			// bare names are not supported, they evaluate to #NAME?
			c.emit(Instruction{Op: OpPushError, Value: ErrorValue(ErrorCodeName, "unknown name '"+tok.Value+"'")})
			expectOperand = false

		case TokenLeftParen:
			if !expectOperand {
				return c.syntaxError(tok, "unexpected '('")
			}
			c.ops = append(c.ops, opEntry{kind: opEntryParen})

		case TokenRightParen:
			if expectOperand {
				// only a call with no arguments may close right after opening
				if n := len(c.ops); n == 0 || c.ops[n-1].kind != opEntryCall || c.frames[c.ops[n-1].frame].commas > 0 || c.tokens[c.pos-2].Type != TokenLeftParen {
					return c.syntaxError(tok, "missing operand before ')'")
				}
				if err := c.closeCall(tok, 0); err != nil {
					return err
				}
				expectOperand = false
				continue
			}
			if !c.flushToParen() {
				return c.syntaxError(tok, "unmatched ')'")
			}
			top := c.ops[len(c.ops)-1]
			if top.kind == opEntryParen {
				c.ops = c.ops[:len(c.ops)-1]
				continue
			}
			if err := c.closeCall(tok, c.frames[top.frame].commas+1); err != nil {
				return err
			}

		case TokenComma:
			if expectOperand {
				return c.syntaxError(tok, "empty argument")
			}
			if !c.flushToParen() || c.ops[len(c.ops)-1].kind != opEntryCall {
				return c.syntaxError(tok, "',' outside of a function call")
			}
			if err := c.argumentSeparator(tok, c.ops[len(c.ops)-1].frame); err != nil {
				return err
			}
			expectOperand = true

		case TokenOperator:
			if expectOperand {
				if tok.Value != "+" && tok.Value != "-" {
					return c.syntaxError(tok, "missing operand before '"+tok.Value+"'")
				}
				unary := OpNegate
				if tok.Value == "+" {
					unary = OpPlus
				}
				// prefix operators never pop anything
				c.ops = append(c.ops, opEntry{kind: opEntryUnary, unary: unary, prec: precUnary})
				continue
			}
			op, ok := binaryOps[tok.Value]
			if !ok {
				return c.syntaxError(tok, "unknown operator '"+tok.Value+"'")
			}
			prec := op.precedence()
			rightAssoc := op == BinOpPower
			for len(c.ops) > 0 {
				top := c.ops[len(c.ops)-1]
				if top.kind != opEntryBinary && top.kind != opEntryUnary {
					break
				}
				if top.prec > prec || (top.prec == prec && !rightAssoc) {
					c.popOperator()
					continue
				}
				break
			}
			c.ops = append(c.ops, opEntry{kind: opEntryBinary, binary: op, prec: prec})
			expectOperand = true

		default:
			return c.syntaxError(tok, "unexpected token '"+tok.Value+"'")
		}
	}
}

// popOperator moves the top operator from the stack to the output
func (c *compiler) popOperator() {
	top := c.ops[len(c.ops)-1]
	c.ops = c.ops[:len(c.ops)-1]
	if top.kind == opEntryUnary {
		c.emit(Instruction{Op: top.unary})
		return
	}
	c.emit(Instruction{Op: OpBinary, Operator: top.binary})
}

// flushToParen pops operators until a paren or call entry is on top. it
// reports false when the stack runs out first.
func (c *compiler) flushToParen() bool {
	for len(c.ops) > 0 {
		top := c.ops[len(c.ops)-1]
		if top.kind == opEntryParen || top.kind == opEntryCall {
			return true
		}
		c.popOperator()
	}
	return false
}

func (c *compiler) emitOperand(tok Token) *SpreadsheetError {
	switch tok.Type {
	case TokenNumber:
		n, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return c.syntaxError(tok, "invalid number '"+tok.Value+"'")
		}
		c.emit(Instruction{Op: OpPushNumber, Value: Number(n)})
	case TokenString:
		c.emit(Instruction{Op: OpPushText, Value: Text(tok.Value)})
	case TokenBoolean:
		c.emit(Instruction{Op: OpPushBoolean, Value: Boolean(tok.Value == "TRUE")})
	case TokenError:
		code, ok := errorLiteralCode(tok.Value)
		if !ok {
			return c.syntaxError(tok, "unknown error '"+tok.Value+"'")
		}
		c.emit(Instruction{Op: OpPushError, Value: ErrorValue(code, "")})
	case TokenCell, TokenRange:
		ref, ok := parseReference(tok.Sheet, tok.Value, tok.Type == TokenRange)
		if !ok {
			c.emit(Instruction{Op: OpPushError, Value: ErrorValue(ErrorCodeRef, "reference out of bounds '"+tok.Value+"'")})
			return nil
		}
		op := OpPushCell
		if ref.IsRange {
			op = OpPushRange
		}
		c.emit(Instruction{Op: op, Ref: c.addReference(ref)})
	}
	return nil
}

// addReference records a reference once, in source order
func (c *compiler) addReference(ref Reference) int {
	if idx, ok := c.refIndex[ref]; ok {
		return idx
	}
	idx := len(c.program.References)
	c.program.References = append(c.program.References, ref)
	c.refIndex[ref] = idx
	return idx
}

// parseReference parses "B2" or "A1:C3" into a normalized reference. it
// fails when a corner lies outside the grid.
func parseReference(sheet, value string, isRange bool) (Reference, bool) {
	first, second, _ := strings.Cut(value, ":")
	row, col, ok := ParseCellName(first)
	if !ok {
		return Reference{}, false
	}
	ref := Reference{Sheet: sheet, StartRow: row, StartColumn: col, EndRow: row, EndColumn: col}
	if !isRange {
		return ref, true
	}
	row2, col2, ok := ParseCellName(second)
	if !ok {
		return Reference{}, false
	}
	ref.IsRange = true
	ref.StartRow, ref.EndRow = min(row, row2), max(row, row2)
	ref.StartColumn, ref.EndColumn = min(col, col2), max(col, col2)
	return ref, true
}

func (c *compiler) openCall(tok Token) {
	name := strings.ToUpper(tok.Value)
	if !c.funcSeen[name] {
		c.funcSeen[name] = true
		c.program.Functions = append(c.program.Functions, name)
		if c.isVolatile(name) {
			c.program.Volatile = true
		}
	}
	c.frames = append(c.frames, callFrame{name: name, isIF: name == "IF"})
	c.ops = append(c.ops, opEntry{kind: opEntryCall, frame: len(c.frames) - 1})
}

func (c *compiler) isVolatile(name string) bool {
	if c.opts.Functions != nil {
		return c.opts.Functions.IsVolatile(name)
	}
	return isVolatileFunction(name)
}

// argumentSeparator handles a comma inside a call. IF emits its branches here
// so only the taken branch runs.
func (c *compiler) argumentSeparator(tok Token, frameIdx int) *SpreadsheetError {
	frame := &c.frames[frameIdx]
	frame.commas++
	if !frame.isIF {
		return nil
	}
	switch frame.commas {
	case 1:
		frame.jumpIfFalse = c.emit(Instruction{Op: OpJumpIfFalse})
	case 2:
		frame.jump = c.emit(Instruction{Op: OpJump})
		c.program.Instructions[frame.jumpIfFalse].Target = len(c.program.Instructions)
	default:
		return c.syntaxError(tok, "IF takes at most 3 arguments")
	}
	return nil
}

// closeCall pops the call entry for the innermost call and emits it
func (c *compiler) closeCall(tok Token, argc int) *SpreadsheetError {
	entry := c.ops[len(c.ops)-1]
	c.ops = c.ops[:len(c.ops)-1]
	frame := c.frames[entry.frame]
	c.frames = c.frames[:entry.frame]

	if !frame.isIF {
		c.emit(Instruction{Op: OpCall, Name: frame.name, Argc: argc})
		return nil
	}

	switch argc {
	case 2:
		frame.jump = c.emit(Instruction{Op: OpJump})
		c.program.Instructions[frame.jumpIfFalse].Target = len(c.program.Instructions)
		c.emit(Instruction{Op: OpPushBoolean, Value: Boolean(false)})
	case 3:
	default:
		return c.syntaxError(tok, "IF takes 2 or 3 arguments")
	}
	end := len(c.program.Instructions)
	c.program.Instructions[frame.jump].Target = end
	c.program.Instructions[frame.jumpIfFalse].End = end
	return nil
}
