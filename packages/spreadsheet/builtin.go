package spreadsheet

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/grpc/codes"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// lockedRandom serializes access to a RandomGenerator so RAND can run from
// parallel evaluation
type lockedRandom struct {
	mu  sync.Mutex
	rng RandomGenerator
}

func (l *lockedRandom) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

// Function is the signature of every spreadsheet function. arguments arrive
// with ranges already flattened.
type Function func(args []CellValue) CellValue

// Grid is a range argument in its original shape: rows of cell values
type Grid [][]CellValue

// Argument is one argument of a RangeFunction. ranges keep their shape in
// Grid; everything else is in Value.
type Argument struct {
	Value   CellValue
	Grid    Grid
	IsRange bool
}

// RangeFunction is the signature of functions that depend on the shape of
// their range arguments, like the lookups
type RangeFunction func(args []Argument) CellValue

// FunctionDef is a registry entry. RangeFn, when set, is what evaluation
// calls; Fn then adapts flat arguments to it.
type FunctionDef struct {
	Name     string
	Fn       Function
	RangeFn  RangeFunction
	Volatile bool
	Builtin  bool
}

// FunctionOption configures a custom function at registration
type FunctionOption func(*FunctionDef)

// Volatile marks a custom function as volatile: cells calling it are
// re-evaluated on every recalculation pass
func Volatile() FunctionOption {
	return func(def *FunctionDef) {
		def.Volatile = true
	}
}

// FunctionRegistry maps upper-cased function names to implementations.
// built-ins are seeded at construction and can't be replaced. it is safe
// for concurrent readers.
type FunctionRegistry struct {
	mu    sync.RWMutex
	defs  map[string]FunctionDef
	clock Clock
	rng   *lockedRandom
}

// NewFunctionRegistry creates a registry seeded with the built-ins. nil
// clock or rng fall back to the wall clock and math/rand.
func NewFunctionRegistry(clock Clock, rng RandomGenerator) *FunctionRegistry {
	if clock == nil {
		clock = &WallClock{}
	}
	if rng == nil {
		rng = &DefaultRandomGenerator{}
	}
	r := &FunctionRegistry{
		defs:  make(map[string]FunctionDef),
		clock: clock,
		rng:   &lockedRandom{rng: rng},
	}
	r.seedBuiltins()
	return r
}

func (r *FunctionRegistry) seedBuiltins() {
	builtins := map[string]Function{
		"SUM":         SUM,
		"AVERAGE":     AVERAGE,
		"MIN":         MIN,
		"MAX":         MAX,
		"COUNT":       COUNT,
		"COUNTA":      COUNTA,
		"IF":          IF,
		"AND":         AND,
		"OR":          OR,
		"NOT":         NOT,
		"AVERAGEA":    AVERAGEA,
		"MEDIAN":      MEDIAN,
		"MODE":        MODE,
		"ABS":         ABS,
		"ROUND":       ROUND,
		"FLOOR":       FLOOR,
		"CEILING":     CEILING,
		"SQRT":        SQRT,
		"POWER":       POWER,
		"MOD":         MOD,
		"PI":          PI,
		"CONCATENATE": CONCATENATE,
		"LEN":         LEN,
		"UPPER":       UPPER,
		"LOWER":       LOWER,
		"TRIM":        TRIM,
		"LEFT":        LEFT,
		"RIGHT":       RIGHT,
		"MID":         MID,
		"YEAR":        YEAR,
		"MONTH":       MONTH,
		"DAY":         DAY,
		"DATEVALUE":   DATEVALUE,
		"NOW":         r.NOW,
		"TODAY":       r.TODAY,
		"RAND":        r.RAND,
	}
	for name, fn := range builtins {
		r.defs[name] = FunctionDef{Name: name, Fn: fn, Volatile: isVolatileFunction(name), Builtin: true}
	}

	lookups := map[string]RangeFunction{
		"VLOOKUP": VLOOKUP,
		"HLOOKUP": HLOOKUP,
		"INDEX":   INDEX,
		"MATCH":   MATCH,
	}
	for name, fn := range lookups {
		r.defs[name] = FunctionDef{Name: name, Fn: flatAdapter(fn), RangeFn: fn, Builtin: true}
	}
}

// flatAdapter lets a RangeFunction be called with flat arguments, each one
// a scalar
func flatAdapter(fn RangeFunction) Function {
	return func(args []CellValue) CellValue {
		wrapped := make([]Argument, len(args))
		for i, arg := range args {
			wrapped[i] = Argument{Value: arg}
		}
		return fn(wrapped)
	}
}

// Register adds a custom function under the upper-cased name. it fails
// without touching the registry when the name is invalid or a built-in.
// custom functions may be re-registered.
func (r *FunctionRegistry) Register(name string, fn Function, opts ...FunctionOption) error {
	if !isValidFunctionName(name) {
		return wrapApplicationError(codes.InvalidArgument, ErrInvalidFunction, "cannot register %q", name)
	}
	if fn == nil {
		return wrapApplicationError(codes.InvalidArgument, ErrInvalidFunction, "cannot register %q without an implementation", name)
	}
	upper := strings.ToUpper(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.defs[upper]; ok && existing.Builtin {
		return wrapApplicationError(codes.AlreadyExists, ErrAlreadyBuiltin, "cannot register %s", upper)
	}
	def := FunctionDef{Name: upper, Fn: fn}
	for _, opt := range opts {
		opt(&def)
	}
	r.defs[upper] = def
	return nil
}

// Resolve looks up a function case-insensitively
func (r *FunctionRegistry) Resolve(name string) (FunctionDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.ToUpper(name)]
	return def, ok
}

// IsVolatile reports whether calls to name make a formula volatile
func (r *FunctionRegistry) IsVolatile(name string) bool {
	def, ok := r.Resolve(name)
	return ok && def.Volatile
}

// IsBuiltin reports whether name is a built-in function
func (r *FunctionRegistry) IsBuiltin(name string) bool {
	def, ok := r.Resolve(name)
	return ok && def.Builtin
}

// Names returns all registered names, sorted
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	names := maps.Keys(r.defs)
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

func isValidFunctionName(name string) bool {
	if name == "" {
		return false
	}
	for i, ch := range name {
		if i == 0 && !isASCIILetter(ch) && ch != charUnderscore {
			return false
		}
		if !isIdentifierChar(ch) {
			return false
		}
	}
	return true
}

// isVolatileFunction returns true if the built-in should trigger
// recalculation on every pass
func isVolatileFunction(name string) bool {
	switch strings.ToUpper(name) {
	case "NOW", "TODAY", "RAND":
		return true
	default:
		return false
	}
}

// firstError returns the first Error-valued argument
func firstError(args []CellValue) (CellValue, bool) {
	for _, arg := range args {
		if arg.IsError() {
			return arg, true
		}
	}
	return CellValue{}, false
}

func arityError(name string, want string) CellValue {
	return ErrorValue(ErrorCodeNA, fmt.Sprintf("%s requires %s", name, want))
}

// numericArg coerces a scalar argument to a number, or returns #VALUE!
func numericArg(name string, v CellValue) (float64, CellValue, bool) {
	n, ok := v.ToNumber()
	if !ok {
		return 0, ErrorValue(ErrorCodeValue, name+" requires a numeric argument"), false
	}
	return n, CellValue{}, true
}

// numbersOf collects numeric arguments, ignoring everything else
func numbersOf(args []CellValue) []float64 {
	nums := make([]float64, 0, len(args))
	for _, arg := range args {
		switch arg.Type() {
		case CellValueTypeNumber:
			if !math.IsNaN(arg.NumberValue()) {
				nums = append(nums, arg.NumberValue())
			}
		case CellValueTypeDate:
			nums = append(nums, DateSerial(arg.DateValue()))
		}
	}
	return nums
}

func SUM(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	sum := 0.0
	for _, n := range numbersOf(args) {
		sum += n
	}
	return numberResult(roundSignificant(sum))
}

// roundSignificant rounds to 15 significant digits, which drops the noise of
// adding binary fractions (0.1+0.2) at any magnitude
func roundSignificant(n float64) float64 {
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return n
	}
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(n, 'g', 15, 64), 64)
	if err != nil {
		return n
	}
	return rounded
}

// AVERAGE of no numbers is Empty rather than #DIV/0!
func AVERAGE(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	nums := numbersOf(args)
	if len(nums) == 0 {
		return Empty()
	}
	sum := 0.0
	for _, n := range nums {
		sum += n
	}
	return numberResult(sum / float64(len(nums)))
}

// AVERAGEA counts every non-empty value: text as 0, booleans as 0 or 1
func AVERAGEA(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	sum, count := 0.0, 0
	for _, arg := range args {
		switch arg.Type() {
		case CellValueTypeEmpty:
			continue
		case CellValueTypeNumber, CellValueTypeBoolean, CellValueTypeDate:
			n, _ := arg.ToNumber()
			sum += n
		}
		count++
	}
	if count == 0 {
		return Empty()
	}
	return numberResult(sum / float64(count))
}

func MEDIAN(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	nums := numbersOf(args)
	if len(nums) == 0 {
		return ErrorValue(ErrorCodeNum, "MEDIAN has no numeric values")
	}
	slices.Sort(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 0 {
		return Number((nums[mid-1] + nums[mid]) / 2)
	}
	return Number(nums[mid])
}

// MODE returns the most frequent number, the smallest one on ties
func MODE(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	nums := numbersOf(args)
	if len(nums) == 0 {
		return ErrorValue(ErrorCodeNum, "MODE has no numeric values")
	}
	freq := make(map[float64]int, len(nums))
	for _, n := range nums {
		freq[n]++
	}
	best, bestCount := 0.0, 0
	for n, count := range freq {
		if count > bestCount || (count == bestCount && n < best) {
			best, bestCount = n, count
		}
	}
	if bestCount == 1 {
		return ErrorValue(ErrorCodeNA, "MODE: no value appears more than once")
	}
	return Number(best)
}

func MIN(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	nums := numbersOf(args)
	if len(nums) == 0 {
		return Number(0)
	}
	return Number(slices.Min(nums))
}

func MAX(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	nums := numbersOf(args)
	if len(nums) == 0 {
		return Number(0)
	}
	return Number(slices.Max(nums))
}

// COUNT counts numeric values only
func COUNT(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	return Number(float64(len(numbersOf(args))))
}

// COUNTA counts all non-empty values regardless of type
func COUNTA(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	count := 0
	for _, arg := range args {
		if !arg.IsEmpty() {
			count++
		}
	}
	return Number(float64(count))
}

// IF is the eager form, used only when IF is invoked outside a compiled
// formula; compiled formulas branch lazily
func IF(args []CellValue) CellValue {
	if len(args) < 2 || len(args) > 3 {
		return arityError("IF", "2 or 3 arguments")
	}
	if args[0].IsError() {
		return args[0]
	}
	cond, ok := args[0].ToBoolean()
	if !ok {
		return ErrorValue(ErrorCodeValue, "IF condition is not a boolean")
	}
	if cond {
		return args[1]
	}
	if len(args) == 3 {
		return args[2]
	}
	return Boolean(false)
}

// logicals coerces the arguments that carry a truth value; text and empty
// values are skipped
func logicals(name string, args []CellValue) ([]bool, CellValue, bool) {
	if err, ok := firstError(args); ok {
		return nil, err, false
	}
	var out []bool
	for _, arg := range args {
		switch arg.Type() {
		case CellValueTypeEmpty, CellValueTypeString:
			continue
		}
		b, _ := arg.ToBoolean()
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, ErrorValue(ErrorCodeValue, name+" has no logical values"), false
	}
	return out, CellValue{}, true
}

func AND(args []CellValue) CellValue {
	values, errValue, ok := logicals("AND", args)
	if !ok {
		return errValue
	}
	for _, v := range values {
		if !v {
			return Boolean(false)
		}
	}
	return Boolean(true)
}

func OR(args []CellValue) CellValue {
	values, errValue, ok := logicals("OR", args)
	if !ok {
		return errValue
	}
	return Boolean(slices.Contains(values, true))
}

func NOT(args []CellValue) CellValue {
	if len(args) != 1 {
		return arityError("NOT", "exactly 1 argument")
	}
	if args[0].IsError() {
		return args[0]
	}
	b, ok := args[0].ToBoolean()
	if !ok {
		return ErrorValue(ErrorCodeValue, "NOT requires a logical argument")
	}
	return Boolean(!b)
}

func ABS(args []CellValue) CellValue {
	if len(args) != 1 {
		return arityError("ABS", "exactly 1 argument")
	}
	if err, ok := firstError(args); ok {
		return err
	}
	n, errValue, ok := numericArg("ABS", args[0])
	if !ok {
		return errValue
	}
	return Number(math.Abs(n))
}

// ROUND rounds half away from zero; negative places round left of the point
func ROUND(args []CellValue) CellValue {
	if len(args) < 1 || len(args) > 2 {
		return arityError("ROUND", "1 or 2 arguments")
	}
	if err, ok := firstError(args); ok {
		return err
	}
	num, errValue, ok := numericArg("ROUND", args[0])
	if !ok {
		return errValue
	}
	places := 0.0
	if len(args) == 2 {
		if places, errValue, ok = numericArg("ROUND", args[1]); !ok {
			return errValue
		}
	}
	if math.IsNaN(places) {
		return ErrorValue(ErrorCodeValue, "ROUND requires numeric places")
	}
	places = math.Trunc(places)
	// beyond ±308 places the power of ten is not representable
	multiplier := math.Pow(10, math.Min(math.Abs(places), 308))
	if places < 0 {
		return numberResult(math.Round(num/multiplier) * multiplier)
	}
	scaled := num * multiplier
	if math.Abs(scaled) >= 1<<53 {
		// no fractional digits left at this precision
		return Number(num)
	}
	return numberResult(math.Round(scaled) / multiplier)
}

// significanceArgs reads the number and the optional significance of FLOOR
// and CEILING
func significanceArgs(name string, args []CellValue) (float64, float64, CellValue, bool) {
	if len(args) < 1 || len(args) > 2 {
		return 0, 0, arityError(name, "1 or 2 arguments"), false
	}
	if err, ok := firstError(args); ok {
		return 0, 0, err, false
	}
	num, errValue, ok := numericArg(name, args[0])
	if !ok {
		return 0, 0, errValue, false
	}
	significance := 1.0
	if len(args) == 2 {
		if significance, errValue, ok = numericArg(name, args[1]); !ok {
			return 0, 0, errValue, false
		}
	}
	if num > 0 && significance < 0 {
		return 0, 0, ErrorValue(ErrorCodeNum, name+" requires a significance with the sign of the number"), false
	}
	return num, significance, CellValue{}, true
}

// FLOOR rounds down to a multiple of the significance, 1 by default
func FLOOR(args []CellValue) CellValue {
	num, significance, errValue, ok := significanceArgs("FLOOR", args)
	if !ok {
		return errValue
	}
	if significance == 0 {
		return ErrorValue(ErrorCodeDiv0, "")
	}
	return numberResult(math.Floor(num/significance) * significance)
}

// CEILING rounds up to a multiple of the significance, 1 by default
func CEILING(args []CellValue) CellValue {
	num, significance, errValue, ok := significanceArgs("CEILING", args)
	if !ok {
		return errValue
	}
	if significance == 0 {
		return Number(0)
	}
	return numberResult(math.Ceil(num/significance) * significance)
}

func SQRT(args []CellValue) CellValue {
	if len(args) != 1 {
		return arityError("SQRT", "exactly 1 argument")
	}
	if err, ok := firstError(args); ok {
		return err
	}
	num, errValue, ok := numericArg("SQRT", args[0])
	if !ok {
		return errValue
	}
	if num < 0 {
		return ErrorValue(ErrorCodeNum, "SQRT requires a non-negative argument")
	}
	return Number(math.Sqrt(num))
}

func POWER(args []CellValue) CellValue {
	if len(args) != 2 {
		return arityError("POWER", "exactly 2 arguments")
	}
	return applyBinary(BinOpPower, args[0], args[1])
}

// MOD takes the sign of the divisor
func MOD(args []CellValue) CellValue {
	if len(args) != 2 {
		return arityError("MOD", "exactly 2 arguments")
	}
	if err, ok := firstError(args); ok {
		return err
	}
	dividend, errValue, ok := numericArg("MOD", args[0])
	if !ok {
		return errValue
	}
	divisor, errValue, ok := numericArg("MOD", args[1])
	if !ok {
		return errValue
	}
	if divisor == 0 {
		return ErrorValue(ErrorCodeDiv0, "")
	}
	return numberResult(dividend - divisor*math.Floor(dividend/divisor))
}

func PI(args []CellValue) CellValue {
	if len(args) != 0 {
		return arityError("PI", "no arguments")
	}
	return Number(math.Pi)
}

func CONCATENATE(args []CellValue) CellValue {
	if err, ok := firstError(args); ok {
		return err
	}
	var sb strings.Builder
	for _, arg := range args {
		sb.WriteString(arg.ToText())
	}
	return Text(sb.String())
}

// textFunc wraps a single-argument text transformation
func textFunc(name string, fn func(string) CellValue) Function {
	return func(args []CellValue) CellValue {
		if len(args) != 1 {
			return arityError(name, "exactly 1 argument")
		}
		if args[0].IsError() {
			return args[0]
		}
		return fn(args[0].ToText())
	}
}

var (
	LEN = textFunc("LEN", func(s string) CellValue {
		return Number(float64(len([]rune(s))))
	})
	UPPER = textFunc("UPPER", func(s string) CellValue {
		return Text(strings.ToUpper(s))
	})
	LOWER = textFunc("LOWER", func(s string) CellValue {
		return Text(strings.ToLower(s))
	})
	// TRIM also collapses inner runs of spaces
	TRIM = textFunc("TRIM", func(s string) CellValue {
		return Text(strings.Join(strings.Fields(s), " "))
	})
)

// maxTextCount bounds character counts and positions before they become
// ints; no text is that long
const maxTextCount = math.MaxInt32

// countArg reads an optional character count argument
func countArg(name string, args []CellValue, idx int, def float64) (int, CellValue, bool) {
	if idx >= len(args) {
		return int(def), CellValue{}, true
	}
	n, errValue, ok := numericArg(name, args[idx])
	if !ok {
		return 0, errValue, false
	}
	if !(n >= 0) {
		return 0, ErrorValue(ErrorCodeValue, name+" requires a non-negative count"), false
	}
	return int(math.Min(n, maxTextCount)), CellValue{}, true
}

func LEFT(args []CellValue) CellValue {
	if len(args) < 1 || len(args) > 2 {
		return arityError("LEFT", "1 or 2 arguments")
	}
	if err, ok := firstError(args); ok {
		return err
	}
	n, errValue, ok := countArg("LEFT", args, 1, 1)
	if !ok {
		return errValue
	}
	runes := []rune(args[0].ToText())
	return Text(string(runes[:min(n, len(runes))]))
}

func RIGHT(args []CellValue) CellValue {
	if len(args) < 1 || len(args) > 2 {
		return arityError("RIGHT", "1 or 2 arguments")
	}
	if err, ok := firstError(args); ok {
		return err
	}
	n, errValue, ok := countArg("RIGHT", args, 1, 1)
	if !ok {
		return errValue
	}
	runes := []rune(args[0].ToText())
	return Text(string(runes[len(runes)-min(n, len(runes)):]))
}

// MID takes a 1-based start position
func MID(args []CellValue) CellValue {
	if len(args) != 3 {
		return arityError("MID", "exactly 3 arguments")
	}
	if err, ok := firstError(args); ok {
		return err
	}
	start, errValue, ok := numericArg("MID", args[1])
	if !ok {
		return errValue
	}
	if !(start >= 1) {
		return ErrorValue(ErrorCodeValue, "MID requires a start of at least 1")
	}
	n, errValue, ok := countArg("MID", args, 2, 0)
	if !ok {
		return errValue
	}
	runes := []rune(args[0].ToText())
	if start > float64(len(runes)) {
		return Text("")
	}
	from := int(start) - 1
	return Text(string(runes[from:min(from+n, len(runes))]))
}

// dateArg reads a date from a Date value or a serial day number
func dateArg(name string, args []CellValue) (time.Time, CellValue, bool) {
	if len(args) != 1 {
		return time.Time{}, arityError(name, "exactly 1 argument"), false
	}
	if args[0].IsError() {
		return time.Time{}, args[0], false
	}
	if args[0].Type() == CellValueTypeDate {
		return args[0].DateValue(), CellValue{}, true
	}
	serial, errValue, ok := numericArg(name, args[0])
	if !ok {
		return time.Time{}, errValue, false
	}
	if serial < 0 {
		return time.Time{}, ErrorValue(ErrorCodeNum, name+" requires a non-negative serial date"), false
	}
	return SerialDate(serial), CellValue{}, true
}

func YEAR(args []CellValue) CellValue {
	t, errValue, ok := dateArg("YEAR", args)
	if !ok {
		return errValue
	}
	return Number(float64(t.Year()))
}

func MONTH(args []CellValue) CellValue {
	t, errValue, ok := dateArg("MONTH", args)
	if !ok {
		return errValue
	}
	return Number(float64(t.Month()))
}

func DAY(args []CellValue) CellValue {
	t, errValue, ok := dateArg("DAY", args)
	if !ok {
		return errValue
	}
	return Number(float64(t.Day()))
}

// dateLayouts are the text forms DATEVALUE understands
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02",
	"1/2/2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// DATEVALUE reads a date from text
func DATEVALUE(args []CellValue) CellValue {
	if len(args) != 1 {
		return arityError("DATEVALUE", "exactly 1 argument")
	}
	if args[0].IsError() {
		return args[0]
	}
	if args[0].Type() != CellValueTypeString {
		return ErrorValue(ErrorCodeValue, "DATEVALUE requires text")
	}
	s := strings.TrimSpace(args[0].TextValue())
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date(t)
		}
	}
	return ErrorValue(ErrorCodeValue, fmt.Sprintf("DATEVALUE cannot read %q as a date", s))
}

func (r *FunctionRegistry) NOW(args []CellValue) CellValue {
	if len(args) != 0 {
		return arityError("NOW", "no arguments")
	}
	return Date(r.clock.Now())
}

func (r *FunctionRegistry) TODAY(args []CellValue) CellValue {
	if len(args) != 0 {
		return arityError("TODAY", "no arguments")
	}
	now := r.clock.Now()
	return Date(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()))
}

func (r *FunctionRegistry) RAND(args []CellValue) CellValue {
	if len(args) != 0 {
		return arityError("RAND", "no arguments")
	}
	return Number(r.rng.Float64())
}

// lookups

// gridOf returns a range argument's grid, or a scalar as a 1x1 grid
func gridOf(arg Argument) Grid {
	if arg.IsRange {
		return arg.Grid
	}
	return Grid{{arg.Value}}
}

// indexArg reads a 1-based position argument. positions past the int range
// are clamped, they are out of bounds either way.
func indexArg(name string, arg Argument) (int, CellValue, bool) {
	if arg.IsRange {
		return 0, ErrorValue(ErrorCodeValue, name+" requires a single value position"), false
	}
	n, errValue, ok := numericArg(name, arg.Value)
	if !ok {
		return 0, errValue, false
	}
	if !(n >= 1) {
		return 0, ErrorValue(ErrorCodeValue, name+" requires a position of at least 1"), false
	}
	return int(math.Min(n, maxTextCount)), CellValue{}, true
}

// approximateArg reads the optional sorted-lookup flag; lookups are exact
// unless it is TRUE
func approximateArg(name string, args []Argument, idx int) (bool, CellValue, bool) {
	if idx >= len(args) {
		return false, CellValue{}, true
	}
	if args[idx].IsRange {
		return false, ErrorValue(ErrorCodeValue, name+" requires a logical match mode"), false
	}
	b, ok := args[idx].Value.ToBoolean()
	if !ok {
		return false, ErrorValue(ErrorCodeValue, name+" requires a logical match mode"), false
	}
	return b, CellValue{}, true
}

// findPosition searches keys for value, skipping blanks and errors. exact
// finds the first equal key; otherwise keys are taken as ascending and the
// last key not greater than value wins. -1 when nothing matches.
func findPosition(keys []CellValue, value CellValue, approximate bool) int {
	found := -1
	for i, key := range keys {
		if key.IsError() || key.IsEmpty() {
			continue
		}
		cmp := compareValues(key, value)
		if !approximate {
			if cmp == 0 {
				return i
			}
			continue
		}
		if cmp > 0 {
			break
		}
		found = i
	}
	return found
}

// VLOOKUP(value, table, column, [approximate]) searches the first column of
// table and returns the value in the given column of the matching row
func VLOOKUP(args []Argument) CellValue {
	return tableLookup("VLOOKUP", args, false)
}

// HLOOKUP(value, table, row, [approximate]) searches the first row of table
// and returns the value in the given row of the matching column
func HLOOKUP(args []Argument) CellValue {
	return tableLookup("HLOOKUP", args, true)
}

func tableLookup(name string, args []Argument, horizontal bool) CellValue {
	if len(args) < 3 || len(args) > 4 {
		return arityError(name, "3 or 4 arguments")
	}
	if args[0].IsRange {
		return ErrorValue(ErrorCodeValue, name+" requires a single lookup value")
	}
	table := gridOf(args[1])
	offset, errValue, ok := indexArg(name, args[2])
	if !ok {
		return errValue
	}
	approximate, errValue, ok := approximateArg(name, args, 3)
	if !ok {
		return errValue
	}

	var keys []CellValue
	if horizontal {
		keys = table[0]
		if offset > len(table) {
			return ErrorValue(ErrorCodeRef, fmt.Sprintf("%s row %d is outside the table", name, offset))
		}
	} else {
		keys = make([]CellValue, len(table))
		for i, row := range table {
			keys[i] = row[0]
		}
		if offset > len(table[0]) {
			return ErrorValue(ErrorCodeRef, fmt.Sprintf("%s column %d is outside the table", name, offset))
		}
	}

	pos := findPosition(keys, args[0].Value, approximate)
	if pos < 0 {
		return ErrorValue(ErrorCodeNA, name+" found no match for "+args[0].Value.ToText())
	}
	if horizontal {
		return table[offset-1][pos]
	}
	return table[pos][offset-1]
}

// INDEX(array, row, [column]) returns one value of array. with a single
// position, a one-row array is indexed by column.
func INDEX(args []Argument) CellValue {
	if len(args) < 2 || len(args) > 3 {
		return arityError("INDEX", "2 or 3 arguments")
	}
	grid := gridOf(args[0])
	row, errValue, ok := indexArg("INDEX", args[1])
	if !ok {
		return errValue
	}
	col := 1
	if len(args) == 3 {
		if col, errValue, ok = indexArg("INDEX", args[2]); !ok {
			return errValue
		}
	} else if len(grid) == 1 {
		row, col = 1, row
	}
	if row > len(grid) || col > len(grid[0]) {
		return ErrorValue(ErrorCodeRef, fmt.Sprintf("INDEX position %d,%d is outside the array", row, col))
	}
	return grid[row-1][col-1]
}

// MATCH(value, array, [type]) returns the 1-based position of value in a
// one-row or one-column array. type 0 is exact, 1 (the default) finds the
// largest value not greater in ascending data, -1 the smallest value not
// less in descending data.
func MATCH(args []Argument) CellValue {
	if len(args) < 2 || len(args) > 3 {
		return arityError("MATCH", "2 or 3 arguments")
	}
	if args[0].IsRange {
		return ErrorValue(ErrorCodeValue, "MATCH requires a single lookup value")
	}
	grid := gridOf(args[1])
	var keys []CellValue
	switch {
	case len(grid) == 1:
		keys = grid[0]
	case len(grid[0]) == 1:
		keys = make([]CellValue, len(grid))
		for i, row := range grid {
			keys[i] = row[0]
		}
	default:
		return ErrorValue(ErrorCodeNA, "MATCH requires a single row or column")
	}

	matchType := 1.0
	if len(args) == 3 {
		if args[2].IsRange {
			return ErrorValue(ErrorCodeValue, "MATCH requires a single match type")
		}
		n, errValue, ok := numericArg("MATCH", args[2].Value)
		if !ok {
			return errValue
		}
		matchType = n
	}

	value := args[0].Value
	pos := -1
	switch {
	case matchType == 0:
		pos = findPosition(keys, value, false)
	case matchType > 0:
		pos = findPosition(keys, value, true)
	default:
		for i, key := range keys {
			if key.IsError() || key.IsEmpty() {
				continue
			}
			if compareValues(key, value) < 0 {
				break
			}
			pos = i
		}
	}
	if pos < 0 {
		return ErrorValue(ErrorCodeNA, "MATCH found no match for "+value.ToText())
	}
	return Number(float64(pos + 1))
}
