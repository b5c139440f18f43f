package spreadsheet

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
)

// PassStats describes the last recalculation pass
type PassStats struct {
	ID           string
	Evaluated    int // formula evaluations, cycle sweeps included
	Layers       int
	CyclicGroups int
	Iterations   int // sweeps spent on cyclic groups
	NonConverged int
	Duration     time.Duration

	// storage at the end of the pass
	Worksheets          int
	UndefinedWorksheets int // referenced by formulas but not defined
	Formulas            int // distinct formula texts
	FormulaCells        int
}

// Workbook is the main spreadsheet type that combines storage, compilation,
// dependency tracking, and formula evaluation into a unified API
type Workbook struct {
	mu        sync.Mutex
	storage   *Storage
	functions *FunctionRegistry
	config    Config
	log       logr.Logger
	clock     Clock
	rng       RandomGenerator
	stats     PassStats
}

// NewWorkbook creates a workbook holding the configured worksheets
func NewWorkbook(opts ...Option) *Workbook {
	w := &Workbook{
		config: DefaultConfig(),
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.config = w.config.withDefaults()
	w.functions = NewFunctionRegistry(w.clock, w.rng)
	w.storage = newStorage(w.compile, w.config.RangeExpansionLimit)

	for _, name := range w.config.Worksheets {
		if err := w.addWorksheet(name); err != nil {
			w.log.Error(err, "Skipping worksheet", "name", name)
		}
	}
	return w
}

func (w *Workbook) compile(source string) *Program {
	return Compile(source, CompileOptions{Functions: w.functions})
}

func (w *Workbook) evalContext(at CellAddress) *EvalContext {
	return &EvalContext{
		At:        at,
		Lookup:    w.storage.value,
		Sheets:    w.storage.worksheets.ResolveDefined,
		Functions: w.functions,
	}
}

// worksheet methods

// AddWorksheet defines a new worksheet. formulas that referenced the name
// before it existed are recalculated on the next pass.
func (w *Workbook) AddWorksheet(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addWorksheet(name)
}

func (w *Workbook) addWorksheet(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "![]*?/\\:") {
		return NewApplicationError(codes.InvalidArgument, fmt.Sprintf("invalid worksheet name %q", name))
	}
	if _, exists := w.storage.worksheets.ResolveDefined(name); exists {
		return wrapApplicationError(codes.AlreadyExists, ErrWorksheetExists, "cannot add %q", name)
	}
	if _, wasReferenced := w.storage.worksheets.DefineWorksheet(name); wasReferenced {
		for _, addr := range w.storage.formulas.CellsReferencingWorksheet(name) {
			w.storage.dependencyGraph.MarkDirty(addr)
		}
	}
	return nil
}

// RemoveWorksheet drops a worksheet and all its cells. formulas elsewhere
// that read it evaluate to #REF! on the next pass.
func (w *Workbook) RemoveWorksheet(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws, exists := w.storage.worksheets.GetWorksheetByName(name)
	if !exists {
		return wrapApplicationError(codes.NotFound, ErrWorksheetNotFound, "cannot remove %q", name)
	}
	graph := w.storage.dependencyGraph

	var removed []CellAddress
	for cell := range ws.Cells() {
		if cell.HasFormula() {
			w.storage.detachFormula(cell)
		}
		removed = append(removed, cell.Address)
	}
	for _, addr := range removed {
		graph.MarkDirty(addr)
	}
	for _, addr := range removed {
		graph.RemoveNode(addr)
	}
	w.storage.worksheets.UndefineWorksheet(name)
	return nil
}

// DoesWorksheetExist reports whether a worksheet is defined
func (w *Workbook) DoesWorksheetExist(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, exists := w.storage.worksheets.ResolveDefined(name)
	return exists
}

// UndefinedWorksheets returns the names formulas refer to that are not
// defined worksheets, sorted
func (w *Workbook) UndefinedWorksheets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.storage.worksheets.GetAllUndefinedWorksheets()
}

// ListWorksheets returns worksheet names in creation order
func (w *Workbook) ListWorksheets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	sheets := w.storage.worksheets.DefinedWorksheets()
	names := make([]string, 0, len(sheets))
	for _, ws := range sheets {
		names = append(names, ws.Name())
	}
	return names
}

// address methods

// ParseAddress resolves "Sheet1!B2", "'My Sheet'!B2" or "B2". unqualified
// addresses refer to the first worksheet.
func (w *Workbook) ParseAddress(address string) (CellAddress, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parseAddress(address)
}

func (w *Workbook) parseAddress(address string) (CellAddress, error) {
	address = strings.TrimSpace(address)
	sheet, cell := "", address
	if idx := strings.LastIndexByte(address, '!'); idx >= 0 {
		sheet, cell = address[:idx], address[idx+1:]
		if len(sheet) >= 2 && sheet[0] == '\'' && sheet[len(sheet)-1] == '\'' {
			sheet = strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
		}
		if sheet == "" {
			return CellAddress{}, wrapApplicationError(codes.InvalidArgument, ErrInvalidAddress, "%q", address)
		}
	}

	row, col, ok := ParseCellName(strings.ToUpper(strings.ReplaceAll(cell, "$", "")))
	if !ok {
		return CellAddress{}, wrapApplicationError(codes.InvalidArgument, ErrInvalidAddress, "%q", address)
	}

	var id uint32
	if sheet == "" {
		sheets := w.storage.worksheets.DefinedWorksheets()
		if len(sheets) == 0 {
			return CellAddress{}, wrapApplicationError(codes.NotFound, ErrWorksheetNotFound, "no worksheet for %q", address)
		}
		id = sheets[0].ID()
	} else {
		var exists bool
		if id, exists = w.storage.worksheets.ResolveDefined(sheet); !exists {
			return CellAddress{}, wrapApplicationError(codes.NotFound, ErrWorksheetNotFound, "%q", sheet)
		}
	}
	return CellAddress{WorksheetID: id, Row: row, Column: col}, nil
}

// FormatAddress renders an address with its worksheet name, the inverse of
// ParseAddress
func (w *Workbook) FormatAddress(addr CellAddress) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	name, _ := w.storage.worksheets.GetWorksheetName(addr.WorksheetID)
	return quoteSheetName(name) + "!" + addr.String()
}

// cell methods

// Cells returns the addresses of every stored cell on a worksheet, in
// address order
func (w *Workbook) Cells(worksheet string) ([]CellAddress, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, exists := w.storage.worksheets.GetWorksheetByName(worksheet)
	if !exists {
		return nil, wrapApplicationError(codes.NotFound, ErrWorksheetNotFound, "%q", worksheet)
	}
	cells := make([]CellAddress, 0, ws.GetTotalCells())
	for cell := range ws.Cells() {
		cells = append(cells, cell.Address)
	}
	return cells, nil
}

// GetValue returns the value of a cell, Empty when it was never written
func (w *Workbook) GetValue(at CellAddress) CellValue {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.storage.value(at)
}

// GetFormula returns the formula source of a cell, without the leading '='
func (w *Workbook) GetFormula(at CellAddress) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cell := w.storage.cellAt(at)
	if cell == nil || !cell.HasFormula() {
		return "", false
	}
	return cell.Formula, true
}

// Get retrieves the value of a cell by address
func (w *Workbook) Get(address string) (CellValue, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, err := w.parseAddress(address)
	if err != nil {
		return CellValue{}, err
	}
	return w.storage.value(at), nil
}

// SetCellValue stores a literal, replacing any formula
func (w *Workbook) SetCellValue(at CellAddress, value CellValue) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setCellValue(at, value)
}

func (w *Workbook) setCellValue(at CellAddress, value CellValue) error {
	ws, exists := w.storage.worksheets.GetWorksheet(at.WorksheetID)
	if !exists {
		return wrapApplicationError(codes.NotFound, ErrWorksheetNotFound, "cannot set %s", at)
	}
	if cell := ws.GetCell(at.Row, at.Column); cell != nil && cell.HasFormula() {
		w.storage.detachFormula(cell)
		ws.setFormula(cell, "")
	}
	ws.SetValue(at.Row, at.Column, value)
	w.storage.dependencyGraph.MarkDirty(at)
	return nil
}

// SetCellFormula stores a formula. it is compiled and its dependencies are
// rebuilt at the start of the next pass; until then the cell keeps its prior
// value.
func (w *Workbook) SetCellFormula(at CellAddress, source string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setCellFormula(at, source)
}

func (w *Workbook) setCellFormula(at CellAddress, source string) error {
	source = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(source), "="))
	if source == "" {
		return NewApplicationError(codes.InvalidArgument, fmt.Sprintf("empty formula for %s", at))
	}
	ws, exists := w.storage.worksheets.GetWorksheet(at.WorksheetID)
	if !exists {
		return wrapApplicationError(codes.NotFound, ErrWorksheetNotFound, "cannot set %s", at)
	}
	cell := ws.Cell(at.Row, at.Column)
	cell.formulaID = w.storage.formulas.InternFormula(source, at)
	ws.setFormula(cell, source)
	cell.program = nil
	cell.stale = true
	w.storage.dependencyGraph.MarkDirty(at)
	return nil
}

// Set sets a cell by address. strings starting with '=' are formulas; other
// values are converted to literals.
func (w *Workbook) Set(address string, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.set(address, value)
}

func (w *Workbook) set(address string, value any) error {
	at, err := w.parseAddress(address)
	if err != nil {
		return err
	}
	if s, ok := value.(string); ok && strings.HasPrefix(s, "=") {
		return w.setCellFormula(at, s)
	}
	v, err := ToCellValue(value)
	if err != nil {
		return err
	}
	return w.setCellValue(at, v)
}

// SetCells sets many cells in address order. every failure is reported;
// cells that could be set stay set.
func (w *Workbook) SetCells(values map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	addresses := maps.Keys(values)
	slices.Sort(addresses)
	var err error
	for _, address := range addresses {
		err = multierr.Append(err, w.set(address, values[address]))
	}
	return err
}

// ToCellValue converts a Go value to a literal cell value
func ToCellValue(value any) (CellValue, error) {
	switch v := value.(type) {
	case nil:
		return Empty(), nil
	case CellValue:
		return v, nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(float64(v)), nil
	case int:
		return Number(float64(v)), nil
	case int32:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case uint32:
		return Number(float64(v)), nil
	case bool:
		return Boolean(v), nil
	case string:
		return Text(v), nil
	case time.Time:
		return Date(v), nil
	}
	return CellValue{}, NewApplicationError(codes.InvalidArgument, fmt.Sprintf("unsupported cell value of type %T", value))
}

// Remove deletes a cell. dependents see Empty on the next pass.
func (w *Workbook) Remove(address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	at, err := w.parseAddress(address)
	if err != nil {
		return err
	}
	ws, _ := w.storage.worksheets.GetWorksheet(at.WorksheetID)
	cell := ws.RemoveCell(at.Row, at.Column)
	if cell == nil {
		return nil
	}
	if cell.HasFormula() {
		w.storage.detachFormula(cell)
	}
	w.storage.dependencyGraph.RemoveNode(at)
	w.storage.dependencyGraph.MarkDirty(at)
	return nil
}

// EvaluateFormula compiles and evaluates a formula as if it were stored at
// at. nothing is stored and no dependencies are recorded.
func (w *Workbook) EvaluateFormula(source string, at CellAddress) CellValue {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Evaluate(w.compile(source), w.evalContext(at))
}

// function methods

// RegisterFunction adds a custom function. formulas that call it are rebuilt
// and recalculated on the next pass.
func (w *Workbook) RegisterFunction(name string, fn Function, opts ...FunctionOption) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.functions.Register(name, fn, opts...); err != nil {
		return err
	}
	for _, addr := range w.storage.formulas.InvalidateFunction(name) {
		if cell := w.storage.cellAt(addr); cell != nil {
			cell.program = nil
			cell.stale = true
		}
		w.storage.dependencyGraph.MarkDirty(addr)
	}
	return nil
}

// introspection

// DependencyGraph returns the workbook's dependency graph. it must not be
// modified while a pass runs.
func (w *Workbook) DependencyGraph() *DependencyGraph {
	return w.storage.dependencyGraph
}

// FunctionRegistry returns the workbook's function registry
func (w *Workbook) FunctionRegistry() *FunctionRegistry {
	return w.functions
}

// Stats returns statistics of the last pass
func (w *Workbook) Stats() PassStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// calculation

// Recalculate runs one pass: it brings every dirty and volatile cell, and
// everything downstream of them, up to date. only broken invariants are
// reported as errors; formula problems become Error values in cells.
func (w *Workbook) Recalculate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	stats := PassStats{ID: uuid.NewString()}
	log := w.log.WithValues("pass", stats.ID)
	graph := w.storage.dependencyGraph

	// volatile cells always recalculate
	graph.MarkAllVolatileDirty()
	dirty := graph.DirtyCells()

	if err := w.rebuild(dirty); err != nil {
		log.Error(err, "Rebuilding formulas failed")
		return err
	}

	schedule := graph.Schedule(dirty)
	stats.Layers = schedule.Layers
	if err := w.run(schedule, &stats, log); err != nil {
		log.Error(err, "Recalculation failed")
		return err
	}

	graph.ClearAllDirty()
	stats.Duration = time.Since(start)
	stats.Worksheets = w.storage.worksheets.CountDefined()
	stats.UndefinedWorksheets = w.storage.worksheets.CountUndefined()
	stats.Formulas = w.storage.formulas.Count()
	stats.FormulaCells = w.storage.formulas.TotalReferences()
	w.stats = stats
	log.V(1).Info("Recalculated",
		"dirty", len(dirty),
		"evaluated", stats.Evaluated,
		"layers", stats.Layers,
		"cyclicGroups", stats.CyclicGroups,
		"iterations", stats.Iterations,
		"nonConverged", stats.NonConverged,
		"undefinedWorksheets", stats.UndefinedWorksheets,
		"formulas", stats.Formulas,
		"duration", stats.Duration)
	return nil
}

// rebuild compiles stale formulas among the dirty cells and replaces their
// outgoing edges
func (w *Workbook) rebuild(dirty []CellAddress) error {
	graph := w.storage.dependencyGraph
	for _, addr := range dirty {
		cell := w.storage.cellAt(addr)
		if cell == nil || !cell.HasFormula() || (!cell.stale && cell.program != nil) {
			continue
		}
		p, ok := w.storage.formulas.GetProgram(cell.formulaID)
		if !ok {
			return NewApplicationError(codes.Internal, fmt.Sprintf("formula %d of %s is not in the formula table", cell.formulaID, addr))
		}
		cell.program = p
		cell.stale = false

		cells, ranges := w.storage.bindReferences(addr, p)
		graph.SetPrecedents(addr, cells, ranges)
		if p.Volatile {
			graph.MarkVolatile(addr)
		} else {
			graph.UnmarkVolatile(addr)
		}
	}
	return nil
}

// run evaluates a schedule. the leading acyclic steps go layer by layer when
// parallelism is enabled; everything else goes in schedule order.
func (w *Workbook) run(schedule *Schedule, stats *PassStats, log logr.Logger) error {
	steps := schedule.Steps
	if w.config.Parallelism > 1 {
		prefix := 0
		for prefix < len(steps) && !steps[prefix].Cyclic && steps[prefix].Layer >= 0 {
			prefix++
		}
		if err := w.runLayers(steps[:prefix], schedule.Layers, stats); err != nil {
			return err
		}
		steps = steps[prefix:]
	}

	for _, step := range steps {
		if step.Cyclic {
			if err := w.resolveCycle(step.Cells, stats, log); err != nil {
				return err
			}
			continue
		}
		for _, addr := range step.Cells {
			v, ok, err := w.evaluate(addr)
			if err != nil {
				return err
			}
			if ok {
				w.store(addr, v)
				stats.Evaluated++
			}
		}
	}
	return nil
}

// runLayers evaluates acyclic steps one layer at a time. cells in a layer
// don't read each other, so they run concurrently; results are written back
// once the whole layer is done.
func (w *Workbook) runLayers(steps []ScheduleStep, layers int, stats *PassStats) error {
	byLayer := make([][]CellAddress, layers)
	for _, step := range steps {
		byLayer[step.Layer] = append(byLayer[step.Layer], step.Cells...)
	}

	for _, cells := range byLayer {
		results := make([]CellValue, len(cells))
		evaluated := make([]bool, len(cells))

		var g errgroup.Group
		g.SetLimit(w.config.Parallelism)
		for i, addr := range cells {
			g.Go(func() error {
				v, ok, err := w.evaluate(addr)
				results[i], evaluated[i] = v, ok
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, addr := range cells {
			if evaluated[i] {
				w.store(addr, results[i])
				stats.Evaluated++
			}
		}
	}
	return nil
}

// evaluate computes the value of a formula cell without storing it. ok is
// false for cells that hold no formula.
func (w *Workbook) evaluate(addr CellAddress) (CellValue, bool, error) {
	cell := w.storage.cellAt(addr)
	if cell == nil || !cell.HasFormula() {
		return CellValue{}, false, nil
	}
	if cell.program == nil {
		return CellValue{}, false, NewApplicationError(codes.Internal, fmt.Sprintf("formula at %s was scheduled before it was built", addr))
	}
	return Evaluate(cell.program, w.evalContext(addr)), true, nil
}

func (w *Workbook) store(addr CellAddress, v CellValue) {
	if ws, ok := w.storage.worksheets.GetWorksheet(addr.WorksheetID); ok {
		ws.SetValue(addr.Row, addr.Column, v)
	}
}

// resolveCycle relaxes a strongly connected group with Gauss-Seidel sweeps
// starting from the prior values. a group that hasn't settled after
// MaxIterations sweeps becomes #CIRCULAR!.
func (w *Workbook) resolveCycle(cells []CellAddress, stats *PassStats, log logr.Logger) error {
	stats.CyclicGroups++
	for _, addr := range cells {
		if prior := w.storage.value(addr); prior.IsError() && prior.ErrorCode() == ErrorCodeCircular {
			w.store(addr, Empty())
		}
	}

	for sweep := 1; sweep <= w.config.MaxIterations; sweep++ {
		stats.Iterations++
		converged := true
		for _, addr := range cells {
			v, ok, err := w.evaluate(addr)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stats.Evaluated++
			if !w.settled(w.storage.value(addr), v) {
				converged = false
			}
			w.store(addr, v)
		}
		if converged {
			return nil
		}
	}

	stats.NonConverged++
	for _, addr := range cells {
		if cell := w.storage.cellAt(addr); cell != nil && cell.HasFormula() {
			w.store(addr, ErrorValue(ErrorCodeCircular, "circular reference did not converge"))
		}
	}
	log.Info("Circular reference did not converge", "cells", len(cells), "first", cells[0].String(), "iterations", w.config.MaxIterations)
	return nil
}

// settled reports whether a value changed by less than the convergence
// threshold. non-numeric values must be equal.
func (w *Workbook) settled(before, after CellValue) bool {
	if before.Type() == CellValueTypeNumber && after.Type() == CellValueTypeNumber {
		return math.Abs(after.NumberValue()-before.NumberValue()) < w.config.ConvergenceThreshold
	}
	return before.Equal(after)
}
