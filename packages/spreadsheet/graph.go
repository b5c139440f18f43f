package spreadsheet

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DefaultRangeExpansionLimit is the largest range, in cells, that is expanded
// into one edge per cell. larger ranges are tracked as range observers.
const DefaultRangeExpansionLimit = 256

// graphNode represents a cell in the dependency graph. nodes live in a slice
// and refer to each other by index.
type graphNode struct {
	addr       CellAddress
	precedents []int            // cells this cell depends on
	dependents map[int]struct{} // cells that depend on this cell
	ranges     []RangeAddress   // large ranges this cell depends on
	live       bool
}

// DependencyGraph manages cell dependencies and calculation order. a node
// exists only while it has edges; dirty and volatile state is kept by address.
type DependencyGraph struct {
	index          map[CellAddress]int                  // address -> node index
	nodes          []graphNode                          // node storage
	free           []int                                // reusable node indices
	rangeObservers map[RangeAddress]map[CellAddress]int // range -> observing cells (with multiplicity)
	dirtySet       map[CellAddress]struct{}             // cells needing recalculation
	volatileCells  map[CellAddress]struct{}             // cells with volatile functions (always recalculate)
	expansionLimit uint64
}

// NewDependencyGraph creates a new dependency graph. a zero limit uses
// DefaultRangeExpansionLimit.
func NewDependencyGraph(expansionLimit uint64) *DependencyGraph {
	if expansionLimit == 0 {
		expansionLimit = DefaultRangeExpansionLimit
	}
	return &DependencyGraph{
		index:          make(map[CellAddress]int),
		rangeObservers: make(map[RangeAddress]map[CellAddress]int),
		dirtySet:       make(map[CellAddress]struct{}),
		volatileCells:  make(map[CellAddress]struct{}),
		expansionLimit: expansionLimit,
	}
}

// getOrCreateNode returns the index of the node for addr, allocating one
func (dg *DependencyGraph) getOrCreateNode(addr CellAddress) int {
	if idx, exists := dg.index[addr]; exists {
		return idx
	}
	node := graphNode{addr: addr, dependents: make(map[int]struct{}), live: true}
	var idx int
	if n := len(dg.free); n > 0 {
		idx = dg.free[n-1]
		dg.free = dg.free[:n-1]
		dg.nodes[idx] = node
	} else {
		idx = len(dg.nodes)
		dg.nodes = append(dg.nodes, node)
	}
	dg.index[addr] = idx
	return idx
}

// cleanupNodeIfEmpty releases a node that has no edges left
func (dg *DependencyGraph) cleanupNodeIfEmpty(idx int) {
	node := &dg.nodes[idx]
	if !node.live || len(node.precedents) > 0 || len(node.dependents) > 0 || len(node.ranges) > 0 {
		return
	}
	delete(dg.index, node.addr)
	*node = graphNode{}
	dg.free = append(dg.free, idx)
}

// SetPrecedents replaces all outgoing edges of addr. ranges no larger than
// the expansion limit become one edge per cell; larger ranges are observed
// as a whole.
func (dg *DependencyGraph) SetPrecedents(addr CellAddress, cells []CellAddress, ranges []RangeAddress) {
	dg.ClearPrecedents(addr)

	seen := make(map[CellAddress]struct{}, len(cells))
	var targets []CellAddress
	add := func(c CellAddress) {
		if _, dup := seen[c]; dup {
			return
		}
		seen[c] = struct{}{}
		targets = append(targets, c)
	}
	for _, c := range cells {
		add(c)
	}
	var observed []RangeAddress
	for _, r := range ranges {
		if r.Size() <= dg.expansionLimit {
			for c := range r.Cells() {
				add(c)
			}
			continue
		}
		if !slices.Contains(observed, r) {
			observed = append(observed, r)
		}
	}
	if len(targets) == 0 && len(observed) == 0 {
		return
	}

	idx := dg.getOrCreateNode(addr)
	precedents := make([]int, 0, len(targets))
	for _, c := range targets {
		p := dg.getOrCreateNode(c)
		dg.nodes[p].dependents[idx] = struct{}{}
		precedents = append(precedents, p)
	}
	// node storage may have moved while allocating precedents
	dg.nodes[idx].precedents = precedents
	dg.nodes[idx].ranges = observed
	for _, r := range observed {
		if dg.rangeObservers[r] == nil {
			dg.rangeObservers[r] = make(map[CellAddress]int)
		}
		dg.rangeObservers[r][addr]++
	}
}

// ClearPrecedents removes all outgoing edges of addr
func (dg *DependencyGraph) ClearPrecedents(addr CellAddress) {
	idx, exists := dg.index[addr]
	if !exists {
		return
	}
	node := &dg.nodes[idx]
	precedents := node.precedents
	node.precedents = nil
	for _, r := range node.ranges {
		if observers, ok := dg.rangeObservers[r]; ok {
			observers[addr]--
			if observers[addr] <= 0 {
				delete(observers, addr)
			}
			if len(observers) == 0 {
				delete(dg.rangeObservers, r)
			}
		}
	}
	node.ranges = nil

	for _, p := range precedents {
		delete(dg.nodes[p].dependents, idx)
		if p != idx {
			dg.cleanupNodeIfEmpty(p)
		}
	}
	dg.cleanupNodeIfEmpty(idx)
}

// RemoveNode drops the outgoing edges and the dirty and volatile state of
// addr. incoming edges stay: dependents still refer to the address.
func (dg *DependencyGraph) RemoveNode(addr CellAddress) {
	dg.ClearPrecedents(addr)
	delete(dg.dirtySet, addr)
	delete(dg.volatileCells, addr)
}

// directDependents returns cells that read addr directly, through an edge
// or an observed range, in no particular order
func (dg *DependencyGraph) directDependents(addr CellAddress) []CellAddress {
	var result []CellAddress
	if idx, exists := dg.index[addr]; exists {
		for d := range dg.nodes[idx].dependents {
			result = append(result, dg.nodes[d].addr)
		}
	}
	for r, observers := range dg.rangeObservers {
		if r.Contains(addr) {
			result = append(result, maps.Keys(observers)...)
		}
	}
	return result
}

// DirectDependents returns cells that read addr directly, in address order
func (dg *DependencyGraph) DirectDependents(addr CellAddress) []CellAddress {
	result := dg.directDependents(addr)
	slices.SortFunc(result, compareAddresses)
	return slices.Compact(result)
}

// DirectPrecedents returns the cells addr reads through per-cell edges, in
// address order
func (dg *DependencyGraph) DirectPrecedents(addr CellAddress) []CellAddress {
	idx, exists := dg.index[addr]
	if !exists {
		return nil
	}
	result := make([]CellAddress, 0, len(dg.nodes[idx].precedents))
	for _, p := range dg.nodes[idx].precedents {
		result = append(result, dg.nodes[p].addr)
	}
	slices.SortFunc(result, compareAddresses)
	return result
}

// ObservedRanges returns the large ranges addr depends on as a whole
func (dg *DependencyGraph) ObservedRanges(addr CellAddress) []RangeAddress {
	idx, exists := dg.index[addr]
	if !exists {
		return nil
	}
	return slices.Clone(dg.nodes[idx].ranges)
}

// AllDependents returns every cell that transitively depends on addr, in
// address order. addr itself is included only when it sits on a cycle.
func (dg *DependencyGraph) AllDependents(addr CellAddress) []CellAddress {
	visited := make(map[CellAddress]struct{})
	queue := dg.directDependents(addr)
	for len(queue) > 0 {
		current := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		queue = append(queue, dg.directDependents(current)...)
	}
	result := maps.Keys(visited)
	slices.SortFunc(result, compareAddresses)
	return result
}

// MarkDirty marks a cell and all of its transitive dependents dirty
func (dg *DependencyGraph) MarkDirty(addr CellAddress) {
	queue := []CellAddress{addr}
	for len(queue) > 0 {
		current := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, dirty := dg.dirtySet[current]; dirty {
			continue
		}
		dg.dirtySet[current] = struct{}{}
		queue = append(queue, dg.directDependents(current)...)
	}
}

// IsDirty checks if a cell needs recalculation
func (dg *DependencyGraph) IsDirty(addr CellAddress) bool {
	_, dirty := dg.dirtySet[addr]
	return dirty
}

// DirtyCells returns all dirty cells in address order
func (dg *DependencyGraph) DirtyCells() []CellAddress {
	result := maps.Keys(dg.dirtySet)
	slices.SortFunc(result, compareAddresses)
	return result
}

// ClearDirty marks a single cell clean
func (dg *DependencyGraph) ClearDirty(addr CellAddress) {
	delete(dg.dirtySet, addr)
}

// ClearAllDirty marks every cell clean
func (dg *DependencyGraph) ClearAllDirty() {
	clear(dg.dirtySet)
}

// MarkVolatile marks a cell as containing volatile functions
func (dg *DependencyGraph) MarkVolatile(addr CellAddress) {
	dg.volatileCells[addr] = struct{}{}
}

// UnmarkVolatile removes the volatile flag from a cell
func (dg *DependencyGraph) UnmarkVolatile(addr CellAddress) {
	delete(dg.volatileCells, addr)
}

// IsVolatile checks if a cell contains volatile functions
func (dg *DependencyGraph) IsVolatile(addr CellAddress) bool {
	_, volatile := dg.volatileCells[addr]
	return volatile
}

// VolatileCells returns all volatile cells in address order
func (dg *DependencyGraph) VolatileCells() []CellAddress {
	result := maps.Keys(dg.volatileCells)
	slices.SortFunc(result, compareAddresses)
	return result
}

// MarkAllVolatileDirty marks all volatile cells, and their dependents, dirty
func (dg *DependencyGraph) MarkAllVolatileDirty() {
	for addr := range dg.volatileCells {
		dg.MarkDirty(addr)
	}
}

// NodeCount returns the number of cells with edges
func (dg *DependencyGraph) NodeCount() int {
	return len(dg.index)
}

// EdgeCount returns the number of per-cell edges plus range observations
func (dg *DependencyGraph) EdgeCount() int {
	total := 0
	for _, idx := range dg.index {
		total += len(dg.nodes[idx].precedents) + len(dg.nodes[idx].ranges)
	}
	return total
}

// ScheduleStep is one unit of evaluation. an acyclic step holds a single
// cell; a cyclic step holds every cell of one strongly connected component,
// in address order.
type ScheduleStep struct {
	Cells  []CellAddress
	Cyclic bool
	// Layer is the longest path from a ready cell, for steps ordered by the
	// first Kahn pass. cells sharing a layer don't depend on each other.
	// steps placed after cycle resolution carry -1.
	Layer int
}

// Schedule is an evaluation order for a set of dirty cells
type Schedule struct {
	Steps  []ScheduleStep
	Layers int // number of distinct layers among the leading acyclic steps
}

// insertSorted inserts an item into a sorted slice maintaining sort order.
// this is more efficient than repeatedly sorting the entire slice.
func insertSorted(slice []int, item int) []int {
	idx, _ := slices.BinarySearch(slice, item)
	return slices.Insert(slice, idx, item)
}

// Schedule orders the given cells for evaluation. only edges among these
// cells count. Kahn's algorithm runs first, breaking ties by ascending
// address; whatever it can't place is split into strongly connected
// components, which are ordered by Kahn over the condensation.
func (dg *DependencyGraph) Schedule(dirty []CellAddress) *Schedule {
	cells := slices.Clone(dirty)
	slices.SortFunc(cells, compareAddresses)
	cells = slices.Compact(cells)

	// local indices follow address order, so sorting indices sorts addresses
	local := make(map[CellAddress]int, len(cells))
	for i, c := range cells {
		local[c] = i
	}

	successors := make([][]int, len(cells))
	inDegree := make([]int, len(cells))
	selfLoop := make([]bool, len(cells))
	addEdge := func(from, to int) {
		if from == to {
			selfLoop[to] = true
		}
		successors[from] = append(successors[from], to)
		inDegree[to]++
	}
	for i, c := range cells {
		idx, exists := dg.index[c]
		if !exists {
			continue
		}
		node := &dg.nodes[idx]
		for _, p := range node.precedents {
			if from, ok := local[dg.nodes[p].addr]; ok {
				addEdge(from, i)
			}
		}
		for _, r := range node.ranges {
			for j, other := range cells {
				if r.Contains(other) {
					addEdge(j, i)
				}
			}
		}
	}

	schedule := &Schedule{Steps: make([]ScheduleStep, 0, len(cells))}
	layer := make([]int, len(cells))
	placed := make([]bool, len(cells))

	queue := make([]int, 0, len(cells)/4)
	for i := range cells {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		placed[i] = true
		schedule.Steps = append(schedule.Steps, ScheduleStep{Cells: []CellAddress{cells[i]}, Layer: layer[i]})
		schedule.Layers = max(schedule.Layers, layer[i]+1)
		for _, s := range successors[i] {
			layer[s] = max(layer[s], layer[i]+1)
			inDegree[s]--
			if inDegree[s] == 0 {
				queue = insertSorted(queue, s)
			}
		}
	}

	if len(schedule.Steps) == len(cells) {
		return schedule
	}

	var remaining []int
	for i := range cells {
		if !placed[i] {
			remaining = append(remaining, i)
		}
	}
	components := stronglyConnected(remaining, successors, placed)

	// condensation: component edges among the remaining cells
	componentOf := make(map[int]int, len(remaining))
	for ci, comp := range components {
		for _, i := range comp {
			componentOf[i] = ci
		}
	}
	compSuccessors := make([][]int, len(components))
	compInDegree := make([]int, len(components))
	for ci, comp := range components {
		seen := make(map[int]struct{})
		for _, i := range comp {
			for _, s := range successors[i] {
				if placed[s] {
					continue
				}
				cs := componentOf[s]
				if cs == ci {
					continue
				}
				if _, dup := seen[cs]; dup {
					continue
				}
				seen[cs] = struct{}{}
				compSuccessors[ci] = append(compSuccessors[ci], cs)
				compInDegree[cs]++
			}
		}
	}

	// components are keyed by their smallest member for tie-breaking
	compByKey := make(map[int]int, len(components))
	var compQueue []int
	for ci, comp := range components {
		compByKey[comp[0]] = ci
		if compInDegree[ci] == 0 {
			compQueue = append(compQueue, comp[0])
		}
	}
	slices.Sort(compQueue)
	for len(compQueue) > 0 {
		ci := compByKey[compQueue[0]]
		compQueue = compQueue[1:]
		comp := components[ci]
		step := ScheduleStep{Layer: -1, Cyclic: len(comp) > 1 || selfLoop[comp[0]]}
		for _, i := range comp {
			step.Cells = append(step.Cells, cells[i])
		}
		schedule.Steps = append(schedule.Steps, step)
		for _, cs := range compSuccessors[ci] {
			compInDegree[cs]--
			if compInDegree[cs] == 0 {
				compQueue = insertSorted(compQueue, components[cs][0])
			}
		}
	}
	return schedule
}

// stronglyConnected runs Tarjan's algorithm over the given vertices,
// ignoring vertices already placed. each component is returned sorted.
func stronglyConnected(vertices []int, successors [][]int, placed []bool) [][]int {
	const unvisited = -1
	n := len(successors)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
	}
	var (
		stack      []int
		components [][]int
		counter    int
	)

	var visit func(v int)
	visit = func(v int) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range successors[v] {
			if placed[w] {
				continue
			}
			if index[w] == unvisited {
				visit(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], index[w])
			}
		}

		if lowlink[v] == index[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			slices.Sort(comp)
			components = append(components, comp)
		}
	}

	for _, v := range vertices {
		if index[v] == unvisited {
			visit(v)
		}
	}
	return components
}
