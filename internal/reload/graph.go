package reload

import "sort"

// node is a graph vertex: one app-descriptor YAML file. Forward edges
// (includes) point at shared config fragments this file pulls in;
// reverse edges (includedBy) point back at every file that names this
// one in its own includes list. This is the direct generalization of
// domovoy's ModuleTrackingRecord (imports/imported_by) from Python
// source modules to declarative descriptor files.
type node struct {
	path       string
	isAppFile  bool
	descriptor *Descriptor

	includes   map[string]*node
	includedBy map[string]*node
}

func newNode(path string) *node {
	return &node{path: path, includes: make(map[string]*node), includedBy: make(map[string]*node)}
}

// graph is the mutable dependency graph, keyed by cleaned file path.
type graph struct {
	nodes map[string]*node
}

func newGraph() *graph {
	return &graph{nodes: make(map[string]*node)}
}

func (g *graph) getOrCreate(path string) *node {
	n, ok := g.nodes[path]
	if !ok {
		n = newNode(path)
		g.nodes[path] = n
	}
	return n
}

func (g *graph) get(path string) (*node, bool) {
	n, ok := g.nodes[path]
	return n, ok
}

// resetEdges clears n's outgoing includes (and the matching reverse
// edges on the other side), in preparation for rebuilding them from a
// freshly parsed descriptor — mirrors dependency_tracker.py's "remove
// current_mtr from each old import's imported_by" step.
func (g *graph) resetEdges(n *node) {
	for _, dep := range n.includes {
		delete(dep.includedBy, n.path)
	}
	n.includes = make(map[string]*node)
}

// addInclude records that n includes dep.
func (g *graph) addInclude(n, dep *node) {
	n.includes[dep.path] = dep
	dep.includedBy[n.path] = n
}

// remove deletes n and detaches it from every neighbor's edge set.
func (g *graph) remove(path string) {
	n, ok := g.nodes[path]
	if !ok {
		return
	}
	for _, dep := range n.includes {
		delete(dep.includedBy, n.path)
	}
	for _, dependent := range n.includedBy {
		delete(dependent.includes, n.path)
	}
	delete(g.nodes, path)
}

// forwardClosure returns n and every node transitively reachable via
// includes (what n depends on).
func (g *graph) forwardClosure(n *node) []*node {
	seen := map[string]*node{n.path: n}
	queue := []*node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for path, dep := range cur.includes {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = dep
			queue = append(queue, dep)
		}
	}
	return values(seen)
}

// reverseClosure returns n and every node transitively reachable via
// includedBy (what depends on n).
func (g *graph) reverseClosure(n *node) []*node {
	seen := map[string]*node{n.path: n}
	queue := []*node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for path, dependent := range cur.includedBy {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = dependent
			queue = append(queue, dependent)
		}
	}
	return values(seen)
}

func values(m map[string]*node) []*node {
	out := make([]*node, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	return out
}

// depth returns the length of the longest include chain below n (0 for
// a node with no includes), used to order registration leaf-first: a
// descriptor should be (re)registered only after every fragment it
// includes has already been parsed.
func depth(n *node) int {
	memo := make(map[string]int)
	var visit func(*node, map[string]bool) int
	visit = func(cur *node, onStack map[string]bool) int {
		if d, ok := memo[cur.path]; ok {
			return d
		}
		if onStack[cur.path] {
			return 0 // cycle guard
		}
		onStack[cur.path] = true
		best := 0
		for _, dep := range cur.includes {
			if d := visit(dep, onStack) + 1; d > best {
				best = d
			}
		}
		onStack[cur.path] = false
		memo[cur.path] = best
		return best
	}
	return visit(n, map[string]bool{})
}

// sortByDepthAscending orders nodes leaf-first (fragments before the
// descriptors that include them).
func sortByDepthAscending(nodes []*node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return depth(nodes[i]) < depth(nodes[j])
	})
}
