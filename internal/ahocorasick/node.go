// Package ahocorasick implements the Aho–Corasick trie/automaton core: goto
// edges, failure links, and output-set closure over an opaque byte alphabet.
package ahocorasick

import "sort"

// edge is one outgoing transition from a node, labeled by a single alphabet byte.
type edge struct {
	alpha byte
	child *Node
}

// Node is a single trie node. Edges are stored in insertion order while the
// owning automaton is open; Automaton.Finalize sorts them by alpha so lookups
// become binary search.
type Node struct {
	id      int
	depth   int
	edges   []edge
	sorted  bool
	failure *Node // nil for the root; unset (nil) for every node until Finalize runs

	final  bool
	output []int // pattern ids, own terminal id first, then inherited via failure closure
}

func newNode(id, depth int) *Node {
	return &Node{id: id, depth: depth}
}

// findEdge returns the child reached by alpha, or nil. Linear scan before
// finalization, binary search after (edges are sorted by alpha post-Finalize).
func (n *Node) findEdge(alpha byte) *Node {
	if n.sorted {
		edges := n.edges
		i := sort.Search(len(edges), func(i int) bool { return edges[i].alpha >= alpha })
		if i < len(edges) && edges[i].alpha == alpha {
			return edges[i].child
		}
		return nil
	}
	for _, e := range n.edges {
		if e.alpha == alpha {
			return e.child
		}
	}
	return nil
}

// createEdge allocates a new child node for alpha and appends the edge.
// The caller must ensure no edge for alpha already exists and that the node
// has not been finalized.
func (n *Node) createEdge(alpha byte, id int) *Node {
	child := newNode(id, n.depth+1)
	n.edges = append(n.edges, edge{alpha: alpha, child: child})
	return child
}

// sortEdges stably sorts outgoing edges by alpha. Idempotent.
func (n *Node) sortEdges() {
	if n.sorted {
		return
	}
	sort.SliceStable(n.edges, func(i, j int) bool { return n.edges[i].alpha < n.edges[j].alpha })
	n.sorted = true
}

// registerPattern appends pid to the node's output set if not already present.
func (n *Node) registerPattern(pid int) {
	for _, p := range n.output {
		if p == pid {
			return
		}
	}
	n.output = append(n.output, pid)
}

// release frees this node's own edges and output set. It does not recurse;
// the owning automaton tracks and releases every node itself.
func (n *Node) release() {
	n.edges = nil
	n.output = nil
	n.failure = nil
}
