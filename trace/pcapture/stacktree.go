package pcapture

import (
	"honnef.co/go/memtrace/trace"
)

// Operation kinds counted per stack tree node.
const (
	TreeOpAlloc = iota
	TreeOpRealloc
	TreeOpFree
	treeOpNone
)

// StackTree is a node of the calltree: all operations whose backtrace passes through the same
// sequence of symbols aggregate into the same node. The root represents the whole capture;
// children are keyed by the symbol ID of the next frame up the call stack.
type StackTree struct {
	Parent    *StackTree
	AddressID uint64
	Depth     int32

	MemUsage     int64
	MemUsagePeak int64
	Overhead     int64
	OverheadPeak int64
	OpCount      [3]uint32

	Children []*StackTree

	// Traces heads the intrusive list of stack traces visible through this node, threaded
	// through StackTrace.Next at this node's depth.
	Traces *trace.StackTrace
}

func (t *StackTree) reset() {
	*t = StackTree{}
}

// Walk calls fn for t and every node below it.
func (t *StackTree) Walk(fn func(*StackTree)) {
	fn(t)
	for _, c := range t.Children {
		c.Walk(fn)
	}
}

// addTrace folds one operation's deltas into the tree along the trace's frames. Frames are
// stored topmost-first, so the walk runs from the back of the slice toward the front, from the
// outermost caller down to the allocation site. opKind selects the per-node counter to bump;
// the realloc's free-side half passes treeOpNone and only moves bytes.
//
// Each trace caches the child index it resolved to per frame (in its per-scope NodeCache), so
// repeated operations on the same backtrace skip the child search. Every trace is threaded into
// each node's Traces list at most once, tracked by the trace's high-water depth.
func (tree *StackTree) addTrace(st *trace.StackTrace, size int64, overhead int64, scope int, opKind int) {
	numFrames := int32(len(st.PCs))
	node := tree

	node.MemUsage += size
	node.MemUsagePeak = max(node.MemUsage, node.MemUsagePeak)
	node.Overhead += overhead
	node.OverheadPeak = max(node.Overhead, node.OverheadPeak)
	if opKind != treeOpNone {
		node.OpCount[opKind]++
	}

	if st.AddedToTree[scope] < 0 {
		st.Next[0] = tree.Traces
		tree.Traces = st
		st.AddedToTree[scope] = 0
	}

	for frame := numFrames - 1; frame >= 0; frame-- {
		depth := numFrames - frame
		id := st.SymbolIDs[frame]
		cached := &st.NodeCache[scope][frame]

		var next *StackTree
		if *cached == ^uint64(0) {
			found := -1
			for i, c := range node.Children {
				if c.AddressID == id {
					found = i
					*cached = uint64(i)
					break
				}
			}
			if found == -1 {
				next = &StackTree{Parent: node, AddressID: id, Depth: depth}
				node.Children = append(node.Children, next)
				*cached = uint64(len(node.Children) - 1)
			} else {
				next = node.Children[found]
			}
		} else {
			next = node.Children[*cached]
		}
		node = next

		if st.AddedToTree[scope] < depth {
			st.Next[depth] = node.Traces
			node.Traces = st
			st.AddedToTree[scope] = depth
		}

		node.MemUsage += size
		node.MemUsagePeak = max(node.MemUsage, node.MemUsagePeak)
		node.Overhead += overhead
		node.OverheadPeak = max(node.Overhead, node.OverheadPeak)
		if opKind != treeOpNone {
			node.OpCount[opKind]++
		}
	}
}

// addToStackTree routes one operation into the tree. Frees and the free side of reallocs carry negative
// deltas against the predecessor's backtrace; when the predecessor falls outside the current
// filter the bytes stay put so the node totals cannot go negative, but the free is still
// counted.
func (c *Capture) addToStackTree(tree *StackTree, op *trace.MemoryOperation, scope int) {
	switch op.OperationType {
	case trace.EvAlloc, trace.EvCalloc, trace.EvAllocAligned:
		tree.addTrace(op.StackTrace, int64(op.AllocSize), int64(op.Overhead), scope, TreeOpAlloc)

	case trace.EvFree:
		prev := op.ChainPrev
		if c.isInFilter(prev) {
			tree.addTrace(prev.StackTrace, -int64(prev.AllocSize), -int64(prev.Overhead), scope, TreeOpFree)
		} else {
			tree.addTrace(prev.StackTrace, 0, 0, scope, TreeOpFree)
		}

	case trace.EvRealloc, trace.EvReallocAligned:
		if prev := op.ChainPrev; prev != nil && c.isInFilter(prev) {
			tree.addTrace(prev.StackTrace, -int64(prev.AllocSize), -int64(prev.Overhead), scope, treeOpNone)
		}
		tree.addTrace(op.StackTrace, int64(op.AllocSize), int64(op.Overhead), scope, TreeOpRealloc)
	}
}
