package pcapture

import (
	"honnef.co/go/memtrace/trace"
)

// TagTree is a node of the tag hierarchy. The root carries hash 0 and collects untagged
// operations; registered tags hang off it by their declared parent. Operation deltas propagate
// from the operation's tag node up to the root, so every node reports the usage of its whole
// subtree.
type TagTree struct {
	Hash   uint32
	Name   string
	Parent *TagTree

	Count        uint32
	MemUsage     int64
	MemUsagePeak int64

	Children []*TagTree
}

func newTagTree(tags []trace.RegisteredTag) *TagTree {
	root := &TagTree{}
	for _, t := range tags {
		root.insert(t.Name, t.Hash, t.ParentHash)
	}
	return root
}

// Find returns the node with the given hash, or nil.
func (t *TagTree) Find(hash uint32) *TagTree {
	if t.Hash == hash {
		return t
	}
	for _, c := range t.Children {
		if n := c.Find(hash); n != nil {
			return n
		}
	}
	return nil
}

// insert adds a tag beneath its parent. Duplicate hashes are dropped; tags whose parent wasn't
// registered attach to the root.
func (t *TagTree) insert(name string, hash, parentHash uint32) bool {
	if t.Find(hash) != nil {
		return false
	}
	parent := t.Find(parentHash)
	if parent == nil {
		parent = t
	}
	parent.Children = append(parent.Children, &TagTree{Hash: hash, Name: name, Parent: parent})
	return true
}

// addOp folds an operation into the tree. prev caches the node the previous operation resolved
// to; consecutive operations usually share a tag, which makes the cache hit far more often than
// the tree search.
func (t *TagTree) addOp(op *trace.MemoryOperation, prev **TagTree) {
	node := *prev
	if node == nil || node.Hash != op.Tag {
		node = t.Find(op.Tag)
		if node == nil {
			node = t
		}
		*prev = node
	}

	var delta int64
	switch op.OperationType {
	case trace.EvAlloc, trace.EvCalloc, trace.EvAllocAligned:
		delta = int64(op.AllocSize)
	case trace.EvRealloc, trace.EvReallocAligned:
		delta = int64(op.AllocSize)
		if op.PreviousPointer != 0 && op.ChainPrev != nil {
			delta -= int64(op.ChainPrev.AllocSize)
		}
	case trace.EvFree:
		delta = -int64(op.AllocSize)
	}

	node.Count++
	for n := node; n != nil; n = n.Parent {
		n.MemUsage += delta
		n.MemUsagePeak = max(n.MemUsage, n.MemUsagePeak)
	}
}
