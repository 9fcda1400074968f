package pcapture

import (
	"sort"

	"honnef.co/go/memtrace/trace"
)

// isInFilter reports whether op passes the current filtering criteria. With filtering disabled
// only validity counts.
func (c *Capture) isInFilter(op *trace.MemoryOperation) bool {
	if op == nil || !op.Valid {
		return false
	}
	if !c.filteringEnabled {
		return true
	}
	if c.currentHeap != noHeap && op.AllocatorHandle != c.currentHeap {
		return false
	}
	if c.filter.HistogramIndex != noHistogramBin && c.filter.HistogramIndex != HistogramBinIndex(op.AllocSize) {
		return false
	}
	if c.filter.TagHash != 0 && c.filter.TagHash != op.Tag {
		return false
	}
	if c.filter.ThreadID != 0 && c.filter.ThreadID != op.ThreadID {
		return false
	}
	if op.OperationTime < c.filter.MinTime || op.OperationTime > c.filter.MaxTime {
		return false
	}
	if m := c.currentModule; m != nil {
		inModule := false
		for _, pc := range op.StackTrace.PCs {
			if m.Contains(pc) {
				inModule = true
				break
			}
		}
		if !inModule {
			return false
		}
	}
	if c.filter.LeakedOnly && !op.IsLeaked() {
		return false
	}
	return true
}

// filterChanged recomputes everything that depends on the filter criteria.
func (c *Capture) filterChanged() {
	if c.tr == nil {
		return
	}
	c.calculateSnapshotStats()
	if c.filteringEnabled {
		c.calculateFilteredData()
	}
}

// SetFilteringEnabled turns the filtered view on or off. Enabling it builds the filtered
// aggregates.
func (c *Capture) SetFilteringEnabled(enabled bool) {
	c.filteringEnabled = enabled
	if enabled && c.tr != nil {
		c.calculateFilteredData()
	}
}

func (c *Capture) FilteringEnabled() bool { return c.filteringEnabled }

// SetSnapshot selects the filter's time window. Windows outside the capture's range are
// ignored.
func (c *Capture) SetSnapshot(minTime, maxTime trace.Timestamp) {
	if minTime < c.minTime || maxTime > c.maxTime {
		return
	}
	if c.filter.MinTime == minTime && c.filter.MaxTime == maxTime {
		return
	}
	c.filter.MinTime = minTime
	c.filter.MaxTime = maxTime
	c.filterChanged()
}

// SelectHistogramBin restricts the filter to operations of one allocation-size bin.
func (c *Capture) SelectHistogramBin(index uint32) {
	if index == c.filter.HistogramIndex {
		return
	}
	c.filter.HistogramIndex = index
	c.filterChanged()
}

func (c *Capture) DeselectHistogramBin() {
	if c.filter.HistogramIndex == noHistogramBin {
		return
	}
	c.filter.HistogramIndex = noHistogramBin
	c.filterChanged()
}

// SelectTag restricts the filter to operations carrying the given tag hash.
func (c *Capture) SelectTag(tagHash uint32) {
	if tagHash == c.filter.TagHash {
		return
	}
	c.filter.TagHash = tagHash
	c.filterChanged()
}

func (c *Capture) DeselectTag() {
	if c.filter.TagHash == 0 {
		return
	}
	c.filter.TagHash = 0
	c.filterChanged()
}

// SelectThread restricts the filter to operations of one thread.
func (c *Capture) SelectThread(threadID uint64) {
	if threadID == c.filter.ThreadID {
		return
	}
	c.filter.ThreadID = threadID
	c.filterChanged()
}

func (c *Capture) DeselectThread() {
	if c.filter.ThreadID == 0 {
		return
	}
	c.filter.ThreadID = 0
	c.filterChanged()
}

// SelectHeap restricts the filter to operations against one allocator.
func (c *Capture) SelectHeap(handle uint64) {
	if handle == c.currentHeap {
		return
	}
	c.currentHeap = handle
	c.filterChanged()
}

func (c *Capture) DeselectHeap() {
	if c.currentHeap == noHeap {
		return
	}
	c.currentHeap = noHeap
	c.filterChanged()
}

// SelectModule restricts the filter to operations with at least one stack frame inside the
// module's address range.
func (c *Capture) SelectModule(m *trace.Module) {
	if m == c.currentModule {
		return
	}
	c.currentModule = m
	c.filterChanged()
}

func (c *Capture) DeselectModule() {
	if c.currentModule == nil {
		return
	}
	c.currentModule = nil
	c.filterChanged()
}

// SetLeakedOnly restricts the filter to operations for which IsLeaked holds: everything except
// frees and zero-size reallocs. Whether the block was later released is not checked.
func (c *Capture) SetLeakedOnly(leaked bool) {
	if leaked == c.filter.LeakedOnly {
		return
	}
	c.filter.LeakedOnly = leaked
	c.filterChanged()
}

// getIndexBefore returns the index of the last operation with a time before t, along with the
// index of the timed snapshot whose stride contains that operation. The snapshot bracket
// narrows the second search to a single stride, so lookups stay sublinear no matter how many
// operations the capture holds. When no operation lies before t the first operation's index is
// returned.
func (c *Capture) getIndexBefore(t trace.Timestamp) (opIndex, timedIndex int) {
	tsIdx := sort.Search(len(c.timedStats), func(i int) bool {
		return c.timedStats[i].Time >= t
	})
	if tsIdx == 0 {
		tsIdx = 1
	} else if tsIdx == len(c.timedStats) {
		tsIdx = len(c.timedStats) - 1
	}

	start := c.timedStats[tsIdx-1].OperationIndex
	end := c.timedStats[tsIdx].OperationIndex + 1

	idx := start + sort.Search(end-start, func(i int) bool {
		return c.tr.Operations[start+i].OperationTime >= t
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return idx, tsIdx - 1
}

// getIndexAfter returns the index of the first operation with a time after t, along with the
// index of the timed snapshot whose stride contains it. When no operation lies after t the
// last operation's index is returned.
func (c *Capture) getIndexAfter(t trace.Timestamp) (opIndex, timedIndex int) {
	tsIdx := sort.Search(len(c.timedStats), func(i int) bool {
		return c.timedStats[i].Time > t
	})
	if tsIdx == 0 {
		tsIdx = 1
	} else if tsIdx == len(c.timedStats) {
		tsIdx = len(c.timedStats) - 1
	}

	start := c.timedStats[tsIdx-1].OperationIndex
	end := c.timedStats[tsIdx].OperationIndex + 1

	idx := start + sort.Search(end-start, func(i int) bool {
		return c.tr.Operations[start+i].OperationTime > t
	})
	if idx >= len(c.tr.Operations) {
		idx = len(c.tr.Operations) - 1
	}
	return idx, tsIdx - 1
}

// calculateFilteredData rebuilds the filtered aggregates: the filtered operation vector,
// groups, stack trace tree and tag tree, over the operations inside the filter's time window
// that pass the predicate. Every stack trace's filtered scratch is reset first.
func (c *Capture) calculateFilteredData() {
	for _, st := range c.tr.StackTraces {
		st.AddedToTree[trace.TreeFiltered] = -1
		cache := st.NodeCache[trace.TreeFiltered]
		for i := range cache {
			cache[i] = ^uint64(0)
		}
	}

	minTimeOpIndex, _ := c.getIndexBefore(c.filter.MinTime)
	maxTimeOpIndex, _ := c.getIndexBefore(c.filter.MaxTime)
	maxTimeOpIndex++
	if maxTimeOpIndex >= len(c.tr.Operations) {
		maxTimeOpIndex = len(c.tr.Operations) - 1
	}

	c.filter.operations = c.filter.operations[:0]
	c.filter.groups = make(map[*trace.StackTrace]*OperationGroup)
	c.filter.stackTree.reset()
	c.filter.tagTree = newTagTree(c.tr.Tags)

	var prevTag *TagTree
	var liveBlocks, liveSize uint64

	for i := minTimeOpIndex; i <= maxTimeOpIndex; i++ {
		op := c.tr.Operations[i]
		if !c.isInFilter(op) {
			continue
		}

		c.filter.operations = append(c.filter.operations, op)

		updateLiveBlocks(op, &liveBlocks)
		updateLiveSize(op, &liveSize)

		c.addToGroups(c.filter.groups, op, liveBlocks, liveSize)
		c.addToStackTree(&c.filter.stackTree, op, trace.TreeFiltered)
		c.filter.tagTree.addOp(op, &prevTag)
	}
}
