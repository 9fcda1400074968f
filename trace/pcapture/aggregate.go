package pcapture

import (
	"honnef.co/go/memtrace/trace"
)

// granularityMask returns the snapshot stride mask for a capture of numOps operations. Bigger
// captures snapshot less often; the stride is always a power of two so the check is a single
// AND.
func granularityMask(numOps int) int {
	granularity := 2048
	if numOps > 1<<20 {
		granularity = 4096
	}
	if numOps > 10*(1<<20) {
		granularity = 8192
	}
	return granularity - 1
}

// updateLiveBlocks tracks the number of live blocks as seen by the grouping pass: reallocs of
// an existing block replace it, so only a fresh realloc adds one.
func updateLiveBlocks(op *trace.MemoryOperation, liveBlocks *uint64) {
	switch op.OperationType {
	case trace.EvAlloc, trace.EvCalloc, trace.EvAllocAligned:
		*liveBlocks++
	case trace.EvRealloc, trace.EvReallocAligned:
		if op.PreviousPointer == 0 {
			*liveBlocks++
		}
	case trace.EvFree:
		*liveBlocks--
	}
}

func updateLiveSize(op *trace.MemoryOperation, liveSize *uint64) {
	switch op.OperationType {
	case trace.EvAlloc, trace.EvCalloc, trace.EvAllocAligned:
		*liveSize += op.AllocSize
	case trace.EvRealloc, trace.EvReallocAligned:
		*liveSize += op.AllocSize
		if op.PreviousPointer != 0 {
			*liveSize -= op.ChainPrev.AllocSize
		}
	case trace.EvFree:
		*liveSize -= op.ChainPrev.AllocSize
	}
}

// calculateGlobalStats runs the statistics pass: global MemoryStats, the usage graph, and the
// timed snapshots with their local peaks.
func (c *Capture) calculateGlobalStats(progress func(percent float32, message string)) {
	progress(0, "Calculating stats...")

	c.statsGlobal = MemoryStats{}
	var localPeak LocalPeak

	ops := c.tr.Operations
	mask := granularityMask(len(ops))

	for i, op := range ops {
		c.statsGlobal.NumberOfOperations++

		switch op.OperationType {
		case trace.EvAlloc, trace.EvCalloc, trace.EvAllocAligned:
			bin := c.statsGlobal.fillAlloc(op)
			localPeak.update(&c.statsGlobal, bin)
		case trace.EvRealloc, trace.EvReallocAligned:
			bin := c.statsGlobal.fillRealloc(op)
			localPeak.update(&c.statsGlobal, bin)
		case trace.EvFree:
			c.statsGlobal.fillFree(op)
		}

		c.usageGraph = append(c.usageGraph, GraphEntry{
			MemoryUsage:   c.statsGlobal.MemoryUsage,
			NumLiveBlocks: c.statsGlobal.NumberOfLiveBlocks,
		})

		// Snapshot every G-th operation: the stats through this operation, plus the maxima
		// seen since the previous snapshot.
		if i&mask == 0 {
			c.timedStats = append(c.timedStats, TimedStats{
				Time:           op.OperationTime,
				OperationIndex: i,
				LocalPeak:      localPeak,
				Stats:          c.statsGlobal,
			})
			localPeak = LocalPeak{}
		}
	}

	c.timedStats = append(c.timedStats, TimedStats{
		Time:           ops[len(ops)-1].OperationTime,
		OperationIndex: len(ops) - 1,
		LocalPeak:      localPeak,
		Stats:          c.statsGlobal,
	})

	c.statsSnapshot = c.statsGlobal

	progress(100, "Loading complete!")
}

// buildAnalyzeData runs the analysis pass over the sorted operations: tag propagation along
// the chains, the leak list, operation groups, the global stack trace tree, the tag tree and
// the heap table.
func (c *Capture) buildAnalyzeData(progress func(percent float32, message string)) {
	c.groups = make(map[*trace.StackTrace]*OperationGroup)
	c.stackTree.reset()
	c.tagTree = newTagTree(c.tr.Tags)
	c.leaks = nil

	ops := c.tr.Operations
	over100 := len(ops) / 100
	nextProgress := 0

	var prevTag *TagTree
	var liveBlocks, liveSize uint64

	for i, op := range ops {
		if i > nextProgress {
			nextProgress += over100
			if over100 > 0 {
				progress(float32(i)/float32(over100), "Building analysis data...")
			}
		}

		if next := op.ChainNext; next != nil {
			if next.Tag == 0 {
				next.Tag = op.Tag
			}
		} else if op.IsLeaked() {
			c.leaks = append(c.leaks, op)
		}

		updateLiveBlocks(op, &liveBlocks)
		updateLiveSize(op, &liveSize)

		c.addToGroups(c.groups, op, liveBlocks, liveSize)
		c.addToStackTree(&c.stackTree, op, trace.TreeGlobal)
		c.tagTree.addOp(op, &prevTag)

		if _, ok := c.tr.Heaps[op.AllocatorHandle]; !ok {
			c.tr.Heaps[op.AllocatorHandle] = ""
		}
	}

	progress(100, "Done!")
}

// OperationGroup aggregates all operations sharing one stack trace. Because stack traces are
// interned, trace identity is the grouping key.
type OperationGroup struct {
	Operations []*trace.MemoryOperation

	Count     uint32
	LiveCount uint32
	LiveSize  int64
	MinSize   uint64
	MaxSize   uint64

	// PeakSize is the group's highest live size; PeakSizeGlobal is what the whole heap's live
	// size was at that moment. The pair tells outliers from allocations that merely rode a
	// global high-water mark.
	PeakSize       int64
	PeakSizeGlobal uint64

	LiveCountPeak       uint32
	LiveCountPeakGlobal uint64
}

func getGroup(groups map[*trace.StackTrace]*OperationGroup, st *trace.StackTrace) *OperationGroup {
	g, ok := groups[st]
	if !ok {
		g = &OperationGroup{MinSize: ^uint64(0)}
		groups[st] = g
	}
	return g
}

// addToGroups folds one operation into its stack-trace group. Frees and reallocs first release
// their predecessor from its group, provided the predecessor passes the active filter.
func (c *Capture) addToGroups(groups map[*trace.StackTrace]*OperationGroup, op *trace.MemoryOperation, liveBlocks, liveSize uint64) {
	switch op.OperationType {
	case trace.EvAlloc, trace.EvCalloc, trace.EvAllocAligned:
		g := getGroup(groups, op.StackTrace)
		g.Operations = append(g.Operations, op)
		g.Count++
		g.LiveCount++
		g.MinSize = min(g.MinSize, op.AllocSize)
		g.MaxSize = max(g.MaxSize, op.AllocSize)
		g.LiveSize += int64(op.AllocSize)
		if g.LiveSize > g.PeakSize {
			g.PeakSize = g.LiveSize
			g.PeakSizeGlobal = liveSize
		}
		if g.LiveCount > g.LiveCountPeak {
			g.LiveCountPeak = g.LiveCount
			g.LiveCountPeakGlobal = liveBlocks
		}

	case trace.EvFree:
		if prev := op.ChainPrev; c.isInFilter(prev) {
			pg := getGroup(groups, prev.StackTrace)
			pg.LiveCount--
			pg.LiveSize -= int64(prev.AllocSize)
		}

		g := getGroup(groups, op.StackTrace)
		g.Operations = append(g.Operations, op)
		g.Count++
		g.MinSize = min(g.MinSize, op.AllocSize)
		g.MaxSize = max(g.MaxSize, op.AllocSize)
		g.PeakSize = max(g.PeakSize, g.LiveSize)

	case trace.EvRealloc, trace.EvReallocAligned:
		if prev := op.ChainPrev; prev != nil && c.isInFilter(prev) {
			pg := getGroup(groups, prev.StackTrace)
			pg.LiveCount--
			pg.LiveSize -= int64(prev.AllocSize)
		}

		g := getGroup(groups, op.StackTrace)
		g.Operations = append(g.Operations, op)
		g.Count++
		g.LiveCount++
		g.MinSize = min(g.MinSize, op.AllocSize)
		g.MaxSize = max(g.MaxSize, op.AllocSize)
		g.LiveSize += int64(op.AllocSize)
		if g.LiveSize > g.PeakSize {
			g.PeakSize = g.LiveSize
			g.PeakSizeGlobal = liveSize
		}
		if g.LiveCount > g.LiveCountPeak {
			g.LiveCountPeak = g.LiveCount
			g.LiveCountPeakGlobal = liveBlocks
		}
	}
}
