package pcapture

// rangedStats folds the operations in [minIdx, maxIdx) into stats.
func (c *Capture) rangedStats(stats *MemoryStats, minIdx, maxIdx int) {
	for i := minIdx; i < maxIdx; i++ {
		op := c.tr.Operations[i]
		stats.NumberOfOperations++
		switch {
		case op.IsAlloc():
			stats.fillAlloc(op)
		case op.IsRealloc():
			stats.fillRealloc(op)
		default:
			stats.fillFree(op)
		}
	}
}

// calculateSnapshotStats computes the statistics of the filter's time window without scanning
// the whole capture. The precomputed snapshot before the window seeds the state; a bounded
// sweep catches up to the window's left edge, where the peaks are frozen. Narrow windows then
// integrate directly. Wide windows integrate to the next snapshot boundary, take the
// element-wise max of the local peaks stored on the intermediate snapshots, adopt the last
// in-window snapshot's absolute values, and integrate the remaining tail. Cumulative counters
// are reported as differences against the window's left edge.
func (c *Capture) calculateSnapshotStats() {
	ops := c.tr.Operations
	i0, s0 := c.getIndexBefore(c.filter.MinTime)
	i1, _ := c.getIndexAfter(c.filter.MaxTime)

	// firstIn is the first operation inside the window, lastEx the first one beyond it.
	firstIn := i0
	if ops[i0].OperationTime < c.filter.MinTime {
		firstIn = i0 + 1
	}
	lastEx := i1 + 1
	if ops[i1].OperationTime > c.filter.MaxTime {
		lastEx = i1
	}

	// Seed from the snapshot at or before the window start and catch up to the exact start
	// index. A window that starts before the first snapshot seeds from empty stats instead.
	var stats MemoryStats
	catchStart := 0
	if firstIn > c.timedStats[s0].OperationIndex {
		stats = c.timedStats[s0].Stats
		catchStart = c.timedStats[s0].OperationIndex + 1
	}
	c.rangedStats(&stats, catchStart, firstIn)
	base := stats
	stats.setPeaksToCurrent()

	// sLast is the last snapshot that lies entirely inside the window.
	sLast := s0 + 1
	for sLast+1 < len(c.timedStats) && c.timedStats[sLast+1].OperationIndex < lastEx {
		sLast++
	}
	if c.timedStats[sLast].OperationIndex >= lastEx {
		sLast--
	}

	if sLast-s0 < 2 {
		c.rangedStats(&stats, firstIn, lastEx)
	} else {
		c.rangedStats(&stats, firstIn, c.timedStats[s0+1].OperationIndex+1)

		var lp LocalPeak
		lp.MemoryUsagePeak = stats.MemoryUsagePeak
		lp.OverheadPeak = stats.OverheadPeak
		for i := range stats.Histogram {
			lp.HistogramPeak[i].SizePeak = stats.Histogram[i].SizePeak
			lp.HistogramPeak[i].OverheadPeak = stats.Histogram[i].OverheadPeak
			lp.HistogramPeak[i].CountPeak = stats.Histogram[i].CountPeak
		}
		for t := s0 + 2; t <= sLast; t++ {
			lp.merge(&c.timedStats[t].LocalPeak)
		}
		stats.setPeaksFrom(&lp)

		ts := &c.timedStats[sLast]
		stats.MemoryUsage = ts.Stats.MemoryUsage
		stats.Overhead = ts.Stats.Overhead
		stats.NumberOfOperations = ts.Stats.NumberOfOperations
		stats.NumberOfAllocations = ts.Stats.NumberOfAllocations
		stats.NumberOfReAllocations = ts.Stats.NumberOfReAllocations
		stats.NumberOfFrees = ts.Stats.NumberOfFrees
		stats.NumberOfLiveBlocks = ts.Stats.NumberOfLiveBlocks
		for i := range stats.Histogram {
			stats.Histogram[i].Size = ts.Stats.Histogram[i].Size
			stats.Histogram[i].Overhead = ts.Stats.Histogram[i].Overhead
			stats.Histogram[i].Count = ts.Stats.Histogram[i].Count
		}

		c.rangedStats(&stats, ts.OperationIndex+1, lastEx)
	}

	stats.NumberOfOperations -= base.NumberOfOperations
	stats.NumberOfAllocations -= base.NumberOfAllocations
	stats.NumberOfReAllocations -= base.NumberOfReAllocations
	stats.NumberOfFrees -= base.NumberOfFrees

	c.statsSnapshot = stats
}
