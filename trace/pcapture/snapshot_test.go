package pcapture

import (
	"testing"

	"honnef.co/go/memtrace/trace"
)

// bruteWindowStats recomputes the window statistics the slow way: replay every operation up to
// the window's end, freezing peaks at the window's start and counting only in-window
// operations.
func bruteWindowStats(ops []*trace.MemoryOperation, t0, t1 trace.Timestamp) (usage, peak int64, allocs, reallocs, frees uint32) {
	var cur int64
	started := false
	for _, op := range ops {
		if !started && op.OperationTime >= t0 {
			started = true
			peak = cur
		}
		if op.OperationTime > t1 {
			break
		}
		cur += delta(op)
		if started {
			if cur > peak {
				peak = cur
			}
			switch {
			case op.IsAlloc():
				allocs++
			case op.IsRealloc():
				reallocs++
			default:
				frees++
			}
		}
	}
	usage = cur
	if !started {
		peak = cur
	}
	return
}

func checkWindow(t *testing.T, c *Capture, t0, t1 trace.Timestamp) {
	t.Helper()
	c.SetSnapshot(t0, t1)
	got := c.SnapshotStats()

	usage, peak, allocs, reallocs, frees := bruteWindowStats(c.Operations(), t0, t1)
	if int64(got.MemoryUsage) != usage {
		t.Errorf("window [%d, %d]: MemoryUsage = %d, want %d", t0, t1, got.MemoryUsage, usage)
	}
	if int64(got.MemoryUsagePeak) != peak {
		t.Errorf("window [%d, %d]: MemoryUsagePeak = %d, want %d", t0, t1, got.MemoryUsagePeak, peak)
	}
	if got.NumberOfAllocations != allocs || got.NumberOfReAllocations != reallocs || got.NumberOfFrees != frees {
		t.Errorf("window [%d, %d]: counters = %d/%d/%d, want %d/%d/%d",
			t0, t1, got.NumberOfAllocations, got.NumberOfReAllocations, got.NumberOfFrees,
			allocs, reallocs, frees)
	}
	if got.NumberOfOperations != allocs+reallocs+frees {
		t.Errorf("window [%d, %d]: NumberOfOperations = %d, want %d",
			t0, t1, got.NumberOfOperations, allocs+reallocs+frees)
	}
}

func TestSnapshotStatsNarrowWindow(t *testing.T) {
	c := loadCapture(t, buildMixedWorkload(3000))
	// Windows inside a single snapshot stride.
	checkWindow(t, c, 100, 200)
	checkWindow(t, c, 2100, 2147)
	checkWindow(t, c, 1, 1)
}

func TestSnapshotStatsWideWindow(t *testing.T) {
	c := loadCapture(t, buildMixedWorkload(10000))
	if len(c.TimedStats()) < 5 {
		t.Fatalf("workload too small to span snapshots: %d", len(c.TimedStats()))
	}
	// Windows spanning two and more snapshot strides, with boundaries on and off snapshot
	// operations.
	checkWindow(t, c, 100, 9000)
	checkWindow(t, c, 2049, 8193)
	checkWindow(t, c, 1, 10000)
	checkWindow(t, c, 2048, 4096)
}

func TestSnapshotStatsFullRangeMatchesGlobal(t *testing.T) {
	c := loadCapture(t, buildMixedWorkload(5000))
	c.SetSnapshot(c.MinTime(), c.MaxTime())
	got := c.SnapshotStats()
	global := c.GlobalStats()

	if got.MemoryUsage != global.MemoryUsage {
		t.Errorf("full-range usage = %d, want %d", got.MemoryUsage, global.MemoryUsage)
	}
	if got.NumberOfOperations != global.NumberOfOperations {
		t.Errorf("full-range op count = %d, want %d", got.NumberOfOperations, global.NumberOfOperations)
	}
	if got.NumberOfAllocations != global.NumberOfAllocations ||
		got.NumberOfReAllocations != global.NumberOfReAllocations ||
		got.NumberOfFrees != global.NumberOfFrees {
		t.Error("full-range counters don't match global stats")
	}
}
