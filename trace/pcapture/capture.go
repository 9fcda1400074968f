// Package pcapture processes a parsed memory capture and enriches it with analysis data:
// timed statistics, the usage graph, per-call-stack and per-tag aggregation trees,
// allocation-size histograms, leak lists, and a filtered view over all of them.
package pcapture

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/exp/mmap"
	"honnef.co/go/memtrace/trace"
	"honnef.co/go/stuff/math/mathutil"
)

// ErrBadStats is returned when the global statistics of a loaded capture fail verification,
// which means the stream's alloc/free accounting doesn't add up.
var ErrBadStats = errors.New("global statistics failed verification")

type LoadResult int

const (
	LoadSuccess LoadResult = iota
	// LoadPartial means the stream ended in a truncated or corrupt record and the capture holds
	// everything before the damage (see trace.Trace.Partial for when that is accepted).
	LoadPartial
	LoadFail
)

// ProgressCallback receives coarse load progress. percent runs 0..100 per load; callbacks are
// best effort and callees must tolerate stale messages after the final "Done!".
type ProgressCallback func(data any, percent float32, message string)

// Filter is the set of constraints a filtered view applies. A zero TagHash or ThreadID means
// "not selected"; HistogramIndex uses noHistogramBin for that. The time window starts out as the
// capture's full range and always lies within it.
type Filter struct {
	MinTime        trace.Timestamp
	MaxTime        trace.Timestamp
	HistogramIndex uint32
	TagHash        uint32
	ThreadID       uint64
	LeakedOnly     bool

	operations []*trace.MemoryOperation
	groups     map[*trace.StackTrace]*OperationGroup
	stackTree  StackTree
	tagTree    *TagTree
}

const noHeap = ^uint64(0)
const noHistogramBin = ^uint32(0)

// Capture is one loaded capture file with all of its derived aggregates. A Capture is
// self-contained; all state is built by Load/BuildAnalyzeData and dropped by ClearData.
type Capture struct {
	tr *trace.Trace

	statsGlobal   MemoryStats
	statsSnapshot MemoryStats
	timedStats    []TimedStats
	usageGraph    []GraphEntry

	leaks     []*trace.MemoryOperation
	groups    map[*trace.StackTrace]*OperationGroup
	stackTree StackTree
	tagTree   *TagTree

	filter           Filter
	filteringEnabled bool
	currentHeap      uint64
	currentModule    *trace.Module

	minTime trace.Timestamp
	maxTime trace.Timestamp

	progress     ProgressCallback
	progressData any
}

func NewCapture() *Capture {
	c := &Capture{}
	c.ClearData()
	return c
}

// SetProgressCallback installs cb, which will be invoked with data as its first argument.
func (c *Capture) SetProgressCallback(cb ProgressCallback, data any) {
	c.progress = cb
	c.progressData = data
}

// ClearData drops everything a previous load built. Loading into a cleared capture yields the
// same state as loading into a fresh one.
func (c *Capture) ClearData() {
	c.tr = nil
	c.statsGlobal = MemoryStats{}
	c.statsSnapshot = MemoryStats{}
	c.timedStats = nil
	c.usageGraph = nil
	c.leaks = nil
	c.groups = nil
	c.stackTree.reset()
	c.tagTree = nil
	c.filter = Filter{HistogramIndex: noHistogramBin}
	c.filteringEnabled = false
	c.currentHeap = noHeap
	c.currentModule = nil
	c.minTime = 0
	c.maxTime = 0
}

// stageProgress maps a stage's local 0..100 progress onto the [lo, hi] span of the whole
// load.
func (c *Capture) stageProgress(lo, hi float32) func(percent float32, message string) {
	return func(p float32, msg string) {
		if c.progress == nil {
			return
		}
		if p > 100 {
			p = 100
		}
		c.progress(c.progressData, mathutil.Lerp(lo, hi, float64(p)/100), msg)
	}
}

func (c *Capture) failProgress(msg string) {
	if c.progress != nil {
		c.progress(c.progressData, 100, msg)
	}
}

// Load reads a capture of size bytes from r, builds the global statistics and verifies them.
// Symbol-dependent aggregates are built by BuildAnalyzeData afterwards.
func (c *Capture) Load(r io.Reader, size int64) (LoadResult, error) {
	c.ClearData()

	tr, err := trace.Parse(r, size, c.stageProgress(0, 70))
	if err != nil {
		c.failProgress("Error reading capture file!")
		c.ClearData()
		return LoadFail, err
	}
	c.tr = tr
	c.minTime = tr.MinTime
	c.maxTime = tr.MaxTime
	c.filter.MinTime = tr.MinTime
	c.filter.MaxTime = tr.MaxTime

	c.calculateGlobalStats(c.stageProgress(70, 100))

	if !c.VerifyGlobalStats() {
		c.failProgress("Invalid data in capture file!")
		c.ClearData()
		return LoadFail, ErrBadStats
	}

	if tr.Partial {
		return LoadPartial, nil
	}
	return LoadSuccess, nil
}

// LoadFile memory-maps path and loads it.
func (c *Capture) LoadFile(path string) (LoadResult, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return LoadFail, fmt.Errorf("open capture: %w", err)
	}
	defer r.Close()
	return c.Load(io.NewSectionReader(r, 0, int64(r.Len())), int64(r.Len()))
}

// BuildAnalyzeData resolves symbols and builds the symbol-dependent aggregates: operation
// groups, the stack trace tree, the tag tree and the leak list.
func (c *Capture) BuildAnalyzeData(res Resolver) {
	if c.tr == nil {
		return
	}
	c.symbolize(res, c.stageProgress(0, 50))
	c.buildAnalyzeData(c.stageProgress(50, 100))
}

// VerifyGlobalStats reports whether the global aggregates are internally consistent.
func (c *Capture) VerifyGlobalStats() bool {
	return c.statsGlobal.verify()
}

// Trace returns the underlying parsed trace.
func (c *Capture) Trace() *trace.Trace { return c.tr }

// Operations returns all valid operations, sorted by time.
func (c *Capture) Operations() []*trace.MemoryOperation { return c.tr.Operations }

// FilteredOperations returns the operations selected by the current filter. It is only
// populated while filtering is enabled.
func (c *Capture) FilteredOperations() []*trace.MemoryOperation { return c.filter.operations }

// InvalidOperations returns how many operations were dropped during linking.
func (c *Capture) InvalidOperations() int { return c.tr.InvalidOperations }

// MemoryLeaks returns the operations that left blocks live at the end of the capture.
func (c *Capture) MemoryLeaks() []*trace.MemoryOperation { return c.leaks }

func (c *Capture) Heaps() map[uint64]string        { return c.tr.Heaps }
func (c *Capture) Modules() []trace.Module         { return c.tr.Modules }
func (c *Capture) Markers() map[uint32]*trace.MarkerEvent { return c.tr.Markers }
func (c *Capture) MarkerTimes() []trace.MarkerTime { return c.tr.MarkerTimes }

func (c *Capture) UsageGraph() []GraphEntry { return c.usageGraph }
func (c *Capture) TimedStats() []TimedStats { return c.timedStats }

// GlobalStats returns the statistics over the whole capture.
func (c *Capture) GlobalStats() *MemoryStats { return &c.statsGlobal }

// SnapshotStats returns the statistics of the currently selected time window.
func (c *Capture) SnapshotStats() *MemoryStats { return &c.statsSnapshot }

// GlobalGroups returns the per-call-stack operation groups over the whole capture.
func (c *Capture) GlobalGroups() map[*trace.StackTrace]*OperationGroup { return c.groups }

// FilteredGroups returns the groups over the filtered operations.
func (c *Capture) FilteredGroups() map[*trace.StackTrace]*OperationGroup { return c.filter.groups }

// GlobalTree returns the root of the stack trace tree over the whole capture.
func (c *Capture) GlobalTree() *StackTree { return &c.stackTree }

// FilteredTree returns the root of the stack trace tree over the filtered operations.
func (c *Capture) FilteredTree() *StackTree { return &c.filter.stackTree }

// TagTree returns the tag hierarchy with global aggregates.
func (c *Capture) TagTree() *TagTree { return c.tagTree }

// FilteredTagTree returns the tag hierarchy aggregated over the filtered operations.
func (c *Capture) FilteredTagTree() *TagTree { return c.filter.tagTree }

func (c *Capture) MinTime() trace.Timestamp  { return c.minTime }
func (c *Capture) MaxTime() trace.Timestamp  { return c.maxTime }
func (c *Capture) CPUFrequency() uint64      { return c.tr.CPUFrequency }
func (c *Capture) PointerSize() uint8        { return c.tr.PointerSize }
func (c *Capture) Toolchain() trace.Toolchain { return c.tr.Toolchain }

// GetGraphAtTime returns the usage graph entry in effect at the given time.
func (c *Capture) GetGraphAtTime(t trace.Timestamp) GraphEntry {
	idx, _ := c.getIndexBefore(t)
	return c.usageGraph[idx]
}
