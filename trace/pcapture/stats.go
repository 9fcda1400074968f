package pcapture

import (
	"honnef.co/go/memtrace/trace"
)

// NumHistogramBins is the number of allocation-size bins. Bin 0 holds allocations of up to 16
// bytes, every following bin doubles the limit, and the last bin is unbounded.
const NumHistogramBins = 21

// HistogramBinIndex returns the bin for an allocation of the given size.
func HistogramBinIndex(size uint64) uint32 {
	bin := uint32(0)
	for limit := uint64(16); size > limit && bin < NumHistogramBins-1; limit <<= 1 {
		bin++
	}
	return bin
}

type HistogramBin struct {
	Size         uint64
	SizePeak     uint64
	Overhead     uint32
	OverheadPeak uint32
	Count        uint32
	CountPeak    uint32
}

type HistogramPeak struct {
	SizePeak     uint64
	OverheadPeak uint32
	CountPeak    uint32
}

// MemoryStats is the aggregate state of a heap at a point in time, plus the peaks seen on the
// way there.
type MemoryStats struct {
	MemoryUsage     uint64
	MemoryUsagePeak uint64
	Overhead        uint32
	OverheadPeak    uint32

	NumberOfOperations    uint32
	NumberOfAllocations   uint32
	NumberOfReAllocations uint32
	NumberOfFrees         uint32
	NumberOfLiveBlocks    uint32

	Histogram [NumHistogramBins]HistogramBin
}

// LocalPeak tracks the maxima seen since the last timed snapshot. Window queries max-merge
// these instead of rescanning the operations between two snapshots.
type LocalPeak struct {
	MemoryUsagePeak        uint64
	OverheadPeak           uint32
	NumberOfLiveBlocksPeak uint32
	HistogramPeak          [NumHistogramBins]HistogramPeak
}

// TimedStats is a periodic snapshot of the global stats: the state through the operation at
// OperationIndex, plus the local peaks since the previous snapshot.
type TimedStats struct {
	Time           trace.Timestamp
	OperationIndex int
	LocalPeak      LocalPeak
	Stats          MemoryStats
}

// GraphEntry is one point of the plottable usage timeline; there is one entry per operation.
type GraphEntry struct {
	MemoryUsage   uint64
	NumLiveBlocks uint32
}

// fillAlloc folds an allocation into the stats and returns the histogram bin it hit.
func (s *MemoryStats) fillAlloc(op *trace.MemoryOperation) uint32 {
	s.NumberOfAllocations++
	s.NumberOfLiveBlocks++

	s.MemoryUsage += op.AllocSize
	if s.MemoryUsage > s.MemoryUsagePeak {
		s.MemoryUsagePeak = s.MemoryUsage
	}
	s.Overhead += op.Overhead
	if s.Overhead > s.OverheadPeak {
		s.OverheadPeak = s.Overhead
	}

	bin := HistogramBinIndex(op.AllocSize)
	h := &s.Histogram[bin]
	h.Size += op.AllocSize
	if h.Size > h.SizePeak {
		h.SizePeak = h.Size
	}
	h.Overhead += op.Overhead
	if h.Overhead > h.OverheadPeak {
		h.OverheadPeak = h.Overhead
	}
	h.Count++
	if h.Count > h.CountPeak {
		h.CountPeak = h.Count
	}
	return bin
}

// fillRealloc folds a reallocation into the stats: the predecessor's bytes move out of its bin,
// the new size moves in. A realloc of nothing counts as a new block, a realloc to zero bytes
// releases one.
func (s *MemoryStats) fillRealloc(op *trace.MemoryOperation) uint32 {
	s.NumberOfReAllocations++
	if op.PreviousPointer == 0 {
		s.NumberOfLiveBlocks++
	} else if op.AllocSize == 0 {
		s.NumberOfLiveBlocks--
	}

	if prev := op.ChainPrev; prev != nil && op.PreviousPointer != 0 {
		s.MemoryUsage -= prev.AllocSize
		s.Overhead -= prev.Overhead
		ph := &s.Histogram[HistogramBinIndex(prev.AllocSize)]
		ph.Size -= prev.AllocSize
		ph.Overhead -= prev.Overhead
		ph.Count--
	}

	s.MemoryUsage += op.AllocSize
	if s.MemoryUsage > s.MemoryUsagePeak {
		s.MemoryUsagePeak = s.MemoryUsage
	}
	s.Overhead += op.Overhead
	if s.Overhead > s.OverheadPeak {
		s.OverheadPeak = s.Overhead
	}

	bin := HistogramBinIndex(op.AllocSize)
	h := &s.Histogram[bin]
	h.Size += op.AllocSize
	if h.Size > h.SizePeak {
		h.SizePeak = h.Size
	}
	h.Overhead += op.Overhead
	if h.Overhead > h.OverheadPeak {
		h.OverheadPeak = h.Overhead
	}
	h.Count++
	if h.Count > h.CountPeak {
		h.CountPeak = h.Count
	}
	return bin
}

// fillFree folds a free into the stats. The free carries the size and overhead inherited from
// its predecessor.
func (s *MemoryStats) fillFree(op *trace.MemoryOperation) {
	s.NumberOfFrees++
	s.NumberOfLiveBlocks--
	s.MemoryUsage -= op.AllocSize
	s.Overhead -= op.Overhead

	h := &s.Histogram[HistogramBinIndex(op.AllocSize)]
	h.Size -= op.AllocSize
	h.Overhead -= op.Overhead
	h.Count--
}

// setPeaksToCurrent collapses all peaks onto the current values. Window queries use it to make
// peaks start counting at the window's left edge.
func (s *MemoryStats) setPeaksToCurrent() {
	s.MemoryUsagePeak = s.MemoryUsage
	s.OverheadPeak = s.Overhead
	for i := range s.Histogram {
		h := &s.Histogram[i]
		h.SizePeak = h.Size
		h.OverheadPeak = h.Overhead
		h.CountPeak = h.Count
	}
}

// setPeaksFrom overwrites the peaks with the ones collected in lp.
func (s *MemoryStats) setPeaksFrom(lp *LocalPeak) {
	s.MemoryUsagePeak = lp.MemoryUsagePeak
	s.OverheadPeak = lp.OverheadPeak
	for i := range s.Histogram {
		h := &s.Histogram[i]
		h.SizePeak = lp.HistogramPeak[i].SizePeak
		h.OverheadPeak = lp.HistogramPeak[i].OverheadPeak
		h.CountPeak = lp.HistogramPeak[i].CountPeak
	}
}

// update folds the stats at the given bin into the local peak.
func (lp *LocalPeak) update(s *MemoryStats, bin uint32) {
	lp.MemoryUsagePeak = max(lp.MemoryUsagePeak, s.MemoryUsage)
	lp.OverheadPeak = max(lp.OverheadPeak, s.Overhead)
	lp.NumberOfLiveBlocksPeak = max(lp.NumberOfLiveBlocksPeak, s.NumberOfLiveBlocks)
	hp := &lp.HistogramPeak[bin]
	h := &s.Histogram[bin]
	hp.SizePeak = max(hp.SizePeak, h.Size)
	hp.OverheadPeak = max(hp.OverheadPeak, h.Overhead)
	hp.CountPeak = max(hp.CountPeak, h.Count)
}

// merge folds another local peak into lp.
func (lp *LocalPeak) merge(other *LocalPeak) {
	lp.MemoryUsagePeak = max(lp.MemoryUsagePeak, other.MemoryUsagePeak)
	lp.OverheadPeak = max(lp.OverheadPeak, other.OverheadPeak)
	lp.NumberOfLiveBlocksPeak = max(lp.NumberOfLiveBlocksPeak, other.NumberOfLiveBlocksPeak)
	for i := range lp.HistogramPeak {
		lp.HistogramPeak[i].SizePeak = max(lp.HistogramPeak[i].SizePeak, other.HistogramPeak[i].SizePeak)
		lp.HistogramPeak[i].OverheadPeak = max(lp.HistogramPeak[i].OverheadPeak, other.HistogramPeak[i].OverheadPeak)
		lp.HistogramPeak[i].CountPeak = max(lp.HistogramPeak[i].CountPeak, other.HistogramPeak[i].CountPeak)
	}
}

const signBit64 = uint64(1) << 63
const signBit32 = uint32(1) << 31

// verify rejects stats whose unsigned aggregates would read as negative numbers, which is what
// mismatched alloc/free accounting in a corrupt capture produces.
func (s *MemoryStats) verify() bool {
	if s.MemoryUsage&signBit64 != 0 ||
		s.MemoryUsagePeak&signBit64 != 0 ||
		s.Overhead&signBit32 != 0 ||
		s.OverheadPeak&signBit32 != 0 ||
		s.NumberOfOperations&signBit32 != 0 ||
		s.NumberOfAllocations&signBit32 != 0 ||
		s.NumberOfReAllocations&signBit32 != 0 ||
		s.NumberOfFrees&signBit32 != 0 ||
		s.NumberOfLiveBlocks&signBit32 != 0 {
		return false
	}
	for i := range s.Histogram {
		h := &s.Histogram[i]
		if h.Size&signBit64 != 0 ||
			h.SizePeak&signBit64 != 0 ||
			h.Overhead&signBit32 != 0 ||
			h.OverheadPeak&signBit32 != 0 ||
			h.Count&signBit32 != 0 ||
			h.CountPeak&signBit32 != 0 {
			return false
		}
	}
	return true
}
