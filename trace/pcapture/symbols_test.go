package pcapture

import (
	"sync/atomic"
	"testing"

	"honnef.co/go/memtrace/trace/tracetest"
)

// nullResolver resolves every address to itself, with no modules and no instrumentation.
type nullResolver struct{}

func (nullResolver) ModuleCount() int                 { return 0 }
func (nullResolver) ModuleIndex(addr uint64) int      { return -1 }
func (nullResolver) Resolve(addr uint64) (uint64, bool) { return addr, false }

// rangeResolver maps address ranges to modules, marks a configurable set of addresses as
// instrumentation, and verifies that no two resolutions for the same module run concurrently.
type rangeResolver struct {
	bases    []uint64 // module i covers [bases[i], bases[i]+0x100)
	instr    map[uint64]bool
	active   []int32
	violated atomic.Bool
	resolved atomic.Int64
}

func newRangeResolver(bases []uint64, instr map[uint64]bool) *rangeResolver {
	return &rangeResolver{bases: bases, instr: instr, active: make([]int32, len(bases))}
}

func (r *rangeResolver) ModuleCount() int { return len(r.bases) }

func (r *rangeResolver) ModuleIndex(addr uint64) int {
	for i, base := range r.bases {
		if addr >= base && addr < base+0x100 {
			return i
		}
	}
	return -1
}

func (r *rangeResolver) Resolve(addr uint64) (uint64, bool) {
	if m := r.ModuleIndex(addr); m >= 0 {
		if atomic.AddInt32(&r.active[m], 1) != 1 {
			r.violated.Store(true)
		}
		defer atomic.AddInt32(&r.active[m], -1)
	}
	r.resolved.Add(1)
	return addr + 0x1000000, r.instr[addr]
}

func TestSymbolize(t *testing.T) {
	b := tracetest.NewBuilder(tracetest.Config{})
	// Top frame 0x200 is instrumentation and must be stripped.
	b.Alloc(1, 1, 0x1, 1, 16, 0, []uint64{0x200, 0x310, 0x420})
	b.Alloc(1, 1, 0x2, 2, 16, 0, []uint64{0x310, 0x421})

	res := newRangeResolver([]uint64{0x200, 0x300, 0x400}, map[uint64]bool{0x200: true})
	c := loadCapture(t, b)
	c.BuildAnalyzeData(res)

	sts := c.Trace().StackTraces
	if len(sts) != 2 {
		t.Fatalf("got %d stack traces, want 2", len(sts))
	}

	st := sts[0]
	if st.NumFrames() != 2 {
		t.Fatalf("stripped trace has %d frames, want 2", st.NumFrames())
	}
	if st.PCs[0] != 0x310 || st.PCs[1] != 0x420 {
		t.Errorf("stripped PCs = %#x", st.PCs)
	}
	for i, pc := range st.PCs {
		wantID, _ := res.Resolve(pc)
		if st.SymbolIDs[i] != wantID {
			t.Errorf("SymbolIDs[%d] = %#x, want %#x", i, st.SymbolIDs[i], wantID)
		}
	}

	if res.violated.Load() {
		t.Error("resolver saw concurrent same-module resolutions")
	}
}

func TestSymbolizeAllInstrumentation(t *testing.T) {
	b := tracetest.NewBuilder(tracetest.Config{})
	b.Alloc(1, 1, 0x1, 1, 16, 0, []uint64{0x200, 0x201})

	res := newRangeResolver([]uint64{0x200}, map[uint64]bool{0x200: true, 0x201: true})
	c := loadCapture(t, b)
	c.BuildAnalyzeData(res)

	st := c.Trace().StackTraces[0]
	if st.NumFrames() != 1 {
		t.Fatalf("got %d frames, want minimum of 1", st.NumFrames())
	}
	if st.PCs[0] != 0x201 {
		t.Errorf("retained frame = %#x, want the bottom-most one", st.PCs[0])
	}
}

func TestSymbolizeNoStrippingWhenNotPrefix(t *testing.T) {
	// Instrumentation below a user frame stays: only the prefix from the top is stripped.
	b := tracetest.NewBuilder(tracetest.Config{})
	b.Alloc(1, 1, 0x1, 1, 16, 0, []uint64{0x310, 0x200, 0x420})

	res := newRangeResolver([]uint64{0x200, 0x300, 0x400}, map[uint64]bool{0x200: true})
	c := loadCapture(t, b)
	c.BuildAnalyzeData(res)

	st := c.Trace().StackTraces[0]
	if st.NumFrames() != 3 {
		t.Errorf("got %d frames, want 3", st.NumFrames())
	}
}

func TestSymbolizeUniqueAddressesOnly(t *testing.T) {
	b := tracetest.NewBuilder(tracetest.Config{})
	// The same two addresses appear in many traces; each must resolve exactly once.
	for i := 0; i < 16; i++ {
		b.Alloc(1, 1, uint64(0x1000+i), uint64(i+1), 16, 0, []uint64{0x210, 0x211, 0x210 + uint64(i%2)})
	}

	res := newRangeResolver([]uint64{0x200}, nil)
	c := loadCapture(t, b)
	c.BuildAnalyzeData(res)

	if got := res.resolved.Load(); got != 2 {
		t.Errorf("resolver called %d times, want 2", got)
	}
}

func TestStackTreeAfterSymbolize(t *testing.T) {
	b := tracetest.NewBuilder(tracetest.Config{})
	// Two allocations sharing the outer frame 0x420, diverging at the top.
	b.Alloc(1, 1, 0x1, 1, 100, 4, []uint64{0x310, 0x420})
	b.Alloc(1, 1, 0x2, 2, 50, 4, []uint64{0x311, 0x420})
	b.Free(1, 1, 0x1, 3, []uint64{0x312, 0x420})

	res := newRangeResolver([]uint64{0x300, 0x400}, nil)
	c := loadCapture(t, b)
	c.BuildAnalyzeData(res)

	root := c.GlobalTree()
	if root.MemUsage != 50 {
		t.Errorf("root usage = %d, want 50", root.MemUsage)
	}
	if root.MemUsagePeak != 150 {
		t.Errorf("root peak = %d, want 150", root.MemUsagePeak)
	}
	if root.OpCount[TreeOpAlloc] != 2 || root.OpCount[TreeOpFree] != 1 {
		t.Errorf("root op counts = %v", root.OpCount)
	}

	// All three traces funnel through the shared outer frame.
	if len(root.Children) != 1 {
		t.Fatalf("root has %d children, want 1", len(root.Children))
	}
	outer := root.Children[0]
	wantID, _ := res.Resolve(0x420)
	if outer.AddressID != wantID {
		t.Errorf("outer node id = %#x, want %#x", outer.AddressID, wantID)
	}
	if outer.Depth != 1 {
		t.Errorf("outer depth = %d, want 1", outer.Depth)
	}
	// The free subtracts the first allocation's bytes along the predecessor's path.
	if outer.MemUsage != 50 {
		t.Errorf("outer usage = %d, want 50", outer.MemUsage)
	}
	if len(outer.Children) != 2 {
		t.Fatalf("outer has %d children, want 2", len(outer.Children))
	}

	// The traces-through-node list at the root holds each threaded trace once. The free was
	// recorded against its predecessor's backtrace, so only the two allocation traces appear.
	count := 0
	for st := root.Traces; st != nil; st = st.Next[0] {
		count++
	}
	if count != 2 {
		t.Errorf("root trace list has %d entries, want 2", count)
	}
}
