package pcapture

import (
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"honnef.co/go/memtrace/mysync"
	"honnef.co/go/memtrace/trace"
)

// Resolver turns instruction addresses into stable symbol IDs. Resolving addresses of a single
// module is not thread safe; resolving addresses of different modules concurrently is. The
// symbolization driver is built around that contract and must not relax it.
type Resolver interface {
	// ModuleCount returns the number of symbol modules the resolver knows.
	ModuleCount() int
	// ModuleIndex returns the index of the module containing addr, or -1.
	ModuleIndex(addr uint64) int
	// Resolve returns the stable symbol ID for addr and whether the symbol belongs to the
	// tracing instrumentation itself.
	Resolve(addr uint64) (id uint64, instrumentation bool)
}

type symbolInfo struct {
	id              uint64
	instrumentation bool
}

// symbolize resolves every unique address across all interned stack traces and writes the
// resulting symbol IDs back into the traces. To respect the resolver's thread-safety contract
// the addresses are bucketed by module and resolved with one worker per bucket; each bucket is
// sorted by address first, which keeps the resolver's lookups local. Results are merged
// serially after all workers have finished.
//
// Afterwards every trace has its instrumentation frames stripped off the top (keeping at least
// one frame) and its tree-building scratch reset.
func (c *Capture) symbolize(res Resolver, progress func(percent float32, message string)) {
	addrs := make(map[uint64]symbolInfo)
	for _, st := range c.tr.StackTraces {
		for _, pc := range st.PCs {
			addrs[pc] = symbolInfo{}
		}
	}

	// Bucket 0 collects addresses no module claims.
	buckets := make([][]uint64, res.ModuleCount()+1)
	for pc := range addrs {
		idx := res.ModuleIndex(pc) + 1
		buckets[idx] = append(buckets[idx], pc)
	}

	results := make([][]symbolInfo, len(buckets))
	done := mysync.NewMutex(&struct{ n int }{})
	total := len(addrs)

	var g errgroup.Group
	for i := range buckets {
		if len(buckets[i]) == 0 {
			continue
		}
		b := buckets[i]
		out := make([]symbolInfo, len(b))
		results[i] = out
		g.Go(func() error {
			slices.Sort(b)
			for j, pc := range b {
				id, instr := res.Resolve(pc)
				out[j] = symbolInfo{id: id, instrumentation: instr}
			}
			done.Do(func(v *struct{ n int }) {
				v.n += len(b)
				progress(float32(v.n)*100/float32(total), "Generating unique symbol IDs...")
			})
			return nil
		})
	}
	g.Wait()

	for i, b := range buckets {
		for j, pc := range b {
			addrs[pc] = results[i][j]
		}
	}

	for _, st := range c.tr.StackTraces {
		n := len(st.PCs)
		skip := 0
		counting := true
		for i := 0; i < n; i++ {
			info := addrs[st.PCs[i]]
			st.SymbolIDs[i] = info.id
			if !info.instrumentation {
				counting = false
			}
			if counting {
				skip++
			}
		}

		// Strip the instrumentation prefix from the top of the call stack. A trace that is all
		// instrumentation keeps its last frame.
		if skip > 0 {
			kept := n - skip
			if kept < 1 {
				kept = 1
				skip = n - 1
			}
			copy(st.PCs[:kept], st.PCs[skip:])
			copy(st.SymbolIDs[:kept], st.SymbolIDs[skip:])
			st.PCs = st.PCs[:kept]
			st.SymbolIDs = st.SymbolIDs[:kept]
			st.NodeCache[trace.TreeGlobal] = st.NodeCache[trace.TreeGlobal][:kept]
			st.NodeCache[trace.TreeFiltered] = st.NodeCache[trace.TreeFiltered][:kept]
			st.Next = st.Next[:kept+1]
		}

		for i := range st.NodeCache[trace.TreeGlobal] {
			st.NodeCache[trace.TreeGlobal][i] = ^uint64(0)
			st.NodeCache[trace.TreeFiltered][i] = ^uint64(0)
		}
		st.AddedToTree[trace.TreeGlobal] = -1
	}
}
