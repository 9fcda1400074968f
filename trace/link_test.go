package trace

import (
	"math/rand"
	"testing"

	"honnef.co/go/memtrace/trace/tracetest"
)

// genWellFormed drives a random but well-formed sequence of alloc/realloc/free events through
// the builder and returns the builder.
func genWellFormed(rng *rand.Rand, numEvents int) *tracetest.Builder {
	b := tracetest.NewBuilder(tracetest.Config{})
	type block struct {
		ptr  uint64
		size uint64
	}
	var live []block
	nextPtr := uint64(0x1000)
	time := uint64(1)

	for i := 0; i < numEvents; i++ {
		frames := []uint64{0x40 + uint64(rng.Intn(4)), 0x50 + uint64(rng.Intn(4))}
		switch {
		case len(live) == 0 || rng.Intn(3) == 0:
			size := uint64(rng.Intn(1 << 12))
			b.Alloc(1, uint64(1+rng.Intn(3)), nextPtr, time, size, 16, frames)
			live = append(live, block{nextPtr, size})
			nextPtr += 0x1000
		case rng.Intn(2) == 0:
			idx := rng.Intn(len(live))
			size := uint64(rng.Intn(1 << 12))
			b.Realloc(1, 1, nextPtr, live[idx].ptr, time, size, 16, frames)
			live[idx] = block{nextPtr, size}
			nextPtr += 0x1000
		default:
			idx := rng.Intn(len(live))
			b.Free(1, 1, live[idx].ptr, time, frames)
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		time += uint64(1 + rng.Intn(5))
	}
	return b
}

// TestChainInvariants checks that linking produces acyclic, time-ordered chains rooted in
// allocation operations, and that no pointer ever names two live blocks at once.
func TestChainInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 5; round++ {
		b := genWellFormed(rng, 500)
		tr := parseBytes(t, b.Bytes())
		if tr.InvalidOperations != 0 {
			t.Fatalf("well-formed trace produced %d invalid operations", tr.InvalidOperations)
		}

		for _, op := range tr.Operations {
			// Walking ChainPrev must reach a unique allocation-kind head without cycles.
			seen := map[*MemoryOperation]bool{}
			head := op
			for head.ChainPrev != nil {
				if seen[head] {
					t.Fatal("cycle in operation chain")
				}
				seen[head] = true
				head = head.ChainPrev
			}
			if !head.IsAlloc() && !(head.IsRealloc() && head.PreviousPointer == 0) {
				t.Fatalf("chain head is %d, not an allocation", head.OperationType)
			}

			// Walking ChainNext from the head visits operations in non-decreasing time order.
			last := head.OperationTime
			for cur := head.ChainNext; cur != nil; cur = cur.ChainNext {
				if cur.OperationTime < last {
					t.Fatal("chain times decrease")
				}
				last = cur.OperationTime
			}
		}

		// Replay: at most one live allocation per address at any point.
		liveAt := map[uint64]bool{}
		for _, op := range tr.Operations {
			switch {
			case op.IsAlloc():
				if liveAt[op.Pointer] {
					t.Fatalf("pointer %#x doubly live", op.Pointer)
				}
				liveAt[op.Pointer] = true
			case op.IsRealloc():
				if op.PreviousPointer != 0 {
					delete(liveAt, op.PreviousPointer)
				}
				if liveAt[op.Pointer] {
					t.Fatalf("pointer %#x doubly live", op.Pointer)
				}
				liveAt[op.Pointer] = true
			default:
				delete(liveAt, op.Pointer)
			}
		}
	}
}

func TestSortStability(t *testing.T) {
	// Two allocations at the same tick must stay in stream order.
	b := tracetest.NewBuilder(tracetest.Config{})
	b.Alloc(1, 1, 0x1, 10, 1, 0, []uint64{0x40})
	b.Alloc(1, 1, 0x2, 10, 2, 0, []uint64{0x40})
	b.Alloc(1, 1, 0x3, 5, 3, 0, []uint64{0x40})

	tr := parseBytes(t, b.Bytes())
	if tr.Operations[0].AllocSize != 3 {
		t.Errorf("first op has size %d, want 3", tr.Operations[0].AllocSize)
	}
	if tr.Operations[1].AllocSize != 1 || tr.Operations[2].AllocSize != 2 {
		t.Errorf("equal-time ops reordered: %d, %d", tr.Operations[1].AllocSize, tr.Operations[2].AllocSize)
	}
}

func TestFreeAfterInvalidAlloc(t *testing.T) {
	// The duplicate allocation is dropped, and the free pairs with the original one.
	b := tracetest.NewBuilder(tracetest.Config{})
	b.Alloc(1, 1, 0xA, 10, 8, 0, []uint64{0x40})
	b.Alloc(1, 1, 0xA, 20, 16, 0, []uint64{0x41})
	b.Free(1, 1, 0xA, 30, []uint64{0x42})

	tr := parseBytes(t, b.Bytes())
	if len(tr.Operations) != 2 {
		t.Fatalf("got %d operations, want 2", len(tr.Operations))
	}
	free := tr.Operations[1]
	if free.OperationType != EvFree || free.AllocSize != 8 {
		t.Errorf("free inherited size %d, want 8", free.AllocSize)
	}
}
