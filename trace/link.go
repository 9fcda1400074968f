package trace

import (
	"cmp"

	"golang.org/x/exp/slices"
)

// link sorts the operations by time and pairs them up into per-block lifetime chains,
// dropping the operations that cannot be paired.
//
// The sweep keeps a map of currently live pointers. An allocation whose pointer is already
// live, and a free or realloc whose predecessor isn't, are marked invalid and removed;
// everything else is linked to its predecessor. Frees and the operations derived from them
// don't carry sizes in the stream, so a free inherits AllocSize and Overhead from its
// predecessor.
func (tr *Trace) link(minMarkerTime uint64, progress func(percent float32, message string)) error {
	slices.SortStableFunc(tr.Operations, func(a, b *MemoryOperation) int {
		return cmp.Compare(a.OperationTime, b.OperationTime)
	})

	numOps := len(tr.Operations)
	over100 := numOps / 100
	nextProgress := 0

	live := make(map[uint64]*MemoryOperation, numOps/2)
	for i, op := range tr.Operations {
		if i > nextProgress {
			nextProgress += over100
			p := float32(0)
			if over100 > 0 {
				p = float32(i) / float32(over100)
			}
			progress(p, "Processing...")
		}

		op.Valid = true
		switch op.OperationType {
		case EvAlloc, EvCalloc, EvAllocAligned:
			if _, ok := live[op.Pointer]; ok {
				op.Valid = false
			} else {
				live[op.Pointer] = op
			}

		case EvRealloc, EvReallocAligned:
			var prev *MemoryOperation
			if op.PreviousPointer != 0 {
				// Growing or shrinking an existing block: its last operation must be live.
				old, ok := live[op.PreviousPointer]
				if !ok {
					op.Valid = false
				} else {
					prev = old
					delete(live, op.PreviousPointer)
				}
			} else {
				// realloc(NULL, n) behaves like a fresh allocation.
				if _, ok := live[op.Pointer]; ok {
					op.Valid = false
				}
			}
			if prev != nil {
				op.ChainPrev = prev
				prev.ChainNext = op
			}
			live[op.Pointer] = op

		case EvFree:
			old, ok := live[op.Pointer]
			if !ok {
				op.Valid = false
			} else {
				old.ChainNext = op
				op.ChainPrev = old
				op.AllocSize = old.AllocSize
				op.Overhead = old.Overhead
				delete(live, op.Pointer)
			}
		}
	}

	valid := tr.Operations[:0]
	for _, op := range tr.Operations {
		if op.Valid {
			valid = append(valid, op)
		}
	}
	tr.InvalidOperations = numOps - len(valid)
	tr.Operations = valid

	if len(tr.Operations) == 0 {
		return ErrNoOperations
	}

	tr.MinTime = tr.Operations[0].OperationTime
	if tr.MinTime > minMarkerTime {
		tr.MinTime = minMarkerTime
	}
	tr.MaxTime = tr.Operations[len(tr.Operations)-1].OperationTime

	progress(100, "Processing...")
	return nil
}
