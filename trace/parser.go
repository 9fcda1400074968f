package trace

import (
	"fmt"
	"io"

	"honnef.co/go/memtrace/mem"
	"honnef.co/go/memtrace/slices"
)

// progressRecords is how many records the parser reads between progress callbacks.
const progressRecords = 1 << 16

type parser struct {
	r    *Reader
	tr   *Trace
	is64 bool

	opPool     mem.BucketSlice[MemoryOperation]
	stackPool  mem.BucketSlice[StackTrace]
	stackArena mem.Arena[uint64]
	linkArena  mem.Arena[*StackTrace]

	// stacksByHash deduplicates stack traces during parsing and resolves StackExists
	// references. It is discarded once parsing finishes.
	stacksByHash map[uint32]*StackTrace
	// tagStacks is the per-thread stack of entered tags.
	tagStacks     map[uint64][]uint32
	minMarkerTime uint64

	progress func(percent float32, message string)
	frames   [MaxStackFrames]uint64
}

// Parse reads a capture of size bytes from r and returns the sorted, linked and validated
// trace. progress may be nil. A nil error together with Trace.Partial set means the stream
// ended in a bad record but the salvaged prefix was usable.
func Parse(r io.Reader, size int64, progress func(percent float32, message string)) (*Trace, error) {
	if progress == nil {
		progress = func(float32, string) {}
	}
	p := parser{
		tr: &Trace{
			Heaps:   make(map[uint64]string),
			Markers: make(map[uint32]*MarkerEvent),
		},
		stacksByHash:  make(map[uint32]*StackTrace),
		tagStacks:     make(map[uint64][]uint32),
		minMarkerTime: ^uint64(0),
		progress:      progress,
	}
	rd, err := NewReader(r, size)
	if err != nil {
		return nil, err
	}
	p.r = rd

	if err := p.readHeader(); err != nil {
		return nil, err
	}
	if err := p.readModuleTable(); err != nil {
		return nil, err
	}

	if err := p.readEvents(); err != nil {
		// Tolerate invalid data at the end of the file: a stream that breaks within its last
		// 1000 bytes, or after at least one operation was read, is accepted as partial.
		if size-rd.Tell() < 1000 || len(p.tr.Operations) > 0 {
			p.tr.Partial = true
		} else {
			return nil, err
		}
	}
	p.stacksByHash = nil

	progress(100, "Sorting...")
	if err := p.tr.link(p.minMarkerTime, progress); err != nil {
		return nil, err
	}
	return p.tr, nil
}

func (p *parser) readHeader() error {
	endianness, err := p.r.U8()
	if err != nil {
		return fmt.Errorf("%w: short header", ErrNotACapture)
	}
	pointerSize, err := p.r.U8()
	if err != nil {
		return fmt.Errorf("%w: short header", ErrNotACapture)
	}
	verHigh, err := p.r.U8()
	if err != nil {
		return fmt.Errorf("%w: short header", ErrNotACapture)
	}
	verLow, err := p.r.U8()
	if err != nil {
		return fmt.Errorf("%w: short header", ErrNotACapture)
	}
	toolchain, err := p.r.U8()
	if err != nil {
		return fmt.Errorf("%w: short header", ErrNotACapture)
	}

	if verHigh > 1 || verLow > 2 {
		return fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, verHigh, verLow)
	}
	switch pointerSize {
	case 32, 64:
	default:
		return fmt.Errorf("%w: pointer size %d", ErrNotACapture, pointerSize)
	}

	// 0xff marks a big-endian capture; the reference layout is little-endian.
	p.r.SetByteSwap(endianness == 0xff)
	p.is64 = pointerSize == 64
	p.tr.PointerSize = pointerSize
	p.tr.Toolchain = toolchainOf(toolchain)

	freq, err := p.r.U64()
	if err != nil {
		return fmt.Errorf("%w: short header", ErrNotACapture)
	}
	p.tr.CPUFrequency = freq
	return nil
}

// readModuleTable reads the module info section: a byte budget, a character width, and packed
// {path, base, size} records with the path bytes XORed with 0x23.
func (p *parser) readModuleTable() error {
	sectionSize, err := p.r.U32()
	if err != nil {
		return fmt.Errorf("%w: missing module table", ErrNotACapture)
	}
	left := int64(sectionSize)
	if left == 0 {
		return nil
	}
	charSize, err := p.r.U8()
	if err != nil {
		return fmt.Errorf("%w: missing module table", ErrNotACapture)
	}
	left--
	for left > 0 {
		var path string
		var n int
		if charSize == 2 {
			path, n, err = p.r.WideString(0x23)
		} else {
			path, n, err = p.r.String(0x23)
		}
		if err != nil {
			return fmt.Errorf("module table: %w", err)
		}
		if n == 4 {
			// Empty or overlong path; the section cannot be decoded further.
			break
		}
		base, err := p.r.U64()
		if err != nil {
			return fmt.Errorf("module table: %w", err)
		}
		size, err := p.r.U64()
		if err != nil {
			return fmt.Errorf("module table: %w", err)
		}
		n += 16
		p.tr.addModule(path, base, size)
		p.progress(float32(p.r.Tell())*100/float32(p.r.Len()), "Loading module information "+path)
		left -= int64(n)
	}
	if left != 0 {
		return fmt.Errorf("%w: module table has %d undecodable bytes", ErrNotACapture, left)
	}
	return nil
}

func (p *parser) readEvents() error {
	var records uint64
	var lastProgress uint64
	for {
		marker, err := p.r.U8()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		records++
		if pr := records / progressRecords; pr != lastProgress {
			lastProgress = pr
			over100 := p.r.Len() / 100
			if over100 == 0 {
				over100 = 1
			}
			p.progress(float32(p.r.Tell())/float32(over100), "Loading capture file...")
		}

		switch marker {
		case EvAlloc, EvAllocAligned, EvCalloc, EvFree, EvRealloc, EvReallocAligned:
			err = p.readOp(marker)
		case EvRegisterTag:
			err = p.readRegisterTag()
		case EvEnterTag, EvLeaveTag:
			err = p.readTagScope(marker)
		case EvRegisterMarker:
			err = p.readRegisterMarker()
		case EvMarker:
			err = p.readMarker()
		case EvModule:
			err = p.readModule()
		case EvAllocator:
			err = p.readAllocator()
		default:
			err = fmt.Errorf("unknown record tag %d at offset 0x%x", marker, p.r.Tell())
		}
		if err != nil {
			return err
		}
	}
}

// readPtr reads one pointer of the capture's declared width. 32-bit pointers are zero-extended.
func (p *parser) readPtr() (uint64, error) {
	if p.is64 {
		return p.r.U64()
	}
	v, err := p.r.U32()
	return uint64(v), err
}

func (p *parser) readOp(marker byte) error {
	op := p.opPool.Grow()
	op.OperationType = marker
	op.Alignment = NoAlignment

	var err error
	fail := func(e error) error {
		return fmt.Errorf("truncated memory operation at offset 0x%x: %w", p.r.Tell(), e)
	}

	if op.AllocatorHandle, err = p.r.U64(); err != nil {
		return fail(err)
	}
	if op.ThreadID, err = p.r.U64(); err != nil {
		return fail(err)
	}
	if op.Pointer, err = p.readPtr(); err != nil {
		return fail(err)
	}
	if marker == EvRealloc || marker == EvReallocAligned {
		if op.PreviousPointer, err = p.readPtr(); err != nil {
			return fail(err)
		}
	}
	if op.OperationTime, err = p.r.U64(); err != nil {
		return fail(err)
	}
	if marker == EvAllocAligned || marker == EvReallocAligned {
		if op.Alignment, err = p.r.U8(); err != nil {
			return fail(err)
		}
	}
	if marker != EvFree {
		if op.AllocSize, err = p.r.U64(); err != nil {
			return fail(err)
		}
		if op.Overhead, err = p.r.U32(); err != nil {
			return fail(err)
		}
	}

	st, err := p.readStackTrace()
	if err != nil {
		return err
	}

	// Allocations pick up the tag their thread most recently entered. Reallocs and frees
	// inherit their predecessor's tag later, while aggregation walks the chains.
	var tag uint32
	if op.IsAlloc() {
		tag, _ = slices.Last(p.tagStacks[op.ThreadID])
	}

	op.StackTrace = st
	op.Tag = tag
	op.Valid = true
	p.tr.Operations = append(p.tr.Operations, op)

	if _, ok := p.tr.Heaps[op.AllocatorHandle]; !ok {
		p.tr.Heaps[op.AllocatorHandle] = fmt.Sprintf("0x%x", op.AllocatorHandle)
	}
	return nil
}

// readStackTrace reads the stack trace sub-record following a memory operation and returns the
// interned trace.
func (p *parser) readStackTrace() (*StackTrace, error) {
	tag, err := p.r.U8()
	if err != nil {
		return nil, fmt.Errorf("truncated stack trace record: %w", err)
	}
	switch tag {
	case StackExists:
		hash, err := p.r.U32()
		if err != nil {
			return nil, fmt.Errorf("truncated stack trace record: %w", err)
		}
		st := p.stacksByHash[hash]
		if st == nil {
			return nil, fmt.Errorf("reference to unknown stack trace %#x at offset 0x%x", hash, p.r.Tell())
		}
		return st, nil
	case StackAdd:
		numFrames, err := p.r.U16()
		if err != nil {
			return nil, fmt.Errorf("truncated stack trace record: %w", err)
		}
		if numFrames > MaxStackFrames {
			return nil, fmt.Errorf("stack trace with %d frames at offset 0x%x", numFrames, p.r.Tell())
		}
		frames := p.frames[:numFrames]
		for i := range frames {
			if frames[i], err = p.readPtr(); err != nil {
				return nil, fmt.Errorf("truncated stack trace record: %w", err)
			}
		}
		return p.intern(frames), nil
	default:
		return nil, fmt.Errorf("bad stack trace tag %d at offset 0x%x", tag, p.r.Tell())
	}
}

func stackTraceHash(frames []uint64) uint32 {
	var hash uint64
	for _, pc := range frames {
		hash += pc
	}
	return uint32(hash)
}

// intern returns the shared stack trace for frames, allocating a new record on a miss. Storage
// comes from the trace's arenas: one 4n block of uint64s holding the addresses, the symbol IDs
// and the two per-scope scratch arrays, and an n+1 link array for the per-depth tree lists.
func (p *parser) intern(frames []uint64) *StackTrace {
	hash := stackTraceHash(frames)
	if st := p.stacksByHash[hash]; st != nil {
		if len(st.PCs) == len(frames) {
			equal := true
			for i, pc := range frames {
				if st.PCs[i] != pc {
					equal = false
					break
				}
			}
			if equal {
				return st
			}
		}
		// Hash collision with different frames: the colliding trace gets its own storage but
		// stays out of the hash table.
	}

	n := len(frames)
	block := p.stackArena.Alloc(4 * n)
	st := p.stackPool.Grow()
	st.PCs = block[:n:n]
	st.SymbolIDs = block[n : 2*n : 2*n]
	st.NodeCache[TreeGlobal] = block[2*n : 3*n : 3*n]
	st.NodeCache[TreeFiltered] = block[3*n : 4*n : 4*n]
	st.Next = p.linkArena.Alloc(n + 1)
	st.AddedToTree = [2]int32{-1, -1}
	copy(st.PCs, frames)

	if _, ok := p.stacksByHash[hash]; !ok {
		p.stacksByHash[hash] = st
	}
	p.tr.StackTraces = append(p.tr.StackTraces, st)
	return st
}

func (p *parser) readRegisterTag() error {
	name, _, err := p.r.String(0)
	if err != nil {
		return fmt.Errorf("truncated tag record: %w", err)
	}
	parentName, _, err := p.r.String(0)
	if err != nil {
		return fmt.Errorf("truncated tag record: %w", err)
	}
	hash, err := p.r.U32()
	if err != nil {
		return fmt.Errorf("truncated tag record: %w", err)
	}
	var parentHash uint32
	if parentName != "" {
		if parentHash, err = p.r.U32(); err != nil {
			return fmt.Errorf("truncated tag record: %w", err)
		}
	}
	p.tr.Tags = append(p.tr.Tags, RegisteredTag{Name: name, Hash: hash, ParentHash: parentHash})
	return nil
}

func (p *parser) readTagScope(marker byte) error {
	hash, err := p.r.U32()
	if err != nil {
		return fmt.Errorf("truncated tag scope record: %w", err)
	}
	thread, err := p.r.U64()
	if err != nil {
		return fmt.Errorf("truncated tag scope record: %w", err)
	}
	if marker == EvEnterTag {
		p.tagStacks[thread] = append(p.tagStacks[thread], hash)
	} else {
		_, s, _ := slices.Pop(p.tagStacks[thread])
		p.tagStacks[thread] = s
	}
	return nil
}

func (p *parser) readRegisterMarker() error {
	name, _, err := p.r.String(0)
	if err != nil {
		return fmt.Errorf("truncated marker record: %w", err)
	}
	hash, err := p.r.U32()
	if err != nil {
		return fmt.Errorf("truncated marker record: %w", err)
	}
	color, err := p.r.U32()
	if err != nil {
		return fmt.Errorf("truncated marker record: %w", err)
	}
	p.tr.Markers[hash] = &MarkerEvent{Name: name, NameHash: hash, Color: color}
	return nil
}

func (p *parser) readMarker() error {
	hash, err := p.r.U32()
	if err != nil {
		return fmt.Errorf("truncated marker record: %w", err)
	}
	thread, err := p.r.U64()
	if err != nil {
		return fmt.Errorf("truncated marker record: %w", err)
	}
	time, err := p.r.U64()
	if err != nil {
		return fmt.Errorf("truncated marker record: %w", err)
	}
	if time < p.minMarkerTime {
		p.minMarkerTime = time
	}
	ev, ok := p.tr.Markers[hash]
	if !ok {
		// Markers can fire before their registration record made it into the stream.
		ev = &MarkerEvent{NameHash: hash}
		p.tr.Markers[hash] = ev
	}
	p.tr.MarkerTimes = append(p.tr.MarkerTimes, MarkerTime{ThreadID: thread, Time: time, Event: ev})
	return nil
}

func (p *parser) readModule() error {
	charSize, err := p.r.U8()
	if err != nil {
		return fmt.Errorf("truncated module record: %w", err)
	}
	var name string
	if charSize == 1 {
		name, _, err = p.r.String(0)
	} else {
		name, _, err = p.r.WideString(0)
	}
	if err != nil {
		return fmt.Errorf("truncated module record: %w", err)
	}
	base, err := p.r.U64()
	if err != nil {
		return fmt.Errorf("truncated module record: %w", err)
	}
	size, err := p.r.U32()
	if err != nil {
		return fmt.Errorf("truncated module record: %w", err)
	}
	p.tr.addModule(name, base, uint64(size))
	return nil
}

func (p *parser) readAllocator() error {
	name, _, err := p.r.String(0)
	if err != nil {
		return fmt.Errorf("truncated allocator record: %w", err)
	}
	handle, err := p.r.U64()
	if err != nil {
		return fmt.Errorf("truncated allocator record: %w", err)
	}
	p.tr.Heaps[handle] = name
	return nil
}
