// Package tracetest synthesizes capture byte streams for tests, the way httptest serves
// canned HTTP. It mirrors the writer side of the capture format that package trace reads.
package tracetest

import (
	"bytes"
	"math/bits"
	"unicode/utf16"

	"github.com/golang/snappy"
)

// Config controls the shape of the synthesized capture.
type Config struct {
	// BigEndian writes every multi-byte field byte-swapped and marks the header accordingly.
	BigEndian bool
	// PointerSize is 32 or 64; 0 means 64.
	PointerSize uint8
	// VersionHigh/VersionLow default to 1.2.
	VersionHigh uint8
	VersionLow  uint8
	// Toolchain is the raw header byte; 0 is MSVC.
	Toolchain uint8
	// CPUFrequency defaults to 1000000.
	CPUFrequency uint64
}

// Record tags, mirroring the reader's vocabulary.
const (
	evAlloc byte = iota
	evAllocAligned
	evCalloc
	evFree
	evRealloc
	evReallocAligned
	evRegisterTag
	evEnterTag
	evLeaveTag
	evRegisterMarker
	evMarker
	evModule
	evAllocator
)

const (
	stackAdd byte = iota
	stackExists
)

// Builder accumulates records and renders them as a capture byte stream.
type Builder struct {
	cfg     Config
	modules bytes.Buffer
	events  bytes.Buffer
	// pendingStackHash, when set, makes the next operation reference an already interned
	// stack trace instead of carrying its frames.
	pendingStackHash uint32
	pendingStackRef  bool
	wideModules      bool
}

func NewBuilder(cfg Config) *Builder {
	if cfg.PointerSize == 0 {
		cfg.PointerSize = 64
	}
	if cfg.VersionHigh == 0 && cfg.VersionLow == 0 {
		cfg.VersionHigh = 1
		cfg.VersionLow = 2
	}
	if cfg.CPUFrequency == 0 {
		cfg.CPUFrequency = 1000000
	}
	return &Builder{cfg: cfg}
}

func (b *Builder) put8(buf *bytes.Buffer, v uint8) {
	buf.WriteByte(v)
}

func (b *Builder) put16(buf *bytes.Buffer, v uint16) {
	if b.cfg.BigEndian {
		v = bits.ReverseBytes16(v)
	}
	buf.Write([]byte{byte(v), byte(v >> 8)})
}

func (b *Builder) put32(buf *bytes.Buffer, v uint32) {
	if b.cfg.BigEndian {
		v = bits.ReverseBytes32(v)
	}
	buf.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (b *Builder) put64(buf *bytes.Buffer, v uint64) {
	if b.cfg.BigEndian {
		v = bits.ReverseBytes64(v)
	}
	buf.Write([]byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	})
}

func (b *Builder) putPtr(buf *bytes.Buffer, v uint64) {
	if b.cfg.PointerSize == 32 {
		b.put32(buf, uint32(v))
	} else {
		b.put64(buf, v)
	}
}

func (b *Builder) putString(buf *bytes.Buffer, s string, mask byte) {
	b.put32(buf, uint32(len(s)))
	for i := 0; i < len(s); i++ {
		buf.WriteByte(s[i] ^ mask)
	}
}

func (b *Builder) putWideString(buf *bytes.Buffer, s string, mask byte) {
	units := utf16.Encode([]rune(s))
	b.put32(buf, uint32(len(units)))
	var body bytes.Buffer
	for _, u := range units {
		b.put16(&body, u)
	}
	raw := body.Bytes()
	for i := range raw {
		raw[i] ^= mask
	}
	buf.Write(raw)
}

// TableModule appends a record to the module table section at the front of the capture.
func (b *Builder) TableModule(path string, base, size uint64) {
	b.putString(&b.modules, path, 0x23)
	b.put64(&b.modules, base)
	b.put64(&b.modules, size)
}

// TableModuleWide is TableModule with a wide (UTF-16) path. All module
// table entries of one capture must use the same width; Bytes picks wide encoding when any
// entry was added with this method.
func (b *Builder) TableModuleWide(path string, base, size uint64) {
	b.putWideString(&b.modules, path, 0x23)
	b.put64(&b.modules, base)
	b.put64(&b.modules, size)
	b.wideModules = true
}

// UseExistingStack makes the next operation reference the interned stack trace with the given
// hash instead of spelling out its frames.
func (b *Builder) UseExistingStack(hash uint32) {
	b.pendingStackHash = hash
	b.pendingStackRef = true
}

func (b *Builder) putStack(frames []uint64) {
	if b.pendingStackRef {
		b.pendingStackRef = false
		b.put8(&b.events, stackExists)
		b.put32(&b.events, b.pendingStackHash)
		return
	}
	b.put8(&b.events, stackAdd)
	b.put16(&b.events, uint16(len(frames)))
	for _, pc := range frames {
		b.putPtr(&b.events, pc)
	}
}

// Alloc appends an allocation event.
func (b *Builder) Alloc(handle, thread, ptr, time, size uint64, overhead uint32, frames []uint64) {
	b.allocLike(evAlloc, handle, thread, ptr, time, size, overhead, frames)
}

// Calloc appends a zeroing allocation event.
func (b *Builder) Calloc(handle, thread, ptr, time, size uint64, overhead uint32, frames []uint64) {
	b.allocLike(evCalloc, handle, thread, ptr, time, size, overhead, frames)
}

func (b *Builder) allocLike(ev byte, handle, thread, ptr, time, size uint64, overhead uint32, frames []uint64) {
	b.put8(&b.events, ev)
	b.put64(&b.events, handle)
	b.put64(&b.events, thread)
	b.putPtr(&b.events, ptr)
	b.put64(&b.events, time)
	b.put64(&b.events, size)
	b.put32(&b.events, overhead)
	b.putStack(frames)
}

// AllocAligned appends an aligned allocation event.
func (b *Builder) AllocAligned(handle, thread, ptr, time uint64, alignment uint8, size uint64, overhead uint32, frames []uint64) {
	b.put8(&b.events, evAllocAligned)
	b.put64(&b.events, handle)
	b.put64(&b.events, thread)
	b.putPtr(&b.events, ptr)
	b.put64(&b.events, time)
	b.put8(&b.events, alignment)
	b.put64(&b.events, size)
	b.put32(&b.events, overhead)
	b.putStack(frames)
}

// Realloc appends a reallocation event. prev == 0 means realloc of nothing.
func (b *Builder) Realloc(handle, thread, ptr, prev, time, size uint64, overhead uint32, frames []uint64) {
	b.put8(&b.events, evRealloc)
	b.put64(&b.events, handle)
	b.put64(&b.events, thread)
	b.putPtr(&b.events, ptr)
	b.putPtr(&b.events, prev)
	b.put64(&b.events, time)
	b.put64(&b.events, size)
	b.put32(&b.events, overhead)
	b.putStack(frames)
}

// ReallocAligned appends an aligned reallocation event.
func (b *Builder) ReallocAligned(handle, thread, ptr, prev, time uint64, alignment uint8, size uint64, overhead uint32, frames []uint64) {
	b.put8(&b.events, evReallocAligned)
	b.put64(&b.events, handle)
	b.put64(&b.events, thread)
	b.putPtr(&b.events, ptr)
	b.putPtr(&b.events, prev)
	b.put64(&b.events, time)
	b.put8(&b.events, alignment)
	b.put64(&b.events, size)
	b.put32(&b.events, overhead)
	b.putStack(frames)
}

// Free appends a free event.
func (b *Builder) Free(handle, thread, ptr, time uint64, frames []uint64) {
	b.put8(&b.events, evFree)
	b.put64(&b.events, handle)
	b.put64(&b.events, thread)
	b.putPtr(&b.events, ptr)
	b.put64(&b.events, time)
	b.putStack(frames)
}

// RegisterTag appends a tag registration. parentName may be empty.
func (b *Builder) RegisterTag(name, parentName string, hash, parentHash uint32) {
	b.put8(&b.events, evRegisterTag)
	b.putString(&b.events, name, 0)
	b.putString(&b.events, parentName, 0)
	b.put32(&b.events, hash)
	if parentName != "" {
		b.put32(&b.events, parentHash)
	}
}

func (b *Builder) EnterTag(hash uint32, thread uint64) {
	b.put8(&b.events, evEnterTag)
	b.put32(&b.events, hash)
	b.put64(&b.events, thread)
}

func (b *Builder) LeaveTag(hash uint32, thread uint64) {
	b.put8(&b.events, evLeaveTag)
	b.put32(&b.events, hash)
	b.put64(&b.events, thread)
}

func (b *Builder) RegisterMarker(name string, hash, color uint32) {
	b.put8(&b.events, evRegisterMarker)
	b.putString(&b.events, name, 0)
	b.put32(&b.events, hash)
	b.put32(&b.events, color)
}

func (b *Builder) Marker(hash uint32, thread, time uint64) {
	b.put8(&b.events, evMarker)
	b.put32(&b.events, hash)
	b.put64(&b.events, thread)
	b.put64(&b.events, time)
}

// Module appends an in-stream module record.
func (b *Builder) Module(wide bool, name string, base uint64, size uint32) {
	b.put8(&b.events, evModule)
	if wide {
		b.put8(&b.events, 2)
		b.putWideString(&b.events, name, 0)
	} else {
		b.put8(&b.events, 1)
		b.putString(&b.events, name, 0)
	}
	b.put64(&b.events, base)
	b.put32(&b.events, size)
}

// Allocator appends a heap naming record.
func (b *Builder) Allocator(name string, handle uint64) {
	b.put8(&b.events, evAllocator)
	b.putString(&b.events, name, 0)
	b.put64(&b.events, handle)
}

// Raw appends arbitrary bytes to the event stream, for corruption tests.
func (b *Builder) Raw(p []byte) {
	b.events.Write(p)
}

// Bytes renders the capture.
func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	endianness := uint8(0)
	if b.cfg.BigEndian {
		endianness = 0xff
	}
	b.put8(&out, endianness)
	b.put8(&out, b.cfg.PointerSize)
	b.put8(&out, b.cfg.VersionHigh)
	b.put8(&out, b.cfg.VersionLow)
	b.put8(&out, b.cfg.Toolchain)
	b.put64(&out, b.cfg.CPUFrequency)

	if b.modules.Len() == 0 {
		b.put32(&out, 0)
	} else {
		b.put32(&out, uint32(b.modules.Len())+1)
		if b.wideModules {
			b.put8(&out, 2)
		} else {
			b.put8(&out, 1)
		}
		out.Write(b.modules.Bytes())
	}

	out.Write(b.events.Bytes())
	return out.Bytes()
}

// CompressedBytes renders the capture as a compressed stream: the compression signature
// followed by the snappy framing of the remaining bytes.
func (b *Builder) CompressedBytes() []byte {
	raw := b.Bytes()
	var out bytes.Buffer
	out.Write([]byte{0x46, 0x46, 0x23, 0x23})
	w := snappy.NewBufferedWriter(&out)
	w.Write(raw)
	w.Close()
	return out.Bytes()
}
