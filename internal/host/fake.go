package host

import (
	"fmt"
	"unsafe"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// Fake is a deterministic in-memory Runtime for tests and demos. Segments
// are plain byte slices, the SIMD block is an align-forward heap slice, and
// Decode serves instructions previously registered with MapCode, one code
// address per instruction.
type Fake struct {
	CurPhase  Phase
	Stolen    arch.Reg
	NumHost   int
	nextTLS   int
	code      map[uintptr]*ilist.Instr
	codeNext  map[uintptr]uintptr
	segs      []*FakeSegment
	freedTLS  []int
	SIMDFrees int
}

// NewFake returns a runtime with the given number of host spill slots.
func NewFake(hostSlots int) *Fake {
	return &Fake{
		NumHost:  hostSlots,
		nextTLS:  hostSlots * arch.GPRSize,
		code:     make(map[uintptr]*ilist.Instr),
		codeNext: make(map[uintptr]uintptr),
	}
}

// FakeSegment is a Fake thread's TLS storage.
type FakeSegment struct {
	data [segmentBytes]byte
}

// Base implements Segment.
func (s *FakeSegment) Base() uintptr { return uintptr(unsafe.Pointer(&s.data[0])) }

// Read implements Segment.
func (s *FakeSegment) Read(offs int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(s.data[offs+i]) << (8 * i)
	}
	return v
}

// Write implements Segment.
func (s *FakeSegment) Write(offs int, val uint64) {
	for i := 0; i < 8; i++ {
		s.data[offs+i] = byte(val >> (8 * i))
	}
}

// ReserveRawTLS implements Runtime.
func (f *Fake) ReserveRawTLS(count int) (int, error) {
	need := count * arch.GPRSize
	if f.nextTLS+need > segmentBytes {
		return 0, fmt.Errorf("fake tls exhausted")
	}
	offs := f.nextTLS
	f.nextTLS += need
	return offs, nil
}

// ReleaseRawTLS implements Runtime.
func (f *Fake) ReleaseRawTLS(offs, count int) error {
	f.freedTLS = append(f.freedTLS, offs)
	if offs+count*arch.GPRSize == f.nextTLS {
		f.nextTLS = offs
	}
	return nil
}

// HostSlots implements Runtime.
func (f *Fake) HostSlots() int { return f.NumHost }

// HostSlotOffset implements Runtime. Host slots occupy the lowest segment
// offsets, below all raw TLS reservations.
func (f *Fake) HostSlotOffset(i int) int { return i * arch.GPRSize }

// StolenReg implements Runtime.
func (f *Fake) StolenReg() arch.Reg { return f.Stolen }

// EmitStolenRegValue implements Runtime.
func (f *Fake) EmitStolenRegValue(il *ilist.List, where *ilist.Instr, dst arch.Reg) bool {
	if f.Stolen == arch.RegNone {
		return false
	}
	il.MetaPreinsert(where, ilist.NewTLSRead(stolenRegOffset, dst))
	return true
}

// stolenRegOffset is where the fake keeps the stolen register's app value.
const stolenRegOffset = segmentBytes - arch.GPRSize

// Phase implements Runtime.
func (f *Fake) Phase() Phase { return f.CurPhase }

// NewSegment implements Runtime.
func (f *Fake) NewSegment() (Segment, error) {
	seg := &FakeSegment{}
	f.segs = append(f.segs, seg)
	return seg, nil
}

// FreeSegment implements Runtime.
func (f *Fake) FreeSegment(seg Segment) error { return nil }

// AllocSIMDBlock implements Runtime, aligning forward within an
// over-allocated slice the way the host's raw allocator would.
func (f *Fake) AllocSIMDBlock(size int) ([]byte, func() error, error) {
	buf := make([]byte, size+63)
	misalign := int(uintptr(unsafe.Pointer(&buf[0])) & 63)
	start := 0
	if misalign != 0 {
		start = 64 - misalign
	}
	free := func() error { f.SIMDFrees++; return nil }
	return buf[start : start+size], free, nil
}

// MapCode registers every instruction of il at consecutive fake code
// addresses starting at start, and returns the address one past the last
// instruction. Decode then serves them back, which lets tests walk
// "emitted" code without an encoder.
func (f *Fake) MapCode(start uintptr, il *ilist.List) uintptr {
	pc := start
	for in := il.First(); in != nil; in = in.Next() {
		in.PC = pc
		f.code[pc] = in
		f.codeNext[pc] = pc + 1
		pc++
	}
	return pc
}

// Decode implements Runtime from the MapCode table.
func (f *Fake) Decode(pc uintptr) (*ilist.Instr, uintptr, error) {
	in, ok := f.code[pc]
	if !ok {
		return nil, 0, fmt.Errorf("no instruction mapped at %#x", pc)
	}
	return in, f.codeNext[pc], nil
}
