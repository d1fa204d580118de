//go:build unix

package host

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// SysRuntime is the default host runtime on unix systems. TLS segments and
// SIMD spill blocks are backed by anonymous mappings, which gives the SIMD
// block its required 64-byte alignment for free (page alignment), and raw-PC
// decoding goes through the x86 decoder in decode.go.
type SysRuntime struct {
	mu        sync.Mutex
	nextTLS   int
	hostSlots int
	stolen    arch.Reg
	phase     Phase
}

// sysHostSlots matches the handful of shared spill slots a DBI host
// typically exposes. They occupy the lowest segment offsets; raw TLS
// allocations start above them.
const sysHostSlots = 3

// NewSysRuntime returns a runtime with the default host-slot count and no
// stolen register.
func NewSysRuntime() *SysRuntime {
	return &SysRuntime{
		nextTLS:   sysHostSlots * arch.GPRSize,
		hostSlots: sysHostSlots,
	}
}

// SetPhase records the current block-building phase; the host's event
// dispatcher calls this around each phase.
func (rt *SysRuntime) SetPhase(p Phase) {
	rt.mu.Lock()
	rt.phase = p
	rt.mu.Unlock()
}

// Phase implements Runtime.
func (rt *SysRuntime) Phase() Phase {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.phase
}

// ReserveRawTLS implements Runtime with a bump allocator over the segment.
func (rt *SysRuntime) ReserveRawTLS(count int) (int, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	need := count * arch.GPRSize
	if rt.nextTLS+need > segmentBytes {
		return 0, fmt.Errorf("raw tls exhausted: %d cells requested", count)
	}
	offs := rt.nextTLS
	rt.nextTLS += need
	return offs, nil
}

// ReleaseRawTLS implements Runtime. Only the most recent reservation can be
// returned; anything else is rejected with an error.
func (rt *SysRuntime) ReleaseRawTLS(offs, count int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if offs+count*arch.GPRSize != rt.nextTLS {
		return fmt.Errorf("raw tls release out of order at offset %d", offs)
	}
	rt.nextTLS = offs
	return nil
}

// HostSlots implements Runtime.
func (rt *SysRuntime) HostSlots() int { return rt.hostSlots }

// HostSlotOffset implements Runtime.
func (rt *SysRuntime) HostSlotOffset(i int) int { return i * arch.GPRSize }

// StolenReg implements Runtime.
func (rt *SysRuntime) StolenReg() arch.Reg { return rt.stolen }

// EmitStolenRegValue implements Runtime. With no stolen register there is
// nothing to emit.
func (rt *SysRuntime) EmitStolenRegValue(il *ilist.List, where *ilist.Instr, dst arch.Reg) bool {
	return false
}

type mmapSegment struct {
	data []byte
}

func (s *mmapSegment) Base() uintptr {
	return uintptr(unsafe.Pointer(&s.data[0]))
}

func (s *mmapSegment) Read(offs int) uint64 {
	return binary.LittleEndian.Uint64(s.data[offs:])
}

func (s *mmapSegment) Write(offs int, val uint64) {
	binary.LittleEndian.PutUint64(s.data[offs:], val)
}

// NewSegment implements Runtime with an anonymous mapping per thread.
func (rt *SysRuntime) NewSegment() (Segment, error) {
	data, err := unix.Mmap(-1, 0, segmentBytes,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap tls segment: %w", err)
	}
	return &mmapSegment{data: data}, nil
}

// FreeSegment implements Runtime.
func (rt *SysRuntime) FreeSegment(seg Segment) error {
	s, ok := seg.(*mmapSegment)
	if !ok {
		return fmt.Errorf("segment not owned by this runtime")
	}
	return unix.Munmap(s.data)
}

// Decode implements Runtime by reading the instruction bytes straight from
// the code cache.
func (rt *SysRuntime) Decode(pc uintptr) (*ilist.Instr, uintptr, error) {
	const maxInstrLen = 15
	code := unsafe.Slice((*byte)(unsafe.Pointer(pc)), maxInstrLen)
	in, n, err := DecodeX86(code, pc)
	if err != nil {
		return nil, 0, err
	}
	return in, pc + uintptr(n), nil
}

// AllocSIMDBlock implements Runtime. Pages are 64-byte aligned by
// construction.
func (rt *SysRuntime) AllocSIMDBlock(size int) ([]byte, func() error, error) {
	mapped := (size + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	data, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap simd block: %w", err)
	}
	return data[:size], func() error { return unix.Munmap(data) }, nil
}
