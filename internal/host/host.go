// Package host is the seam between the mediator core and the DBI host
// runtime. The core consumes this interface for everything it does not own:
// raw TLS slot geometry, host-provided spill slots, per-thread storage,
// instruction decoding from raw code addresses, and machine-context access
// during fault-time state restoration.
package host

import (
	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// segmentBytes is the size of one thread's raw TLS segment.
const segmentBytes = 4096

// Phase identifies where block instrumentation currently stands. Several
// mediator APIs behave differently outside the insertion phase.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseApp2App
	PhaseAnalysis
	PhaseInsertion
)

// Segment is one thread's raw TLS storage. Offsets are bytes from the
// segment base; cells are register-sized.
type Segment interface {
	// Base returns the linear address of the segment, for access from
	// another thread during fault handling.
	Base() uintptr
	// Read returns the register-sized cell at offs.
	Read(offs int) uint64
	// Write stores a register-sized value at offs.
	Write(offs int, val uint64)
}

// Runtime is the host runtime as seen by the mediator.
type Runtime interface {
	// ReserveRawTLS allocates count contiguous register-sized TLS cells and
	// returns the byte offset of the first, process-wide.
	ReserveRawTLS(count int) (offs int, err error)
	// ReleaseRawTLS returns cells obtained from ReserveRawTLS.
	ReleaseRawTLS(offs, count int) error

	// HostSlots is how many non-persistent spill slots the host itself
	// offers beyond the mediator's raw TLS cells. Values stored there are
	// not guaranteed to survive across application instructions.
	HostSlots() int
	// HostSlotOffset returns the TLS byte offset backing host slot i.
	HostSlotOffset(i int) int

	// StolenReg is the register the host claims for its own use, or
	// RegNone.
	StolenReg() arch.Reg
	// EmitStolenRegValue emits code loading the application value of the
	// stolen register into dst, returning false if unsupported.
	EmitStolenRegValue(il *ilist.List, where *ilist.Instr, dst arch.Reg) bool

	// Phase reports the current block-building phase.
	Phase() Phase

	// NewSegment allocates one thread's TLS segment storage.
	NewSegment() (Segment, error)
	// FreeSegment releases a segment.
	FreeSegment(seg Segment) error
	// AllocSIMDBlock allocates size bytes of 64-byte-aligned storage for a
	// thread's indirect SIMD spill block.
	AllocSIMDBlock(size int) (block []byte, free func() error, err error)

	// Decode decodes one instruction at pc, returning it in the mediator's
	// instruction model together with the address of the next instruction.
	Decode(pc uintptr) (*ilist.Instr, uintptr, error)
}

// MachineContext is the register file snapshot exchanged with the host
// during fault-time state restoration.
type MachineContext struct {
	GPR   [arch.NumGPR]uint64
	SIMD  [arch.NumSIMD][arch.SIMDSlotSize]byte
	Flags uint64
	PC    uintptr
}

// GetReg returns the value of a GPR.
func (mc *MachineContext) GetReg(r arch.Reg) uint64 { return mc.GPR[r.GPRIndex()] }

// SetReg sets the value of a GPR.
func (mc *MachineContext) SetReg(r arch.Reg, v uint64) { mc.GPR[r.GPRIndex()] = v }

// GetSIMD returns the low width bytes of a SIMD register.
func (mc *MachineContext) GetSIMD(r arch.Reg) []byte {
	return mc.SIMD[r.SIMDIndex()][:r.FullSize()]
}

// SetSIMD overwrites the low len(val) bytes of a SIMD register.
func (mc *MachineContext) SetSIMD(r arch.Reg, val []byte) {
	copy(mc.SIMD[r.SIMDIndex()][:], val)
}

// RestoreStateInfo carries the two contexts involved in a fault: the raw
// context observed in the code cache and the application-visible context the
// host will resume with, plus where the faulting fragment's code begins.
type RestoreStateInfo struct {
	// Raw is the faulting context; Raw.PC is inside the fragment.
	Raw *MachineContext
	// App is the context to be fixed up so the application sees its own
	// register values.
	App *MachineContext
	// FragmentStart is the code-cache address the fragment starts at.
	FragmentStart uintptr
}
