// Package arch defines the register model the mediator allocates over:
// register identities and classes, per-class widths, the liveness lattices
// used by the analyzer, and the architectural arithmetic-flag bits.
package arch

import "fmt"

// Reg identifies a physical register. GPRs are always addressed by their
// pointer-sized name; SIMD registers carry their access width in the
// identity itself (XMM2, YMM2 and ZMM2 are three names for slices of one
// physical register).
type Reg uint8

const (
	RegNone Reg = iota

	RAX
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15

	YMM0
	YMM1
	YMM2
	YMM3
	YMM4
	YMM5
	YMM6
	YMM7
	YMM8
	YMM9
	YMM10
	YMM11
	YMM12
	YMM13
	YMM14
	YMM15

	ZMM0
	ZMM1
	ZMM2
	ZMM3
	ZMM4
	ZMM5
	ZMM6
	ZMM7
	ZMM8
	ZMM9
	ZMM10
	ZMM11
	ZMM12
	ZMM13
	ZMM14
	ZMM15

	// RegAflags is a pseudo-register used in slot bookkeeping for the
	// arithmetic flags, which have no architectural register of their own.
	RegAflags
)

// NumGPR and NumSIMD size the per-thread tracking arrays.
const (
	NumGPR  = 16
	NumSIMD = 16
)

// Register widths in bytes.
const (
	GPRSize = 8
	XMMSize = 16
	YMMSize = 32
	ZMMSize = 64

	// SIMDSlotSize is the stride of the indirect spill block: one slot per
	// register at the widest supported width.
	SIMDSlotSize = ZMMSize
)

var gprNames = [NumGPR]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String returns the assembler name of the register.
func (r Reg) String() string {
	switch {
	case r.IsGPR():
		return gprNames[r.GPRIndex()]
	case r.IsStrictlyXMM():
		return fmt.Sprintf("xmm%d", r-XMM0)
	case r.IsStrictlyYMM():
		return fmt.Sprintf("ymm%d", r-YMM0)
	case r.IsStrictlyZMM():
		return fmt.Sprintf("zmm%d", r-ZMM0)
	case r == RegAflags:
		return "aflags"
	}
	return "none"
}

// IsGPR reports whether r is a pointer-sized general-purpose register.
func (r Reg) IsGPR() bool { return r >= RAX && r <= R15 }

// IsVectorSIMD reports whether r names any slice of a vector register.
func (r Reg) IsVectorSIMD() bool { return r >= XMM0 && r <= ZMM15 }

// IsStrictlyXMM reports whether r is a 128-bit SIMD name.
func (r Reg) IsStrictlyXMM() bool { return r >= XMM0 && r <= XMM15 }

// IsStrictlyYMM reports whether r is a 256-bit SIMD name.
func (r Reg) IsStrictlyYMM() bool { return r >= YMM0 && r <= YMM15 }

// IsStrictlyZMM reports whether r is a 512-bit SIMD name.
func (r Reg) IsStrictlyZMM() bool { return r >= ZMM0 && r <= ZMM15 }

// GPRIndex returns the tracking-array index of a GPR.
func (r Reg) GPRIndex() int { return int(r - RAX) }

// SIMDIndex returns the tracking-array index of any SIMD name, resolving
// subwidth aliases to the physical register.
func (r Reg) SIMDIndex() int { return int(r.WidenSIMD() - ZMM0) }

// WidenSIMD resolves any SIMD name to its widest (ZMM) alias.
func (r Reg) WidenSIMD() Reg {
	switch {
	case r.IsStrictlyXMM():
		return r - XMM0 + ZMM0
	case r.IsStrictlyYMM():
		return r - YMM0 + ZMM0
	}
	return r
}

// ResizeSIMD returns the alias of r with the given width in bytes.
func ResizeSIMD(r Reg, size int) Reg {
	idx := Reg(r.SIMDIndex())
	switch size {
	case XMMSize:
		return XMM0 + idx
	case YMMSize:
		return YMM0 + idx
	case ZMMSize:
		return ZMM0 + idx
	}
	return RegNone
}

// FullSize returns the architectural width of r in bytes.
func (r Reg) FullSize() int {
	switch {
	case r.IsGPR():
		return GPRSize
	case r.IsStrictlyXMM():
		return XMMSize
	case r.IsStrictlyYMM():
		return YMMSize
	case r.IsStrictlyZMM():
		return ZMMSize
	}
	return 0
}

// GPR returns the i'th general-purpose register.
func GPR(i int) Reg { return RAX + Reg(i) }

// SIMD returns the i'th SIMD register at its widest name.
func SIMD(i int) Reg { return ZMM0 + Reg(i) }

// SpillClass selects which register file and width a reservation draws from.
type SpillClass int

const (
	InvalidSpillClass SpillClass = iota
	GPRSpillClass
	SIMDXMMSpillClass
	SIMDYMMSpillClass
	SIMDZMMSpillClass
)

// String returns a short name for the class.
func (c SpillClass) String() string {
	switch c {
	case GPRSpillClass:
		return "gpr"
	case SIMDXMMSpillClass:
		return "xmm"
	case SIMDYMMSpillClass:
		return "ymm"
	case SIMDZMMSpillClass:
		return "zmm"
	}
	return "invalid"
}

// IsSIMD reports whether the class draws from the vector register file.
func (c SpillClass) IsSIMD() bool {
	return c == SIMDXMMSpillClass || c == SIMDYMMSpillClass || c == SIMDZMMSpillClass
}

// Width returns the spill width of the class in bytes.
func (c SpillClass) Width() int {
	switch c {
	case GPRSpillClass:
		return GPRSize
	case SIMDXMMSpillClass:
		return XMMSize
	case SIMDYMMSpillClass:
		return YMMSize
	case SIMDZMMSpillClass:
		return ZMMSize
	}
	return 0
}

// ClassOf returns the spill class a register belongs to.
func ClassOf(r Reg) SpillClass {
	switch {
	case r.IsGPR():
		return GPRSpillClass
	case r.IsStrictlyXMM():
		return SIMDXMMSpillClass
	case r.IsStrictlyYMM():
		return SIMDYMMSpillClass
	case r.IsStrictlyZMM():
		return SIMDZMMSpillClass
	}
	return InvalidSpillClass
}

// Traits captures the per-architecture knobs the allocator is generic over:
// how many registers each file has, which registers are off-limits, and
// whether the flags-in-accumulator save idiom exists.
type Traits struct {
	NumGPR  int
	NumSIMD int
	// SP is never handed out even when it appears dead.
	SP Reg
	// Accumulator is the register the lahf/seto idiom targets.
	Accumulator Reg
	// AflagsInAccumulator enables parking saved flags in the accumulator
	// instead of forcing them to their TLS slot.
	AflagsInAccumulator bool
}

// AMD64 is the only fully supported architecture.
var AMD64 = Traits{
	NumGPR:              NumGPR,
	NumSIMD:             NumSIMD,
	SP:                  RSP,
	Accumulator:         RAX,
	AflagsInAccumulator: true,
}
