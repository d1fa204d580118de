package regmediator

import (
	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// The mediator and its fault-time reconstructor share a fixed catalog of
// spill/restore idioms:
//
//	direct spill    mov tls:[slotOffs+i*8] <- gpr
//	direct restore  mov gpr <- tls:[slotOffs+i*8]
//	host-slot forms of the same at the host's offsets
//	indirect spill  mov gpr <- tls:[simdOffs]; movdqa [gpr+i*64] <- xmm
//	indirect restore mov gpr <- tls:[simdOffs]; movdqa xmm <- [gpr+i*64]
//
// ClassifySpillRestore is the single decision procedure over that catalog.
// The emitters assert their output classifies, and the reconstructor decodes
// with it, so the two cannot drift apart.

// SpillRestore describes one classified instruction (or, for the indirect
// idiom, instruction pair).
type SpillRestore struct {
	// Spill is true for a store to the slot, false for a load from it.
	Spill bool
	// Reg is the register moved. For the indirect idiom this is the SIMD
	// register of the second instruction, not the block-pointer scratch.
	Reg arch.Reg
	// Slot is the mediator slot index. Host-backed slots continue the
	// index space above the configured TLS slots.
	Slot int
	// Offs is the raw TLS byte offset involved.
	Offs int
	// Indirect marks the two-instruction SIMD idiom.
	Indirect bool
}

// ClassifySpillRestore decides whether inst is one of the mediator's own
// spill or restore idioms. next must be the instruction following inst when
// available; the indirect idiom is recognized only when the block-pointer
// load is immediately followed by the SIMD move through the loaded register.
// The classification is pure: it depends only on the instruction shapes and
// the mediator's TLS geometry.
func (m *Mediator) ClassifySpillRestore(inst, next *ilist.Instr) (SpillRestore, bool) {
	var sr SpillRestore
	if inst == nil || inst.Opcode != ilist.OpMov ||
		len(inst.Dsts) != 1 || len(inst.Srcs) != 1 {
		return sr, false
	}
	dst, src := inst.Dsts[0], inst.Srcs[0]
	switch {
	case dst.Kind == ilist.OpndMem && dst.Seg == ilist.SegTLS &&
		src.Kind == ilist.OpndReg && src.Reg.IsGPR():
		sr.Spill = true
		sr.Reg = src.Reg
		sr.Offs = int(dst.Disp)
	case src.Kind == ilist.OpndMem && src.Seg == ilist.SegTLS &&
		dst.Kind == ilist.OpndReg && dst.Reg.IsGPR():
		sr.Spill = false
		sr.Reg = dst.Reg
		sr.Offs = int(src.Disp)
	default:
		return sr, false
	}

	numTLS := m.ops.NumSpillSlots
	switch {
	case sr.Offs >= m.tlsSlotOffs && sr.Offs < m.tlsSlotOffs+numTLS*arch.GPRSize:
		sr.Slot = (sr.Offs - m.tlsSlotOffs) / arch.GPRSize
	case sr.Offs == m.tlsSIMDOffs && !sr.Spill:
		// A load of the block pointer introduces the indirect idiom; the
		// SIMD move must follow immediately, nothing interleaved.
		return m.classifyIndirect(sr.Reg, next)
	default:
		slot, ok := m.hostSlotFromOffs(sr.Offs)
		if !ok {
			// Some other component's TLS access.
			return SpillRestore{}, false
		}
		sr.Slot = slot
	}
	return sr, true
}

// classifyIndirect inspects the instruction after a block-pointer load into
// blockReg.
func (m *Mediator) classifyIndirect(blockReg arch.Reg, next *ilist.Instr) (SpillRestore, bool) {
	var sr SpillRestore
	if next == nil ||
		(next.Opcode != ilist.OpMovdqa && next.Opcode != ilist.OpVmovdqa) ||
		len(next.Dsts) != 1 || len(next.Srcs) != 1 {
		return sr, false
	}
	dst, src := next.Dsts[0], next.Srcs[0]
	sr.Indirect = true
	sr.Offs = m.tlsSIMDOffs
	switch {
	case dst.Kind == ilist.OpndReg && dst.Reg.IsVectorSIMD() &&
		src.Kind == ilist.OpndMem && src.Base == blockReg:
		sr.Spill = false
		sr.Reg = dst.Reg
		sr.Slot = int(src.Disp) / arch.SIMDSlotSize
	case src.Kind == ilist.OpndReg && src.Reg.IsVectorSIMD() &&
		dst.Kind == ilist.OpndMem && dst.Base == blockReg:
		sr.Spill = true
		sr.Reg = src.Reg
		sr.Slot = int(dst.Disp) / arch.SIMDSlotSize
	default:
		return SpillRestore{}, false
	}
	return sr, true
}

// hostSlotFromOffs maps a TLS offset into the host-slot index space.
func (m *Mediator) hostSlotFromOffs(offs int) (int, bool) {
	n := m.rt.HostSlots()
	if n == 0 {
		return 0, false
	}
	lo := m.rt.HostSlotOffset(0)
	hi := m.rt.HostSlotOffset(n-1) + arch.GPRSize
	if offs < lo || offs >= hi || (offs-lo)%arch.GPRSize != 0 {
		return 0, false
	}
	return m.ops.NumSpillSlots + (offs-lo)/arch.GPRSize, true
}

// IsInstrSpillOrRestore reports whether instr is one of the mediator's own
// spill or restore instructions and, if so, which register it moves.
func (t *Thread) IsInstrSpillOrRestore(instr *ilist.Instr) (spill, restore bool, reg arch.Reg, err error) {
	if instr == nil {
		return false, false, arch.RegNone, ErrInvalidParameter
	}
	sr, ok := t.m.ClassifySpillRestore(instr, instr.Next())
	if !ok {
		return false, false, arch.RegNone, nil
	}
	return sr.Spill, !sr.Spill, sr.Reg, nil
}
