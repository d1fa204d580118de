package regmediator

import (
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// slotTLSOffset returns the TLS byte offset backing a GPR slot, whether it
// is one of our cells or a host slot.
func (t *Thread) slotTLSOffset(slot int) int {
	if !t.isHostSlot(slot) {
		return t.m.tlsSlotOffs + slot*arch.GPRSize
	}
	return t.m.rt.HostSlotOffset(slot - t.m.ops.NumSpillSlots)
}

// emitDirectStore emits the store of reg into a GPR slot. The emitted shape
// must classify as one of our spill idioms; that is asserted here so drift
// between emitter and reconstructor cannot ship.
func (t *Thread) emitDirectStore(il *ilist.List, where *ilist.Instr, reg arch.Reg, slot int) {
	in := ilist.NewTLSWrite(t.slotTLSOffset(slot), reg)
	if sr, ok := t.m.ClassifySpillRestore(in, nil); !ok || !sr.Spill || sr.Slot != slot {
		t.m.reportError(ErrInternal, "emitted spill does not classify")
	}
	il.MetaPreinsert(where, in)
	if slot > t.m.statsMaxSlot {
		t.m.statsMaxSlot = slot // racy but that's ok
	}
}

// emitDirectLoad emits the load of a GPR slot back into reg.
func (t *Thread) emitDirectLoad(il *ilist.List, where *ilist.Instr, reg arch.Reg, slot int) {
	in := ilist.NewTLSRead(t.slotTLSOffset(slot), reg)
	if sr, ok := t.m.ClassifySpillRestore(in, nil); !ok || sr.Spill || sr.Slot != slot {
		t.m.reportError(ErrInternal, "emitted restore does not classify")
	}
	il.MetaPreinsert(where, in)
}

// spillRegDirectly spills a GPR (or the accumulator carrying flag bits) to a
// slot and binds the slot. Callers own the register record updates.
func (t *Thread) spillRegDirectly(il *ilist.List, where *ilist.Instr, reg arch.Reg, slot int) {
	tracelog.WithFields(logrus.Fields{"reg": reg, "slot": slot, "liveIdx": t.liveIdx}).
		Debug("spill direct")
	if t.slotUse[slot] != arch.RegNone && t.slotUse[slot] != reg && slot != aflagsSlot {
		// Aflags may be saved and restored through different registers.
		t.m.reportError(ErrInternal, "slot tracking mismatch on spill")
	}
	if slot == aflagsSlot {
		t.aflags.everSpilled = true
	}
	t.slotUse[slot] = reg
	t.emitDirectStore(il, where, reg, slot)
}

// restoreRegDirectly loads a GPR slot back into reg; release frees the slot.
func (t *Thread) restoreRegDirectly(il *ilist.List, where *ilist.Instr, reg arch.Reg, slot int, release bool) {
	tracelog.WithFields(logrus.Fields{"reg": reg, "slot": slot, "release": release}).
		Debug("restore direct")
	if t.slotUse[slot] != reg && !(slot == aflagsSlot && t.slotUse[slot] != arch.RegNone) {
		t.m.reportError(ErrInternal, "slot tracking mismatch on restore")
	}
	if release {
		t.slotUse[slot] = arch.RegNone
	}
	t.emitDirectLoad(il, where, reg, slot)
}

// loadIndirectBlock emits the load of the SIMD block pointer from its hidden
// TLS cell into blockReg. The classifier depends on this load being
// immediately followed by the SIMD move through blockReg; nothing may be
// inserted between them.
func (t *Thread) loadIndirectBlock(il *ilist.List, where *ilist.Instr, blockReg arch.Reg) *ilist.Instr {
	in := ilist.NewTLSRead(t.m.tlsSIMDOffs, blockReg)
	return il.MetaPreinsert(where, in)
}

// spillRegIndirectly spills a SIMD register into the indirect block: reserve
// a scratch GPR, load the block pointer, store through base+disp, release
// the scratch.
func (t *Thread) spillRegIndirectly(il *ilist.List, where *ilist.Instr, reg arch.Reg, slot int) error {
	tracelog.WithFields(logrus.Fields{"reg": reg, "slot": slot}).Debug("spill indirect")
	if !reg.IsVectorSIMD() {
		return ErrInvalidParameter
	}
	if prev := t.simdSlotUse[slot]; prev != arch.RegNone && prev.SIMDIndex() != reg.SIMDIndex() {
		t.m.reportError(ErrInternal, "simd slot tracking mismatch on spill")
	}
	scratch, err := t.reserveGPRInternal(il, where, nil, false)
	if err != nil {
		return err
	}
	load := t.loadIndirectBlock(il, where, scratch)
	t.simdSlotUse[slot] = reg
	var move *ilist.Instr
	switch {
	case reg.IsStrictlyXMM():
		mem := ilist.MemOpnd(scratch, int32(slot*arch.SIMDSlotSize), arch.XMMSize)
		move = il.MetaPreinsert(where, ilist.NewMovdqa(mem, ilist.RegOpnd(reg)))
	default:
		// Wider classes are rejected at the API boundary.
		return ErrFeatureNotAvailable
	}
	if sr, ok := t.m.ClassifySpillRestore(load, move); !ok || !sr.Spill || !sr.Indirect || sr.Slot != slot {
		t.m.reportError(ErrInternal, "emitted simd spill does not classify")
	}
	return t.UnreserveRegister(il, where, scratch)
}

// restoreRegIndirectly loads a SIMD register back from the indirect block.
func (t *Thread) restoreRegIndirectly(il *ilist.List, where *ilist.Instr, reg arch.Reg, slot int, release bool) error {
	tracelog.WithFields(logrus.Fields{"reg": reg, "slot": slot, "release": release}).
		Debug("restore indirect")
	if !reg.IsVectorSIMD() {
		return ErrInvalidParameter
	}
	if prev := t.simdSlotUse[slot]; prev == arch.RegNone || prev.SIMDIndex() != reg.SIMDIndex() {
		t.m.reportError(ErrInternal, "simd slot tracking mismatch on restore")
	}
	scratch, err := t.reserveGPRInternal(il, where, nil, false)
	if err != nil {
		return err
	}
	load := t.loadIndirectBlock(il, where, scratch)
	if release && t.simdSlotUse[slot] == reg {
		t.simdSlotUse[slot] = arch.RegNone
	}
	var move *ilist.Instr
	switch {
	case reg.IsStrictlyXMM():
		mem := ilist.MemOpnd(scratch, int32(slot*arch.SIMDSlotSize), arch.XMMSize)
		move = il.MetaPreinsert(where, ilist.NewMovdqa(ilist.RegOpnd(reg), mem))
	default:
		return ErrFeatureNotAvailable
	}
	if sr, ok := t.m.ClassifySpillRestore(load, move); !ok || sr.Spill || !sr.Indirect || sr.Slot != slot {
		t.m.reportError(ErrInternal, "emitted simd restore does not classify")
	}
	return t.UnreserveRegister(il, where, scratch)
}

// directSpilledValue reads a GPR slot's current contents from this thread's
// TLS; used only during fault-time reconstruction.
func (t *Thread) directSpilledValue(slot int) uint64 {
	return t.seg.Read(t.slotTLSOffset(slot))
}

// indirectSpilledValue copies a SIMD slot's current contents into buf.
func (t *Thread) indirectSpilledValue(reg arch.Reg, slot int, buf []byte) bool {
	size := reg.FullSize()
	if len(buf) < size || !reg.IsStrictlyXMM() {
		return false
	}
	copy(buf, t.simdBlock[slot*arch.SIMDSlotSize:slot*arch.SIMDSlotSize+size])
	return true
}
