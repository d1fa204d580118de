package regmediator

import "github.com/orizon-lang/regmediator/internal/arch"

// aflagsSlot is permanently reserved for the arithmetic flags.
const aflagsSlot = 0

// findFreeSlot scans for a free GPR slot. Index 0 is never handed out. The
// scan covers both our TLS cells and the host's spill slots; callers that
// land in the host range must force restoration before the next application
// instruction.
func (t *Thread) findFreeSlot() (int, bool) {
	for i := aflagsSlot + 1; i < len(t.slotUse); i++ {
		if t.slotUse[i] == arch.RegNone {
			return i, true
		}
	}
	return len(t.slotUse), false
}

// findSIMDFreeSlot scans the indirect-block slots.
func (t *Thread) findSIMDFreeSlot() (int, bool) {
	for i := 0; i < len(t.simdSlotUse); i++ {
		if t.simdSlotUse[i] == arch.RegNone {
			return i, true
		}
	}
	return len(t.simdSlotUse), false
}

// releaseSlot frees a GPR slot.
func (t *Thread) releaseSlot(i int) { t.slotUse[i] = arch.RegNone }

// peekSlot returns the register currently bound to a GPR slot.
func (t *Thread) peekSlot(i int) arch.Reg { return t.slotUse[i] }

// isHostSlot reports whether a slot index maps to a host-provided slot,
// whose contents do not survive across application instructions.
func (t *Thread) isHostSlot(slot int) bool { return slot >= t.m.ops.NumSpillSlots }
