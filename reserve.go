package regmediator

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/host"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// Allowed is a per-class permit mask clients pass to reservation to restrict
// which registers the mediator may hand out. A nil *Allowed permits the
// whole class.
type Allowed struct {
	class arch.SpillClass
	bits  []bool
}

// NewAllowed builds a permit mask for a spill class with every register
// initialized to allowed or denied.
func NewAllowed(class arch.SpillClass, allowed bool) (*Allowed, error) {
	var size int
	switch class {
	case arch.GPRSpillClass:
		size = arch.NumGPR
	case arch.SIMDXMMSpillClass:
		size = arch.NumSIMD
	case arch.SIMDYMMSpillClass, arch.SIMDZMMSpillClass:
		return nil, ErrFeatureNotAvailable
	default:
		return nil, ErrInternal
	}
	a := &Allowed{class: class, bits: make([]bool, size)}
	for i := range a.bits {
		a.bits[i] = allowed
	}
	return a, nil
}

// Set permits or denies one register. SIMD subwidth names alias their
// physical register.
func (a *Allowed) Set(reg arch.Reg, allowed bool) error {
	switch {
	case reg.IsGPR():
		if a == nil || a.class != arch.GPRSpillClass {
			return ErrInvalidParameter
		}
		a.bits[reg.GPRIndex()] = allowed
	case reg.IsVectorSIMD():
		if a == nil || a.class == arch.GPRSpillClass {
			return ErrInvalidParameter
		}
		a.bits[reg.SIMDIndex()] = allowed
	default:
		return ErrInternal
	}
	return nil
}

func (a *Allowed) allows(idx int) bool {
	if a == nil {
		return true
	}
	return a.bits[idx]
}

// reserveGPRInternal is the GPR selection algorithm. Liveness must already
// be in place: the block vectors during the insertion phase, or index 0 from
// a forward scan otherwise.
func (t *Thread) reserveGPRInternal(il *ilist.List, where *ilist.Instr, allowed *Allowed, onlyIfNoSpill bool) (arch.Reg, error) {
	slot := -1
	minUses := math.MaxInt
	chosen := arch.RegNone
	best := arch.RegNone
	alreadySpilled := false

	// First, reuse a previously unreserved but not yet lazily restored
	// register. This must come first so slots do not accumulate beyond the
	// requested max. An unreserved-and-unspilled register is dropped when
	// the app writes it, so reusing one never beats picking a dead one.
	if t.pendingUnreserved > 0 {
		for i := 0; i < arch.NumGPR; i++ {
			reg := arch.GPR(i)
			rec := &t.reg[i]
			if !rec.native && !rec.inUse && allowed.allows(i) &&
				(!onlyIfNoSpill || rec.everSpilled ||
					t.gprLiveAt(reg, t.liveIdx) == arch.GPRDead) {
				slot = rec.slot
				t.pendingUnreserved--
				alreadySpilled = rec.everSpilled
				chosen = reg
				tracelog.WithFields(logrus.Fields{"reg": reg, "slot": slot}).
					Debug("reusing un-restored register")
				break
			}
		}
	}

	if chosen == arch.RegNone {
		// Look for a dead register, or fall back to the least used.
		for i := 0; i < arch.NumGPR; i++ {
			reg := arch.GPR(i)
			rec := &t.reg[i]
			if rec.inUse {
				continue
			}
			// Never hand out the stack pointer, even when it looks dead,
			// nor the host's stolen register.
			if reg == t.m.traits.SP || reg == t.m.rt.StolenReg() {
				continue
			}
			if !allowed.allows(i) {
				continue
			}
			if t.gprLiveAt(reg, t.liveIdx) == arch.GPRDead {
				chosen = reg
				break
			}
			if onlyIfNoSpill {
				continue
			}
			if rec.appUses < minUses {
				best = reg
				minUses = rec.appUses
			}
		}
		if chosen == arch.RegNone {
			if best != arch.RegNone {
				chosen = best
			} else if acc := t.m.traits.Accumulator; t.m.traits.AflagsInAccumulator &&
				!t.aflags.inUse && t.gprRec(acc).inUse && t.aflags.xchg == acc &&
				allowed.allows(acc.GPRIndex()) {
				// Aflags were unreserved but still parked in the
				// accumulator; evict them rather than fail.
				tracelog.Debug("taking accumulator from unreserved aflags")
				t.moveAflagsFromReg(il, where, true)
				chosen = acc
			} else {
				return arch.RegNone, t.gprConflictStatus(allowed)
			}
		}
	}

	if slot < 0 {
		s, ok := t.findFreeSlot()
		if !ok {
			return arch.RegNone, ErrOutOfSlots
		}
		slot = s
	}

	rec := t.gprRec(chosen)
	if rec.inUse {
		t.m.reportError(ErrInternal, "overlapping reservations")
	}
	rec.inUse = true
	if !alreadySpilled {
		// Even if dead now, own a slot in case the reservation outlives
		// the dead range.
		if t.m.ops.Conservative || t.gprLiveAt(chosen, t.liveIdx) == arch.GPRLive {
			t.spillRegDirectly(il, where, chosen, slot)
			rec.everSpilled = true
		} else {
			tracelog.WithFields(logrus.Fields{"reg": chosen, "slot": slot}).
				Debug("dead at reservation; owning slot without spill")
			t.slotUse[slot] = chosen
			rec.everSpilled = false
		}
	}
	rec.native = false
	rec.xchg = arch.RegNone
	rec.slot = slot
	return chosen, nil
}

// gprConflictStatus distinguishes genuine exhaustion from a client
// re-reserving registers it already holds: when every allowed register is
// in use, the reservation is a double reserve.
func (t *Thread) gprConflictStatus(allowed *Allowed) error {
	allowedCount, inUse := 0, 0
	for i := 0; i < arch.NumGPR; i++ {
		if !allowed.allows(i) {
			continue
		}
		allowedCount++
		if t.reg[i].inUse {
			inUse++
		}
	}
	if allowedCount > 0 && allowedCount == inUse {
		return ErrInUse
	}
	return ErrRegConflict
}

func (t *Thread) simdConflictStatus(allowed *Allowed) error {
	allowedCount, inUse := 0, 0
	for i := 0; i < arch.NumSIMD; i++ {
		if !allowed.allows(i) {
			continue
		}
		allowedCount++
		if t.simdReg[i].inUse {
			inUse++
		}
	}
	if allowedCount > 0 && allowedCount == inUse {
		return ErrInUse
	}
	return ErrRegConflict
}

// findForSIMDReservation picks the SIMD register and slot for a reservation
// without emitting anything.
func (t *Thread) findForSIMDReservation(class arch.SpillClass, allowed *Allowed, onlyIfNoSpill bool) (arch.Reg, int, bool, error) {
	if t.m.ops.NumSpillSIMDSlots == 0 {
		return arch.RegNone, 0, false, ErrInternal
	}
	deadState, ok := arch.SIMDDeadState(class)
	if !ok {
		return arch.RegNone, 0, false, ErrInternal
	}

	slot := -1
	minUses := math.MaxInt
	chosen := arch.RegNone
	best := arch.RegNone
	alreadySpilled := false

	if t.simdPendingUnreserved > 0 {
		for i := 0; i < arch.NumSIMD; i++ {
			reg := arch.SIMD(i)
			rec := &t.simdReg[i]
			if !rec.native && !rec.inUse && allowed.allows(i) &&
				(!onlyIfNoSpill || rec.everSpilled ||
					t.simdLiveAt(reg, t.liveIdx).DeadFor(class)) {
				slot = rec.slot
				t.simdPendingUnreserved--
				spilledReg := t.simdSlotUse[slot]
				alreadySpilled = rec.everSpilled && arch.ClassOf(spilledReg) == class
				chosen = reg
				break
			}
		}
	}
	if chosen == arch.RegNone {
		for i := 0; i < arch.NumSIMD; i++ {
			reg := arch.SIMD(i)
			rec := &t.simdReg[i]
			if rec.inUse || !allowed.allows(i) {
				continue
			}
			live := t.simdLiveAt(reg, t.liveIdx)
			if live.Cmp(deadState) >= 0 && live.Cmp(arch.SIMDZMMDead) <= 0 {
				chosen = reg
				break
			}
			if onlyIfNoSpill {
				continue
			}
			if rec.appUses < minUses {
				best = reg
				minUses = rec.appUses
			}
		}
		if chosen == arch.RegNone {
			if best == arch.RegNone {
				return arch.RegNone, 0, false, t.simdConflictStatus(allowed)
			}
			chosen = best
		}
	}
	if slot < 0 {
		s, ok := t.findSIMDFreeSlot()
		if !ok {
			return arch.RegNone, 0, false, ErrOutOfSlots
		}
		slot = s
	}
	chosen = arch.ResizeSIMD(chosen, class.Width())
	if chosen == arch.RegNone {
		return arch.RegNone, 0, false, ErrInternal
	}
	return chosen, slot, alreadySpilled, nil
}

// reserveSIMDInternal reserves a SIMD register at the class's width.
func (t *Thread) reserveSIMDInternal(class arch.SpillClass, il *ilist.List, where *ilist.Instr, allowed *Allowed, onlyIfNoSpill bool) (arch.Reg, error) {
	reg, slot, alreadySpilled, err := t.findForSIMDReservation(class, allowed, onlyIfNoSpill)
	if err != nil {
		return arch.RegNone, err
	}
	rec := t.simdRec(reg)
	if rec.inUse {
		t.m.reportError(ErrInternal, "overlapping reservations")
	}
	rec.inUse = true
	if !alreadySpilled {
		if t.m.ops.Conservative || t.simdLiveAt(reg, t.liveIdx).AnyLive() {
			if err := t.spillRegIndirectly(il, where, reg, slot); err != nil {
				rec.inUse = false
				return arch.RegNone, err
			}
			rec.everSpilled = true
		} else {
			t.simdSlotUse[slot] = reg
			rec.everSpilled = false
		}
	}
	rec.native = false
	rec.xchg = arch.RegNone
	rec.slot = slot
	return reg, nil
}

func (t *Thread) reserveRegInternal(class arch.SpillClass, il *ilist.List, where *ilist.Instr, allowed *Allowed, onlyIfNoSpill bool) (arch.Reg, error) {
	switch class {
	case arch.GPRSpillClass:
		return t.reserveGPRInternal(il, where, allowed, onlyIfNoSpill)
	case arch.SIMDXMMSpillClass, arch.SIMDYMMSpillClass, arch.SIMDZMMSpillClass:
		return t.reserveSIMDInternal(class, il, where, allowed, onlyIfNoSpill)
	}
	return arch.RegNone, ErrInternal
}

func (t *Thread) reservePrologue(class arch.SpillClass, where *ilist.Instr) error {
	if class == arch.SIMDYMMSpillClass || class == arch.SIMDZMMSpillClass {
		return ErrFeatureNotAvailable
	}
	if t.m.rt.Phase() != host.PhaseInsertion {
		return t.forwardAnalysis(where)
	}
	return nil
}

// ReserveRegisterEx reserves a register of the given spill class, honoring
// the permit mask. Spills and restores always execute unpredicated.
func (t *Thread) ReserveRegisterEx(class arch.SpillClass, il *ilist.List, where *ilist.Instr, allowed *Allowed) (arch.Reg, error) {
	if err := t.reservePrologue(class, where); err != nil {
		return arch.RegNone, err
	}
	pred := il.SetAutoPredicate(false)
	defer il.SetAutoPredicate(pred)
	return t.reserveRegInternal(class, il, where, allowed, false)
}

// ReserveRegister reserves a general-purpose register.
func (t *Thread) ReserveRegister(il *ilist.List, where *ilist.Instr, allowed *Allowed) (arch.Reg, error) {
	return t.ReserveRegisterEx(arch.GPRSpillClass, il, where, allowed)
}

// ReserveDeadRegisterEx reserves only if a register of the class is dead at
// the insertion point, so no spill store is needed.
func (t *Thread) ReserveDeadRegisterEx(class arch.SpillClass, il *ilist.List, where *ilist.Instr, allowed *Allowed) (arch.Reg, error) {
	if err := t.reservePrologue(class, where); err != nil {
		return arch.RegNone, err
	}
	pred := il.SetAutoPredicate(false)
	defer il.SetAutoPredicate(pred)
	return t.reserveRegInternal(class, il, where, allowed, true)
}

// ReserveDeadRegister reserves a dead general-purpose register.
func (t *Thread) ReserveDeadRegister(il *ilist.List, where *ilist.Instr, allowed *Allowed) (arch.Reg, error) {
	return t.ReserveDeadRegisterEx(arch.GPRSpillClass, il, where, allowed)
}

// restoreRegNow restores a register's app value immediately (or just
// releases its slot if nothing was ever stored) and marks it native.
func (t *Thread) restoreRegNow(il *ilist.List, inst *ilist.Instr, reg arch.Reg) error {
	switch {
	case reg.IsGPR():
		rec := t.gprRec(reg)
		if rec.everSpilled {
			if rec.xchg != arch.RegNone {
				return ErrFeatureNotAvailable
			}
			t.restoreRegDirectly(il, inst, reg, rec.slot, true)
		} else {
			tracelog.WithField("reg", reg).Debug("never spilled; releasing slot")
			t.releaseSlot(rec.slot)
		}
		rec.native = true
	case reg.IsVectorSIMD():
		rec := t.simdRec(reg)
		if rec.everSpilled {
			spilledReg := t.simdSlotUse[rec.slot]
			if err := t.restoreRegIndirectly(il, inst, spilledReg, rec.slot, true); err != nil {
				return err
			}
		} else {
			t.simdSlotUse[rec.slot] = arch.RegNone
		}
		rec.native = true
	default:
		return ErrInternal
	}
	return nil
}

// UnreserveRegister ends a reservation. During the insertion phase the
// physical restore is deferred so a later reservation can reuse the
// register and its slot; outside it, restoration is emitted immediately.
func (t *Thread) UnreserveRegister(il *ilist.List, where *ilist.Instr, reg arch.Reg) error {
	switch {
	case reg.IsGPR():
		rec := t.gprRec(reg)
		if !rec.inUse {
			return ErrInvalidParameter
		}
		if t.m.rt.Phase() != host.PhaseInsertion {
			pred := il.SetAutoPredicate(false)
			err := t.restoreRegNow(il, where, reg)
			il.SetAutoPredicate(pred)
			if err != nil {
				return err
			}
		} else {
			t.pendingUnreserved++
		}
		rec.inUse = false
	case reg.IsVectorSIMD():
		rec := t.simdRec(reg)
		if !rec.inUse {
			return ErrInvalidParameter
		}
		if t.m.rt.Phase() != host.PhaseInsertion {
			pred := il.SetAutoPredicate(false)
			err := t.restoreRegNow(il, where, reg)
			il.SetAutoPredicate(pred)
			if err != nil {
				return err
			}
		} else {
			t.simdPendingUnreserved++
		}
		rec.inUse = false
	default:
		return ErrInvalidParameter
	}
	tracelog.WithField("reg", reg).Debug("unreserved")
	return nil
}

// IsRegisterDead reports whether reg is dead at inst per the current
// liveness information, running a forward scan first when called outside
// the insertion phase.
func (t *Thread) IsRegisterDead(reg arch.Reg, inst *ilist.Instr) (bool, error) {
	if t.m.rt.Phase() != host.PhaseInsertion {
		if err := t.forwardAnalysis(inst); err != nil {
			return false, err
		}
	}
	switch {
	case reg.IsGPR():
		return t.gprLiveAt(reg, t.liveIdx) == arch.GPRDead, nil
	case reg.IsVectorSIMD():
		return t.simdLiveAt(reg, t.liveIdx) == arch.SIMDZMMDead, nil
	}
	return false, ErrInternal
}
