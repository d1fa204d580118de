package regmediator

import (
	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/host"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// The arithmetic flags are saved with lahf plus seto into the accumulator
// and, when possible, simply kept there: moving them on to their TLS slot
// costs another store, so the accumulator doubles as the flag home until
// something forces an eviction.

// moveAflagsFromReg is called only when the flags currently sit in the
// accumulator. If the flags are in use (or the caller is stateless), they
// move to their TLS slot; otherwise they are restored outright. Either way
// the accumulator's own app value comes back.
func (t *Thread) moveAflagsFromReg(il *ilist.List, where *ilist.Instr, stateful bool) {
	acc := t.m.traits.Accumulator
	accRec := t.gprRec(acc)
	if t.aflags.inUse || !stateful {
		tracelog.WithField("liveIdx", t.liveIdx).Debug("moving aflags from accumulator to slot")
		t.spillRegDirectly(il, where, acc, aflagsSlot)
	} else if !t.aflags.native {
		tracelog.Debug("lazily restoring aflags for app accumulator")
		if err := t.restoreAflags(il, where, true); err != nil {
			t.m.reportError(err, "failed to restore flags before app accumulator use")
		}
		t.aflags.native = true
		t.slotUse[aflagsSlot] = arch.RegNone
	}
	if t.m.ops.Conservative || t.gprLiveAt(acc, t.liveIdx) == arch.GPRLive {
		t.restoreRegDirectly(il, where, acc, accRec.slot, stateful)
	} else if stateful {
		t.releaseSlot(accRec.slot)
	}
	if stateful {
		accRec.inUse = false
		accRec.native = true
		accRec.everSpilled = false
		t.aflags.xchg = arch.RegNone
	}
}

// spillAflags saves the arithmetic flags. May set aflags.xchg when the
// flags stay parked in the accumulator.
func (t *Thread) spillAflags(il *ilist.List, where *ilist.Instr) error {
	aflags := t.aflagsLiveAt(t.liveIdx)
	acc := t.m.traits.Accumulator
	accRec := t.gprRec(acc)
	accSwap := arch.RegNone

	// The accumulator may be reserved by a client; there is no way to ask
	// them for it, so park its tool value in a scratch register across the
	// lahf sequence and store the flags straight to their slot.
	if accRec.inUse && t.aflags.xchg != acc {
		swap, err := t.reserveGPRInternal(il, where, nil, false)
		if err != nil {
			return err
		}
		accSwap = swap
		tracelog.WithField("swap", swap).Debug("accumulator in use; swapping temporarily")
		il.MetaPreinsert(where, ilist.NewXchg(acc, accSwap))
	}
	if !accRec.native {
		// Unreserved but not yet restored: its slot already holds the app
		// value.
		if t.slotUse[accRec.slot] != acc {
			t.m.reportError(ErrInternal, "accumulator tracking error")
		}
	} else if t.aflags.xchg != acc {
		accSlot, ok := t.findFreeSlot()
		if !ok {
			return ErrOutOfSlots
		}
		if t.m.ops.Conservative || t.gprLiveAt(acc, t.liveIdx) == arch.GPRLive {
			t.spillRegDirectly(il, where, acc, accSlot)
		} else {
			t.slotUse[accSlot] = acc
		}
		accRec.slot = accSlot
	}
	il.MetaPreinsert(where, ilist.NewLahf())
	if aflags&arch.FlagOF != 0 {
		il.MetaPreinsert(where, ilist.NewSeto())
	}
	if accSwap != arch.RegNone {
		il.MetaPreinsert(where, ilist.NewXchg(accSwap, acc))
		t.spillRegDirectly(il, where, accSwap, aflagsSlot)
		if err := t.UnreserveRegister(il, where, accSwap); err != nil {
			return err
		}
	} else {
		// Keep the flags in the accumulator until forced to move them.
		accRec.inUse = true
		accRec.native = false
		accRec.everSpilled = true
		t.aflags.xchg = acc
	}
	return nil
}

// restoreAflags brings the app flags back to the architectural location;
// release additionally frees the aflags slot.
func (t *Thread) restoreAflags(il *ilist.List, where *ilist.Instr, release bool) error {
	aflags := t.aflagsLiveAt(t.liveIdx)
	acc := t.m.traits.Accumulator
	accRec := t.gprRec(acc)
	accSwap := arch.RegNone
	tempSlot := 0

	if t.aflags.native {
		return nil
	}
	if t.aflags.xchg == acc {
		if !accRec.inUse {
			t.m.reportError(ErrInternal, "flags-in-accumulator tracking error")
		}
	} else {
		slot, ok := t.findFreeSlot()
		if !ok {
			return ErrOutOfSlots
		}
		tempSlot = slot
		if accRec.inUse {
			swap, err := t.reserveGPRInternal(il, where, nil, false)
			if err != nil {
				return err
			}
			accSwap = swap
			il.MetaPreinsert(where, ilist.NewXchg(acc, accSwap))
		} else if t.m.ops.Conservative || t.gprLiveAt(acc, t.liveIdx) == arch.GPRLive {
			t.spillRegDirectly(il, where, acc, tempSlot)
		}
		t.restoreRegDirectly(il, where, acc, aflagsSlot, release)
	}
	if aflags&arch.FlagOF != 0 {
		// cmp regenerates OF from the seto byte without clobbering the low
		// accumulator byte, which matters for keeping the flags parked
		// there.
		il.MetaPreinsert(where, ilist.NewCmpImm8(-127))
	}
	il.MetaPreinsert(where, ilist.NewSahf())
	switch {
	case accSwap != arch.RegNone:
		il.MetaPreinsert(where, ilist.NewXchg(accSwap, acc))
		if err := t.UnreserveRegister(il, where, accSwap); err != nil {
			return err
		}
	case t.aflags.xchg == acc:
		if release {
			t.aflags.xchg = arch.RegNone
			accRec.inUse = false
		}
	default:
		if t.m.ops.Conservative || t.gprLiveAt(acc, t.liveIdx) == arch.GPRLive {
			t.restoreRegDirectly(il, where, acc, tempSlot, true)
		}
	}
	return nil
}

// ReserveAflags takes exclusive ownership of the arithmetic flags, spilling
// them only if some flag is live at the insertion point.
func (t *Thread) ReserveAflags(il *ilist.List, where *ilist.Instr) error {
	if t.m.rt.Phase() != host.PhaseInsertion {
		if err := t.forwardAnalysis(where); err != nil {
			return err
		}
	}
	if t.aflags.inUse {
		return ErrInUse
	}
	aflags := t.aflagsLiveAt(t.liveIdx)
	if aflags&arch.ArithFlags == 0 {
		// Dead flags need no save. If a prior lazy restore is still
		// outstanding, drop its slot.
		if !t.aflags.native {
			t.slotUse[aflagsSlot] = arch.RegNone
		}
		t.aflags.inUse = true
		t.aflags.native = true
		tracelog.WithField("liveIdx", t.liveIdx).Debug("aflags dead at reservation")
		return nil
	}
	// Reuse a prior reservation not yet lazily restored.
	acc := t.m.traits.Accumulator
	if !t.aflags.native || (t.gprRec(acc).inUse && t.aflags.xchg == acc) {
		tracelog.Debug("reusing un-restored aflags")
		if t.aflags.xchg == arch.RegNone && t.slotUse[aflagsSlot] == arch.RegNone {
			t.m.reportError(ErrInternal, "lost aflags slot reservation")
		}
		t.aflags.native = false
		t.aflags.inUse = true
		return nil
	}

	// spillAflags writes the xchg field, so clear it first.
	t.aflags.xchg = arch.RegNone
	pred := il.SetAutoPredicate(false)
	err := t.spillAflags(il, where)
	il.SetAutoPredicate(pred)
	if err != nil {
		return err
	}
	t.aflags.inUse = true
	t.aflags.native = false
	t.aflags.slot = aflagsSlot
	return nil
}

// UnreserveAflags releases the flags. During insertion the restore is
// deferred in case another client wants them locally.
func (t *Thread) UnreserveAflags(il *ilist.List, where *ilist.Instr) error {
	if !t.aflags.inUse {
		return ErrInvalidParameter
	}
	t.aflags.inUse = false
	if t.m.rt.Phase() != host.PhaseInsertion {
		pred := il.SetAutoPredicate(false)
		if t.aflags.xchg != arch.RegNone {
			t.moveAflagsFromReg(il, where, true)
		} else if !t.aflags.native {
			if err := t.restoreAflags(il, where, true); err != nil {
				il.SetAutoPredicate(pred)
				return err
			}
			t.aflags.native = true
		}
		il.SetAutoPredicate(pred)
		t.slotUse[aflagsSlot] = arch.RegNone
	}
	return nil
}

// AflagsLiveness returns the set of arithmetic flags live at inst.
func (t *Thread) AflagsLiveness(inst *ilist.Instr) (arch.Aflags, error) {
	if t.m.rt.Phase() != host.PhaseInsertion {
		if err := t.forwardAnalysis(inst); err != nil {
			return 0, err
		}
	}
	return t.aflagsLiveAt(t.liveIdx), nil
}

// AreAflagsDead reports whether no arithmetic flag is live at inst.
func (t *Thread) AreAflagsDead(inst *ilist.Instr) (bool, error) {
	flags, err := t.AflagsLiveness(inst)
	if err != nil {
		return false, err
	}
	return flags&arch.ArithFlags == 0, nil
}

// RestoreAppAflags restores the application flags at where regardless of
// reservation state, keeping the save intact if a client still owns them.
func (t *Thread) RestoreAppAflags(il *ilist.List, where *ilist.Instr) error {
	if t.aflags.native {
		return nil
	}
	tracelog.Debug("restoring app aflags on request")
	pred := il.SetAutoPredicate(false)
	err := t.restoreAflags(il, where, !t.aflags.inUse)
	il.SetAutoPredicate(pred)
	if !t.aflags.inUse {
		t.aflags.native = true
	}
	return err
}
