package regmediator

import (
	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// restoreAppValue materializes the application value of appReg into dstReg
// at where. When stateful and the register is not reserved, tracking is
// updated so the register counts as native afterwards.
func (t *Thread) restoreAppValue(il *ilist.List, where *ilist.Instr, appReg, dstReg arch.Reg, stateful bool) error {
	pred := il.SetAutoPredicate(false)
	defer il.SetAutoPredicate(pred)

	if appReg == t.m.rt.StolenReg() && appReg != arch.RegNone {
		// The host refuses to load the stolen value into itself; the
		// caller must substitute a scratch register.
		if dstReg == appReg {
			return ErrInvalidParameter
		}
		if t.m.rt.EmitStolenRegValue(il, where, dstReg) {
			return nil
		}
		return ErrInternal
	}

	switch {
	case appReg.IsGPR():
		if !dstReg.IsGPR() {
			return ErrInvalidParameter
		}
		rec := t.gprRec(appReg)
		if rec.native {
			if dstReg != appReg {
				il.MetaPreinsert(where, ilist.NewRegMove(dstReg, appReg))
			}
			return nil
		}
		// The app value of a dead register may never have been stored.
		if !rec.everSpilled {
			tracelog.WithField("reg", appReg).Debug("app value never spilled")
			return ErrNoAppValue
		}
		if rec.xchg != arch.RegNone {
			return ErrFeatureNotAvailable
		}
		if t.aflags.xchg == appReg {
			// Flags are parked here; evict them instead of loading.
			t.moveAflagsFromReg(il, where, stateful)
			return nil
		}
		release := stateful && !rec.inUse
		t.restoreRegDirectly(il, where, appReg, rec.slot, release)
		if release {
			rec.native = true
		}
	case appReg.IsVectorSIMD():
		if !dstReg.IsVectorSIMD() {
			return ErrInvalidParameter
		}
		rec := t.simdRec(appReg)
		if rec.native {
			if dstReg != appReg {
				il.MetaPreinsert(where, ilist.NewMovdqa(ilist.RegOpnd(dstReg), ilist.RegOpnd(appReg)))
			}
			return nil
		}
		if !rec.everSpilled {
			return ErrNoAppValue
		}
		if rec.xchg != arch.RegNone {
			return ErrFeatureNotAvailable
		}
		release := stateful && !rec.inUse
		if err := t.restoreRegIndirectly(il, where, appReg, rec.slot, release); err != nil {
			return err
		}
		if release {
			rec.native = true
		}
	default:
		return ErrInvalidParameter
	}
	return nil
}

// GetAppValue emits code at where that makes the application value of
// appReg available. While appReg still holds its app value, the value is
// moved into dstReg; when it was spilled, the load targets appReg itself and
// dstReg is not written.
func (t *Thread) GetAppValue(il *ilist.List, where *ilist.Instr, appReg, dstReg arch.Reg) error {
	return t.restoreAppValue(il, where, appReg, dstReg, true)
}

// RestoreAppValues restores the application values of every register the
// operand mentions, SIMD registers first. If the operand uses the stolen
// register, a scratch is reserved (or *swap reused) to stand in for it and
// returned through swap; the caller must unreserve it.
func (t *Thread) RestoreAppValues(il *ilist.List, where *ilist.Instr, opnd ilist.Opnd, swap *arch.Reg) error {
	pred := il.SetAutoPredicate(false)
	defer il.SetAutoPredicate(pred)

	noAppValue := false
	regs := opnd.RegsUsed()
	for _, reg := range regs {
		if !reg.IsVectorSIMD() {
			continue
		}
		err := t.GetAppValue(il, where, reg, reg)
		if err == ErrNoAppValue {
			noAppValue = true
		} else if err != nil {
			return err
		}
	}
	for _, reg := range regs {
		if !reg.IsGPR() {
			continue
		}
		dst := reg
		if reg == t.m.rt.StolenReg() {
			if swap == nil {
				return ErrInvalidParameter
			}
			if *swap == arch.RegNone {
				scratch, err := t.ReserveRegister(il, where, nil)
				if err != nil {
					return err
				}
				dst = scratch
			} else {
				dst = *swap
			}
			*swap = dst
		}
		err := t.GetAppValue(il, where, reg, dst)
		if err == ErrNoAppValue {
			noAppValue = true
		} else if err != nil {
			return err
		}
	}
	if noAppValue {
		return ErrNoAppValue
	}
	return nil
}

// StatelesslyRestoreAppValue restores reg's app value at whereRestore
// without touching any tracking. At whereRespill it reloads the
// accumulator's tool state only when the flags were parked in reg; no other
// tool value is put back. A RegNone reg means the arithmetic flags. The returned booleans
// say whether a restore and a respill were actually emitted.
func (t *Thread) StatelesslyRestoreAppValue(il *ilist.List, reg arch.Reg, whereRestore, whereRespill *ilist.Instr) (restored, respilled bool, err error) {
	if whereRestore == nil || whereRespill == nil {
		return false, false, ErrInvalidParameter
	}
	tracelog.WithField("reg", reg).Debug("stateless restore")
	if reg == arch.RegNone {
		err = t.restoreAflags(il, whereRestore, false)
	} else {
		if reg.IsGPR() && reg == t.m.rt.StolenReg() {
			return false, false, ErrInvalidParameter
		}
		err = t.restoreAppValue(il, whereRestore, reg, reg, false)
	}
	restored = err == nil
	if err != nil && err != ErrNoAppValue {
		return restored, false, err
	}
	acc := t.m.traits.Accumulator
	if reg != arch.RegNone && t.aflags.xchg == reg {
		// The stateless restore above parked the flags in their slot;
		// bring the accumulator's tool state back without releasing it.
		t.slotUse[aflagsSlot] = acc
		t.restoreRegDirectly(il, whereRespill, acc, aflagsSlot, false)
		t.slotUse[aflagsSlot] = arch.RegNone
		respilled = true
	}
	return restored, respilled, err
}

// ReserveInfo describes where a reserved register's application value
// currently lives.
type ReserveInfo struct {
	// Reserved is whether the register is currently held by a client.
	Reserved bool
	// HoldsAppValue is whether the register still contains the app value.
	HoldsAppValue bool
	// AppValueRetained is whether the app value is retrievable from the
	// spill location.
	AppValueRetained bool
	// Opnd addresses the spill location when one exists.
	Opnd ilist.Opnd
	// IsHostSlot marks a host-provided slot, which does not survive
	// across application instructions.
	IsHostSlot bool
	// TLSOffs is the TLS byte offset of the slot, or -1.
	TLSOffs int
}

func (t *Thread) fillReserveInfo(info *ReserveInfo, reg arch.Reg, rec *regRecord) {
	info.Reserved = rec.inUse
	info.HoldsAppValue = rec.native
	info.Opnd = ilist.Opnd{}
	info.TLSOffs = -1
	switch {
	case rec.native:
		info.AppValueRetained = false
	case rec.xchg != arch.RegNone:
		info.AppValueRetained = true
		info.Opnd = ilist.RegOpnd(rec.xchg)
	default:
		info.AppValueRetained = rec.everSpilled
		slot := rec.slot
		bound := (reg == arch.RegNone && t.slotUse[slot] != arch.RegNone) ||
			(reg != arch.RegNone && t.slotUse[slot] == reg)
		if !bound {
			return
		}
		info.IsHostSlot = t.isHostSlot(slot)
		info.TLSOffs = t.slotTLSOffset(slot)
		info.Opnd = ilist.TLSOpnd(info.TLSOffs, arch.GPRSize)
	}
}

// ReservationInfoEx returns reservation details for a GPR, a SIMD register,
// or (with RegNone) the arithmetic flags, reserved or not.
func (t *Thread) ReservationInfoEx(reg arch.Reg) (ReserveInfo, error) {
	var info ReserveInfo
	var rec *regRecord
	switch {
	case reg == arch.RegNone:
		rec = &t.aflags
	case reg.IsVectorSIMD():
		rec = t.simdRec(reg)
	case reg.IsGPR():
		rec = t.gprRec(reg)
	default:
		return info, ErrInvalidParameter
	}
	t.fillReserveInfo(&info, reg, rec)
	return info, nil
}

// ReservationInfo is ReservationInfoEx restricted to currently reserved
// registers.
func (t *Thread) ReservationInfo(reg arch.Reg) (ReserveInfo, error) {
	switch {
	case reg.IsGPR():
		if !t.gprRec(reg).inUse {
			return ReserveInfo{}, ErrInvalidParameter
		}
	case reg.IsVectorSIMD():
		if !t.simdRec(reg).inUse {
			return ReserveInfo{}, ErrInvalidParameter
		}
	default:
		return ReserveInfo{}, ErrInvalidParameter
	}
	return t.ReservationInfoEx(reg)
}
