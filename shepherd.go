package regmediator

import (
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// The shepherd runs around every application instruction during the
// insertion phase. Around an app read of a reserved register it must emit
//
//	spill reg (tool value) to a temp slot
//	restore reg (app value) from its app slot
//	<app instr>
//	spill reg (app value) to its app slot, if the instr also writes
//	restore reg (tool value) from the temp slot
//
// and that total order is load-bearing: the fault-time reconstructor pairs
// spills with restores by position. Edits landing after the instruction are
// therefore queued with an ordering class and flushed in one pass, instead
// of being interleaved at whatever point the per-register loops reach them.

type editClass int

const (
	// editAppUpdate re-establishes a spilled app value after a write.
	editAppUpdate editClass = iota
	// editToolRestore brings a tool value back from its temp slot; always
	// after every app update.
	editToolRestore
)

type edit struct {
	class editClass
	emit  func(where *ilist.Instr)
}

type editQueue struct {
	after []edit
}

func (q *editQueue) addAfter(class editClass, emit func(where *ilist.Instr)) {
	q.after = append(q.after, edit{class: class, emit: emit})
}

// flush applies the queued edits before next, app updates first, preserving
// per-class insertion order.
func (q *editQueue) flush(next *ilist.Instr) {
	for _, e := range q.after {
		if e.class == editAppUpdate {
			e.emit(next)
		}
	}
	for _, e := range q.after {
		if e.class == editToolRestore {
			e.emit(next)
		}
	}
	q.after = q.after[:0]
}

// InsertEarly is the high-priority insertion event: it pins the current
// instruction and steps the reverse liveness index.
func (t *Thread) InsertEarly(il *ilist.List, inst *ilist.Instr) {
	t.curInstr = inst
	t.liveIdx--
}

// needsRestoreConservatively reports the block-shape conditions that force
// restoring an unreserved register before inst.
func (t *Thread) needsRestoreConservatively() bool {
	return (t.bbHasInternalFlow && t.bbProps&IgnoreControlFlow == 0) ||
		t.bbProps&ContainsSpanningControlFlow != 0
}

// InsertLate is the low-priority insertion event where the shepherd's work
// happens: lazy restores of unreserved registers, app-value restoration
// before reads, and app-value re-spills after writes.
func (t *Thread) InsertLate(il *ilist.List, inst *ilist.Instr) {
	if t.curInstr != inst {
		t.m.reportError(ErrInternal, "insertion events out of order")
	}
	next := inst.Next()
	var restoredForRead [arch.NumGPR]bool
	var restoredForSIMDRead [arch.NumSIMD]bool

	// Spills and restores must execute unconditionally to keep slot
	// tracking consistent with memory, so predication is forced off.
	pred := il.SetAutoPredicate(false)
	defer il.SetAutoPredicate(pred)

	// Before an app read of the flags, or at block end, restore them.
	aflags := t.aflagsLiveAt(t.liveIdx)
	if !t.aflags.native &&
		(inst.IsLastApp() ||
			inst.ArithFlagsRead(ilist.QueryDefault) != 0 ||
			// Writing just a subset combines with the unwritten rest.
			(inst.ArithFlagsWritten(ilist.QueryAll) != 0 && aflags != 0) ||
			// Host slots are not guaranteed across app instrs.
			t.isHostSlot(t.aflags.slot)) {
		tracelog.WithFields(logrus.Fields{"liveIdx": t.liveIdx, "aflags": aflags}).
			Debug("lazily restoring aflags")
		if err := t.restoreAflags(il, inst, false); err != nil {
			t.m.reportError(err, "failed to restore flags before app read")
		}
		if !t.aflags.inUse {
			t.aflags.native = true
			t.slotUse[aflagsSlot] = arch.RegNone
		}
	}

	// Before an app read (or at block end), restore spilled SIMD registers.
	for i := 0; i < arch.NumSIMD; i++ {
		reg := arch.SIMD(i)
		rec := &t.simdReg[i]
		restoredForSIMDRead[i] = false
		if rec.native {
			continue
		}
		if !(inst.IsLastApp() ||
			// The widest name covers reads at every subwidth.
			inst.ReadsFromReg(reg, ilist.QueryAll) ||
			(!rec.inUse && t.needsRestoreConservatively())) {
			continue
		}
		if !rec.inUse {
			tracelog.WithField("reg", reg).Debug("lazily restoring simd register")
			if err := t.restoreRegNow(il, inst, reg); err != nil {
				t.m.reportError(err, "lazy restore failed")
			}
			if t.simdPendingUnreserved <= 0 {
				t.m.reportError(ErrInternal, "pending-unreserved underflow")
			}
			t.simdPendingUnreserved--
			continue
		}
		spilledReg := t.simdSlotUse[rec.slot]
		if spilledReg == arch.RegNone {
			t.m.reportError(ErrInternal, "invalid spilled simd register")
		}
		tmpSlot, ok := t.findSIMDFreeSlot()
		if !ok {
			t.m.reportError(ErrOutOfSlots, "failed to preserve tool value around app read")
		}
		tracelog.WithField("reg", reg).Debug("restoring simd register for app read")
		if err := t.spillRegIndirectly(il, inst, spilledReg, tmpSlot); err != nil {
			t.m.reportError(err, "tool value preservation failed")
		}
		if err := t.restoreRegIndirectly(il, inst, spilledReg, rec.slot, false); err != nil {
			t.m.reportError(err, "app value restore failed")
		}
		t.edits.addAfter(editToolRestore, func(where *ilist.Instr) {
			if err := t.restoreRegIndirectly(il, where, spilledReg, tmpSlot, true); err != nil {
				t.m.reportError(err, "tool value restore failed")
			}
		})
		// native stays false; the tool spill is shared if inst writes too.
		restoredForSIMDRead[i] = true
	}

	// Before an app read (or at block end), restore spilled GPRs.
	for i := 0; i < arch.NumGPR; i++ {
		reg := arch.GPR(i)
		rec := &t.reg[i]
		restoredForRead[i] = false
		if rec.native {
			continue
		}
		if !(inst.IsLastApp() ||
			inst.ReadsFromReg(reg, ilist.QueryAll) ||
			// A partial write needs the rest of the register.
			(inst.WritesToReg(reg, ilist.QueryAll) &&
				!inst.WritesToExactReg(reg, ilist.QueryAll)) ||
			// A conditional write is also a read: if the condition fails,
			// our post-write save would capture the wrong value.
			(inst.WritesToReg(reg, ilist.QueryAll) &&
				!inst.WritesToReg(reg, ilist.QueryDefault)) ||
			(!rec.inUse && t.needsRestoreConservatively()) ||
			t.isHostSlot(rec.slot)) {
			continue
		}
		switch {
		case !rec.inUse:
			tracelog.WithField("reg", reg).Debug("lazily restoring register")
			if err := t.restoreRegNow(il, inst, reg); err != nil {
				t.m.reportError(err, "lazy restore failed")
			}
			if t.pendingUnreserved <= 0 {
				t.m.reportError(ErrInternal, "pending-unreserved underflow")
			}
			t.pendingUnreserved--
		case t.aflags.xchg == reg:
			// Bail on keeping the flags in the register.
			t.moveAflagsFromReg(il, inst, true)
		default:
			tmpSlot, ok := t.findFreeSlot()
			if !ok {
				t.m.reportError(ErrOutOfSlots, "failed to preserve tool value around app read")
			}
			tracelog.WithField("reg", reg).Debug("restoring register for app read")
			t.spillRegDirectly(il, inst, reg, tmpSlot)
			t.restoreRegDirectly(il, inst, reg, rec.slot, false)
			t.edits.addAfter(editToolRestore, func(where *ilist.Instr) {
				t.restoreRegDirectly(il, where, reg, tmpSlot, true)
			})
			// native stays false; the tool spill is shared if inst
			// writes too.
			restoredForRead[i] = true
		}
	}

	// After an app write of the flags, update the spilled app value.
	if inst.ArithFlagsWritten(ilist.QueryAll) != 0 &&
		// Unless every flag is rewritten later anyway.
		(t.liveIdx == 0 || t.aflagsLiveAt(t.liveIdx-1) != 0) {
		acc := t.m.traits.Accumulator
		if t.aflags.inUse {
			tracelog.Debug("re-spilling aflags after app write")
			t.edits.addAfter(editAppUpdate, func(where *ilist.Instr) {
				if err := t.spillAflags(il, where); err != nil {
					t.m.reportError(err, "failed to spill aflags after app write")
				}
			})
			t.aflags.native = false
		} else if !t.aflags.native || t.slotUse[aflagsSlot] != arch.RegNone ||
			(t.gprRec(acc).inUse && t.aflags.xchg == acc) {
			// Stale contents; give the slot up rather than track them.
			tracelog.Debug("giving up aflags slot after app write")
			if t.gprRec(acc).inUse && t.aflags.xchg == acc {
				t.moveAflagsFromReg(il, inst, true)
			}
			t.slotUse[aflagsSlot] = arch.RegNone
			t.aflags.native = true
		}
	}

	// After an app write, update spilled SIMD app values.
	for i := 0; i < arch.NumSIMD; i++ {
		reg := arch.SIMD(i)
		rec := &t.simdReg[i]
		if rec.inUse {
			if !inst.WritesToReg(reg, ilist.QueryAll) {
				continue
			}
			spilledReg := t.simdSlotUse[rec.slot]
			if spilledReg == arch.RegNone {
				t.m.reportError(ErrInternal, "invalid spilled simd register")
			}
			// Skip if the written slice is dead beyond this write.
			state := t.simdLiveAt(reg, t.liveIdx-1)
			deadBeyond := t.liveIdx > 0 && state.DeadFor(arch.ClassOf(spilledReg))
			if !t.m.ops.Conservative && deadBeyond {
				continue
			}
			sharedSpill := restoredForSIMDRead[i]
			var tmpSlot int
			if !sharedSpill {
				s, ok := t.findSIMDFreeSlot()
				if !ok {
					t.m.reportError(ErrOutOfSlots, "failed to preserve tool value wrt app write")
				}
				tmpSlot = s
				if err := t.spillRegIndirectly(il, inst, spilledReg, tmpSlot); err != nil {
					t.m.reportError(err, "tool value preservation failed")
				}
			}
			t.edits.addAfter(editAppUpdate, func(where *ilist.Instr) {
				if err := t.spillRegIndirectly(il, where, spilledReg, rec.slot); err != nil {
					t.m.reportError(err, "app value re-spill failed")
				}
			})
			rec.everSpilled = true
			if !sharedSpill {
				t.edits.addAfter(editToolRestore, func(where *ilist.Instr) {
					if err := t.restoreRegIndirectly(il, where, spilledReg, tmpSlot, true); err != nil {
						t.m.reportError(err, "tool value restore failed")
					}
				})
			}
		} else if !rec.native && inst.WritesToReg(reg, ilist.QueryAll) {
			// Unreserved and overwritten: drop the slot, even if spilled
			// at an earlier reservation point.
			if rec.everSpilled {
				rec.everSpilled = false // no need to restore
			}
			if err := t.restoreRegNow(il, inst, reg); err != nil {
				t.m.reportError(err, "slot release on app write failed")
			}
			t.simdPendingUnreserved--
		}
	}

	// After an app write, update spilled GPR app values.
	for i := 0; i < arch.NumGPR; i++ {
		reg := arch.GPR(i)
		rec := &t.reg[i]
		if rec.inUse {
			if !inst.WritesToReg(reg, ilist.QueryAll) {
				continue
			}
			liveBeyond := t.liveIdx == 0 ||
				t.gprLiveAt(reg, t.liveIdx-1) == arch.GPRLive
			if !t.m.ops.Conservative && !liveBeyond && t.aflags.xchg != reg {
				// Dead beyond this write; nothing to preserve.
				continue
			}
			if t.aflags.xchg == reg {
				// Bail on keeping the flags in the register.
				t.moveAflagsFromReg(il, inst, true)
				continue
			}
			if rec.xchg != arch.RegNone {
				t.m.reportError(ErrFeatureNotAvailable, "xchg preservation not implemented")
			}
			tracelog.WithField("reg", reg).Debug("re-spilling register after app write")
			sharedSpill := restoredForRead[i]
			var tmpSlot int
			if !sharedSpill {
				s, ok := t.findFreeSlot()
				if !ok {
					t.m.reportError(ErrOutOfSlots, "failed to preserve tool value wrt app write")
				}
				tmpSlot = s
				t.spillRegDirectly(il, inst, reg, tmpSlot)
			}
			t.edits.addAfter(editAppUpdate, func(where *ilist.Instr) {
				t.spillRegDirectly(il, where, reg, rec.slot)
			})
			rec.everSpilled = true
			if !sharedSpill {
				t.edits.addAfter(editToolRestore, func(where *ilist.Instr) {
					t.restoreRegDirectly(il, where, reg, tmpSlot, true)
				})
			}
		} else if !rec.native && inst.WritesToReg(reg, ilist.QueryAll) {
			tracelog.WithField("reg", reg).Debug("dropping slot for unreserved register after app write")
			if rec.everSpilled {
				rec.everSpilled = false // no need to restore
			}
			if err := t.restoreRegNow(il, inst, reg); err != nil {
				t.m.reportError(err, "slot release on app write failed")
			}
			t.pendingUnreserved--
		}
	}

	t.edits.flush(next)

	if inst.IsLastApp() {
		t.bbProps = 0
		t.assertBlockEndState()
	}
}

// assertBlockEndState verifies the clean-slate invariant after the last
// instruction: nothing reserved, everything native, every slot free.
func (t *Thread) assertBlockEndState() {
	if t.aflags.inUse || !t.aflags.native {
		t.m.reportError(ErrInternal, "client failed to unreserve aflags")
	}
	for i := range t.reg {
		if t.reg[i].inUse || !t.reg[i].native {
			t.m.reportError(ErrInternal, "client failed to unreserve a register")
		}
	}
	for i := range t.simdReg {
		if t.simdReg[i].inUse || !t.simdReg[i].native {
			t.m.reportError(ErrInternal, "client failed to unreserve a simd register")
		}
	}
	for _, use := range t.slotUse {
		if use != arch.RegNone {
			t.m.reportError(ErrInternal, "slot still bound at block end")
		}
	}
	for _, use := range t.simdSlotUse {
		if use != arch.RegNone {
			t.m.reportError(ErrInternal, "simd slot still bound at block end")
		}
	}
}
