package regmediator

import (
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/host"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// RestoreState is the fault-time reconstructor. To keep the public
// reserve/unreserve interface free of up-front declarations of cross-instr
// scratch registers, the price is paid here: the emitted fragment is decoded
// from its start up to the faulting address, the mediator's own spill and
// restore idioms are recognized along the way, and every register still
// tracked as spilled has its application value read back out of this
// thread's TLS or indirect block and written into the context the host will
// resume with. A spill of an already-spilled register to a different slot is
// a tool-value preservation around an app access, not the app-value spill,
// and is ignored.
//
// Always returns true. A fault outside the code cache, or a decode failure
// during the walk, leaves the context unchanged.
func (t *Thread) RestoreState(info *host.RestoreStateInfo) bool {
	if info == nil || info.App == nil || info.Raw == nil {
		return true
	}
	pc := info.FragmentStart
	if pc == 0 {
		return true // fault not in the code cache
	}
	m := t.m
	noSlot := len(t.slotUse)
	noSIMDSlot := len(t.simdSlotUse) + 1

	var spilledTo [arch.NumGPR]int
	var spilledSIMDTo [arch.NumSIMD]int
	for i := range spilledTo {
		spilledTo[i] = noSlot
	}
	for i := range spilledSIMDTo {
		spilledSIMDTo[i] = noSIMDSlot
	}
	simdSlotUse := make([]arch.Reg, len(t.simdSlotUse))
	spilledToAflags := noSlot
	prevAccumSpill := false
	aflagsInAccum := false
	acc := m.traits.Accumulator

	tracelog.WithFields(logrus.Fields{"fault": info.Raw.PC, "start": pc}).
		Debug("reconstructing state from fragment")
	for pc < info.Raw.PC {
		in, next, err := m.rt.Decode(pc)
		if err != nil {
			tracelog.WithField("pc", pc).Debug("decode failed during state restoration")
			return true
		}
		// The instruction after a block-pointer load is needed to classify
		// the indirect idiom, even when it sits at the faulting address.
		nextIn, _, _ := m.rt.Decode(next)
		if sr, ok := m.ClassifySpillRestore(in, nextIn); ok {
			tracelog.WithFields(logrus.Fields{
				"pc": pc, "spill": sr.Spill, "reg": sr.Reg, "slot": sr.Slot,
			}).Debug("recognized own spill/restore")
			if sr.Spill {
				switch {
				case !sr.Indirect && sr.Slot == aflagsSlot:
					spilledToAflags = sr.Slot
				case sr.Indirect:
					idx := sr.Reg.SIMDIndex()
					if spilledSIMDTo[idx] < len(t.simdSlotUse) && spilledSIMDTo[idx] != sr.Slot {
						// Already spilled: a tool-value preservation.
						tracelog.WithField("pc", pc).Debug("ignoring tool spill")
					} else {
						spilledSIMDTo[idx] = sr.Slot
						simdSlotUse[sr.Slot] = sr.Reg
					}
				case spilledTo[sr.Reg.GPRIndex()] < noSlot &&
					spilledTo[sr.Reg.GPRIndex()] != sr.Slot:
					tracelog.WithField("pc", pc).Debug("ignoring tool spill")
				default:
					spilledTo[sr.Reg.GPRIndex()] = sr.Slot
				}
			} else {
				switch {
				case !sr.Indirect && sr.Slot == aflagsSlot && spilledToAflags == sr.Slot:
					spilledToAflags = noSlot
				case sr.Indirect:
					idx := sr.Reg.SIMDIndex()
					if spilledSIMDTo[idx] == sr.Slot {
						spilledSIMDTo[idx] = noSIMDSlot
						simdSlotUse[sr.Slot] = arch.RegNone
					}
				case spilledTo[sr.Reg.GPRIndex()] == sr.Slot:
					spilledTo[sr.Reg.GPRIndex()] = noSlot
				default:
					tracelog.WithField("pc", pc).Debug("ignoring restore")
				}
			}
			if sr.Reg == acc && !sr.Indirect {
				prevAccumSpill = true
				aflagsInAccum = false
			}
		} else if prevAccumSpill && in.Opcode == ilist.OpLahf {
			aflagsInAccum = true
		} else if aflagsInAccum && in.Opcode == ilist.OpSahf {
			aflagsInAccum = false
		}
		pc = next
	}

	if spilledToAflags < noSlot || aflagsInAccum {
		var val uint64
		if aflagsInAccum {
			val = info.App.GetReg(acc)
		} else {
			val = t.directSpilledValue(spilledToAflags)
		}
		// lahf layout: the sahf-restorable byte in bits 8-15, the seto
		// overflow indicator in bit 0.
		rebuilt := arch.FlagsFromSahf(uint8(val>>8), val&1 != 0)
		newval := info.App.Flags&^uint64(arch.ArithFlags) | uint64(rebuilt)
		tracelog.WithFields(logrus.Fields{"old": info.App.Flags, "new": newval}).
			Debug("restoring aflags")
		info.App.Flags = newval
	}
	for i := 0; i < arch.NumGPR; i++ {
		if spilledTo[i] >= noSlot {
			continue
		}
		val := t.directSpilledValue(spilledTo[i])
		tracelog.WithFields(logrus.Fields{"reg": arch.GPR(i), "slot": spilledTo[i], "val": val}).
			Debug("restoring gpr from slot")
		info.App.SetReg(arch.GPR(i), val)
	}
	for i := 0; i < arch.NumSIMD; i++ {
		slot := spilledSIMDTo[i]
		if slot >= len(t.simdSlotUse) {
			continue
		}
		actual := simdSlotUse[slot]
		if actual == arch.RegNone {
			m.reportError(ErrInternal, "simd slot tracking lost during reconstruction")
		}
		var buf [arch.SIMDSlotSize]byte
		if !t.indirectSpilledValue(actual, slot, buf[:]) {
			continue
		}
		info.App.SetSIMD(actual, buf[:actual.FullSize()])
	}
	return true
}
