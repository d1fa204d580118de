package regmediator

import (
	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// countAppUses accumulates how often each register appears in an operand.
// Tools that instrument memory accesses restore the app value to form the
// address, so registers inside memory operands count twice.
func (t *Thread) countAppUses(opnd ilist.Opnd) {
	for _, reg := range opnd.RegsUsed() {
		switch {
		case reg.IsGPR():
			rec := t.gprRec(reg)
			rec.appUses++
			if opnd.IsMemRef() {
				rec.appUses++
			}
		case reg.IsVectorSIMD():
			t.simdRec(reg).appUses++
		}
	}
}

// determineSIMDLiveness folds one instruction's effect on a SIMD register
// into the ladder state. Precedence goes to wider accesses: if both ZMM0 and
// YMM0 are read, the state must become zmm-live, not ymm-live, and the
// mirror holds for the dead states. Returns whether the state was set.
func determineSIMDLiveness(inst *ilist.Instr, reg arch.Reg, value *arch.SIMDLiveness) bool {
	xmm := arch.ResizeSIMD(reg, arch.XMMSize)
	ymm := arch.ResizeSIMD(reg, arch.YMMSize)
	zmm := arch.ResizeSIMD(reg, arch.ZMMSize)

	if inst.ReadsFromReg(zmm, ilist.QueryCondSrcs) {
		switch {
		case (inst.ReadsFromExactReg(zmm, ilist.QueryCondSrcs) || inst.IsPartialRead(zmm)) &&
			(value.Cmp(arch.SIMDZMMLive) <= 0 || *value == arch.SIMDUnknown):
			*value = arch.SIMDZMMLive
		case (inst.ReadsFromExactReg(ymm, ilist.QueryCondSrcs) || inst.IsPartialRead(ymm)) &&
			(value.Cmp(arch.SIMDYMMLive) <= 0 || *value == arch.SIMDUnknown):
			*value = arch.SIMDYMMLive
		case (inst.ReadsFromExactReg(xmm, ilist.QueryCondSrcs) || inst.IsPartialRead(xmm)) &&
			(value.Cmp(arch.SIMDXMMLive) <= 0 || *value == arch.SIMDUnknown):
			*value = arch.SIMDXMMLive
		default:
			*value = arch.SIMDZMMLive
		}
		return true
	}

	if inst.WritesToReg(zmm, ilist.QueryCondSrcs) {
		switch {
		case inst.WritesToExactReg(zmm, ilist.QueryCondSrcs):
			*value = arch.SIMDZMMDead
			return true
		case inst.WritesToExactReg(ymm, ilist.QueryCondSrcs) &&
			(value.Cmp(arch.SIMDYMMDead) < 0 || value.Cmp(arch.SIMDXMMLive) >= 0):
			*value = arch.SIMDYMMDead
			return true
		case inst.WritesToExactReg(xmm, ilist.QueryCondSrcs) &&
			value.Cmp(arch.SIMDXMMLive) >= 0:
			*value = arch.SIMDXMMDead
			return true
		}
		// A partial write leaves the register live.
	}
	return false
}

// BlockAnalysis is the analysis-phase event: one reverse scan over the block
// filling the per-register live vectors, the aflags vector, and the app-use
// counters. Indices are reversed (0 is the last instruction); InsertEarly
// counts liveIdx back down as insertion walks forward.
//
// This event must run after other components' analysis so labels they insert
// are already in place and the indices line up.
func (t *Thread) BlockAnalysis(il *ilist.List) {
	for i := range t.reg {
		t.reg[i].appUses = 0
	}
	for i := range t.simdReg {
		t.simdReg[i].appUses = 0
	}
	t.bbHasInternalFlow = false

	index := 0
	for inst := il.Last(); inst != nil; inst = inst.Prev() {
		// Meta instructions count too: earlier phases may have inserted
		// some, and the indices must advance uniformly.
		xfer := inst.IsCTI() || inst.Interrupt || inst.Syscall

		if !t.bbHasInternalFlow && inst.Branch && inst.IntraBlockTarget {
			// Lazy restores are unsafe when the block branches within
			// itself.
			t.bbHasInternalFlow = true
			tracelog.WithField("liveIdx", index).Debug("intra-block control flow; lazy restores off")
		}

		for i := 0; i < arch.NumGPR; i++ {
			reg := arch.GPR(i)
			value := arch.GPRLive
			switch {
			case inst.ReadsFromReg(reg, ilist.QueryCondSrcs):
				value = arch.GPRLive
			case inst.WritesToExactReg(reg, ilist.QueryCondSrcs) ||
				// A 32-bit write zeroes the upper half.
				inst.WritesToExact32(reg, ilist.QueryCondSrcs):
				value = arch.GPRDead
			case xfer:
				value = arch.GPRLive
			case index > 0:
				value = t.gprLiveAt(reg, index-1)
			}
			t.reg[i].setLive(index, uint32(value))
		}

		for i := 0; i < arch.NumSIMD; i++ {
			reg := arch.SIMD(i)
			value := arch.SIMDUnknown
			if !determineSIMDLiveness(inst, reg, &value) {
				if xfer {
					value = arch.SIMDZMMLive
				} else if index > 0 {
					value = t.simdLiveAt(reg, index-1)
				}
			}
			t.simdReg[i].setLive(index, uint32(value))
		}

		var aflagsCur arch.Aflags
		read := inst.ArithFlagsRead(ilist.QueryCondSrcs)
		written := inst.ArithFlagsWritten(ilist.QueryCondSrcs)
		if xfer {
			aflagsCur = arch.ArithFlags // assume flags are read before written
		} else {
			if index == 0 {
				aflagsCur = arch.ArithFlags
			} else {
				aflagsCur = t.aflagsLiveAt(index - 1)
			}
			aflagsCur |= read
			aflagsCur &^= written &^ read
		}
		t.aflags.setLive(index, uint32(aflagsCur))

		if inst.IsApp() {
			for _, o := range inst.Dsts {
				t.countAppUses(o)
			}
			for _, o := range inst.Srcs {
				t.countAppUses(o)
			}
		}
		index++
	}
	t.liveIdx = index
}

// forwardAnalysis is the fallback used whenever an API is called outside the
// insertion phase: a linear scan from the insertion point to the first
// control transfer, recording only the first event per register into index 0
// of each live vector. Whatever stays unknown is pessimized to live.
func (t *Thread) forwardAnalysis(start *ilist.Instr) error {
	for i := range t.reg {
		t.reg[i].appUses = 0
		t.reg[i].setLive(0, uint32(arch.GPRUnknown))
	}
	for i := range t.simdReg {
		t.simdReg[i].appUses = 0
		t.simdReg[i].setLive(0, uint32(arch.SIMDUnknown))
		t.simdReg[i].everSpilled = false
	}

	var flagsRead, flagsWritten arch.Aflags
	for inst := start; inst != nil; inst = inst.Next() {
		if inst.IsCTI() || inst.Interrupt || inst.Syscall {
			break
		}
		for i := 0; i < arch.NumGPR; i++ {
			reg := arch.GPR(i)
			if t.gprLiveAt(reg, 0) != arch.GPRUnknown {
				continue
			}
			value := arch.GPRUnknown
			switch {
			case inst.ReadsFromReg(reg, ilist.QueryCondSrcs):
				value = arch.GPRLive
			case inst.WritesToExactReg(reg, ilist.QueryCondSrcs) ||
				inst.WritesToExact32(reg, ilist.QueryCondSrcs):
				value = arch.GPRDead
			}
			if value != arch.GPRUnknown {
				t.reg[i].setLive(0, uint32(value))
			}
		}
		for i := 0; i < arch.NumSIMD; i++ {
			reg := arch.SIMD(i)
			if t.simdLiveAt(reg, 0) != arch.SIMDUnknown {
				continue
			}
			value := arch.SIMDUnknown
			determineSIMDLiveness(inst, reg, &value)
			if value != arch.SIMDUnknown {
				t.simdReg[i].setLive(0, uint32(value))
			}
		}

		r := inst.ArithFlagsRead(ilist.QueryCondSrcs)
		w := inst.ArithFlagsWritten(ilist.QueryCondSrcs)
		// A flag both read and written counts only as read; a read after
		// an earlier write does not count at all, and a write after an
		// earlier read leaves the flag live.
		flagsRead |= r &^ flagsWritten
		flagsWritten |= w &^ flagsRead

		if inst.IsApp() {
			for _, o := range inst.Dsts {
				t.countAppUses(o)
			}
			for _, o := range inst.Srcs {
				t.countAppUses(o)
			}
		}
	}
	t.liveIdx = 0

	for i := 0; i < arch.NumGPR; i++ {
		if arch.GPRLiveness(t.reg[i].liveAt(0)) == arch.GPRUnknown {
			t.reg[i].setLive(0, uint32(arch.GPRLive))
		}
	}
	for i := 0; i < arch.NumSIMD; i++ {
		if arch.SIMDLiveness(t.simdReg[i].liveAt(0)) == arch.SIMDUnknown {
			t.simdReg[i].setLive(0, uint32(arch.SIMDZMMLive))
		}
	}
	// Flags never written before the scan ended are assumed read later.
	t.aflags.setLive(0, uint32(arch.ArithFlags&^flagsWritten))
	return nil
}
