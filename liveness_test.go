package regmediator

import (
	"testing"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/host"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

func TestBlockAnalysisGPRLiveness(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 2})
	il := ilist.NewList()
	// add rbx <- rbx, rcx; mov rax <- imm
	il.Append(appInstr(regs(arch.RBX), regs(arch.RBX, arch.RCX), arch.ArithFlags))
	il.Append(appInstr(regs(arch.RAX), nil, 0))
	rt.CurPhase = host.PhaseAnalysis
	th.BlockAnalysis(il)
	rt.CurPhase = host.PhaseNone

	if th.liveIdx != 2 {
		t.Fatalf("liveIdx = %d", th.liveIdx)
	}
	// Reverse indices: 0 is the mov, 1 is the add.
	tests := []struct {
		reg  arch.Reg
		idx  int
		want arch.GPRLiveness
	}{
		{arch.RAX, 0, arch.GPRDead}, // exact write kills it
		{arch.RAX, 1, arch.GPRDead}, // inherited
		{arch.RBX, 1, arch.GPRLive}, // read by the add
		{arch.RCX, 1, arch.GPRLive},
		{arch.RBX, 0, arch.GPRLive}, // conservative default at block end
	}
	for _, tt := range tests {
		if got := th.gprLiveAt(tt.reg, tt.idx); got != tt.want {
			t.Errorf("%v@%d = %v, want %v", tt.reg, tt.idx, got, tt.want)
		}
	}
}

func TestBlockAnalysisDwordWriteKills(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 2})
	il := ilist.NewList()
	il.Append(appInstr(nil, nil, 0))
	// mov edx <- imm zeroes the upper half of rdx.
	il.Append(appInstr([]ilist.Opnd{ilist.RegOpndSized(arch.RDX, 4)}, nil, 0))
	rt.CurPhase = host.PhaseAnalysis
	th.BlockAnalysis(il)
	rt.CurPhase = host.PhaseNone
	if got := th.gprLiveAt(arch.RDX, 1); got != arch.GPRDead {
		t.Errorf("rdx before dword write = %v, want dead", got)
	}
}

func TestBlockAnalysisSIMDLadder(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 2, NumSpillSIMDSlots: 2})
	il := ilist.NewList()
	// movaps xmm3 <- xmm4; jmp
	il.Append(appInstr(regs(arch.XMM3), regs(arch.XMM4), 0))
	il.Append(branchInstr(0))
	rt.CurPhase = host.PhaseAnalysis
	th.BlockAnalysis(il)
	rt.CurPhase = host.PhaseNone

	// Index 0 is the branch: everything pessimized to fully live.
	if got := th.simdLiveAt(arch.ZMM3, 0); got != arch.SIMDZMMLive {
		t.Errorf("zmm3 at branch = %v", got)
	}
	// Index 1: the exact xmm3 write makes the low lane dead; the exact
	// xmm4 read makes its low lane live.
	if got := th.simdLiveAt(arch.ZMM3, 1); got != arch.SIMDXMMDead {
		t.Errorf("zmm3 before write = %v, want xmm-dead", got)
	}
	if got := th.simdLiveAt(arch.ZMM4, 1); got != arch.SIMDXMMLive {
		t.Errorf("zmm4 before read = %v, want xmm-live", got)
	}
	if got := th.simdLiveAt(arch.ZMM5, 1); got != arch.SIMDZMMLive {
		t.Errorf("untouched zmm5 must inherit the branch's full-live state, got %v", got)
	}
}

func TestBlockAnalysisWiderAccessDominates(t *testing.T) {
	// One instruction reading both ymm1 and xmm1: the wider read wins.
	in := appInstr(nil, []ilist.Opnd{ilist.RegOpnd(arch.YMM1), ilist.RegOpnd(arch.XMM1)}, 0)
	value := arch.SIMDUnknown
	if !determineSIMDLiveness(in, arch.ZMM1, &value) {
		t.Fatal("state not set")
	}
	if value != arch.SIMDYMMLive {
		t.Errorf("value = %v, want ymm-live", value)
	}
}

func TestBlockAnalysisAflags(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 2})
	il := ilist.NewList()
	// i2 writes CF|ZF without reading; i1 is a plain instruction.
	il.Append(appInstr(nil, nil, 0))
	il.Append(appInstr(nil, nil, arch.FlagCF|arch.FlagZF))
	rt.CurPhase = host.PhaseAnalysis
	th.BlockAnalysis(il)
	rt.CurPhase = host.PhaseNone

	// Each entry is the liveness just before its instruction. Before the
	// partial write (index 0), CF and ZF are dead because the write
	// precedes the assumed block-end read; the other flags stay live.
	want := arch.ArithFlags &^ (arch.FlagCF | arch.FlagZF)
	if got := th.aflagsLiveAt(0); got != want {
		t.Errorf("aflags before write = %#x, want %#x", got, want)
	}
	// The plain instruction inherits that state.
	if got := th.aflagsLiveAt(1); got != want {
		t.Errorf("aflags at start = %#x, want %#x", got, want)
	}
}

func TestBlockAnalysisAppUses(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 2})
	il := ilist.NewList()
	// mov rax <- [rbx+8]: memory operand registers count double.
	il.Append(appInstr(regs(arch.RAX), []ilist.Opnd{ilist.MemOpnd(arch.RBX, 8, 8)}, 0))
	il.Append(branchInstr(0))
	rt.CurPhase = host.PhaseAnalysis
	th.BlockAnalysis(il)
	rt.CurPhase = host.PhaseNone

	if got := th.gprRec(arch.RBX).appUses; got != 2 {
		t.Errorf("rbx uses = %d, want 2 (memory operand double-counted)", got)
	}
	if got := th.gprRec(arch.RAX).appUses; got != 1 {
		t.Errorf("rax uses = %d, want 1", got)
	}
}

func TestForwardAnalysisPessimizesUnknown(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 2, NumSpillSIMDSlots: 1})
	rt.CurPhase = host.PhaseNone
	il := ilist.NewList()
	start := il.Append(appInstr(regs(arch.RDX), nil, 0))                // kills rdx
	il.Append(appInstr(nil, regs(arch.RSI), arch.FlagCF|arch.FlagZF))  // reads rsi, writes CF|ZF
	il.Append(branchInstr(0))                                          // scan stops here
	il.Append(appInstr(nil, regs(arch.R15), 0))                        // beyond the transfer

	if err := th.forwardAnalysis(start); err != nil {
		t.Fatal(err)
	}
	if th.liveIdx != 0 {
		t.Fatalf("forward analysis must use index 0")
	}
	if got := th.gprLiveAt(arch.RDX, 0); got != arch.GPRDead {
		t.Errorf("rdx = %v", got)
	}
	if got := th.gprLiveAt(arch.RSI, 0); got != arch.GPRLive {
		t.Errorf("rsi = %v", got)
	}
	// r15 is only touched past the control transfer: stays unknown,
	// pessimized to live.
	if got := th.gprLiveAt(arch.R15, 0); got != arch.GPRLive {
		t.Errorf("r15 = %v", got)
	}
	if got := th.simdLiveAt(arch.ZMM0, 0); got != arch.SIMDZMMLive {
		t.Errorf("zmm0 = %v", got)
	}
	// Flags written before the transfer are the only dead ones.
	want := arch.ArithFlags &^ (arch.FlagCF | arch.FlagZF)
	if got := th.aflagsLiveAt(0); got != want {
		t.Errorf("aflags = %#x, want %#x", got, want)
	}
}

func TestAreAflagsDead(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 2})
	rt.CurPhase = host.PhaseNone
	il := ilist.NewList()
	start := il.Append(appInstr(nil, nil, arch.ArithFlags)) // rewrites everything
	il.Append(branchInstr(0))
	dead, err := th.AreAflagsDead(start)
	if err != nil {
		t.Fatal(err)
	}
	if !dead {
		t.Errorf("all flags rewritten before any read must be dead")
	}
}
