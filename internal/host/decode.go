package host

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// DecodeX86 decodes one instruction from code and maps it into the
// mediator's instruction model. Only the shapes the fault-time classifier
// cares about are mapped structurally (TLS moves, aligned SIMD moves through
// a base register, lahf/sahf); everything else comes back as an opaque
// instruction with just its length.
func DecodeX86(code []byte, pc uintptr) (*ilist.Instr, int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("decode at %#x: %w", pc, err)
	}
	mapped := mapInst(inst)
	mapped.PC = pc
	return mapped, inst.Len, nil
}

func mapInst(inst x86asm.Inst) *ilist.Instr {
	switch inst.Op {
	case x86asm.LAHF:
		return ilist.NewLahf()
	case x86asm.SAHF:
		return ilist.NewSahf()
	case x86asm.MOV:
		if in, ok := mapMov(inst); ok {
			return in
		}
	case x86asm.MOVDQA, x86asm.VMOVDQA:
		if in, ok := mapSIMDMove(inst); ok {
			return in
		}
	}
	return &ilist.Instr{Opcode: ilist.OpOther}
}

func mapMov(inst x86asm.Inst) (*ilist.Instr, bool) {
	dst, src := inst.Args[0], inst.Args[1]
	if m, ok := dst.(x86asm.Mem); ok && m.Segment == x86asm.GS {
		if r, ok := mapGPR(src); ok {
			return ilist.NewTLSWrite(int(m.Disp), r), true
		}
	}
	if m, ok := src.(x86asm.Mem); ok && m.Segment == x86asm.GS {
		if r, ok := mapGPR(dst); ok {
			return ilist.NewTLSRead(int(m.Disp), r), true
		}
	}
	if d, ok := mapGPR(dst); ok {
		if s, ok := mapGPR(src); ok {
			return ilist.NewRegMove(d, s), true
		}
	}
	return nil, false
}

func mapSIMDMove(inst x86asm.Inst) (*ilist.Instr, bool) {
	build := ilist.NewMovdqa
	if inst.Op == x86asm.VMOVDQA {
		build = ilist.NewVmovdqa
	}
	dst, src := inst.Args[0], inst.Args[1]
	if m, ok := dst.(x86asm.Mem); ok {
		if x, okx := mapXMM(src); okx {
			if base, okb := mapGPR(x86asm.Arg(m.Base)); okb {
				return build(ilist.MemOpnd(base, int32(m.Disp), arch.XMMSize), ilist.RegOpnd(x)), true
			}
		}
	}
	if m, ok := src.(x86asm.Mem); ok {
		if x, okx := mapXMM(dst); okx {
			if base, okb := mapGPR(x86asm.Arg(m.Base)); okb {
				return build(ilist.RegOpnd(x), ilist.MemOpnd(base, int32(m.Disp), arch.XMMSize)), true
			}
		}
	}
	return nil, false
}

var gprFromX86 = map[x86asm.Reg]arch.Reg{
	x86asm.RAX: arch.RAX, x86asm.RCX: arch.RCX, x86asm.RDX: arch.RDX,
	x86asm.RBX: arch.RBX, x86asm.RSP: arch.RSP, x86asm.RBP: arch.RBP,
	x86asm.RSI: arch.RSI, x86asm.RDI: arch.RDI, x86asm.R8: arch.R8,
	x86asm.R9: arch.R9, x86asm.R10: arch.R10, x86asm.R11: arch.R11,
	x86asm.R12: arch.R12, x86asm.R13: arch.R13, x86asm.R14: arch.R14,
	x86asm.R15: arch.R15,
}

func mapGPR(a x86asm.Arg) (arch.Reg, bool) {
	r, ok := a.(x86asm.Reg)
	if !ok {
		return arch.RegNone, false
	}
	mapped, ok := gprFromX86[r]
	return mapped, ok
}

func mapXMM(a x86asm.Arg) (arch.Reg, bool) {
	r, ok := a.(x86asm.Reg)
	if !ok || r < x86asm.X0 || r > x86asm.X15 {
		return arch.RegNone, false
	}
	return arch.XMM0 + arch.Reg(r-x86asm.X0), true
}
