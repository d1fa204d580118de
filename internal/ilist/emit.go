package ilist

import "github.com/orizon-lang/regmediator/internal/arch"

// Constructors for the instructions the mediator emits. These are the only
// shapes the fault-time classifier ever has to re-identify, so their operand
// layout is part of the mediator's internal ABI: a change here must be
// matched in the classifier.

// NewRegMove builds a register-to-register move.
func NewRegMove(dst, src arch.Reg) *Instr {
	return &Instr{
		Opcode: OpMov,
		Dsts:   []Opnd{RegOpnd(dst)},
		Srcs:   []Opnd{RegOpnd(src)},
	}
}

// NewXchg builds an exchange of two registers. Both are read and written.
func NewXchg(a, b arch.Reg) *Instr {
	return &Instr{
		Opcode: OpXchg,
		Dsts:   []Opnd{RegOpnd(a), RegOpnd(b)},
		Srcs:   []Opnd{RegOpnd(a), RegOpnd(b)},
	}
}

// NewTLSWrite builds a store of reg into the thread-local segment at offs.
func NewTLSWrite(offs int, reg arch.Reg) *Instr {
	return &Instr{
		Opcode: OpMov,
		Dsts:   []Opnd{TLSOpnd(offs, arch.GPRSize)},
		Srcs:   []Opnd{RegOpnd(reg)},
	}
}

// NewTLSRead builds a load of the thread-local segment at offs into reg.
func NewTLSRead(offs int, reg arch.Reg) *Instr {
	return &Instr{
		Opcode: OpMov,
		Dsts:   []Opnd{RegOpnd(reg)},
		Srcs:   []Opnd{TLSOpnd(offs, arch.GPRSize)},
	}
}

// NewMovdqa builds an aligned 128-bit SIMD move.
func NewMovdqa(dst, src Opnd) *Instr {
	return &Instr{Opcode: OpMovdqa, Dsts: []Opnd{dst}, Srcs: []Opnd{src}}
}

// NewVmovdqa builds the VEX-encoded aligned SIMD move.
func NewVmovdqa(dst, src Opnd) *Instr {
	return &Instr{Opcode: OpVmovdqa, Dsts: []Opnd{dst}, Srcs: []Opnd{src}}
}

// NewLahf builds a load of the low flag byte into the accumulator's high
// byte.
func NewLahf() *Instr {
	return &Instr{
		Opcode:    OpLahf,
		Dsts:      []Opnd{RegOpndSized(arch.RAX, 1)},
		FlagsRead: arch.ArithFlags &^ arch.FlagOF,
	}
}

// NewSahf builds the store of the accumulator's high byte back into the
// flags.
func NewSahf() *Instr {
	return &Instr{
		Opcode:       OpSahf,
		Srcs:         []Opnd{RegOpndSized(arch.RAX, 1)},
		FlagsWritten: arch.ArithFlags &^ arch.FlagOF,
	}
}

// NewSeto builds a set-on-overflow into the accumulator's low byte.
func NewSeto() *Instr {
	return &Instr{
		Opcode:    OpSeto,
		Dsts:      []Opnd{RegOpndSized(arch.RAX, 1)},
		FlagsRead: arch.FlagOF,
	}
}

// NewCmpImm8 builds a compare of the accumulator's low byte against an
// 8-bit immediate. The mediator uses cmp al,-127 to regenerate OF without
// clobbering al.
func NewCmpImm8(imm int8) *Instr {
	return &Instr{
		Opcode:       OpCmp,
		Srcs:         []Opnd{RegOpndSized(arch.RAX, 1), ImmOpnd(int64(imm), 1)},
		FlagsWritten: arch.ArithFlags,
	}
}
