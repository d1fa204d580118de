package ilist

import (
	"testing"

	"github.com/orizon-lang/regmediator/internal/arch"
)

func TestListInsertion(t *testing.T) {
	il := NewList()
	a := il.Append(&Instr{Opcode: OpOther})
	c := il.Append(&Instr{Opcode: OpOther})
	b := il.MetaPreinsert(c, NewRegMove(arch.RAX, arch.RBX))

	if il.First() != a || il.Last() != c {
		t.Fatalf("list ends wrong")
	}
	if a.Next() != b || b.Next() != c || c.Prev() != b || b.Prev() != a {
		t.Fatalf("links wrong after preinsert")
	}
	if !b.Meta {
		t.Errorf("preinserted instruction must be meta")
	}
	if il.Len() != 3 {
		t.Errorf("Len = %d, want 3", il.Len())
	}

	// nil where appends.
	d := il.MetaPreinsert(nil, NewRegMove(arch.RCX, arch.RDX))
	if il.Last() != d {
		t.Errorf("preinsert at nil must append")
	}
}

func TestIsLastApp(t *testing.T) {
	il := NewList()
	a := il.Append(&Instr{Opcode: OpOther})
	b := il.Append(&Instr{Opcode: OpOther, Branch: true})
	il.MetaPreinsert(nil, NewLahf()) // trailing meta

	if a.IsLastApp() {
		t.Errorf("a is followed by an app instruction")
	}
	if !b.IsLastApp() {
		t.Errorf("b is the last app instruction despite trailing meta")
	}
}

func TestAutoPredicateStamping(t *testing.T) {
	il := NewList()
	anchor := il.Append(&Instr{Opcode: OpOther})
	il.SetAutoPredicate(true)
	pred := il.MetaPreinsert(anchor, NewLahf())
	prev := il.SetAutoPredicate(false)
	unpred := il.MetaPreinsert(anchor, NewSahf())
	if !prev {
		t.Errorf("SetAutoPredicate must return the previous value")
	}
	if !pred.Predicated || unpred.Predicated {
		t.Errorf("auto-predicate stamping wrong: %v %v", pred.Predicated, unpred.Predicated)
	}
}

func TestRegisterPredicates(t *testing.T) {
	tests := []struct {
		name string
		in   *Instr
		check func(*Instr) bool
		want bool
	}{
		{
			"mem_base_is_read",
			&Instr{Opcode: OpOther, Dsts: []Opnd{MemOpnd(arch.RBX, 8, 8)}, Srcs: []Opnd{RegOpnd(arch.RCX)}},
			func(in *Instr) bool { return in.ReadsFromReg(arch.RBX, QueryCondSrcs) },
			true,
		},
		{
			"mem_dst_is_not_reg_write",
			&Instr{Opcode: OpOther, Dsts: []Opnd{MemOpnd(arch.RBX, 8, 8)}},
			func(in *Instr) bool { return in.WritesToReg(arch.RBX, QueryAll) },
			false,
		},
		{
			"exact_write_full_width",
			&Instr{Opcode: OpOther, Dsts: []Opnd{RegOpnd(arch.RDX)}},
			func(in *Instr) bool { return in.WritesToExactReg(arch.RDX, QueryCondSrcs) },
			true,
		},
		{
			"subreg_write_not_exact",
			&Instr{Opcode: OpOther, Dsts: []Opnd{RegOpndSized(arch.RDX, 4)}},
			func(in *Instr) bool { return in.WritesToExactReg(arch.RDX, QueryCondSrcs) },
			false,
		},
		{
			"dword_write_detected",
			&Instr{Opcode: OpOther, Dsts: []Opnd{RegOpndSized(arch.RDX, 4)}},
			func(in *Instr) bool { return in.WritesToExact32(arch.RDX, QueryCondSrcs) },
			true,
		},
		{
			"cond_src_skipped_by_default",
			&Instr{Opcode: OpOther, Srcs: []Opnd{{Kind: OpndReg, Reg: arch.RSI, Size: 8, Cond: true}}},
			func(in *Instr) bool { return in.ReadsFromReg(arch.RSI, QueryDefault) },
			false,
		},
		{
			"cond_src_seen_with_cond_query",
			&Instr{Opcode: OpOther, Srcs: []Opnd{{Kind: OpndReg, Reg: arch.RSI, Size: 8, Cond: true}}},
			func(in *Instr) bool { return in.ReadsFromReg(arch.RSI, QueryCondSrcs) },
			true,
		},
		{
			"cond_write_skipped_below_all",
			&Instr{Opcode: OpOther, Dsts: []Opnd{{Kind: OpndReg, Reg: arch.RDI, Size: 8, Cond: true}}},
			func(in *Instr) bool { return in.WritesToReg(arch.RDI, QueryDefault) },
			false,
		},
		{
			"cond_write_seen_with_all",
			&Instr{Opcode: OpOther, Dsts: []Opnd{{Kind: OpndReg, Reg: arch.RDI, Size: 8, Cond: true}}},
			func(in *Instr) bool { return in.WritesToReg(arch.RDI, QueryAll) },
			true,
		},
		{
			"simd_subwidth_overlaps",
			&Instr{Opcode: OpOther, Srcs: []Opnd{RegOpnd(arch.XMM4)}},
			func(in *Instr) bool { return in.ReadsFromReg(arch.ZMM4, QueryCondSrcs) },
			true,
		},
		{
			"partial_read_detected",
			&Instr{Opcode: OpOther, Srcs: []Opnd{RegOpndSized(arch.ZMM4, 16)}},
			func(in *Instr) bool { return in.IsPartialRead(arch.ZMM4) },
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.in); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestXchgReadsAndWritesBoth(t *testing.T) {
	in := NewXchg(arch.RAX, arch.R10)
	for _, reg := range []arch.Reg{arch.RAX, arch.R10} {
		if !in.ReadsFromReg(reg, QueryCondSrcs) || !in.WritesToExactReg(reg, QueryCondSrcs) {
			t.Errorf("xchg must read and write %v", reg)
		}
	}
}

func TestEmitterFlagMasks(t *testing.T) {
	if NewLahf().ArithFlagsRead(QueryDefault)&arch.FlagOF != 0 {
		t.Errorf("lahf must not read OF")
	}
	if NewSeto().ArithFlagsRead(QueryDefault) != arch.FlagOF {
		t.Errorf("seto reads exactly OF")
	}
	if NewSahf().ArithFlagsWritten(QueryAll)&arch.FlagOF != 0 {
		t.Errorf("sahf must not write OF")
	}
	if NewCmpImm8(-127).ArithFlagsWritten(QueryAll) != arch.ArithFlags {
		t.Errorf("cmp writes all arithmetic flags")
	}
}
