// Package ilist models the instruction lists the mediator instruments: a
// doubly-linked list of decoded instructions with the operand and flag
// metadata the liveness analyzer and the spill machinery query. It is
// deliberately target-like rather than abstract, the same altitude as a
// low-level IR sitting just above the encoder.
package ilist

import (
	"fmt"
	"strings"

	"github.com/orizon-lang/regmediator/internal/arch"
)

// Opcode distinguishes the instructions the mediator itself emits plus a
// generic bucket for everything it merely analyzes.
type Opcode uint8

const (
	OpInvalid Opcode = iota
	OpMov
	OpXchg
	OpMovdqa
	OpVmovdqa
	OpLahf
	OpSahf
	OpSeto
	OpCmp
	// OpOther is any application instruction; its behavior is carried
	// entirely by its operands and flag masks.
	OpOther
)

var opNames = map[Opcode]string{
	OpMov:     "mov",
	OpXchg:    "xchg",
	OpMovdqa:  "movdqa",
	OpVmovdqa: "vmovdqa",
	OpLahf:    "lahf",
	OpSahf:    "sahf",
	OpSeto:    "seto",
	OpCmp:     "cmp",
	OpOther:   "app",
}

// String returns the mnemonic.
func (op Opcode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "invalid"
}

// Seg selects the segment override of a memory operand.
type Seg uint8

const (
	SegNone Seg = iota
	// SegTLS is the thread-local segment the raw spill slots live in.
	SegTLS
)

// OpndKind discriminates operand shapes.
type OpndKind uint8

const (
	OpndNull OpndKind = iota
	OpndReg
	OpndImm
	OpndMem
)

// Opnd is one instruction operand. Register operands carry an access size so
// partial reads and sub-register writes are visible to the analyzer; memory
// operands expose their base/index registers as implicit reads.
type Opnd struct {
	Kind OpndKind

	// OpndReg
	Reg arch.Reg

	// OpndImm
	Imm int64

	// OpndMem
	Base  arch.Reg
	Index arch.Reg
	Disp  int32
	Seg   Seg

	// Size is the access width in bytes (register slice or memory width).
	Size int

	// Cond marks an operand that is only accessed when the instruction's
	// condition holds (e.g. the destination of a conditional move).
	Cond bool
}

// RegOpnd builds a full-width register operand.
func RegOpnd(r arch.Reg) Opnd {
	return Opnd{Kind: OpndReg, Reg: r, Size: r.FullSize()}
}

// RegOpndSized builds a register operand accessing only the low size bytes.
func RegOpndSized(r arch.Reg, size int) Opnd {
	return Opnd{Kind: OpndReg, Reg: r, Size: size}
}

// ImmOpnd builds an immediate operand.
func ImmOpnd(v int64, size int) Opnd {
	return Opnd{Kind: OpndImm, Imm: v, Size: size}
}

// MemOpnd builds a base+displacement memory operand.
func MemOpnd(base arch.Reg, disp int32, size int) Opnd {
	return Opnd{Kind: OpndMem, Base: base, Disp: disp, Size: size}
}

// TLSOpnd builds a memory operand into the thread-local segment.
func TLSOpnd(offs int, size int) Opnd {
	return Opnd{Kind: OpndMem, Seg: SegTLS, Disp: int32(offs), Size: size}
}

// IsMemRef reports whether the operand references memory.
func (o Opnd) IsMemRef() bool { return o.Kind == OpndMem }

// RegsUsed returns every register the operand mentions, value registers and
// addressing registers alike.
func (o Opnd) RegsUsed() []arch.Reg {
	var regs []arch.Reg
	switch o.Kind {
	case OpndReg:
		regs = append(regs, o.Reg)
	case OpndMem:
		if o.Base != arch.RegNone {
			regs = append(regs, o.Base)
		}
		if o.Index != arch.RegNone {
			regs = append(regs, o.Index)
		}
	}
	return regs
}

func (o Opnd) String() string {
	switch o.Kind {
	case OpndReg:
		if o.Size != o.Reg.FullSize() {
			return fmt.Sprintf("%s:%d", o.Reg, o.Size)
		}
		return o.Reg.String()
	case OpndImm:
		return fmt.Sprintf("$%d", o.Imm)
	case OpndMem:
		seg := ""
		if o.Seg == SegTLS {
			seg = "tls:"
		}
		if o.Base != arch.RegNone {
			return fmt.Sprintf("%s[%s+%d]", seg, o.Base, o.Disp)
		}
		return fmt.Sprintf("%s[%d]", seg, o.Disp)
	}
	return "<null>"
}

// Query controls how register and flag predicates treat conditional
// accesses.
type Query uint8

const (
	// QueryDefault ignores conditionally-accessed operands.
	QueryDefault Query = iota
	// QueryCondSrcs additionally counts conditional sources.
	QueryCondSrcs
	// QueryAll counts every access, conditional or not.
	QueryAll
)

// Instr is one instruction in a block's list.
type Instr struct {
	Opcode Opcode
	Dsts   []Opnd
	Srcs   []Opnd

	// FlagsRead and FlagsWritten are the arithmetic-flag masks of the
	// instruction.
	FlagsRead    arch.Aflags
	FlagsWritten arch.Aflags

	// Branch, Syscall and Interrupt mark control transfers the analyzer
	// treats as block boundaries.
	Branch    bool
	Syscall   bool
	Interrupt bool
	// IntraBlockTarget marks a branch whose target is inside the current
	// block.
	IntraBlockTarget bool

	// Meta marks instructions inserted by instrumentation rather than the
	// application.
	Meta bool

	// Predicated is stamped from the list's auto-predicate at insertion.
	Predicated bool

	// PC is the code address of the instruction, when known.
	PC uintptr

	prev, next *Instr
	list       *List
}

// Next returns the following instruction or nil.
func (in *Instr) Next() *Instr { return in.next }

// Prev returns the preceding instruction or nil.
func (in *Instr) Prev() *Instr { return in.prev }

// IsApp reports whether this is an application instruction.
func (in *Instr) IsApp() bool { return !in.Meta }

// IsCTI reports whether the instruction transfers control.
func (in *Instr) IsCTI() bool { return in.Branch }

// IsLastApp reports whether no application instruction follows in the list.
func (in *Instr) IsLastApp() bool {
	for cur := in.next; cur != nil; cur = cur.next {
		if cur.IsApp() {
			return false
		}
	}
	return true
}

func regsOverlap(a, b arch.Reg) bool {
	if a == b {
		return true
	}
	if a.IsVectorSIMD() && b.IsVectorSIMD() {
		return a.SIMDIndex() == b.SIMDIndex()
	}
	return false
}

// ReadsFromReg reports whether the instruction reads any part of reg,
// including uses as an addressing base or index in any operand.
func (in *Instr) ReadsFromReg(reg arch.Reg, q Query) bool {
	for _, o := range in.Srcs {
		if o.Cond && q == QueryDefault {
			continue
		}
		for _, r := range o.RegsUsed() {
			if regsOverlap(r, reg) {
				return true
			}
		}
	}
	// Addressing registers of destinations are reads.
	for _, o := range in.Dsts {
		if o.Kind != OpndMem {
			continue
		}
		for _, r := range o.RegsUsed() {
			if regsOverlap(r, reg) {
				return true
			}
		}
	}
	return false
}

// ReadsFromExactReg reports a read of reg at exactly its own width.
func (in *Instr) ReadsFromExactReg(reg arch.Reg, q Query) bool {
	for _, o := range in.Srcs {
		if o.Cond && q == QueryDefault {
			continue
		}
		if o.Kind == OpndReg && o.Reg == reg && o.Size == reg.FullSize() {
			return true
		}
	}
	return false
}

// WritesToReg reports whether the instruction writes any part of reg.
func (in *Instr) WritesToReg(reg arch.Reg, q Query) bool {
	for _, o := range in.Dsts {
		if o.Cond && q != QueryAll {
			continue
		}
		if o.Kind == OpndReg && regsOverlap(o.Reg, reg) {
			return true
		}
	}
	return false
}

// WritesToExactReg reports a write that covers all of reg.
func (in *Instr) WritesToExactReg(reg arch.Reg, q Query) bool {
	for _, o := range in.Dsts {
		if o.Cond && q != QueryAll {
			continue
		}
		if o.Kind == OpndReg && o.Reg == reg && o.Size == reg.FullSize() {
			return true
		}
	}
	return false
}

// WritesToExact32 reports a 32-bit write to GPR reg, which on 64-bit
// architectures zeroes the upper half and therefore kills the register.
func (in *Instr) WritesToExact32(reg arch.Reg, q Query) bool {
	for _, o := range in.Dsts {
		if o.Cond && q != QueryAll {
			continue
		}
		if o.Kind == OpndReg && o.Reg == reg && o.Size == 4 {
			return true
		}
	}
	return false
}

// IsPartialRead reports a source read of reg narrower than the register.
func (in *Instr) IsPartialRead(reg arch.Reg) bool {
	for _, o := range in.Srcs {
		if o.Kind == OpndReg && o.Reg == reg && o.Size < reg.FullSize() {
			return true
		}
	}
	return false
}

// ArithFlagsRead returns the arithmetic flags the instruction reads.
func (in *Instr) ArithFlagsRead(q Query) arch.Aflags {
	return in.FlagsRead & arch.ArithFlags
}

// ArithFlagsWritten returns the arithmetic flags the instruction writes.
func (in *Instr) ArithFlagsWritten(q Query) arch.Aflags {
	return in.FlagsWritten & arch.ArithFlags
}

func (in *Instr) String() string {
	var b strings.Builder
	if in.Meta {
		b.WriteString("meta ")
	}
	b.WriteString(in.Opcode.String())
	for i, o := range in.Dsts {
		if i == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(o.String())
	}
	if len(in.Srcs) > 0 {
		b.WriteString(" <- ")
		for i, o := range in.Srcs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(o.String())
		}
	}
	return b.String()
}

// List is a doubly-linked instruction list for one block.
type List struct {
	first, last *Instr
	autoPred    bool
}

// NewList returns an empty list.
func NewList() *List { return &List{} }

// First returns the first instruction or nil.
func (l *List) First() *Instr { return l.first }

// Last returns the last instruction or nil.
func (l *List) Last() *Instr { return l.last }

// AutoPredicate returns whether inserted instructions are auto-predicated.
func (l *List) AutoPredicate() bool { return l.autoPred }

// SetAutoPredicate sets the auto-predication applied to inserted
// instructions and returns the previous value.
func (l *List) SetAutoPredicate(p bool) bool {
	prev := l.autoPred
	l.autoPred = p
	return prev
}

// Append adds an instruction at the end of the list.
func (l *List) Append(in *Instr) *Instr {
	in.list = l
	in.prev = l.last
	in.next = nil
	if l.last != nil {
		l.last.next = in
	} else {
		l.first = in
	}
	l.last = in
	return in
}

// MetaPreinsert inserts a meta instruction immediately before where. A nil
// where appends at the end of the list. The instruction picks up the list's
// current auto-predicate.
func (l *List) MetaPreinsert(where, in *Instr) *Instr {
	in.Meta = true
	in.Predicated = l.autoPred
	if where == nil {
		return l.Append(in)
	}
	in.list = l
	in.next = where
	in.prev = where.prev
	if where.prev != nil {
		where.prev.next = in
	} else {
		l.first = in
	}
	where.prev = in
	return in
}

// Len returns the number of instructions in the list.
func (l *List) Len() int {
	n := 0
	for in := l.first; in != nil; in = in.next {
		n++
	}
	return n
}

// String renders the whole list, one instruction per line.
func (l *List) String() string {
	var b strings.Builder
	for in := l.first; in != nil; in = in.next {
		b.WriteString(in.String())
		b.WriteString("\n")
	}
	return b.String()
}
