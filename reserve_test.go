package regmediator

import (
	"errors"
	"testing"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/host"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// A dead register is handed out without a spill store: the slot is owned in
// case the reservation outlives the dead range, but nothing is emitted.
func TestReserveDeadRegisterOwnsSlotWithoutSpill(t *testing.T) {
	m, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	add := il.Append(appInstr(regs(arch.RBX), regs(arch.RBX, arch.RCX), arch.ArithFlags))
	last := il.Append(appInstr(regs(arch.RAX), nil, 0)) // kills rax

	var reg arch.Reg
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		add: func() {
			var err error
			reg, err = th.ReserveRegister(il, add, nil)
			if err != nil {
				t.Fatal(err)
			}
			if reg != arch.RAX {
				t.Fatalf("picked %v, want the dead rax", reg)
			}
			if th.peekSlot(1) != arch.RAX {
				t.Fatalf("slot 1 not owned")
			}
			if th.gprRec(reg).everSpilled {
				t.Fatalf("dead reservation must not spill")
			}
			if err := th.UnreserveRegister(il, add, reg); err != nil {
				t.Fatal(err)
			}
		},
	})
	expectSeq(t, m, il, []string{"app", "app"})
	_ = last
}

// A live register is spilled at reservation and lazily restored when the
// unreserve is still pending at block end.
func TestReserveLiveRegisterSpillsAndLazyRestores(t *testing.T) {
	m, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	add := il.Append(appInstr(regs(arch.RBX), regs(arch.RBX, arch.RCX), arch.ArithFlags))
	ret := il.Append(branchInstr(0))

	var reg arch.Reg
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		add: func() {
			var err error
			reg, err = th.ReserveRegister(il, add, nil)
			if err != nil {
				t.Fatal(err)
			}
			if reg != arch.RAX {
				t.Fatalf("least-used pick = %v, want rax", reg)
			}
			if !th.gprRec(reg).everSpilled {
				t.Fatalf("live reservation must spill")
			}
		},
		ret: func() {
			if err := th.UnreserveRegister(il, ret, reg); err != nil {
				t.Fatal(err)
			}
		},
	})
	expectSeq(t, m, il, []string{"spill rax s1", "app", "restore rax s1", "app"})
}

// Reserve, unreserve and reserve again with no app writes in between reuses
// the same register and slot without another store.
func TestReserveAfterUnreserveReusesSlot(t *testing.T) {
	m, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	i1 := il.Append(appInstr(nil, nil, 0))
	i2 := il.Append(appInstr(nil, nil, 0))
	i3 := il.Append(branchInstr(0))

	var first, second arch.Reg
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		i1: func() {
			var err error
			first, err = th.ReserveRegister(il, i1, nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := th.UnreserveRegister(il, i1, first); err != nil {
				t.Fatal(err)
			}
		},
		i2: func() {
			var err error
			second, err = th.ReserveRegister(il, i2, nil)
			if err != nil {
				t.Fatal(err)
			}
			if second != first {
				t.Fatalf("second reservation = %v, want reuse of %v", second, first)
			}
			if err := th.UnreserveRegister(il, i2, second); err != nil {
				t.Fatal(err)
			}
		},
	})
	expectSeq(t, m, il, []string{"spill rax s1", "app", "app", "restore rax s1", "app"})
	_ = i3
}

// Re-reserving a register already held reports InUse, not a generic
// conflict.
func TestDoubleReserveReturnsInUse(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	i1 := il.Append(appInstr(nil, nil, 0))
	i2 := il.Append(branchInstr(0))

	only, err := NewAllowed(arch.GPRSpillClass, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := only.Set(arch.RDX, true); err != nil {
		t.Fatal(err)
	}
	var reg arch.Reg
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		i1: func() {
			reg, err = th.ReserveRegister(il, i1, only)
			if err != nil || reg != arch.RDX {
				t.Fatalf("first reserve: %v %v", reg, err)
			}
			if _, err := th.ReserveRegister(il, i1, only); !errors.Is(err, ErrInUse) {
				t.Fatalf("double reserve = %v, want ErrInUse", err)
			}
			if err := th.UnreserveRegister(il, i1, reg); err != nil {
				t.Fatal(err)
			}
		},
	})
	_ = i2
}

func TestUnreserveUnheldRegisterIsInvalid(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	i1 := il.Append(appInstr(nil, nil, 0))
	il.Append(branchInstr(0))
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		i1: func() {
			if err := th.UnreserveRegister(il, i1, arch.R9); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("unreserve unheld = %v", err)
			}
		},
	})
}

func TestReserveOutOfSlots(t *testing.T) {
	// One implicit TLS slot (aflags) plus two host slots: exactly two
	// usable GPR slots.
	_, rt, th := testSetup(t, Options{NumSpillSlots: 0})
	il := ilist.NewList()
	i1 := il.Append(appInstr(nil, nil, 0))
	i2 := il.Append(branchInstr(0))
	var held []arch.Reg
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		i1: func() {
			for i := 0; i < 2; i++ {
				reg, err := th.ReserveRegister(il, i1, nil)
				if err != nil {
					t.Fatalf("reserve %d: %v", i, err)
				}
				held = append(held, reg)
			}
			if _, err := th.ReserveRegister(il, i1, nil); !errors.Is(err, ErrOutOfSlots) {
				t.Fatalf("third reserve = %v, want ErrOutOfSlots", err)
			}
			for _, reg := range held {
				if err := th.UnreserveRegister(il, i1, reg); err != nil {
					t.Fatal(err)
				}
			}
		},
	})
	_ = i2
}

func TestYmmZmmClassesNotAvailable(t *testing.T) {
	_, _, th := testSetup(t, Options{NumSpillSlots: 1, NumSpillSIMDSlots: 2})
	il := ilist.NewList()
	where := il.Append(appInstr(nil, nil, 0))
	for _, class := range []arch.SpillClass{arch.SIMDYMMSpillClass, arch.SIMDZMMSpillClass} {
		if _, err := th.ReserveRegisterEx(class, il, where, nil); !errors.Is(err, ErrFeatureNotAvailable) {
			t.Errorf("class %v: %v, want ErrFeatureNotAvailable", class, err)
		}
	}
	if _, err := NewAllowed(arch.SIMDZMMSpillClass, true); !errors.Is(err, ErrFeatureNotAvailable) {
		t.Errorf("NewAllowed(zmm) = %v", err)
	}
}

// Conservative mode always emits the spill store, dead or not.
func TestConservativeSpillsDeadRegister(t *testing.T) {
	m, rt, th := testSetup(t, Options{NumSpillSlots: 3, Conservative: true})
	il := ilist.NewList()
	add := il.Append(appInstr(regs(arch.RBX), regs(arch.RBX, arch.RCX), arch.ArithFlags))
	il.Append(appInstr(regs(arch.RAX), nil, 0))

	var reg arch.Reg
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		add: func() {
			var err error
			reg, err = th.ReserveRegister(il, add, nil)
			if err != nil {
				t.Fatal(err)
			}
			if !th.gprRec(reg).everSpilled {
				t.Fatalf("conservative reservation must spill")
			}
			if err := th.UnreserveRegister(il, add, reg); err != nil {
				t.Fatal(err)
			}
		},
	})
	got := describe(m, il)
	if got[0] != "spill rax s1" {
		t.Fatalf("expected a real store, got %v", got)
	}
}

// Outside the insertion phase a forward scan supplies liveness and
// unreserve restores immediately.
func TestReserveOutsideInsertionPhase(t *testing.T) {
	m, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	rt.CurPhase = host.PhaseNone
	il := ilist.NewList()
	start := il.Append(appInstr(regs(arch.RDX), nil, 0)) // kills rdx
	il.Append(appInstr(nil, regs(arch.RSI), 0))
	il.Append(branchInstr(0))

	dead, err := th.IsRegisterDead(arch.RDX, start)
	if err != nil || !dead {
		t.Fatalf("rdx dead = %v, %v", dead, err)
	}
	dead, err = th.IsRegisterDead(arch.RSI, start)
	if err != nil || dead {
		t.Fatalf("rsi dead = %v, %v", dead, err)
	}

	reg, err := th.ReserveDeadRegister(il, start, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reg != arch.RDX {
		t.Fatalf("dead reserve picked %v", reg)
	}
	before := il.Len()
	if err := th.UnreserveRegister(il, start, reg); err != nil {
		t.Fatal(err)
	}
	// Never spilled: the immediate restore only releases the slot.
	if il.Len() != before {
		t.Fatalf("unexpected emission on unreserve: %v", describe(m, il))
	}
	if !th.gprRec(reg).native {
		t.Fatalf("register must be native after out-of-phase unreserve")
	}
}

func TestGetAppValue(t *testing.T) {
	m, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	i1 := il.Append(appInstr(nil, nil, 0))
	i2 := il.Append(branchInstr(0))

	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		i1: func() {
			reg, err := th.ReserveRegister(il, i1, nil) // live, spilled
			if err != nil {
				t.Fatal(err)
			}
			if err := th.GetAppValue(il, i1, reg, reg); err != nil {
				t.Fatal(err)
			}
			if err := th.UnreserveRegister(il, i1, reg); err != nil {
				t.Fatal(err)
			}
		},
	})
	want := []string{"spill rax s1", "restore rax s1", "app", "restore rax s1", "app"}
	expectSeq(t, m, il, want)
	_ = i2
}

// The app value of a register reserved while dead was never stored.
func TestGetAppValueNeverSpilled(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	add := il.Append(appInstr(regs(arch.RBX), regs(arch.RBX, arch.RCX), arch.ArithFlags))
	il.Append(appInstr(regs(arch.RAX), nil, 0))
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		add: func() {
			reg, err := th.ReserveRegister(il, add, nil) // rax, dead
			if err != nil {
				t.Fatal(err)
			}
			if err := th.GetAppValue(il, add, reg, reg); !errors.Is(err, ErrNoAppValue) {
				t.Fatalf("GetAppValue on never-spilled = %v", err)
			}
			if err := th.UnreserveRegister(il, add, reg); err != nil {
				t.Fatal(err)
			}
		},
	})
}

func TestRestoreAppValuesForOperand(t *testing.T) {
	m, rt, th := testSetup(t, Options{NumSpillSlots: 4})
	il := ilist.NewList()
	i1 := il.Append(appInstr(nil, nil, 0))
	i2 := il.Append(branchInstr(0))
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		i1: func() {
			reg, err := th.ReserveRegister(il, i1, nil) // rax
			if err != nil {
				t.Fatal(err)
			}
			mem := ilist.Opnd{Kind: ilist.OpndMem, Base: reg, Index: arch.RBX, Size: 8}
			swap := arch.RegNone
			if err := th.RestoreAppValues(il, i1, mem, &swap); err != nil {
				t.Fatal(err)
			}
			if err := th.UnreserveRegister(il, i1, reg); err != nil {
				t.Fatal(err)
			}
		},
	})
	// rbx is native, so only the spilled base register needs a load.
	want := []string{"spill rax s1", "restore rax s1", "app", "restore rax s1", "app"}
	expectSeq(t, m, il, want)
	_ = i2
}

func TestStatelesslyRestoreAppValue(t *testing.T) {
	_, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	i1 := il.Append(appInstr(nil, nil, 0))
	i2 := il.Append(branchInstr(0))
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		i1: func() {
			reg, err := th.ReserveRegister(il, i1, nil)
			if err != nil {
				t.Fatal(err)
			}
			restored, respilled, err := th.StatelesslyRestoreAppValue(il, reg, i1, i1)
			if err != nil {
				t.Fatal(err)
			}
			if !restored || respilled {
				t.Fatalf("restored=%v respilled=%v", restored, respilled)
			}
			if th.gprRec(reg).native {
				t.Fatalf("stateless restore must not change tracking")
			}
			if err := th.UnreserveRegister(il, i1, reg); err != nil {
				t.Fatal(err)
			}
		},
	})
	_ = i2
}

func TestReservationInfo(t *testing.T) {
	m, rt, th := testSetup(t, Options{NumSpillSlots: 3})
	il := ilist.NewList()
	i1 := il.Append(appInstr(nil, nil, 0))
	i2 := il.Append(branchInstr(0))
	runInsertion(t, rt, th, il, map[*ilist.Instr]func(){
		i1: func() {
			reg, err := th.ReserveRegister(il, i1, nil)
			if err != nil {
				t.Fatal(err)
			}
			info, err := th.ReservationInfo(reg)
			if err != nil {
				t.Fatal(err)
			}
			if !info.Reserved || info.HoldsAppValue || !info.AppValueRetained {
				t.Fatalf("info = %+v", info)
			}
			if info.IsHostSlot || info.TLSOffs != m.tlsSlotOffs+1*arch.GPRSize {
				t.Fatalf("slot location wrong: %+v", info)
			}
			if err := th.UnreserveRegister(il, i1, reg); err != nil {
				t.Fatal(err)
			}
			if _, err := th.ReservationInfo(reg); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("info on unreserved register must fail")
			}
		},
	})
	_ = i2
}

func TestAllowedVectorValidation(t *testing.T) {
	gpr, err := NewAllowed(arch.GPRSpillClass, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := gpr.Set(arch.XMM1, false); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("simd reg into gpr vector = %v", err)
	}
	simd, err := NewAllowed(arch.SIMDXMMSpillClass, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := simd.Set(arch.RAX, false); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("gpr into simd vector = %v", err)
	}
	// Subwidth names alias.
	if err := simd.Set(arch.YMM3, false); err != nil {
		t.Fatal(err)
	}
	if simd.allows(3) {
		t.Errorf("ymm3 denial must alias zmm3's physical register")
	}
}
