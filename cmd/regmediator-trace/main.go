// Command regmediator-trace instruments a small synthetic block with the
// fake host runtime and prints the resulting instruction list, then walks
// every code address as a fault point and shows what the state
// reconstructor recovers. Useful for eyeballing the spill placement the
// mediator produces.
package main

import (
	"fmt"
	"os"

	"github.com/orizon-lang/regmediator"
	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/host"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

func appInstr(dsts, srcs []ilist.Opnd, flagsWritten arch.Aflags) *ilist.Instr {
	return &ilist.Instr{Opcode: ilist.OpOther, Dsts: dsts, Srcs: srcs, FlagsWritten: flagsWritten}
}

func run() error {
	rt := host.NewFake(2)
	m, err := regmediator.Init(rt, regmediator.Options{NumSpillSlots: 4, NumSpillSIMDSlots: 2})
	if err != nil {
		return err
	}
	defer m.Exit()
	t, err := m.ThreadInit()
	if err != nil {
		return err
	}
	defer m.ThreadExit(t)

	// mov rax <- [rbx]; add rbx <- rbx, rcx (writes flags); jmp out
	il := ilist.NewList()
	load := il.Append(appInstr(
		[]ilist.Opnd{ilist.RegOpnd(arch.RAX)},
		[]ilist.Opnd{ilist.MemOpnd(arch.RBX, 0, 8)}, 0))
	add := il.Append(appInstr(
		[]ilist.Opnd{ilist.RegOpnd(arch.RBX)},
		[]ilist.Opnd{ilist.RegOpnd(arch.RBX), ilist.RegOpnd(arch.RCX)}, arch.ArithFlags))
	jmp := il.Append(&ilist.Instr{Opcode: ilist.OpOther, Branch: true})

	rt.CurPhase = host.PhaseAnalysis
	t.BlockAnalysis(il)

	rt.CurPhase = host.PhaseInsertion
	var scratch arch.Reg
	apps := []*ilist.Instr{load, add, jmp}
	for _, inst := range apps {
		t.InsertEarly(il, inst)
		if inst == load {
			scratch, err = t.ReserveRegister(il, inst, nil)
			if err != nil {
				return err
			}
			fmt.Printf("reserved %s\n", scratch)
		}
		if inst == jmp {
			if err := t.UnreserveRegister(il, inst, scratch); err != nil {
				return err
			}
		}
		t.InsertLate(il, inst)
	}
	rt.CurPhase = host.PhaseNone

	fmt.Println("instrumented block:")
	fmt.Print(il.String())

	start := uintptr(0x1000)
	end := rt.MapCode(start, il)
	fmt.Println("fault reconstruction per pc:")
	for pc := start; pc < end; pc++ {
		raw := &host.MachineContext{PC: pc}
		app := &host.MachineContext{PC: pc}
		t.RestoreState(&host.RestoreStateInfo{Raw: raw, App: app, FragmentStart: start})
		fmt.Printf("  pc=%#x %s=%#x\n", pc, scratch, app.GetReg(scratch))
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "regmediator-trace:", err)
		os.Exit(1)
	}
}
