package regmediator

import (
	"unsafe"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/host"
	"github.com/orizon-lang/regmediator/internal/ilist"
)

// regRecord tracks one physical register for one thread. The live vector is
// indexed by the block's reverse instruction position; entry widths differ
// per register file, so entries are stored raw and read through the typed
// accessors on Thread.
type regRecord struct {
	live        []uint32
	inUse       bool
	appUses     int
	everSpilled bool

	// Where the app value currently is: in the register itself (native),
	// exchanged into another dead register (xchg), or in slot.
	native bool
	xchg   arch.Reg
	slot   int
}

func (r *regRecord) setLive(idx int, v uint32) {
	for len(r.live) <= idx {
		r.live = append(r.live, 0)
	}
	r.live[idx] = v
}

func (r *regRecord) liveAt(idx int) uint32 {
	if idx < 0 || idx >= len(r.live) {
		return 0
	}
	return r.live[idx]
}

// Thread is one application thread's allocation state. All mediator APIs
// take the thread they operate on; no locking is needed because nothing here
// is shared across threads.
type Thread struct {
	m *Mediator

	seg       host.Segment
	simdBlock []byte
	simdFree  func() error

	curInstr *ilist.Instr
	// liveIdx counts down from the block's instruction count during the
	// insertion phase; it indexes the reverse live vectors.
	liveIdx int

	reg     [arch.NumGPR]regRecord
	simdReg [arch.NumSIMD]regRecord
	aflags  regRecord

	slotUse     []arch.Reg
	simdSlotUse []arch.Reg

	pendingUnreserved     int
	simdPendingUnreserved int

	bbProps           BlockProperties
	bbHasInternalFlow bool

	edits editQueue
}

func (t *Thread) gprRec(reg arch.Reg) *regRecord  { return &t.reg[reg.GPRIndex()] }
func (t *Thread) simdRec(reg arch.Reg) *regRecord { return &t.simdReg[reg.SIMDIndex()] }

func (t *Thread) gprLiveAt(reg arch.Reg, idx int) arch.GPRLiveness {
	return arch.GPRLiveness(t.gprRec(reg).liveAt(idx))
}

func (t *Thread) simdLiveAt(reg arch.Reg, idx int) arch.SIMDLiveness {
	return arch.SIMDLiveness(t.simdRec(reg).liveAt(idx))
}

func (t *Thread) aflagsLiveAt(idx int) arch.Aflags {
	return arch.Aflags(t.aflags.liveAt(idx))
}

// newThread builds the per-thread state: register records born native, the
// TLS segment, and the aligned indirect SIMD block whose address is written
// into the hidden TLS cell so emitted code can reach it.
func (m *Mediator) newThread() (*Thread, error) {
	t := &Thread{
		m:           m,
		slotUse:     make([]arch.Reg, m.maxSlots()),
		simdSlotUse: make([]arch.Reg, m.ops.NumSpillSIMDSlots),
	}
	for i := range t.reg {
		t.reg[i].native = true
	}
	for i := range t.simdReg {
		t.simdReg[i].native = true
	}
	t.aflags.native = true

	seg, err := m.rt.NewSegment()
	if err != nil {
		return nil, ErrInternal
	}
	t.seg = seg

	if m.ops.NumSpillSIMDSlots > 0 {
		block, free, err := m.rt.AllocSIMDBlock(arch.SIMDSlotSize * m.ops.NumSpillSIMDSlots)
		if err != nil {
			return nil, ErrInternal
		}
		if uintptr(unsafe.Pointer(&block[0]))&63 != 0 {
			return nil, ErrInternal
		}
		t.simdBlock = block
		t.simdFree = free
		seg.Write(m.tlsSIMDOffs, uint64(uintptr(unsafe.Pointer(&block[0]))))
	}
	return t, nil
}

func (m *Mediator) freeThread(t *Thread) {
	if t.simdFree != nil {
		t.simdFree()
	}
	m.rt.FreeSegment(t.seg)
}

// ThreadInit allocates mediator state for the calling application thread.
func (m *Mediator) ThreadInit() (*Thread, error) {
	return m.newThread()
}

// ThreadExit releases a thread's mediator state.
func (m *Mediator) ThreadExit(t *Thread) {
	m.freeThread(t)
}

// SetBlockProperties declares control-flow hints for the current block. It
// is only meaningful while a block is being built (app2app, analysis or
// insertion phases); multiple callers' flags accumulate.
func (t *Thread) SetBlockProperties(props BlockProperties) error {
	switch t.m.rt.Phase() {
	case host.PhaseApp2App, host.PhaseAnalysis, host.PhaseInsertion:
	default:
		return ErrFeatureNotAvailable
	}
	t.bbProps |= props
	tracelog.WithField("props", t.bbProps).Debug("block properties set")
	return nil
}
