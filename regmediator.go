package regmediator

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/regmediator/internal/arch"
	"github.com/orizon-lang/regmediator/internal/host"
)

var tracelog = logrus.WithField("ext", "regmediator")

// Mediator is the process-wide handle: immutable combined options plus the
// TLS geometry shared by all threads. It is constructed by Init and threaded
// (via Thread) into every call.
type Mediator struct {
	rt     host.Runtime
	ops    Options
	traits arch.Traits

	// tlsSIMDOffs is the hidden TLS cell holding each thread's pointer to
	// its indirect SIMD spill block. The GPR slot cells follow it.
	tlsSIMDOffs int
	tlsSlotOffs int

	// statsMaxSlot is updated racily; a debug statistic only.
	statsMaxSlot int

	initPT *Thread
}

var initState struct {
	mu    sync.Mutex
	m     *Mediator
	count int
}

// Init initializes the mediator for one client and returns the shared
// handle. Repeated calls combine options; each successful Init must be
// balanced by an Exit.
func Init(rt host.Runtime, opts Options) (*Mediator, error) {
	initState.mu.Lock()
	defer initState.mu.Unlock()

	initState.count++
	m := initState.m
	if initState.count == 1 {
		m = &Mediator{rt: rt, traits: arch.AMD64}
		// One implicit slot (index 0) for the arithmetic flags, so clients
		// need not account for it themselves.
		if m.traits.AflagsInAccumulator {
			m.ops.NumSpillSlots = 1
		}
		initState.m = m
	} else if m.rt != rt {
		initState.count--
		return nil, ErrInvalidParameter
	}

	priorSlots := m.ops.NumSpillSlots
	hadPrior := initState.count > 1

	m.ops.NumSpillSlots = combineSlots(opts.DoNotSumSlots, m.ops.NumSpillSlots, opts.NumSpillSlots)
	m.ops.NumSpillSIMDSlots = combineSlots(opts.DoNotSumSlots, m.ops.NumSpillSIMDSlots, opts.NumSpillSIMDSlots)
	m.ops.DoNotSumSlots = opts.DoNotSumSlots
	m.ops.Conservative = m.ops.Conservative || opts.Conservative
	if m.ops.ErrorCallback == nil {
		m.ops.ErrorCallback = opts.ErrorCallback
	}

	if hadPrior {
		// +1 for the hidden cell holding the indirect-block pointer.
		if err := rt.ReleaseRawTLS(m.tlsSIMDOffs, priorSlots+1); err != nil {
			return nil, ErrInternal
		}
	}
	offs, err := rt.ReserveRawTLS(m.ops.NumSpillSlots + 1)
	if err != nil {
		return nil, ErrOutOfSlots
	}
	m.tlsSIMDOffs = offs
	m.tlsSlotOffs = offs + arch.GPRSize

	if initState.count == 1 {
		// Support client calls made before any thread exists.
		pt, err := m.newThread()
		if err != nil {
			return nil, err
		}
		m.initPT = pt
	}
	return m, nil
}

// Exit releases one client's hold on the mediator. The last Exit tears the
// shared state down so a later Init starts clean.
func (m *Mediator) Exit() error {
	initState.mu.Lock()
	defer initState.mu.Unlock()

	initState.count--
	if initState.count != 0 {
		return nil
	}
	if m.initPT != nil {
		m.freeThread(m.initPT)
		m.initPT = nil
	}
	if err := m.rt.ReleaseRawTLS(m.tlsSIMDOffs, m.ops.NumSpillSlots+1); err != nil {
		return ErrInternal
	}
	initState.m = nil
	return nil
}

// InitThread returns the fallback thread record usable before thread
// initialization has run.
func (m *Mediator) InitThread() *Thread { return m.initPT }

// maxSlots is the total GPR slot budget: our TLS cells plus the host's.
func (m *Mediator) maxSlots() int {
	return m.ops.NumSpillSlots + m.rt.HostSlots()
}

// MaxSlotsUsed returns the highest GPR slot index any spill store has
// targeted across all threads; slots bound without a store are not counted. The counter is updated racily.
func (m *Mediator) MaxSlotsUsed() int { return m.statsMaxSlot }

// reportError routes an internal failure through the client's callback; if
// no callback claims it, the process cannot continue safely.
func (m *Mediator) reportError(err error, msg string) {
	if m.ops.ErrorCallback != nil && m.ops.ErrorCallback(err) {
		return
	}
	panic("regmediator: " + msg + ": " + err.Error())
}
