// Package regmediator arbitrates scratch-register use among independent
// instrumentation components running over a dynamic binary instrumentation
// host. Clients reserve general-purpose registers, vector registers and the
// arithmetic flags inside basic blocks; the mediator computes per-instruction
// liveness, spills only when a register is actually live, shares spill slots
// across reservations, keeps application values correct around every
// application read and write of a scratch register, and reconstructs
// application register state from its own emitted spill code when a fault
// lands inside instrumented code.
//
// All allocation state is per thread; a Thread handle obtained from
// (*Mediator).ThreadInit is passed to every call. Init and Exit are
// reference-counted so multiple clients can initialize independently.
package regmediator
