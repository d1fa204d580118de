package regmediator

// Options configures the mediator at Init. When several clients initialize,
// their options are combined: slot counts sum, except that a client setting
// DoNotSumSlots raises the running count to its own request (max) instead of
// adding it; Conservative is sticky, and the first error callback wins.
type Options struct {
	// NumSpillSlots is how many GPR-sized TLS spill slots to reserve for
	// this client. Slots beyond this count fall back to the host's own
	// spill slots, which do not survive across application instructions.
	NumSpillSlots int

	// NumSpillSIMDSlots is how many SIMD-sized slots to reserve in the
	// per-thread indirect spill block. Clients that preserve SIMD values
	// across application instructions should request one extra for the
	// temporary used there.
	NumSpillSIMDSlots int

	// Conservative makes every reservation emit a real spill store even
	// when liveness says the register is dead.
	Conservative bool

	// DoNotSumSlots combines multi-client slot requests with max instead
	// of sum.
	DoNotSumSlots bool

	// ErrorCallback is invoked on internal failures. Returning true
	// suppresses the failure; otherwise the mediator panics.
	ErrorCallback func(err error) bool
}

// BlockProperties are per-block hints clients declare to tune how eagerly
// the mediator restores around control flow.
type BlockProperties uint8

const (
	// IgnoreControlFlow suppresses the conservative restores normally
	// forced by branches inside the block.
	IgnoreControlFlow BlockProperties = 1 << iota
	// ContainsSpanningControlFlow forces unreserved registers to be
	// restored before every application instruction because values span
	// control flow the analyzer cannot see.
	ContainsSpanningControlFlow
)

func combineSlots(doNotSum bool, cur, add int) int {
	if doNotSum {
		if add > cur {
			return add
		}
		return cur
	}
	return cur + add
}
