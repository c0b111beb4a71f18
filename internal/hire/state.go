package hire

// State is a step of the hire workflow.
type State string

const (
	StateIdle             State = "Idle"
	StateCheckingWallet   State = "CheckingWallet"
	StateCheckingBalance  State = "CheckingBalance"
	StateCreatingJob      State = "CreatingJob"
	StateExecuting        State = "Executing"
	StateReleasingPayment State = "ReleasingPayment"
	StateDone             State = "Done"
	StateFailed           State = "Failed"
)

// transitions lists the forward edges. Failed is reachable from every
// non-terminal state and is added by allowed.
var transitions = map[State]State{
	StateIdle:             StateCheckingWallet,
	StateCheckingWallet:   StateCheckingBalance,
	StateCheckingBalance:  StateCreatingJob,
	StateCreatingJob:      StateExecuting,
	StateExecuting:        StateReleasingPayment,
	StateReleasingPayment: StateDone,
}

// Terminal reports whether the workflow has finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Next returns the forward successor of s.
func (s State) Next() (State, bool) {
	next, ok := transitions[s]
	return next, ok
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	next, ok := transitions[from]
	return ok && next == to
}

// fundsAtRisk reports whether escrow may hold the hirer's funds when a
// workflow fails in state s.
func (s State) fundsAtRisk() bool {
	return s == StateExecuting || s == StateReleasingPayment
}
