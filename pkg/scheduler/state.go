package scheduler

// State is a step of the orchestration loop.
type State string

// Orchestration states, in the order a run walks through them.
const (
	StateIdle          State = "idle"
	StateComputingGaps State = "computing_gaps"
	StateChunking      State = "chunking"
	StateDownloading   State = "downloading"
	StatePersisting    State = "persisting"
	StateCommitting    State = "committing"
	StateFailed        State = "failed"
)

// AllStates lists every state, used to reset the state gauge.
var AllStates = []State{
	StateIdle,
	StateComputingGaps,
	StateChunking,
	StateDownloading,
	StatePersisting,
	StateCommitting,
	StateFailed,
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}
