// Package agent implements the single-job worker: it drains entries from
// the shared consumer group, runs each job's build in a sandbox, streams
// logs back to the status store, and acknowledges exactly once the
// terminal status is durably written.
package agent

// State is the agent's position in its lifecycle.
type State string

const (
	StateInit     State = "init"
	StateRegister State = "register"
	StatePoll     State = "poll"
	StateClaimed  State = "claimed"
	StateRunning  State = "running"
	StateFinalize State = "finalize"
	StateDrain    State = "drain"
	StateExit     State = "exit"
)
