package project

// State is the lifecycle state of a Project. The numeric values are part of
// the status codes reported to clients and must not be reordered.
type State int

const (
	// StateReady indicates the project accepts new input files and parameter
	// selection. No process has been dispatched, or the project was reset.
	StateReady State = iota

	// StateRunning indicates a dispatched process is alive. Inputs are
	// frozen until the process finishes or is aborted.
	StateRunning

	// StateDone indicates the dispatched process has exited, was aborted or
	// died unexpectedly. Outputs can be collected.
	StateDone
)

// NOTE: This slice needs to be kept in sync with any changes to the State
// values.
var states = []string{
	"Ready",
	"Running",
	"Done",
}

// String implements the Stringer interface for State and returns a string
// representation of the State by using the int value to index into a slice.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return "Unknown"
	}

	return states[s]
}

const (
	readyMessage   = "Accepting new input files and selection of parameters"
	runningMessage = "The system is running"
	doneMessage    = "Done"
	abortedMessage = "Aborted! Output may be partial or unavailable"
)

// Status is a snapshot of a Project's state as derived from its sentinel
// files.
type Status struct {
	State      State
	Message    string
	Log        []LogEntry
	Completion int

	// ExitStatus is the exit status recorded in .done. Only meaningful when
	// State is StateDone.
	ExitStatus int

	// Aborted reports whether the process was aborted on request.
	Aborted bool
}
