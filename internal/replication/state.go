package replication

type State int

const (
	Pending State = iota
	Started
	Stopping
	Stopped
	Complete
	Error
)

var stateNames = [...]string{"pending", "started", "stopping", "stopped", "complete", "error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Stopped || s == Complete || s == Error
}

type Progress struct {
	ChangesProcessed int64
	ChangesTotal     int64
}

// Event is delivered on the replicator's dispatcher after every state
// change and after every committed page.
type Event struct {
	ReplicationID string
	State         State
	Progress      Progress
	Err           error
}
