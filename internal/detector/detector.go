package detector

// State is the answer of a liveness probe.
type State int

const (
	// Dead means no process with the probed pid exists.
	Dead State = iota
	// Alive means the host confirmed the process exists.
	Alive
	// Unknown means the host offers no cheap way to confirm liveness.
	// Callers fall back to trusting the recorded pid.
	Unknown
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Unknown:
		return "unknown"
	default:
		return "dead"
	}
}

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Probe reports the liveness of pid. A non-nil error means the probe
	// itself failed and the state carries no information.
	Probe(pid int) (State, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Host returns the detector for the operating system the binary runs on.
func Host() Detector { return hostDetector{} }

