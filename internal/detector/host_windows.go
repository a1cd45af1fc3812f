//go:build windows

package detector

type hostDetector struct{}

// Probe never confirms liveness on Windows: the recorded pid is trusted as
// long as the record exists. Operators are told the answer is unverified.
func (hostDetector) Probe(pid int) (State, error) {
	if pid <= 0 {
		return Dead, nil
	}
	return Unknown, nil
}

func (hostDetector) Describe() string { return "pidfile (unverified)" }
