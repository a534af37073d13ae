package status

// Admission is the router-facing reading of a status: may the endpoint take
// a new envelope now, later, or not at all.
type Admission uint8

const (
	// Refuse means the endpoint is terminally inadmissible.
	Refuse Admission = iota
	// Hold means the endpoint is expected to become admissible; re-evaluate later.
	Hold
	// Admit means the endpoint accepts envelopes now.
	Admit
)

func (a Admission) String() string {
	switch a {
	case Admit:
		return "admit"
	case Hold:
		return "hold"
	default:
		return "refuse"
	}
}

// State is implemented by ServiceStatus and NetworkStatus.
type State interface {
	comparable
	String() string
	Admission() Admission
}

// View is the read-only side of a Machine handed to the router.
type View interface {
	Name() string
	Admission() Admission
	StatusString() string
}
