package status

import (
	"fmt"
	"strconv"
	"strings"
)

// ServiceStatus is the lifecycle state of a locally hosted Service.
type ServiceStatus uint8

const (
	NotInitialized ServiceStatus = iota
	Initializing
	Waiting
	Starting
	Running
	Verified
	PartiallyRunning
	DegradedRunning
	Blocked
	Unstable
	Pausing
	Paused
	Unpausing
	ShuttingDown
	GracefullyShuttingDown
	Shutdown
	GracefullyShutdown
	Restarting
	Unavailable
	Error
)

var serviceNames = [...]string{
	NotInitialized:         "NotInitialized",
	Initializing:           "Initializing",
	Waiting:                "Waiting",
	Starting:               "Starting",
	Running:                "Running",
	Verified:               "Verified",
	PartiallyRunning:       "PartiallyRunning",
	DegradedRunning:        "DegradedRunning",
	Blocked:                "Blocked",
	Unstable:               "Unstable",
	Pausing:                "Pausing",
	Paused:                 "Paused",
	Unpausing:              "Unpausing",
	ShuttingDown:           "ShuttingDown",
	GracefullyShuttingDown: "GracefullyShuttingDown",
	Shutdown:               "Shutdown",
	GracefullyShutdown:     "GracefullyShutdown",
	Restarting:             "Restarting",
	Unavailable:            "Unavailable",
	Error:                  "Error",
}

func (s ServiceStatus) String() string {
	if int(s) < len(serviceNames) {
		return serviceNames[s]
	}
	return "ServiceStatus(" + strconv.Itoa(int(s)) + ")"
}

// Admission implements State.
func (s ServiceStatus) Admission() Admission {
	switch s {
	case Running, Verified, PartiallyRunning, DegradedRunning:
		return Admit
	case NotInitialized, Initializing, Waiting, Starting, Unstable,
		Pausing, Paused, Unpausing, Restarting:
		return Hold
	default:
		return Refuse
	}
}

// Terminal reports whether s belongs to the shutdown family.
func (s ServiceStatus) Terminal() bool {
	switch s {
	case ShuttingDown, GracefullyShuttingDown, Shutdown, GracefullyShutdown:
		return true
	}
	return false
}

func (s ServiceStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ServiceStatus) UnmarshalText(b []byte) error {
	v, err := ParseServiceStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseServiceStatus accepts a numeric code or a case-insensitive name.
func ParseServiceStatus(in string) (ServiceStatus, error) {
	in = strings.TrimSpace(in)
	if n, err := strconv.Atoi(in); err == nil {
		if n < 0 || n >= len(serviceNames) {
			return 0, fmt.Errorf("unknown service status code %d", n)
		}
		return ServiceStatus(n), nil
	}
	for i, name := range serviceNames {
		if strings.EqualFold(name, in) {
			return ServiceStatus(i), nil
		}
	}
	// older peers spell it this way
	if strings.EqualFold(in, "Unavilable") {
		return Unavailable, nil
	}
	return 0, fmt.Errorf("unknown service status %q", in)
}

var serviceShutdown = []ServiceStatus{ShuttingDown, GracefullyShuttingDown}

var serviceRunning = []ServiceStatus{
	Running, PartiallyRunning, DegradedRunning, Unstable, Blocked, Pausing,
	Restarting, Unavailable, ShuttingDown, GracefullyShuttingDown,
}

// ServiceTable lists the legal moves between service states. Error is
// reachable from anywhere and Verified only through Confirm, so neither is
// listed as a target.
var ServiceTable = Table[ServiceStatus]{
	NotInitialized:         {Initializing, ShuttingDown},
	Initializing:           {Waiting, Starting, Unavailable, ShuttingDown, GracefullyShuttingDown},
	Waiting:                {Starting, Unavailable, ShuttingDown, GracefullyShuttingDown},
	Starting:               {Running, Unavailable, ShuttingDown, GracefullyShuttingDown},
	Running:                serviceRunning,
	Verified:               serviceRunning,
	PartiallyRunning:       serviceRunning,
	DegradedRunning:        serviceRunning,
	Unstable:               serviceRunning,
	Blocked:                {Running, Restarting, ShuttingDown, GracefullyShuttingDown},
	Pausing:                {Paused},
	Paused:                 append([]ServiceStatus{Unpausing}, serviceShutdown...),
	Unpausing:              {Running},
	ShuttingDown:           {Shutdown},
	GracefullyShuttingDown: {GracefullyShutdown},
	Shutdown:               {Restarting},
	GracefullyShutdown:     {Restarting},
	Restarting:             {Initializing},
	Unavailable:            {Initializing, Restarting, ShuttingDown, GracefullyShuttingDown},
	Error:                  {Restarting, ShuttingDown, GracefullyShuttingDown},
}

// NewServiceMachine returns a machine in NotInitialized.
func NewServiceMachine(name string, opts ...Option) *Machine[ServiceStatus] {
	return New(name, Rules[ServiceStatus]{
		Initial:     NotInitialized,
		Table:       ServiceTable,
		Verified:    Verified,
		ConfirmFrom: []ServiceStatus{Running},
		Errors:      []ServiceStatus{Error},
	}, opts...)
}
