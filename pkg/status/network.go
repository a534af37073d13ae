package status

import (
	"fmt"
	"strconv"
	"strings"
)

// NetworkStatus is the lifecycle state of a network adapter.
type NetworkStatus uint8

const (
	NetworkUnregistered NetworkStatus = iota
	NetworkNotInitialized
	NetworkInitializing
	NetworkStarting
	NetworkWaiting
	NetworkWarmup
	NetworkPortConflict
	NetworkConnecting
	NetworkConnected
	NetworkVerified
	NetworkStopping
	NetworkStopped
	NetworkBlocked
	NetworkUnavailable
	NetworkError
	NetworkPausing
	NetworkPaused
	NetworkUnpausing
	NetworkShuttingDown
	NetworkGracefullyShuttingDown
	NetworkShutdown
	NetworkGracefullyShutdown
	NetworkRestarting
	NetworkFailed
)

var networkNames = [...]string{
	NetworkUnregistered:           "Unregistered",
	NetworkNotInitialized:         "NotInitialized",
	NetworkInitializing:           "Initializing",
	NetworkStarting:               "Starting",
	NetworkWaiting:                "Waiting",
	NetworkWarmup:                 "NetworkWarmup",
	NetworkPortConflict:           "NetworkPortConflict",
	NetworkConnecting:             "NetworkConnecting",
	NetworkConnected:              "NetworkConnected",
	NetworkVerified:               "NetworkVerified",
	NetworkStopping:               "NetworkStopping",
	NetworkStopped:                "NetworkStopped",
	NetworkBlocked:                "NetworkBlocked",
	NetworkUnavailable:            "NetworkUnavailable",
	NetworkError:                  "NetworkError",
	NetworkPausing:                "Pausing",
	NetworkPaused:                 "Paused",
	NetworkUnpausing:              "Unpausing",
	NetworkShuttingDown:           "ShuttingDown",
	NetworkGracefullyShuttingDown: "GracefullyShuttingDown",
	NetworkShutdown:               "Shutdown",
	NetworkGracefullyShutdown:     "GracefullyShutdown",
	NetworkRestarting:             "Restarting",
	NetworkFailed:                 "Error",
}

func (s NetworkStatus) String() string {
	if int(s) < len(networkNames) {
		return networkNames[s]
	}
	return "NetworkStatus(" + strconv.Itoa(int(s)) + ")"
}

// Admission implements State.
func (s NetworkStatus) Admission() Admission {
	switch s {
	case NetworkConnected, NetworkVerified:
		return Admit
	case NetworkNotInitialized, NetworkInitializing, NetworkStarting, NetworkWaiting,
		NetworkWarmup, NetworkConnecting, NetworkStopping,
		NetworkPausing, NetworkPaused, NetworkUnpausing, NetworkRestarting:
		return Hold
	default:
		return Refuse
	}
}

// Terminal reports whether s belongs to the shutdown family.
func (s NetworkStatus) Terminal() bool {
	switch s {
	case NetworkShuttingDown, NetworkGracefullyShuttingDown, NetworkShutdown, NetworkGracefullyShutdown:
		return true
	}
	return false
}

func (s NetworkStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *NetworkStatus) UnmarshalText(b []byte) error {
	v, err := ParseNetworkStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseNetworkStatus accepts a numeric code or a case-insensitive name.
func ParseNetworkStatus(in string) (NetworkStatus, error) {
	in = strings.TrimSpace(in)
	if n, err := strconv.Atoi(in); err == nil {
		if n < 0 || n >= len(networkNames) {
			return 0, fmt.Errorf("unknown network status code %d", n)
		}
		return NetworkStatus(n), nil
	}
	for i, name := range networkNames {
		if strings.EqualFold(name, in) {
			return NetworkStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown network status %q", in)
}

var networkShutdown = []NetworkStatus{NetworkShuttingDown, NetworkGracefullyShuttingDown}

func withShutdown(s ...NetworkStatus) []NetworkStatus {
	return append(s, networkShutdown...)
}

var networkUp = withShutdown(NetworkStopping, NetworkBlocked, NetworkUnavailable,
	NetworkConnecting, NetworkPausing, NetworkRestarting)

// NetworkTable lists the legal moves between network states. NetworkError
// and Error are reachable from anywhere; NetworkVerified only via Confirm.
var NetworkTable = Table[NetworkStatus]{
	NetworkUnregistered:           {NetworkNotInitialized},
	NetworkNotInitialized:         withShutdown(NetworkInitializing),
	NetworkInitializing:           withShutdown(NetworkStarting, NetworkUnavailable),
	NetworkStarting:               withShutdown(NetworkWaiting, NetworkWarmup, NetworkPortConflict, NetworkConnecting),
	NetworkWaiting:                withShutdown(NetworkWarmup, NetworkConnecting),
	NetworkWarmup:                 withShutdown(NetworkConnecting, NetworkPortConflict),
	NetworkPortConflict:           withShutdown(NetworkConnecting, NetworkRestarting),
	NetworkConnecting:             withShutdown(NetworkConnected, NetworkStopped, NetworkBlocked, NetworkUnavailable, NetworkPortConflict),
	NetworkConnected:              networkUp,
	NetworkVerified:               networkUp,
	NetworkStopping:               withShutdown(NetworkStopped, NetworkConnected),
	NetworkStopped:                withShutdown(NetworkConnecting, NetworkRestarting),
	NetworkBlocked:                withShutdown(NetworkConnecting, NetworkRestarting),
	NetworkUnavailable:            withShutdown(NetworkConnecting, NetworkRestarting),
	NetworkError:                  withShutdown(NetworkConnecting, NetworkRestarting),
	NetworkPausing:                {NetworkPaused},
	NetworkPaused:                 withShutdown(NetworkUnpausing),
	NetworkUnpausing:              {NetworkConnected, NetworkConnecting},
	NetworkShuttingDown:           {NetworkShutdown},
	NetworkGracefullyShuttingDown: {NetworkGracefullyShutdown},
	NetworkShutdown:               {NetworkRestarting},
	NetworkGracefullyShutdown:     {NetworkRestarting},
	NetworkRestarting:             {NetworkInitializing},
	NetworkFailed:                 withShutdown(NetworkRestarting),
}

// NewNetworkMachine returns a machine in Unregistered.
func NewNetworkMachine(name string, opts ...Option) *Machine[NetworkStatus] {
	return New(name, Rules[NetworkStatus]{
		Initial:     NetworkUnregistered,
		Table:       NetworkTable,
		Verified:    NetworkVerified,
		ConfirmFrom: []NetworkStatus{NetworkConnected},
		Errors:      []NetworkStatus{NetworkError, NetworkFailed},
	}, opts...)
}
