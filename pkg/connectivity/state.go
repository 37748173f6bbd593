// Package connectivity tracks device network state from an external event
// source and raises a single-shot "just reconnected" pulse on every verified
// offline→online transition.
package connectivity

import (
	"time"
)

// Reachability is the platform's verdict on internet reachability. Platforms
// report it separately from link state and often only after a delay, so it
// has an explicit unknown value.
type Reachability int

const (
	// ReachabilityUnknown means the platform is still resolving reachability.
	ReachabilityUnknown Reachability = iota

	// Reachable means the internet was verified reachable.
	Reachable

	// Unreachable means the internet was verified unreachable.
	Unreachable
)

// String returns the reachability name.
func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ReachabilityFromBool converts a platform boolean into a Reachability.
func ReachabilityFromBool(ok bool) Reachability {
	if ok {
		return Reachable
	}
	return Unreachable
}

// Status is one event delivered by a Source.
type Status struct {
	IsConnected       bool         `json:"is_connected"`
	InternetReachable Reachability `json:"internet_reachable"`
}

// IsOffline reports whether the status means no usable network. A connected
// link whose reachability is still unknown counts as online.
func (s Status) IsOffline() bool {
	return !s.IsConnected || s.InternetReachable == Unreachable
}

// Phase is the coarse state of the monitor.
type Phase string

const (
	// PhaseUnknown is the state before the first event.
	PhaseUnknown Phase = "unknown"

	// PhaseOffline means the last event reported no usable network.
	PhaseOffline Phase = "offline"

	// PhaseOnline means the last event reported a usable network.
	PhaseOnline Phase = "online"
)

// PhaseOf returns the phase a status maps to.
func PhaseOf(s Status) Phase {
	if s.IsOffline() {
		return PhaseOffline
	}
	return PhaseOnline
}

// NetworkState is the monitor's view of the network.
type NetworkState struct {
	Status

	// Phase is unknown until the first event arrives.
	Phase Phase `json:"phase"`

	// LastTransitionAt is when Phase last changed.
	LastTransitionAt time.Time `json:"last_transition_at"`

	// JustReconnected is true for the reconnect window after an
	// offline→online transition.
	JustReconnected bool `json:"just_reconnected"`
}

// IsOffline reports whether the last event reported no usable network.
// Before the first event the state is not considered offline.
func (s NetworkState) IsOffline() bool {
	return s.Phase == PhaseOffline
}
