// Package state provides the service status and type definitions shared by
// the registry, the service base and the chat engine. Values serialise as the
// upper-case strings stored in the persisted registry snapshot.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status represents the lifecycle status of a service.
type Status int32

const (
	// StatusStopped is the status of a service that has not been started yet
	// or that was stopped cleanly.
	StatusStopped Status = iota

	// StatusInitializing indicates the service start hook is running.
	StatusInitializing

	// StatusRunning indicates the service started successfully.
	StatusRunning

	// StatusError indicates a failed start, a removed service, or an id the
	// registry does not know.
	StatusError
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "STOPPED"
	case StatusInitializing:
		return "INITIALIZING"
	case StatusRunning:
		return "RUNNING"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status. Matching is case-insensitive and
// anything unrecognised maps to StatusError.
func ParseStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STOPPED":
		return StatusStopped
	case "INITIALIZING", "STARTING":
		return StatusInitializing
	case "RUNNING", "STARTED", "READY":
		return StatusRunning
	default:
		return StatusError
	}
}

// IsHealthy returns true if this status represents a healthy state.
func (s Status) IsHealthy() bool {
	return s == StatusRunning
}

// CanStart returns true if a service can be started from this status.
func (s Status) CanStart() bool {
	return s == StatusStopped || s == StatusError
}

// CanStop returns true if a service can be stopped from this status.
func (s Status) CanStop() bool {
	return s == StatusRunning || s == StatusInitializing || s == StatusError
}

// ServiceType classifies a pluggable service.
type ServiceType string

const (
	TypeChat      ServiceType = "CHAT"
	TypeMemory    ServiceType = "MEMORY"
	TypeModule    ServiceType = "MODULE"
	TypeExtension ServiceType = "EXTENSION"
)

// Valid reports whether t is one of the known service types.
func (t ServiceType) Valid() bool {
	switch t {
	case TypeChat, TypeMemory, TypeModule, TypeExtension:
		return true
	}
	return false
}

// ParseServiceType converts a string to a ServiceType.
func ParseServiceType(s string) (ServiceType, error) {
	t := ServiceType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown service type %q", s)
	}
	return t, nil
}

// ValidTransitions defines allowed status transitions.
var ValidTransitions = map[Status][]Status{
	StatusStopped:      {StatusInitializing},
	StatusInitializing: {StatusRunning, StatusError},
	StatusRunning:      {StatusStopped, StatusError},
	StatusError:        {StatusInitializing, StatusStopped},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid status transition.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Status) TransitionError {
	return TransitionError{From: from, To: to}
}
