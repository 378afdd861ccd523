package lifecycle

import (
	"fmt"

	"github.com/openfroyo/virtsync/pkg/engine"
)

// State is a lifecycle state of a domain.
type State string

const (
	// StateUndefined means the hypervisor does not know the domain.
	StateUndefined State = "undefined"

	// StateDefined means the domain has a persistent definition and is shut off.
	StateDefined State = "defined"

	// StateRunning means the domain is active.
	StateRunning State = "running"

	// StatePaused means the domain is active but suspended.
	StatePaused State = "paused"

	// StateSaved is reserved for domains saved to disk. No transitions use it.
	StateSaved State = "saved"

	// StateUnknown is reported for hypervisor states that cannot be mapped.
	StateUnknown State = "unknown"
)

// Validate checks that s is one of the known states.
func (s State) Validate() error {
	switch s {
	case StateUndefined, StateDefined, StateRunning, StatePaused, StateSaved, StateUnknown:
		return nil
	default:
		return engine.NewPermanentError(fmt.Sprintf("invalid lifecycle state: %s", s), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// Requested states accepted by ResolveTarget in addition to the concrete ones.
const (
	// RequestAbsent is an alias of undefined.
	RequestAbsent = "absent"

	// RequestPresent keeps the current state unless the domain is undefined.
	RequestPresent = "present"

	// RequestLatest is present, and also brings the definition up to date.
	RequestLatest = "latest"
)

// RequestedStates lists every value ResolveTarget accepts.
var RequestedStates = []string{
	RequestAbsent, string(StateUndefined),
	RequestPresent, RequestLatest,
	string(StateDefined), string(StateRunning), string(StatePaused),
}

// IsNegative reports whether requested asks for the domain to not exist.
func IsNegative(requested string) bool {
	return requested == RequestAbsent || requested == string(StateUndefined)
}

// ResolveTarget turns a requested state into a concrete one. Soft requests
// (present, latest) keep the current state when it is defined, running or
// paused and fall back to defined otherwise.
func ResolveTarget(requested string, current State) (State, error) {
	switch requested {
	case string(StateDefined), string(StateRunning), string(StatePaused):
		return State(requested), nil
	case RequestAbsent, string(StateUndefined):
		return StateUndefined, nil
	case RequestPresent, RequestLatest:
		switch current {
		case StateDefined, StateRunning, StatePaused:
			return current, nil
		default:
			return StateDefined, nil
		}
	default:
		return "", engine.NewPermanentError(fmt.Sprintf("invalid requested state: %s", requested), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// Status is a raw domain status code as reported by the hypervisor.
type Status int

// Status codes, numbered as libvirt's virDomainState.
const (
	StatusNoState Status = iota
	StatusRunning
	StatusBlocked
	StatusPaused
	StatusShutdown
	StatusShutoff
	StatusCrashed
	StatusPMSuspended
)

var statusNames = map[Status]string{
	StatusNoState:     "nostate",
	StatusRunning:     "running",
	StatusBlocked:     "blocked",
	StatusPaused:      "paused",
	StatusShutdown:    "shutdown",
	StatusShutoff:     "shutoff",
	StatusCrashed:     "crashed",
	StatusPMSuspended: "pmsuspended",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, engine.NewPermanentError(fmt.Sprintf("invalid domain status: %s", name), nil).
		WithCode(engine.ErrCodeValidation)
}

// StateFromStatus maps a hypervisor status onto a lifecycle state. strange
// is set for statuses that should not be seen on a managed domain.
// Undefined is never returned: an undefined domain has no status.
func StateFromStatus(status Status) (state State, strange bool) {
	switch status {
	case StatusNoState, StatusBlocked:
		return StateRunning, true
	case StatusRunning:
		return StateRunning, false
	case StatusPaused:
		return StatePaused, false
	case StatusShutdown, StatusShutoff:
		return StateDefined, false
	default:
		return StateUnknown, true
	}
}
