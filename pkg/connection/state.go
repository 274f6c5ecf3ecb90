package connection

import (
	"errors"
	"fmt"
	"strings"
)

// State is the connectivity state of the Manager.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotConnected is returned by Send while the connection is not open.
	// Nothing is queued.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrTransportClosed wraps transport failures. The manager recovers from
	// them on its own by reconnecting.
	ErrTransportClosed = errors.New("connection: transport closed")
)

// ReconnectPolicy selects how the delay between reconnect attempts grows.
type ReconnectPolicy string

const (
	// PolicyFixed waits the same delay before every attempt.
	PolicyFixed ReconnectPolicy = "fixed"
	// PolicyBackoff doubles the delay per failed attempt up to a cap and adds
	// random jitter.
	PolicyBackoff ReconnectPolicy = "backoff"
)

// ParsePolicy accepts "fixed" or "backoff" in any case.
func ParsePolicy(s string) (ReconnectPolicy, error) {
	switch ReconnectPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFixed:
		return PolicyFixed, nil
	case PolicyBackoff:
		return PolicyBackoff, nil
	default:
		return "", fmt.Errorf("connection: unknown reconnect policy %q", s)
	}
}
