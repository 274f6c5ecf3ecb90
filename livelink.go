// Package livelink coordinates device-pairing sessions over a live WebSocket
// connection to the pairing backend.
//
// It re-exports the types most callers need so a single import is enough:
//
//	c := livelink.New("wss://backend.example/ws", livelink.DefaultOptions())
//	defer c.Close()
//	c.SubscribeSessions(func(s livelink.Session) { ... })
//	c.Start(ctx)
package livelink

import (
	"github.com/lightforgemedia/go-livelink/pkg/connection"
	"github.com/lightforgemedia/go-livelink/pkg/coordinator"
	"github.com/lightforgemedia/go-livelink/pkg/correlator"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
	"github.com/lightforgemedia/go-livelink/pkg/session"
)

// Re-export core types
type (
	Coordinator      = coordinator.Coordinator
	Options          = coordinator.Options
	Session          = session.Session
	SessionStatus    = session.Status
	ConnectionState  = connection.State
	ConnectionChange = envelope.ConnectionChange
	Call             = correlator.Call
	CallOption       = correlator.CallOption
	Reply            = correlator.Reply
	RemoteError      = correlator.RemoteError
	DecodeError      = envelope.DecodeError
)

// Re-export error values
var (
	ErrNotConnected    = connection.ErrNotConnected
	ErrTransportClosed = connection.ErrTransportClosed
	ErrTimeout         = correlator.ErrTimeout
	ErrCanceled        = correlator.ErrCanceled
	ErrEmptySessionID  = coordinator.ErrEmptySessionID
)

// Session statuses.
const (
	StatusPending         = session.StatusPending
	StatusAwaitingPairing = session.StatusAwaitingPairing
	StatusConnected       = session.StatusConnected
	StatusDisconnected    = session.StatusDisconnected
	StatusReconnecting    = session.StatusReconnecting
	StatusError           = session.StatusError
)

// Connectivity states.
const (
	StateIdle       = connection.StateIdle
	StateConnecting = connection.StateConnecting
	StateOpen       = connection.StateOpen
	StateClosed     = connection.StateClosed
)

// Reconnect policies.
const (
	PolicyFixed   = connection.PolicyFixed
	PolicyBackoff = connection.PolicyBackoff
)

// New creates an idle coordinator for the backend WebSocket at url.
func New(url string, opts Options) *Coordinator {
	return coordinator.New(url, opts)
}

// DefaultOptions returns the library defaults.
func DefaultOptions() Options {
	return coordinator.DefaultOptions()
}

// WithTimeout overrides the reply timeout of one test request.
var WithTimeout = correlator.WithTimeout
