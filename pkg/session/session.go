// Package session tracks the lifecycle of device-pairing sessions as reported
// by the backend's event stream.
package session

import (
	"time"

	"github.com/lightforgemedia/go-livelink/pkg/envelope"
)

// Status is the lifecycle state of one session.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
	StatusReconnecting    Status = "reconnecting"
	StatusError           Status = "error"
)

// Session is an immutable snapshot of one session's state.
type Session struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Status         Status    `json:"status"`
	PairingPayload string    `json:"pairingPayload,omitempty"` // set only while AwaitingPairing
	Detail         string    `json:"detail,omitempty"`         // raw status value that moved the session to Error
	Seq            uint64    `json:"seq"`                      // delivery order of the last applied event
	LastUpdated    time.Time `json:"lastUpdated"`
}

// next applies one event to s following the session transition table. It
// reports false when the event does not change s.
func next(s Session, ev envelope.Event) (Session, bool) {
	switch e := ev.(type) {
	case envelope.PairingCode:
		switch s.Status {
		case StatusPending, StatusAwaitingPairing:
			if s.Status == StatusAwaitingPairing && s.PairingPayload == e.Payload {
				return s, false
			}
			s.Status = StatusAwaitingPairing
			s.PairingPayload = e.Payload
			return s, true
		}
		return s, false

	case envelope.SessionStatus:
		if s.Status == StatusError {
			return s, false
		}
		switch e.Status {
		case envelope.StatusConnected:
			switch s.Status {
			case StatusPending, StatusAwaitingPairing, StatusReconnecting, StatusDisconnected:
				s.Status = StatusConnected
				s.PairingPayload = ""
				return s, true
			}
			return s, false
		case envelope.StatusDisconnected:
			if s.Status == StatusDisconnected {
				return s, false
			}
			s.Status = StatusDisconnected
			s.PairingPayload = ""
			return s, true
		default:
			s.Status = StatusError
			s.PairingPayload = ""
			s.Detail = e.Status
			return s, true
		}

	case envelope.ConnectionChange:
		if e.State == envelope.ConnectionClosed && s.Status == StatusConnected {
			s.Status = StatusReconnecting
			return s, true
		}
		return s, false
	}
	return s, false
}
