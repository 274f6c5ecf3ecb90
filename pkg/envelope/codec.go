package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is wrapped by DecodeError when the type discriminator is not
// one the codec knows.
var ErrUnknownKind = errors.New("unknown envelope type")

// DecodeError reports a frame that could not be turned into an Event.
type DecodeError struct {
	Kind   Kind   // discriminator, if it could be read
	Reason string // what was wrong
	Err    error  // underlying cause, may be nil
}

func (e *DecodeError) Error() string {
	msg := "envelope: decode"
	if e.Kind != "" {
		msg += " " + string(e.Kind)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// wire is the JSON shape shared by every kind.
type wire struct {
	Type          Kind            `json:"type"`
	SessionID     string          `json:"sessionId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Status        string          `json:"status,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type messagePayload struct {
	Message string `json:"message"`
}

type textPayload struct {
	Text string `json:"text"`
}

// Decode parses one frame. It never panics; every failure is a *DecodeError.
func Decode(data []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if w.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}

	switch w.Type {
	case KindPairingCode:
		if w.SessionID == "" {
			return nil, missing(w.Type, "sessionId")
		}
		var payload string
		if err := decodePayload(w.Payload, &payload); err != nil {
			return nil, &DecodeError{Kind: w.Type, Reason: "payload must be a string", Err: err}
		}
		if payload == "" {
			return nil, missing(w.Type, "payload")
		}
		return PairingCode{SessionID: w.SessionID, Payload: payload}, nil

	case KindSessionStatus:
		if w.SessionID == "" {
			return nil, missing(w.Type, "sessionId")
		}
		if w.Status == "" {
			return nil, missing(w.Type, "status")
		}
		return SessionStatus{SessionID: w.SessionID, Status: w.Status}, nil

	case KindTestRequest:
		if w.CorrelationID == "" {
			return nil, missing(w.Type, "correlationId")
		}
		if w.SessionID == "" {
			return nil, missing(w.Type, "sessionId")
		}
		var p messagePayload
		if err := decodePayload(w.Payload, &p); err != nil {
			return nil, &DecodeError{Kind: w.Type, Reason: "bad payload", Err: err}
		}
		return TestRequest{CorrelationID: w.CorrelationID, SessionID: w.SessionID, Message: p.Message}, nil

	case KindTestResponse:
		if w.CorrelationID == "" {
			return nil, missing(w.Type, "correlationId")
		}
		var p textPayload
		if err := decodePayload(w.Payload, &p); err != nil {
			return nil, &DecodeError{Kind: w.Type, Reason: "bad payload", Err: err}
		}
		return TestResponse{CorrelationID: w.CorrelationID, Text: p.Text}, nil

	case KindTestError:
		if w.CorrelationID == "" {
			return nil, missing(w.Type, "correlationId")
		}
		var p messagePayload
		if err := decodePayload(w.Payload, &p); err != nil {
			return nil, &DecodeError{Kind: w.Type, Reason: "bad payload", Err: err}
		}
		return TestError{CorrelationID: w.CorrelationID, Message: p.Message}, nil

	default:
		// connection_state is internal and rejected here along with anything else.
		return nil, &DecodeError{Kind: w.Type, Reason: "unsupported", Err: ErrUnknownKind}
	}
}

// Encode serializes an Event into its wire form.
func Encode(ev Event) ([]byte, error) {
	var w wire
	var err error

	switch e := ev.(type) {
	case PairingCode:
		w = wire{Type: KindPairingCode, SessionID: e.SessionID}
		w.Payload, err = json.Marshal(e.Payload)
	case SessionStatus:
		w = wire{Type: KindSessionStatus, SessionID: e.SessionID, Status: e.Status}
	case TestRequest:
		w = wire{Type: KindTestRequest, SessionID: e.SessionID, CorrelationID: e.CorrelationID}
		w.Payload, err = json.Marshal(messagePayload{Message: e.Message})
	case TestResponse:
		w = wire{Type: KindTestResponse, CorrelationID: e.CorrelationID}
		w.Payload, err = json.Marshal(textPayload{Text: e.Text})
	case TestError:
		w = wire{Type: KindTestError, CorrelationID: e.CorrelationID}
		w.Payload, err = json.Marshal(messagePayload{Message: e.Message})
	case ConnectionChange:
		return nil, fmt.Errorf("envelope: %s is not a wire type", KindConnection)
	case nil:
		return nil, errors.New("envelope: cannot encode nil event")
	default:
		return nil, fmt.Errorf("envelope: cannot encode %T", ev)
	}
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal %s payload: %w", w.Type, err)
	}
	return json.Marshal(w)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func missing(k Kind, field string) *DecodeError {
	return &DecodeError{Kind: k, Reason: "missing " + field}
}
