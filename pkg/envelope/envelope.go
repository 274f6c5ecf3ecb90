// Package envelope defines the typed events exchanged over the livelink
// connection and the codec that maps them to and from wire JSON.
package envelope

// Kind is the wire discriminator carried in the "type" field.
type Kind string

// Kinds understood by the coordinator. KindConnection never appears on the
// wire; the connection manager synthesizes it.
const (
	KindPairingCode   Kind = "pairing_code"
	KindSessionStatus Kind = "session_status"
	KindTestRequest   Kind = "test_request"
	KindTestResponse  Kind = "test_response"
	KindTestError     Kind = "test_error"
	KindConnection    Kind = "connection_state"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindPairingCode,
	KindSessionStatus,
	KindTestRequest,
	KindTestResponse,
	KindTestError,
	KindConnection,
}

// Session status values sent by the backend in session_status envelopes.
// Any other non-empty value is treated as a fatal session error downstream.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Connection states carried by ConnectionChange.
const (
	ConnectionOpen   = "open"
	ConnectionClosed = "closed"
)

// Event is the closed set of envelope kinds. Only types in this package
// implement it.
type Event interface {
	Kind() Kind
	event()
}

// SessionScoped is implemented by events that concern a single session.
type SessionScoped interface {
	Event
	Session() string
}

// Correlated is implemented by events that take part in a request/reply
// exchange.
type Correlated interface {
	Event
	Correlation() string
}

// PairingCode carries the one-time pairing payload (usually a data URI of a
// scannable image) for a session.
type PairingCode struct {
	SessionID string
	Payload   string
}

// SessionStatus reports a backend-side status change for a session.
type SessionStatus struct {
	SessionID string
	Status    string
}

// TestRequest asks the backend to run a conversational test against a session.
type TestRequest struct {
	CorrelationID string
	SessionID     string
	Message       string
}

// TestResponse is the successful reply to a TestRequest.
type TestResponse struct {
	CorrelationID string
	Text          string
}

// TestError is the failed reply to a TestRequest.
type TestError struct {
	CorrelationID string
	Message       string
}

// ConnectionChange is emitted by the connection manager when the transport
// opens or closes unexpectedly.
type ConnectionChange struct {
	State string
	Err   error
}

func (PairingCode) Kind() Kind      { return KindPairingCode }
func (SessionStatus) Kind() Kind    { return KindSessionStatus }
func (TestRequest) Kind() Kind      { return KindTestRequest }
func (TestResponse) Kind() Kind     { return KindTestResponse }
func (TestError) Kind() Kind        { return KindTestError }
func (ConnectionChange) Kind() Kind { return KindConnection }

func (PairingCode) event()      {}
func (SessionStatus) event()    {}
func (TestRequest) event()      {}
func (TestResponse) event()     {}
func (TestError) event()        {}
func (ConnectionChange) event() {}

func (e PairingCode) Session() string   { return e.SessionID }
func (e SessionStatus) Session() string { return e.SessionID }
func (e TestRequest) Session() string   { return e.SessionID }

func (e TestRequest) Correlation() string  { return e.CorrelationID }
func (e TestResponse) Correlation() string { return e.CorrelationID }
func (e TestError) Correlation() string    { return e.CorrelationID }

// DedupKey identifies one delivery of a correlated event. Two deliveries with
// the same key are the same reply.
func DedupKey(e Correlated) string {
	return string(e.Kind()) + ":" + e.Correlation()
}
