// Package coordinator wires the connection manager, router, session registry
// and request correlator into one client-side coordinator for device-pairing
// sessions.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/lightforgemedia/go-livelink/pkg/connection"
	"github.com/lightforgemedia/go-livelink/pkg/correlator"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
	"github.com/lightforgemedia/go-livelink/pkg/router"
	"github.com/lightforgemedia/go-livelink/pkg/session"
)

// ErrEmptySessionID is returned when a request names no session.
var ErrEmptySessionID = errors.New("coordinator: session id is required")

// Coordinator keeps the backend connection alive, folds inbound events into
// the session registry and correlates test requests with their replies.
type Coordinator struct {
	logger     *slog.Logger
	router     *router.Router
	registry   *session.Registry
	correlator *correlator.Correlator
	conn       *connection.Manager

	unbind    []func()
	closeOnce sync.Once
}

// New creates an idle coordinator for the backend WebSocket at urlStr.
func New(urlStr string, opts Options) *Coordinator {
	opts = opts.withDefaults()

	rt := router.New(router.WithLogger(opts.Logger))
	c := &Coordinator{
		logger: opts.Logger,
		router: rt,
		registry: session.NewRegistry(
			session.WithLogger(opts.Logger),
			session.WithSubscriberBuffer(opts.SubscriberBuffer),
		),
	}
	c.conn = connection.New(urlStr, rt, opts.connectionOptions()...)
	c.correlator = correlator.New(c.conn,
		correlator.WithLogger(opts.Logger),
		correlator.WithDefaultTimeout(opts.RequestTimeout),
		correlator.WithDedupeWindow(opts.DedupeWindow),
	)
	c.unbind = []func(){
		c.registry.Bind(rt),
		c.correlator.Bind(rt),
	}
	return c
}

// Start begins connecting in the background. It is a no-op while already
// connecting or connected.
func (c *Coordinator) Start(ctx context.Context) {
	c.conn.Start(ctx)
}

// Stop closes the connection and cancels any pending reconnect. Session
// state and subscriptions are kept, so Start may be called again.
func (c *Coordinator) Stop() {
	c.conn.Stop()
}

// Close stops the coordinator for good and releases every goroutine it
// owns. Session snapshots stay readable.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.conn.Stop()
		for _, u := range c.unbind {
			u()
		}
		c.registry.Close()
	})
}

// ConnectivityState reports the connection state.
func (c *Coordinator) ConnectivityState() connection.State {
	return c.conn.State()
}

// OnConnectivityChange calls fn every time the connection opens or is lost.
// fn runs on the dispatch goroutine and must not block.
func (c *Coordinator) OnConnectivityChange(fn func(envelope.ConnectionChange)) (unsubscribe func()) {
	return router.On(c.router, fn)
}

// Router exposes the router so callers can observe raw envelopes.
func (c *Coordinator) Router() *router.Router {
	return c.router
}

// SubscribeSession calls fn with every new snapshot of one session.
func (c *Coordinator) SubscribeSession(id string, fn func(session.Session)) (unsubscribe func()) {
	return c.registry.Subscribe(id, fn)
}

// SubscribeSessions calls fn with every new snapshot of any session.
func (c *Coordinator) SubscribeSessions(fn func(session.Session)) (unsubscribe func()) {
	return c.registry.SubscribeAll(fn)
}

// ListSessions returns snapshots of every known session ordered by id.
func (c *Coordinator) ListSessions() []session.Session {
	return c.registry.List()
}

// Session returns one session snapshot.
func (c *Coordinator) Session(id string) (session.Session, bool) {
	return c.registry.Get(id)
}

// TrackSession records a session created out of band, typically by the REST
// API that starts a pairing flow.
func (c *Coordinator) TrackSession(id, name string) (session.Session, error) {
	if id == "" {
		return session.Session{}, ErrEmptySessionID
	}
	return c.registry.Track(id, name), nil
}

// ForgetSession drops a session from the registry.
func (c *Coordinator) ForgetSession(id string) bool {
	return c.registry.Forget(id)
}

// SendTest sends a test message to a session and returns the pending call.
func (c *Coordinator) SendTest(ctx context.Context, sessionID, message string, opts ...correlator.CallOption) (*correlator.Call, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	return c.correlator.Send(ctx, testRequest(sessionID, message), opts...)
}

// SendAndAwait sends a test message and waits for the reply.
func (c *Coordinator) SendAndAwait(ctx context.Context, sessionID, message string, opts ...correlator.CallOption) (correlator.Reply, error) {
	if sessionID == "" {
		return correlator.Reply{}, ErrEmptySessionID
	}
	return c.correlator.SendAndAwait(ctx, testRequest(sessionID, message), opts...)
}

// PendingRequests returns how many test requests await a reply.
func (c *Coordinator) PendingRequests() int {
	return c.correlator.Pending()
}

func testRequest(sessionID, message string) func(string) envelope.Event {
	return func(id string) envelope.Event {
		return envelope.TestRequest{CorrelationID: id, SessionID: sessionID, Message: message}
	}
}
