// Package correlator matches outbound requests with the asynchronous replies
// the backend sends later over the same connection.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-livelink/internal/metrics"
	"github.com/lightforgemedia/go-livelink/pkg/connection"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
	"github.com/lightforgemedia/go-livelink/pkg/router"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultSeenSize = 1024
)

var (
	// ErrTimeout rejects a call whose reply did not arrive in time.
	ErrTimeout = errors.New("correlator: request timed out")
	// ErrCanceled rejects a call canceled by its caller.
	ErrCanceled = errors.New("correlator: request canceled")
)

// RemoteError is a test_error reply from the backend.
type RemoteError struct {
	CorrelationID string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error for request %s: %s", e.CorrelationID, e.Message)
}

// Sender transmits envelopes. *connection.Manager implements it.
type Sender interface {
	Connected() bool
	Send(ctx context.Context, ev envelope.Event) error
}

// Reply is the successful outcome of a call.
type Reply struct {
	CorrelationID string
	Text          string
}

// Correlator tracks pending calls by correlation id.
type Correlator struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
	newID   func() string
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*Call
	seen    *recentSet
}

// Option configures the Correlator.
type Option func(*Correlator)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDefaultTimeout sets the timeout applied when a call does not set its
// own.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Correlator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithIDGenerator replaces the random correlation id source.
func WithIDGenerator(newID func() string) Option {
	return func(c *Correlator) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithDedupeWindow sets how many recent reply keys are remembered.
func WithDedupeWindow(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.seen = newRecentSet(n)
		}
	}
}

// New creates a Correlator that transmits through sender.
func New(sender Sender, opts ...Option) *Correlator {
	c := &Correlator{
		sender:  sender,
		logger:  slog.Default(),
		timeout: defaultTimeout,
		newID:   uuid.NewString,
		now:     time.Now,
		pending: make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.seen == nil {
		c.seen = newRecentSet(defaultSeenSize)
	}
	return c
}

// Bind subscribes the correlator to reply envelopes.
func (c *Correlator) Bind(rt *router.Router) (unbind func()) {
	unsubResp := router.On(rt, c.HandleResponse)
	unsubErr := router.On(rt, c.HandleError)
	return func() {
		unsubResp()
		unsubErr()
	}
}

// CallOption configures a single call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the default timeout for one call.
func WithTimeout(timeout time.Duration) CallOption {
	return func(cfg *callConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// Send builds a request with a fresh correlation id, registers it and
// transmits it. The returned Call settles exactly once. When the sender is
// not connected Send fails with connection.ErrNotConnected and nothing is
// registered.
func (c *Correlator) Send(ctx context.Context, build func(correlationID string) envelope.Event, opts ...CallOption) (*Call, error) {
	cfg := callConfig{timeout: c.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !c.sender.Connected() {
		metrics.RecordRequest(metrics.OutcomeSendFail)
		return nil, connection.ErrNotConnected
	}

	id := c.newID()
	ev := build(id)
	call := &Call{
		ID:        id,
		CreatedAt: c.now(),
		owner:     c,
		done:      make(chan struct{}),
	}
	if s, ok := ev.(envelope.SessionScoped); ok {
		call.SessionID = s.Session()
	}

	c.mu.Lock()
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("correlator: correlation id %q already pending", id)
	}
	c.pending[id] = call
	metrics.IncPendingRequests()
	c.mu.Unlock()

	if err := c.sender.Send(ctx, ev); err != nil {
		c.remove(call)
		metrics.RecordRequest(metrics.OutcomeSendFail)
		c.logger.Warn("correlator: transmit failed", "correlationID", id, "error", err)
		return nil, err
	}

	c.mu.Lock()
	if c.pending[id] == call {
		call.timer = time.AfterFunc(cfg.timeout, func() {
			if c.complete(call, Reply{}, ErrTimeout, metrics.OutcomeTimeout) {
				c.logger.Info("correlator: request timed out", "correlationID", id, "timeout", cfg.timeout)
			}
		})
	}
	c.mu.Unlock()
	c.logger.Debug("correlator: request sent", "correlationID", id, "sessionID", call.SessionID)
	return call, nil
}

// SendAndAwait sends a request and blocks until it settles. Cancelling ctx
// cancels the call.
func (c *Correlator) SendAndAwait(ctx context.Context, build func(correlationID string) envelope.Event, opts ...CallOption) (Reply, error) {
	call, err := c.Send(ctx, build, opts...)
	if err != nil {
		return Reply{}, err
	}
	return call.Wait(ctx)
}

// HandleResponse settles the matching call successfully.
func (c *Correlator) HandleResponse(ev envelope.TestResponse) {
	c.handleReply(ev, Reply{CorrelationID: ev.CorrelationID, Text: ev.Text}, nil)
}

// HandleError rejects the matching call with a *RemoteError.
func (c *Correlator) HandleError(ev envelope.TestError) {
	c.handleReply(ev, Reply{}, &RemoteError{CorrelationID: ev.CorrelationID, Message: ev.Message})
}

func (c *Correlator) handleReply(ev envelope.Correlated, reply Reply, err error) {
	key := envelope.DedupKey(ev)
	id := ev.Correlation()
	kind := string(ev.Kind())

	c.mu.Lock()
	if !c.seen.add(key) {
		c.mu.Unlock()
		metrics.IncEnvelopeDropped(kind, metrics.DropDuplicate)
		c.logger.Debug("correlator: duplicate reply dropped", "correlationID", id, "type", kind)
		return
	}
	call, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		metrics.IncEnvelopeDropped(kind, metrics.DropUnmatched)
		c.logger.Debug("correlator: reply without pending request", "correlationID", id, "type", kind)
		return
	}

	outcome := metrics.OutcomeResolved
	if err != nil {
		outcome = metrics.OutcomeRejected
	}
	c.complete(call, reply, err, outcome)
}

// Pending returns how many calls are awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// complete settles call once. It reports false when the call had already
// settled.
func (c *Correlator) complete(call *Call, reply Reply, err error, outcome string) bool {
	if !c.remove(call) {
		return false
	}
	call.reply, call.err = reply, err
	close(call.done)
	metrics.RecordRequest(outcome)
	return true
}

func (c *Correlator) remove(call *Call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[call.ID] != call {
		return false
	}
	delete(c.pending, call.ID)
	if call.timer != nil {
		call.timer.Stop()
	}
	metrics.DecPendingRequests()
	return true
}

// Call is one pending request.
type Call struct {
	ID        string
	SessionID string
	CreatedAt time.Time

	owner *Correlator
	timer *time.Timer
	done  chan struct{}
	reply Reply
	err   error
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() (Reply, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	default:
		return Reply{}, errors.New("correlator: call still pending")
	}
}

// Wait blocks until the call settles or ctx ends, in which case the call is
// canceled.
func (c *Call) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.Cancel()
		<-c.done
	}
	return c.reply, c.err
}

// Cancel rejects the call with ErrCanceled. The backend is not told. It is a
// no-op once the call has settled.
func (c *Call) Cancel() {
	if c.owner.complete(c, Reply{}, ErrCanceled, metrics.OutcomeCanceled) {
		c.owner.logger.Debug("correlator: request canceled", "correlationID", c.ID)
	}
}
