// Package connection keeps one WebSocket connection to the backend alive,
// decodes inbound frames and hands them to a Dispatcher.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-livelink/internal/metrics"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
)

const (
	defaultReconnectDelay    = 5 * time.Second
	defaultReconnectMaxDelay = 60 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultMaxMessageBytes   = 1 << 20
)

// Dispatcher receives every decoded inbound envelope and the synthetic
// connection events. Calls never overlap.
type Dispatcher interface {
	Dispatch(envelope.Event)
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(envelope.Event)

func (f DispatcherFunc) Dispatch(ev envelope.Event) { f(ev) }

type managerConfig struct {
	logger            *slog.Logger
	httpClient        *http.Client
	header            http.Header
	clientID          string
	policy            ReconnectPolicy
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration
	reconnectJitter   time.Duration
	dialTimeout       time.Duration
	writeTimeout      time.Duration
	pingInterval      time.Duration
	maxMessageBytes   int64
}

// Manager owns the connection lifecycle. Start and Stop may be called from
// any goroutine.
type Manager struct {
	config     managerConfig
	urlStr     string
	dispatcher Dispatcher

	mu     sync.RWMutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	// detached is set by Stop so a closing socket cannot dispatch a final
	// event or trigger a reconnect.
	detached atomic.Bool
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.config.logger = logger
		}
	}
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.config.httpClient = client
		}
	}
}

// WithHeader adds a header to every handshake, e.g. Authorization.
func WithHeader(key, value string) Option {
	return func(m *Manager) {
		if m.config.header == nil {
			m.config.header = http.Header{}
		}
		m.config.header.Add(key, value)
	}
}

// WithClientID sets the client_id query parameter. A random id is used
// otherwise.
func WithClientID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.config.clientID = id
		}
	}
}

// WithReconnect sets the reconnect policy and its base delay. maxDelay only
// applies to PolicyBackoff.
func WithReconnect(policy ReconnectPolicy, delay, maxDelay time.Duration) Option {
	return func(m *Manager) {
		if policy != "" {
			m.config.policy = policy
		}
		if delay > 0 {
			m.config.reconnectDelay = delay
		}
		if maxDelay > 0 {
			m.config.reconnectMaxDelay = maxDelay
		}
	}
}

// WithReconnectJitter sets the upper bound of random jitter added to backoff
// delays. Defaults to a quarter of the base delay.
func WithReconnectJitter(jitter time.Duration) Option {
	return func(m *Manager) {
		if jitter >= 0 {
			m.config.reconnectJitter = jitter
		}
	}
}

// WithDialTimeout bounds one handshake attempt.
func WithDialTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.config.dialTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds one outbound frame.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.config.writeTimeout = timeout
		}
	}
}

// WithPingInterval enables client pings. Zero or negative disables them.
func WithPingInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.config.pingInterval = max(interval, 0)
	}
}

// WithMaxMessageBytes caps the size of one inbound frame.
func WithMaxMessageBytes(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.config.maxMessageBytes = n
		}
	}
}

// New creates an idle Manager for the WebSocket endpoint at urlStr.
func New(urlStr string, dispatcher Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		config: managerConfig{
			logger:            slog.Default(),
			httpClient:        http.DefaultClient,
			clientID:          uuid.NewString(),
			policy:            PolicyFixed,
			reconnectDelay:    defaultReconnectDelay,
			reconnectMaxDelay: defaultReconnectMaxDelay,
			reconnectJitter:   -1,
			dialTimeout:       defaultDialTimeout,
			writeTimeout:      defaultWriteTimeout,
			maxMessageBytes:   defaultMaxMessageBytes,
		},
		urlStr:     urlStr,
		dispatcher: dispatcher,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.reconnectJitter < 0 {
		m.config.reconnectJitter = m.config.reconnectDelay / 4
	}
	if m.config.reconnectMaxDelay < m.config.reconnectDelay {
		m.config.reconnectMaxDelay = m.config.reconnectDelay
	}
	if m.dispatcher == nil {
		m.dispatcher = DispatcherFunc(func(envelope.Event) {})
	}
	metrics.MoveConnectionState("", StateIdle.String())
	return m
}

// State reports the current connectivity state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the connection is open.
func (m *Manager) Connected() bool {
	return m.State() == StateOpen
}

// ClientID returns the id sent with every handshake.
func (m *Manager) ClientID() string {
	return m.config.clientID
}

// Start begins connecting in the background and returns immediately. It is a
// no-op while the manager is already running. Cancelling ctx has the same
// effect as Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.detached.Store(false)
	m.setStateLocked(StateConnecting)
	m.config.logger.Info("connection: starting", "url", m.urlStr, "clientID", m.config.clientID)
	go m.run(runCtx, m.done)
}

// Stop closes the connection normally, cancels any pending reconnect and
// waits for the background goroutines to exit. No event is dispatched once
// Stop has begun. It is a no-op when idle.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	if cancel == nil {
		m.mu.Unlock()
		return
	}
	m.detached.Store(true)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client stopping"); err != nil {
			m.config.logger.Debug("connection: close handshake", "error", err)
		}
	}
	cancel()
	<-done
	m.config.logger.Info("connection: stopped")
}

// Send encodes ev and writes it as one text frame. It fails with
// ErrNotConnected unless the connection is open. ctx only gates the start of
// the write; once a frame is on the wire the write timeout alone bounds it,
// because an abandoned partial frame would corrupt the shared stream. A write
// failure tears the connection down and is reported wrapped in
// ErrTransportClosed.
func (m *Manager) Send(ctx context.Context, ev envelope.Event) error {
	m.mu.RLock()
	conn, state := m.conn, m.state
	m.mu.RUnlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	data, err := envelope.Encode(ev)
	if err != nil {
		return fmt.Errorf("connection: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("connection: write %s: %w", ev.Kind(), err)
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		m.config.logger.Warn("connection: write failed, dropping connection", "type", ev.Kind(), "error", err)
		conn.CloseNow()
		return fmt.Errorf("%w: write %s: %v", ErrTransportClosed, ev.Kind(), err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.conn != nil {
			m.conn.CloseNow()
			m.conn = nil
		}
		m.setStateLocked(StateIdle)
		if m.done == done {
			m.cancel()
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
		close(done)
	}()

	reconnecting := false
	for {
		if reconnecting && !m.wait(ctx, m.firstDelay()) {
			return
		}
		conn, err := m.connect(ctx, reconnecting)
		if err != nil {
			return
		}
		if !m.attach(conn) {
			conn.CloseNow()
			return
		}
		m.dispatch(envelope.ConnectionChange{State: envelope.ConnectionOpen})

		err = m.serve(ctx, conn)
		if ctx.Err() != nil || m.detached.Load() {
			return
		}
		m.release(conn)
		m.config.logger.Warn("connection: lost", "error", err)
		m.dispatch(envelope.ConnectionChange{State: envelope.ConnectionClosed, Err: err})
		reconnecting = true
	}
}

// connect dials until it succeeds or ctx ends. The first attempt runs
// immediately; later ones wait according to the reconnect policy.
func (m *Manager) connect(ctx context.Context, reconnecting bool) (*websocket.Conn, error) {
	var conn *websocket.Conn
	attempt := 0
	err := retry.Do(
		func() error {
			if attempt > 0 || reconnecting {
				metrics.IncReconnectAttempt()
			}
			attempt++
			m.setState(StateConnecting)
			c, err := m.dial(ctx)
			if err != nil {
				m.setState(StateClosed)
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				return err
			}
			conn = c
			return nil
		},
		m.retryOptions(ctx)...,
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) retryOptions(ctx context.Context) []retry.Option {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(0),
		retry.LastErrorOnly(true),
		retry.Delay(m.config.reconnectDelay),
		retry.OnRetry(func(n uint, err error) {
			m.config.logger.Warn("connection: dial failed, retrying", "attempt", n+1, "error", err)
		}),
	}
	if m.config.policy == PolicyBackoff {
		return append(opts,
			retry.MaxDelay(m.config.reconnectMaxDelay),
			retry.MaxJitter(max(m.config.reconnectJitter, 1)),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		)
	}
	return append(opts, retry.DelayType(retry.FixedDelay))
}

// firstDelay is the wait between an unexpected close and the next dial.
func (m *Manager) firstDelay() time.Duration {
	d := m.config.reconnectDelay
	if m.config.policy == PolicyBackoff && m.config.reconnectJitter > 0 {
		d += rand.N(m.config.reconnectJitter)
	}
	return d
}

func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.config.dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, m.dialURL(), &websocket.DialOptions{
		HTTPClient: m.config.httpClient,
		HTTPHeader: m.config.header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", m.urlStr, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", m.urlStr, err)
	}
	conn.SetReadLimit(m.config.maxMessageBytes)
	return conn, nil
}

func (m *Manager) dialURL() string {
	u, err := url.Parse(m.urlStr)
	if err != nil {
		return m.urlStr
	}
	q := u.Query()
	q.Set("client_id", m.config.clientID)
	u.RawQuery = q.Encode()
	return u.String()
}

// attach publishes conn as the live connection unless Stop won the race.
func (m *Manager) attach(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached.Load() {
		return false
	}
	m.conn = conn
	m.setStateLocked(StateOpen)
	m.config.logger.Info("connection: open", "url", m.urlStr)
	return true
}

func (m *Manager) release(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	conn.CloseNow()
}

// serve reads frames until the connection fails. The ping loop, when
// enabled, ends the read by cancelling connCtx.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if m.config.pingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.pingLoop(connCtx, cancel, conn)
		}()
	}

	err := m.readLoop(connCtx, conn)
	cancel()
	wg.Wait()
	return err
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("%w: closed by peer: %d %s", ErrTransportClosed, ce.Code, ce.Reason)
			}
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		ev, err := envelope.Decode(data)
		if err != nil {
			metrics.IncDecodeError()
			m.config.logger.Warn("connection: dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}
		metrics.IncEnvelopeReceived(string(ev.Kind()))
		m.dispatch(ev)
	}
}

func (m *Manager) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(m.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, m.config.pingInterval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					m.config.logger.Warn("connection: ping failed", "error", err)
				}
				cancel()
				return
			}
		}
	}
}

func (m *Manager) dispatch(ev envelope.Event) {
	if m.detached.Load() {
		return
	}
	m.dispatcher.Dispatch(ev)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	metrics.MoveConnectionState(m.state.String(), s.String())
	m.state = s
}
