package session

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
	"github.com/lightforgemedia/go-livelink/internal/metrics"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
	"github.com/lightforgemedia/go-livelink/pkg/router"
)

const (
	defaultSubscriberBuffer = 64
	// allTopic receives every snapshot. Session ids are prefixed so they can
	// never collide with it.
	allTopic = "*"
)

// Registry is the single source of truth for session state. Event-driven
// mutation happens on the router's dispatch path; Track and Forget are the
// only other writers. Readers receive copies.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64

	// pubOrder keeps snapshots reaching the bus in mutation order.
	pubOrder sync.Mutex
	busMu    sync.RWMutex
	bus      *pubsub.PubSub
	closed   bool
	wg       sync.WaitGroup // bus pumps
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source used for LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSubscriberBuffer sets how many snapshots may queue per subscriber.
func WithSubscriberBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bus = pubsub.New(n)
		}
	}
}

// NewRegistry creates an empty Registry. Call Close to release its bus.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = pubsub.New(defaultSubscriberBuffer)
	}
	return r
}

// Bind subscribes the registry to the events it owns. The returned func
// detaches it again.
func (r *Registry) Bind(rt *router.Router) (unbind func()) {
	unsubs := []func(){
		rt.Subscribe(envelope.KindPairingCode, r.handleEvent),
		rt.Subscribe(envelope.KindSessionStatus, r.handleEvent),
		rt.Subscribe(envelope.KindConnection, r.handleEvent),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *Registry) handleEvent(ev envelope.Event) {
	r.Apply(ev)
}

// Apply folds one event into the registry and returns the snapshots it
// changed. Pairing and status events for an unknown session create it first,
// since the REST-side creation and the first event may race.
func (r *Registry) Apply(ev envelope.Event) []Session {
	switch e := ev.(type) {
	case envelope.PairingCode:
		return r.applyOne(e.SessionID, ev)
	case envelope.SessionStatus:
		return r.applyOne(e.SessionID, ev)
	case envelope.ConnectionChange:
		if e.State != envelope.ConnectionClosed {
			return nil
		}
		return r.applyAll(ev)
	default:
		return nil
	}
}

func (r *Registry) applyOne(id string, ev envelope.Event) []Session {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	cur, ok := r.sessions[id]
	created := false
	if !ok {
		cur = &Session{ID: id, Status: StatusPending, LastUpdated: r.now()}
		r.sessions[id] = cur
		created = true
		r.logger.Debug("session: first sight from event stream", "sessionID", id, "type", ev.Kind())
	}

	updated, changed := next(*cur, ev)
	if !changed {
		if !created {
			r.mu.Unlock()
			r.logger.Debug("session: event does not apply", "sessionID", id, "status", cur.Status, "type", ev.Kind())
			metrics.IncEnvelopeDropped(string(ev.Kind()), metrics.DropStale)
			return nil
		}
		updated = *cur
	}
	r.seq++
	updated.Seq = r.seq
	updated.LastUpdated = r.now()
	*cur = updated
	snap := *cur
	r.publishLocked([]Session{snap})
	if changed {
		metrics.IncSessionTransition(string(snap.Status))
		r.logger.Info("session: status changed", "sessionID", id, "status", snap.Status, "seq", snap.Seq)
	}
	return []Session{snap}
}

func (r *Registry) applyAll(ev envelope.Event) []Session {
	r.mu.Lock()
	var snaps []Session
	for _, cur := range r.sessions {
		updated, changed := next(*cur, ev)
		if !changed {
			continue
		}
		r.seq++
		updated.Seq = r.seq
		updated.LastUpdated = r.now()
		*cur = updated
		snaps = append(snaps, *cur)
	}
	r.publishLocked(snaps)
	for _, s := range snaps {
		metrics.IncSessionTransition(string(s.Status))
	}
	if len(snaps) > 0 {
		r.logger.Info("session: connection lost, sessions reconnecting", "count", len(snaps))
	}
	return snaps
}

// Track records a session the REST collaborator just created. A session that
// had ended (Disconnected or Error) is reset to Pending for a new pairing.
func (r *Registry) Track(id, name string) Session {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok {
		cur = &Session{ID: id, Name: name, Status: StatusPending}
		r.sessions[id] = cur
	} else {
		if name != "" {
			cur.Name = name
		}
		if cur.Status == StatusDisconnected || cur.Status == StatusError {
			cur.Status = StatusPending
			cur.Detail = ""
			cur.PairingPayload = ""
		}
	}
	r.seq++
	cur.Seq = r.seq
	cur.LastUpdated = r.now()
	snap := *cur
	r.publishLocked([]Session{snap})
	r.logger.Debug("session: tracked", "sessionID", id, "status", snap.Status)
	return snap
}

// Forget removes a session. Subscribers of that session are detached. The
// coordinator never calls this on its own.
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.pubOrder.Lock()
	r.mu.Unlock()
	defer r.pubOrder.Unlock()
	if !ok {
		return false
	}
	r.busMu.RLock()
	defer r.busMu.RUnlock()
	if !r.closed {
		r.bus.Close(sessionTopic(id))
	}
	return true
}

// publishLocked must be called with r.mu held; it releases r.mu before
// touching the bus so subscribers can read the registry from their callbacks.
func (r *Registry) publishLocked(snaps []Session) {
	r.pubOrder.Lock()
	r.mu.Unlock()
	defer r.pubOrder.Unlock()
	if len(snaps) == 0 {
		return
	}
	r.busMu.RLock()
	defer r.busMu.RUnlock()
	if r.closed {
		return
	}
	for _, s := range snaps {
		r.bus.Pub(s, sessionTopic(s.ID), allTopic)
	}
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns snapshots of every session ordered by id.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Session) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Subscribe calls fn with new snapshots of session id, in order, on a
// dedicated goroutine. A subscriber that falls behind skips straight to the
// latest snapshot; it never holds up the registry or other subscribers. The
// returned func stops delivery.
func (r *Registry) Subscribe(id string, fn func(Session)) (unsubscribe func()) {
	return r.subscribe(sessionTopic(id), fn)
}

// SubscribeAll is Subscribe for the snapshots of every session.
func (r *Registry) SubscribeAll(fn func(Session)) (unsubscribe func()) {
	return r.subscribe(allTopic, fn)
}

func (r *Registry) subscribe(topic string, fn func(Session)) func() {
	if fn == nil {
		return func() {}
	}
	r.busMu.RLock()
	if r.closed {
		r.busMu.RUnlock()
		return func() {}
	}
	ch := r.bus.Sub(topic)
	r.busMu.RUnlock()

	var stopped atomic.Bool
	box := newMailbox()
	drained := make(chan struct{})

	// The pump keeps ch empty whatever fn does, so Pub never waits on a
	// slow subscriber.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(drained)
		for v := range ch {
			if stopped.Load() {
				continue // drain until the bus closes ch
			}
			if s, ok := v.(Session); ok && box.put(s) {
				metrics.IncSnapshotCoalesced()
			}
		}
	}()

	go func() {
		for {
			select {
			case <-drained:
				return
			case <-box.wake:
			}
			for _, s := range box.take() {
				if stopped.Load() || isDone(drained) {
					break
				}
				fn(s)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			// Unsub may wait for the bus goroutine, so it never runs on the
			// caller's goroutine, which may be this subscriber's callback.
			go func() {
				r.busMu.RLock()
				defer r.busMu.RUnlock()
				if !r.closed {
					r.bus.Unsub(ch, topic)
				}
			}()
		})
	}
}

// mailbox holds the undelivered snapshots of one subscriber. It keeps only
// the latest snapshot per session, ordered by when each session last changed,
// so delivery order follows Seq.
type mailbox struct {
	mu     sync.Mutex
	order  []string
	latest map[string]Session
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		latest: make(map[string]Session),
		wake:   make(chan struct{}, 1),
	}
}

// put stores s without blocking and reports whether it replaced an
// undelivered snapshot of the same session.
func (m *mailbox) put(s Session) (replaced bool) {
	m.mu.Lock()
	if _, replaced = m.latest[s.ID]; replaced {
		m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == s.ID })
	}
	m.latest[s.ID] = s
	m.order = append(m.order, s.ID)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return replaced
}

// take empties the mailbox.
func (m *mailbox) take() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.latest[id])
	}
	m.order = m.order[:0]
	clear(m.latest)
	return out
}

// Close shuts the notification bus down. No callback starts afterwards; one
// already running finishes on its own goroutine, so Close may be called from
// a subscriber. The registry stays readable.
func (r *Registry) Close() {
	r.busMu.Lock()
	if r.closed {
		r.busMu.Unlock()
		return
	}
	r.closed = true
	r.bus.Shutdown()
	r.busMu.Unlock()
	r.wg.Wait()
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func sessionTopic(id string) string {
	return "session:" + id
}
