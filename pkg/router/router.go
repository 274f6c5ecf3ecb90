// Package router fans decoded envelopes out to the handlers registered for
// their kind.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lightforgemedia/go-livelink/internal/metrics"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
)

// Handler receives one envelope. Handlers run on the dispatching goroutine,
// must not block for long and must not call Dispatch.
type Handler func(envelope.Event)

type entry struct {
	id uint64
	fn Handler
}

// Router dispatches events to handlers keyed by kind. Dispatch is serialized:
// every handler for one event returns before the next event is looked at.
type Router struct {
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[envelope.Kind][]entry
	nextID     uint64

	dispatchMu sync.Mutex
}

// Option configures the Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		logger:   slog.Default(),
		handlers: make(map[envelope.Kind][]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for kind. Handlers for the same kind run in
// registration order. The returned func removes the handler; calling it more
// than once is harmless.
func (r *Router) Subscribe(kind envelope.Kind, fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	r.handlersMu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[kind] = append(r.handlers[kind], entry{id: id, fn: fn})
	r.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(kind, id) })
	}
}

func (r *Router) remove(kind envelope.Kind, id uint64) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	list := r.handlers[kind]
	for i, e := range list {
		if e.id == id {
			// Copy so a dispatch holding the old slice is unaffected.
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.handlers, kind)
			} else {
				r.handlers[kind] = next
			}
			return
		}
	}
}

// On registers a handler typed by the concrete event it accepts.
//
//	router.On(r, func(ev envelope.SessionStatus) { ... })
func On[T envelope.Event](r *Router, fn func(T)) (unsubscribe func()) {
	var zero T
	return r.Subscribe(zero.Kind(), func(ev envelope.Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}

// HandlerCount reports how many handlers are registered for kind.
func (r *Router) HandlerCount(kind envelope.Kind) int {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	return len(r.handlers[kind])
}

// Dispatch delivers ev to every handler registered for its kind. Events with
// no handler are dropped and logged at debug level.
func (r *Router) Dispatch(ev envelope.Event) {
	if ev == nil {
		return
	}

	switch ev.(type) {
	case envelope.PairingCode, envelope.SessionStatus, envelope.TestRequest,
		envelope.TestResponse, envelope.TestError, envelope.ConnectionChange:
	default:
		r.logger.Warn("router: dropping event of unknown type", "type", fmt.Sprintf("%T", ev))
		metrics.IncEnvelopeDropped(string(ev.Kind()), metrics.DropNoHandler)
		return
	}

	kind := ev.Kind()

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.handlersMu.RLock()
	list := r.handlers[kind]
	r.handlersMu.RUnlock()

	if len(list) == 0 {
		r.logger.Debug("router: no handler for event", "type", kind)
		metrics.IncEnvelopeDropped(string(kind), metrics.DropNoHandler)
		return
	}

	for _, e := range list {
		r.invoke(kind, e.fn, ev)
	}
}

func (r *Router) invoke(kind envelope.Kind, fn Handler, ev envelope.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router: handler panicked", "type", kind, "panic", rec)
		}
	}()
	fn(ev)
}
