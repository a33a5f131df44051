// Package events is a small typed pub-sub bus for the public event
// taxonomy the manager emits (signaling state, connection state/mode,
// subscription lifecycle, health, session refresh, stream frames). It
// generalizes the single-callback OnX(fn) convention used throughout the
// lower layers (peer.OnStateChange, signaling.Link.OnMessage) to support
// multiple independent listeners per event kind.
package events

import "sync"

// Kind names one event in the public taxonomy.
type Kind string

const (
	KindSignalingState        Kind = "signaling:state"
	KindConnectionState       Kind = "connection:state"
	KindConnectionMode        Kind = "connection:mode"
	KindSubscriptionConfirmed Kind = "subscription:confirmed"
	KindSubscriptionMessage   Kind = "subscription:message"
	KindHealth                Kind = "health"
	KindSessionRefreshed      Kind = "session:refreshed"
	KindSessionInvalid        Kind = "session:invalid"
	KindStreamFrame           Kind = "stream:frame"
)

// Event is one emitted occurrence. Hub identifies which peer it concerns;
// Payload's concrete type depends on Kind (documented at each emit site).
type Event struct {
	Kind    Kind
	Hub     string
	Payload any
}

// ErrorEvent is the Payload carried by KindSessionInvalid: Type
// classifies the failure ("encryption_failed" for a decrypt/ratchet
// problem, "server_error" for a malformed signaling payload), Err is
// the underlying cause, and HubID repeats the affected hub for
// listeners that only keep the Event.Hub string around as a map key.
type ErrorEvent struct {
	Type  string
	Err   error
	HubID string
}

// Bus fans out emitted events to every listener registered for their
// kind, in registration order.
type Bus struct {
	mu        sync.Mutex
	listeners map[Kind][]func(Event)
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Kind][]func(Event))}
}

// On registers fn to be called for every future Emit of kind. Returns an
// unsubscribe function.
func (b *Bus) On(kind Kind, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners[kind] = append(b.listeners[kind], fn)
	idx := len(b.listeners[kind]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		fns := b.listeners[kind]
		if idx < len(fns) {
			fns[idx] = nil // leave a hole rather than reindex live listeners
		}
	}
}

// Emit synchronously calls every listener registered for ev.Kind.
// Listeners must not block; long-running work belongs on its own
// goroutine, dispatched from inside the callback.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	fns := append([]func(Event){}, b.listeners[ev.Kind]...)
	b.mu.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}
