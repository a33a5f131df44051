package signaling

import "context"

// State is the lifecycle of the signaling link itself (distinct from the
// WebRTC PeerConnection state it carries negotiation traffic for). The
// link is considered connected as soon as it is opened, since outbound
// messages can be buffered before the underlying transport confirms —
// callers should only treat it otherwise once a failure or rejection is
// reported.
type State int

const (
	StateConnected State = iota
	StateDisconnected
	// StateRejected means the hub refused the subscription (authorization
	// failure). Unlike StateDisconnected this is terminal: the link will
	// not retry on its own.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Link is the transport-agnostic contract for the ActionCable-shaped
// pub/sub signaling channel. wsLink is the production implementation;
// tests substitute a mockLink.
type Link interface {
	// Open establishes the connection and issues the per-hub subscribe.
	Open(ctx context.Context, params SubscribeParams) error
	// Send performs the "signal" action with the given envelope.
	Send(env Envelope) error
	// Close unsubscribes and tears down the underlying connection.
	Close() error
	// OnMessage registers the handler invoked for every inbound Message.
	// Must be called before Open.
	OnMessage(func(Message))
	// OnStateChange registers the handler invoked whenever the link's
	// State transitions.
	OnStateChange(func(State))
}
