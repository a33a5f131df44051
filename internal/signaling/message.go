package signaling

import "encoding/json"

// MessageType identifies the kind of message carried over the
// ActionCable-shaped pub/sub link.
type MessageType string

const (
	// MsgTypeSignal carries an encrypted (or, for bundle refresh,
	// cleartext) WebRTC signaling envelope.
	MsgTypeSignal MessageType = "signal"
	// MsgTypeHealth carries a cleartext hub status beacon.
	MsgTypeHealth MessageType = "health"
)

// Envelope mirrors cryptobridge.Envelope's wire shape without importing
// that package, so signaling stays decoupled from the crypto contract;
// internal/manager is responsible for bridging the two.
type Envelope struct {
	T uint8           `json:"t"`
	B string          `json:"b"`           // base64 ciphertext, or base64 bundle bytes when T == bundle refresh
	K json.RawMessage `json:"k,omitempty"` // present only for pre-key envelopes
}

// Message is the JSON structure exchanged over the signaling link. A
// health beacon carries its fields inline at the top level (alongside
// "type"), not nested under a "health" key, so Health is populated by
// the reader from the raw frame rather than via this struct's own
// json tags — see wsLink.readLoop.
type Message struct {
	Type     MessageType     `json:"type"`
	Envelope *Envelope       `json:"envelope,omitempty"`
	Health   json.RawMessage `json:"-"`
}

// SubscribeParams are the ActionCable-shaped identification params used
// to open the per-hub signaling subscription.
type SubscribeParams struct {
	Channel         string `json:"channel"`
	HubID           string `json:"hub_id"`
	BrowserIdentity string `json:"browser_identity"`
}

// performEnvelope is the wire shape of the "perform signal" verb used to
// send a message to the hub ("Messages sent to the hub use the
// perform verb with action 'signal' and a {envelope} argument").
type performEnvelope struct {
	Action   string   `json:"action"`
	Envelope Envelope `json:"envelope"`
}
