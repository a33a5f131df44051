// Package xerrors collects the sentinel error values for the transport
// core's error-kind table, so callers can classify failures with
// errors.Is/errors.As instead of matching on message text.
package xerrors

import "errors"

var (
	// ErrIceConfigFetchFailed is returned when the ICE server configuration
	// GET request fails before a peer is created.
	ErrIceConfigFetchFailed = errors.New("ice config fetch failed")

	// ErrSignalingRejected marks a terminal authorization failure on the
	// signaling subscription.
	ErrSignalingRejected = errors.New("signaling subscription rejected")

	// ErrSessionMissing means the crypto bridge has no ratchet state for
	// the hub; a bundle refresh is required.
	ErrSessionMissing = errors.New("crypto session missing")

	// ErrRatchetDesynchronized means decryption failed because the local
	// and remote ratchet state diverged; a bundle refresh is required.
	ErrRatchetDesynchronized = errors.New("ratchet desynchronized")

	// ErrCorrupt means the ciphertext or envelope was malformed.
	ErrCorrupt = errors.New("corrupt envelope")

	// ErrSessionInvalid means a bundle refresh itself failed to parse or
	// install. Terminal until the user re-pairs.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrDataChannelNotOpen is returned synchronously from any send
	// operation attempted while the DataChannel is not open.
	ErrDataChannelNotOpen = errors.New("data channel not open")

	// ErrSubscriptionTimeout means a subscribe request's confirmation did
	// not arrive within the timeout window.
	ErrSubscriptionTimeout = errors.New("subscription confirmation timeout")

	// ErrSubscriptionRejected is returned by the router when a "subscribed"
	// confirmation names a subscription it is not tracking.
	ErrSubscriptionRejected = errors.New("subscription rejected by hub")

	// ErrEncryptionFailed means an outbound encrypt call failed; the frame
	// that triggered it is dropped.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrUnknownContentType marks an inbound plaintext whose first byte
	// did not match any known content type. Logged and dropped, never
	// surfaced to a caller.
	ErrUnknownContentType = errors.New("unknown content type")

	// ErrPeerDead means a reuse probe found the peer in a dead state
	// (closed/failed/disconnected, or connected-but-no-DataChannel).
	ErrPeerDead = errors.New("peer connection is dead")

	// ErrNotEncryptedFrame is returned by the frame codec when an inbound
	// DataChannel frame's leading byte is not a known wire frame kind.
	// Subscribe takes no pre-encrypted frame and never returns it.
	ErrNotEncryptedFrame = errors.New("subscribe requires a pre-encrypted frame")

	// ErrPayloadTooLarge is returned synchronously when an atomic content
	// type's encrypted size would exceed the DataChannel chunk limit.
	ErrPayloadTooLarge = errors.New("payload exceeds chunk limit for atomic content type")

	// ErrNoPeer is returned when an operation that requires an existing
	// peer record is called for an unknown hub.
	ErrNoPeer = errors.New("no peer connection for hub")

	// ErrStreamRejected means the remote side refused a stream OPEN
	// request with an ERROR frame.
	ErrStreamRejected = errors.New("stream open rejected by peer")

	// ErrStreamClosed means an operation was attempted on a stream that
	// is already closed or errored.
	ErrStreamClosed = errors.New("stream closed")
)
