// Package cryptobridge defines the contract the transport core uses to
// consume end-to-end encryption: pairing bundle installation and
// encrypt/decrypt of both JSON signaling payloads and binary DataChannel
// frames. The core never implements ratchet math itself; implementations of Bridge live outside this module
// (internal/refcrypto is a reference implementation used only by tests
// and the demo CLI's loopback mode).
package cryptobridge

import (
	"context"

	"github.com/relaylink/hublink/internal/bundle"
)

// HubID identifies a remote hub. It is the primary key across every map
// the transport core keeps.
type HubID string

// Envelope is the encrypted signaling payload shape:
// {t, b[, k]} — t selects pre-key (0x00) vs normal (0x01) vs the
// cleartext bundle-refresh marker (0x02); b is the opaque ciphertext
// (or, for t=0x02, the raw pairing bundle bytes); k carries the
// pre-key identifier when present.
type Envelope struct {
	T uint8
	B []byte
	K []byte
}

// EnvelopeTypeNormal and EnvelopeTypePreKey select the Olm frame kind.
// EnvelopeTypeBundleRefresh marks a cleartext ratchet-restart envelope;
// Bridge implementations never see this value — internal/manager
// intercepts it before calling Decrypt.
const (
	EnvelopeTypePreKey        uint8 = 0x00
	EnvelopeTypeNormal        uint8 = 0x01
	EnvelopeTypeBundleRefresh uint8 = 0x02
)

// Bridge is the external collaborator the transport core depends on for
// all cryptographic operations. Implementations are expected to persist
// ratchet state themselves; the core holds no key material directly.
type Bridge interface {
	// Decrypt unwraps a signaling Envelope into plaintext JSON bytes.
	// Fails with an error matching xerrors.ErrSessionMissing,
	// xerrors.ErrRatchetDesynchronized, or xerrors.ErrCorrupt.
	Decrypt(ctx context.Context, hub HubID, env Envelope) ([]byte, error)

	// DecryptBinary unwraps a binary DataChannel Olm frame. The input
	// begins with the wire frame-type byte (WireFrameKind).
	DecryptBinary(ctx context.Context, hub HubID, frame []byte) ([]byte, error)

	// Encrypt wraps plaintext JSON bytes into an Envelope ready for
	// transmission inside a signaling message.
	Encrypt(ctx context.Context, hub HubID, plaintext []byte) (Envelope, error)

	// EncryptBinary wraps plaintext bytes into a binary Olm frame ready
	// for the DataChannel.
	EncryptBinary(ctx context.Context, hub HubID, plaintext []byte) ([]byte, error)

	// CreateSession installs, or resets, a session from a parsed pairing
	// bundle. Called both for first-contact session establishment and
	// for bundle-refresh (ratchet restart).
	CreateSession(ctx context.Context, hub HubID, b *bundle.Bundle) error
}
