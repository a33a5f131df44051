// Package bundle parses and serializes the fixed-layout pairing bundle
// a 1,813-byte binary record carrying long-term
// identity, signed pre-keys, and post-quantum KEM keys, transported
// out-of-band as unpadded upper-case Base32 (RFC 4648) inside a URL
// fragment. Parsing lives outside the cryptobridge.Bridge contract —
// the core hands a parsed *Bundle to Bridge.CreateSession.
package bundle

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
)

// Field sizes and offsets.
const (
	Size = 1813

	offVersion              = 0
	offRegistrationID        = 1
	offIdentityKey           = 5
	offSignedPrekeyID        = 38
	offSignedPrekey          = 42
	offSignedPrekeySignature = 75
	offPrekeyID              = 139
	offPrekey                = 143
	offKyberPrekeyID         = 176
	offKyberPrekey           = 180
	offKyberPrekeySignature  = 1749

	sizeIdentityKey           = 33
	sizeSignedPrekey          = 33
	sizeSignedPrekeySignature = 64
	sizePrekey                = 33
	sizeKyberPrekey           = 1569
	sizeKyberPrekeySignature  = 64
)

// Bundle is the parsed form of the fixed binary layout.
type Bundle struct {
	Version                uint8
	RegistrationID         uint32
	IdentityKey            [sizeIdentityKey]byte
	SignedPrekeyID         uint32
	SignedPrekey           [sizeSignedPrekey]byte
	SignedPrekeySignature  [sizeSignedPrekeySignature]byte
	PrekeyID               uint32 // 0 means "none"
	Prekey                 [sizePrekey]byte
	KyberPrekeyID          uint32
	KyberPrekey            [sizeKyberPrekey]byte
	KyberPrekeySignature   [sizeKyberPrekeySignature]byte
}

// HasPrekey reports whether a one-time pre-key is present.
func (b *Bundle) HasPrekey() bool {
	return b.PrekeyID != 0
}

// base32Encoding is RFC 4648 Base32, upper-case, unpadded — the wire
// format bundles travel in when embedded in a URL fragment.
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Parse decodes a 1,813-byte buffer into a Bundle.
func Parse(data []byte) (*Bundle, error) {
	if len(data) != Size {
		return nil, fmt.Errorf("bundle: expected %d bytes, got %d", Size, len(data))
	}

	b := &Bundle{
		Version:        data[offVersion],
		RegistrationID: binary.LittleEndian.Uint32(data[offRegistrationID:]),
		SignedPrekeyID: binary.LittleEndian.Uint32(data[offSignedPrekeyID:]),
		PrekeyID:       binary.LittleEndian.Uint32(data[offPrekeyID:]),
		KyberPrekeyID:  binary.LittleEndian.Uint32(data[offKyberPrekeyID:]),
	}

	copy(b.IdentityKey[:], data[offIdentityKey:offIdentityKey+sizeIdentityKey])
	copy(b.SignedPrekey[:], data[offSignedPrekey:offSignedPrekey+sizeSignedPrekey])
	copy(b.SignedPrekeySignature[:], data[offSignedPrekeySignature:offSignedPrekeySignature+sizeSignedPrekeySignature])
	copy(b.Prekey[:], data[offPrekey:offPrekey+sizePrekey])
	copy(b.KyberPrekey[:], data[offKyberPrekey:offKyberPrekey+sizeKyberPrekey])
	copy(b.KyberPrekeySignature[:], data[offKyberPrekeySignature:offKyberPrekeySignature+sizeKyberPrekeySignature])

	return b, nil
}

// Encode serializes a Bundle back into its 1,813-byte wire form. Mostly
// useful for tests and for the reference crypto bridge, which needs to
// hand out bundles during bundle-refresh scenarios.
func Encode(b *Bundle) []byte {
	buf := make([]byte, Size)
	buf[offVersion] = b.Version
	binary.LittleEndian.PutUint32(buf[offRegistrationID:], b.RegistrationID)
	binary.LittleEndian.PutUint32(buf[offSignedPrekeyID:], b.SignedPrekeyID)
	binary.LittleEndian.PutUint32(buf[offPrekeyID:], b.PrekeyID)
	binary.LittleEndian.PutUint32(buf[offKyberPrekeyID:], b.KyberPrekeyID)

	copy(buf[offIdentityKey:], b.IdentityKey[:])
	copy(buf[offSignedPrekey:], b.SignedPrekey[:])
	copy(buf[offSignedPrekeySignature:], b.SignedPrekeySignature[:])
	copy(buf[offPrekey:], b.Prekey[:])
	copy(buf[offKyberPrekey:], b.KyberPrekey[:])
	copy(buf[offKyberPrekeySignature:], b.KyberPrekeySignature[:])

	return buf
}

// ParseBase32 decodes an unpadded upper-case Base32 string into a Bundle.
func ParseBase32(s string) (*Bundle, error) {
	data, err := base32Encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bundle: base32 decode: %w", err)
	}
	return Parse(data)
}

// EncodeBase32 serializes a Bundle into its unpadded upper-case Base32
// wire form.
func EncodeBase32(b *Bundle) string {
	return base32Encoding.EncodeToString(Encode(b))
}
