// Package framecodec builds and parses the plaintext layout that rides
// inside an encrypted DataChannel frame: a content-type byte followed by
// a type-specific body (control JSON, PTY I/O, stream-mux frames, atomic
// file transfers, and chunked file fragments).
package framecodec

// ContentType is the first plaintext byte after decryption.
type ContentType uint8

const (
	ContentTypeControl   ContentType = 0x00
	ContentTypePTY       ContentType = 0x01
	ContentTypeStreamMux ContentType = 0x02
	ContentTypeFile      ContentType = 0x03
	ContentTypeFileChunk ContentType = 0x04
)

// PTY flags.
const (
	PTYFlagGzip     uint8 = 0x01
	PTYFlagOutbound uint8 = 0x02
)

// File-chunk flags.
const (
	FileChunkFlagFirst uint8 = 0x01
	FileChunkFlagLast  uint8 = 0x02
)

// Stream-mux frame types.
const (
	StreamFrameOpen   uint8 = 0x00
	StreamFrameData   uint8 = 0x01
	StreamFrameClose  uint8 = 0x02
	StreamFrameOpened uint8 = 0x03
	StreamFrameError  uint8 = 0x04
)

// WireFrameKind classifies the first byte on the wire, before decryption.
type WireFrameKind uint8

const (
	// WireFramePreKey and WireFrameNormal are Olm frames — hand off to
	// CryptoBridge.decryptBinary.
	WireFramePreKey WireFrameKind = 0x00
	WireFrameNormal WireFrameKind = 0x01
	// WireFrameBundleRefresh is cleartext: the remainder of the frame is
	// a serialized pairing bundle, not ciphertext.
	WireFrameBundleRefresh WireFrameKind = 0x02
)

// ClassifyWireFrame inspects the first wire byte to decide whether a
// DataChannel frame is an Olm frame or a cleartext bundle refresh.
// Anything else is not a recognized wire frame.
func ClassifyWireFrame(firstByte byte) (WireFrameKind, bool) {
	switch firstByte {
	case byte(WireFramePreKey):
		return WireFramePreKey, true
	case byte(WireFrameNormal):
		return WireFrameNormal, true
	case byte(WireFrameBundleRefresh):
		return WireFrameBundleRefresh, true
	default:
		return 0, false
	}
}
