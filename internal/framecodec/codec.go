package framecodec

import (
	"context"
	"fmt"

	"github.com/relaylink/hublink/internal/cryptobridge"
	"github.com/relaylink/hublink/internal/xerrors"
)

// Codec serializes outbound content into the plaintext layout, encrypts
// it via a cryptobridge.Bridge, and dispatches inbound decrypted
// plaintext by content type. It owns the outbound chunk limit derived
// from the DataChannel's negotiated maxMessageSize.
type Codec struct {
	bridge         cryptobridge.Bridge
	maxMessageSize int
}

// NewCodec builds a Codec. maxMessageSize is the DataChannel's SCTP
// maxMessageSize; DefaultMaxMessageSize is a reasonable default.
func NewCodec(bridge cryptobridge.Bridge, maxMessageSize int) *Codec {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Codec{bridge: bridge, maxMessageSize: maxMessageSize}
}

// ChunkLimit is the largest plaintext a single non-chunked frame may
// carry before it must be split (files only — all other content types
// fail synchronously if they exceed this).
func (c *Codec) ChunkLimit() int {
	return c.maxMessageSize - EnvelopeReserve
}

// encodeAtomic enforces the chunk limit on atomic content types and
// encrypts the plaintext for the wire. Exceeding the limit here is a
// programming error, not a runtime condition to recover from.
func (c *Codec) encodeAtomic(ctx context.Context, hub cryptobridge.HubID, plaintext []byte) ([]byte, error) {
	if len(plaintext) > c.ChunkLimit() {
		return nil, fmt.Errorf("%w: %d bytes exceeds chunk limit of %d", xerrors.ErrPayloadTooLarge, len(plaintext), c.ChunkLimit())
	}
	return c.bridge.EncryptBinary(ctx, hub, plaintext)
}

// EncodeControl builds and encrypts a control (content type 0x00) frame.
func (c *Codec) EncodeControl(ctx context.Context, hub cryptobridge.HubID, json []byte) ([]byte, error) {
	return c.encodeAtomic(ctx, hub, EncodeControl(json))
}

// EncodePTY builds and encrypts a PTY (content type 0x01) frame.
func (c *Codec) EncodePTY(ctx context.Context, hub cryptobridge.HubID, flags uint8, subID string, payload []byte) ([]byte, error) {
	plaintext, err := EncodePTY(flags, subID, payload)
	if err != nil {
		return nil, err
	}
	return c.encodeAtomic(ctx, hub, plaintext)
}

// EncodeStreamFrame builds and encrypts a stream-mux (content type 0x02) frame.
func (c *Codec) EncodeStreamFrame(ctx context.Context, hub cryptobridge.HubID, frameType uint8, streamID uint16, payload []byte) ([]byte, error) {
	return c.encodeAtomic(ctx, hub, EncodeStreamFrame(frameType, streamID, payload))
}

// EncodeFileAtomic builds and encrypts a single-frame (content type 0x03)
// file transfer. Returns ErrPayloadTooLarge if it doesn't fit the chunk
// limit — callers should use EncodeFileChunked instead in that case.
func (c *Codec) EncodeFileAtomic(ctx context.Context, hub cryptobridge.HubID, subID, filename string, data []byte) ([]byte, error) {
	plaintext, err := EncodeFile(subID, filename, data)
	if err != nil {
		return nil, err
	}
	return c.encodeAtomic(ctx, hub, plaintext)
}

// EncodeFileChunked splits a file across one or more content type 0x04
// frames sized to the chunk limit and encrypts each fragment.
func (c *Codec) EncodeFileChunked(ctx context.Context, hub cryptobridge.HubID, subID, filename string, data []byte) ([][]byte, error) {
	fragments, err := ChunkFile(subID, filename, data, c.ChunkLimit())
	if err != nil {
		return nil, err
	}

	sealed := make([][]byte, len(fragments))
	for i, frag := range fragments {
		s, err := c.bridge.EncryptBinary(ctx, hub, frag)
		if err != nil {
			return nil, err
		}
		sealed[i] = s
	}
	return sealed, nil
}

// Decoded is the parsed result of one inbound DataChannel message, after
// wire-frame classification, decryption (if applicable), and content-type
// dispatch.
type Decoded struct {
	Type ContentType

	// Control holds the raw control-message JSON for ContentTypeControl.
	Control []byte

	// PTY fields are populated for ContentTypePTY.
	PTYFlags   uint8
	PTYSubID   string
	PTYPayload []byte

	// Stream fields are populated for ContentTypeStreamMux.
	StreamFrameType uint8
	StreamID        uint16
	StreamPayload   []byte

	// File is populated for ContentTypeFile (atomic) and for the final
	// fragment of a ContentTypeFileChunk sequence, via reassembler.
	File *FileFrame

	// BundleRefresh holds the raw bundle bytes when the wire frame was a
	// cleartext bundle-refresh frame rather than an Olm frame. When set,
	// all other fields are zero and Type is unset.
	BundleRefresh []byte
}

// DecodeInbound classifies the wire frame, decrypts Olm frames via the
// bridge, and dispatches by content type. reassembler accumulates
// in-flight chunked file transfers; pass the same instance across calls
// for a given peer. Returns (nil, nil) for a completed-but-not-final
// file chunk fragment.
func (c *Codec) DecodeInbound(ctx context.Context, hub cryptobridge.HubID, wireFrame []byte, reassembler *Reassembler) (*Decoded, error) {
	if len(wireFrame) == 0 {
		return nil, fmt.Errorf("%w: empty wire frame", xerrors.ErrCorrupt)
	}

	kind, ok := ClassifyWireFrame(wireFrame[0])
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized wire frame leading byte 0x%02x", xerrors.ErrNotEncryptedFrame, wireFrame[0])
	}

	if kind == WireFrameBundleRefresh {
		return &Decoded{BundleRefresh: wireFrame[1:]}, nil
	}

	plaintext, err := c.bridge.DecryptBinary(ctx, hub, wireFrame)
	if err != nil {
		return nil, err
	}
	return c.dispatch(plaintext, reassembler)
}

func (c *Codec) dispatch(plaintext []byte, reassembler *Reassembler) (*Decoded, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", xerrors.ErrCorrupt)
	}

	switch ContentType(plaintext[0]) {
	case ContentTypeControl:
		return &Decoded{Type: ContentTypeControl, Control: plaintext[1:]}, nil

	case ContentTypePTY:
		flags, subID, payload, err := DecodePTY(plaintext[1:])
		if err != nil {
			return nil, err
		}
		return &Decoded{Type: ContentTypePTY, PTYFlags: flags, PTYSubID: subID, PTYPayload: payload}, nil

	case ContentTypeStreamMux:
		frameType, streamID, payload, err := DecodeStreamFrame(plaintext[1:])
		if err != nil {
			return nil, err
		}
		return &Decoded{Type: ContentTypeStreamMux, StreamFrameType: frameType, StreamID: streamID, StreamPayload: payload}, nil

	case ContentTypeFile:
		subID, filename, data, err := DecodeFile(plaintext[1:])
		if err != nil {
			return nil, err
		}
		return &Decoded{Type: ContentTypeFile, File: &FileFrame{SubID: subID, Filename: filename, Data: data}}, nil

	case ContentTypeFileChunk:
		file, err := reassembler.Feed(plaintext[1:])
		if err != nil {
			return nil, err
		}
		if file == nil {
			return nil, nil // fragment consumed, transfer still in flight
		}
		return &Decoded{Type: ContentTypeFile, File: file}, nil

	default:
		return nil, fmt.Errorf("%w: content type 0x%02x", xerrors.ErrUnknownContentType, plaintext[0])
	}
}
