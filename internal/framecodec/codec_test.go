package framecodec

import (
	"bytes"
	"context"
	"testing"

	"github.com/relaylink/hublink/internal/bundle"
	"github.com/relaylink/hublink/internal/cryptobridge"
)

// passthroughBridge encrypts/decrypts by doing nothing, so these tests
// exercise framing and chunking logic in isolation from cryptography.
type passthroughBridge struct{}

var _ cryptobridge.Bridge = passthroughBridge{}

func (passthroughBridge) CreateSession(context.Context, cryptobridge.HubID, *bundle.Bundle) error {
	return nil
}
func (passthroughBridge) Decrypt(_ context.Context, _ cryptobridge.HubID, env cryptobridge.Envelope) ([]byte, error) {
	return env.B, nil
}
func (passthroughBridge) DecryptBinary(_ context.Context, _ cryptobridge.HubID, frame []byte) ([]byte, error) {
	return frame[1:], nil // drop the Olm wire-kind byte, mirroring a real bridge
}
func (passthroughBridge) Encrypt(_ context.Context, _ cryptobridge.HubID, plaintext []byte) (cryptobridge.Envelope, error) {
	return cryptobridge.Envelope{T: 1, B: plaintext}, nil
}
func (passthroughBridge) EncryptBinary(_ context.Context, _ cryptobridge.HubID, plaintext []byte) ([]byte, error) {
	out := make([]byte, 1+len(plaintext))
	out[0] = byte(WireFrameNormal)
	copy(out[1:], plaintext)
	return out, nil
}

func TestControlRoundTrip(t *testing.T) {
	c := NewCodec(passthroughBridge{}, DefaultMaxMessageSize)
	ctx := context.Background()

	wire, err := c.EncodeControl(ctx, "hub", []byte(`{"type":"subscribe"}`))
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}

	decoded, err := c.DecodeInbound(ctx, "hub", wire, NewReassembler())
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if decoded.Type != ContentTypeControl || string(decoded.Control) != `{"type":"subscribe"}` {
		t.Fatalf("unexpected decoded control: %+v", decoded)
	}
}

func TestPTYRoundTrip(t *testing.T) {
	c := NewCodec(passthroughBridge{}, DefaultMaxMessageSize)
	ctx := context.Background()

	wire, err := c.EncodePTY(ctx, "hub", PTYFlagOutbound, "terminal:agent-1:pty-0", []byte("ls -la\n"))
	if err != nil {
		t.Fatalf("EncodePTY: %v", err)
	}

	decoded, err := c.DecodeInbound(ctx, "hub", wire, NewReassembler())
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if decoded.Type != ContentTypePTY || decoded.PTYSubID != "terminal:agent-1:pty-0" || !bytes.Equal(decoded.PTYPayload, []byte("ls -la\n")) {
		t.Fatalf("unexpected decoded PTY: %+v", decoded)
	}
	if decoded.PTYFlags&PTYFlagOutbound == 0 {
		t.Fatal("expected outbound flag set")
	}
}

func TestStreamFrameRoundTrip(t *testing.T) {
	c := NewCodec(passthroughBridge{}, DefaultMaxMessageSize)
	ctx := context.Background()

	wire, err := c.EncodeStreamFrame(ctx, "hub", StreamFrameData, 7, []byte("payload"))
	if err != nil {
		t.Fatalf("EncodeStreamFrame: %v", err)
	}

	decoded, err := c.DecodeInbound(ctx, "hub", wire, NewReassembler())
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if decoded.Type != ContentTypeStreamMux || decoded.StreamFrameType != StreamFrameData || decoded.StreamID != 7 {
		t.Fatalf("unexpected decoded stream frame: %+v", decoded)
	}
}

func TestFileChunkedRoundTrip(t *testing.T) {
	c := NewCodec(passthroughBridge{}, 1024) // force multi-fragment chunking
	ctx := context.Background()

	data := bytes.Repeat([]byte("x"), 5000)
	fragments, err := c.EncodeFileChunked(ctx, "hub", "sub-1", "notes.txt", data)
	if err != nil {
		t.Fatalf("EncodeFileChunked: %v", err)
	}
	if len(fragments) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(fragments))
	}

	reassembler := NewReassembler()
	var result *FileFrame
	for i, frag := range fragments {
		decoded, err := c.DecodeInbound(ctx, "hub", frag, reassembler)
		if err != nil {
			t.Fatalf("DecodeInbound fragment %d: %v", i, err)
		}
		if i < len(fragments)-1 {
			if decoded != nil {
				t.Fatalf("expected nil decoded for non-final fragment %d, got %+v", i, decoded)
			}
			continue
		}
		if decoded == nil || decoded.File == nil {
			t.Fatalf("expected completed file on final fragment")
		}
		result = decoded.File
	}

	if result.SubID != "sub-1" || result.Filename != "notes.txt" || !bytes.Equal(result.Data, data) {
		t.Fatalf("reassembled file mismatch: subID=%q filename=%q len=%d", result.SubID, result.Filename, len(result.Data))
	}
}

func TestFileAtomicTooLargeRejected(t *testing.T) {
	c := NewCodec(passthroughBridge{}, 128)
	ctx := context.Background()

	_, err := c.EncodeFileAtomic(ctx, "hub", "sub-1", "big.bin", bytes.Repeat([]byte{1}, 1000))
	if err == nil {
		t.Fatal("expected error for oversized atomic file frame")
	}
}

func TestBundleRefreshWireFrameBypassesDecryption(t *testing.T) {
	c := NewCodec(passthroughBridge{}, DefaultMaxMessageSize)
	ctx := context.Background()

	wire := append([]byte{byte(WireFrameBundleRefresh)}, []byte("bundle-bytes")...)
	decoded, err := c.DecodeInbound(ctx, "hub", wire, NewReassembler())
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if string(decoded.BundleRefresh) != "bundle-bytes" {
		t.Fatalf("expected raw bundle bytes, got %q", decoded.BundleRefresh)
	}
}

func TestUnrecognizedWireByteRejected(t *testing.T) {
	c := NewCodec(passthroughBridge{}, DefaultMaxMessageSize)
	ctx := context.Background()

	_, err := c.DecodeInbound(ctx, "hub", []byte{0xFF, 1, 2, 3}, NewReassembler())
	if err == nil {
		t.Fatal("expected error for unrecognized wire frame byte")
	}
}
