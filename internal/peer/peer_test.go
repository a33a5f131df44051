package peer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/relaylink/hublink/internal/bundle"
	"github.com/relaylink/hublink/internal/cryptobridge"
	"github.com/relaylink/hublink/internal/signaling"
)

// mockBridge is a pass-through cryptobridge.Bridge: this package tests peer
// handshake wiring, not encryption, so Encrypt/Decrypt are no-ops beyond
// tagging the envelope type.
type mockBridge struct{}

var _ cryptobridge.Bridge = mockBridge{}

func (mockBridge) CreateSession(context.Context, cryptobridge.HubID, *bundle.Bundle) error {
	return nil
}

func (mockBridge) Decrypt(_ context.Context, _ cryptobridge.HubID, env cryptobridge.Envelope) ([]byte, error) {
	return env.B, nil
}

func (mockBridge) DecryptBinary(_ context.Context, _ cryptobridge.HubID, frame []byte) ([]byte, error) {
	return frame, nil
}

func (mockBridge) Encrypt(_ context.Context, _ cryptobridge.HubID, plaintext []byte) (cryptobridge.Envelope, error) {
	return cryptobridge.Envelope{T: cryptobridge.EnvelopeTypeNormal, B: plaintext}, nil
}

func (mockBridge) EncryptBinary(_ context.Context, _ cryptobridge.HubID, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

type mockLink struct {
	lastEnv signaling.Envelope
	onMsg   func(signaling.Message)
}

func (l *mockLink) Open(context.Context, signaling.SubscribeParams) error { return nil }
func (l *mockLink) Send(env signaling.Envelope) error                     { l.lastEnv = env; return nil }
func (l *mockLink) Close() error                                          { return nil }
func (l *mockLink) OnMessage(fn func(signaling.Message))                  { l.onMsg = fn }
func (l *mockLink) OnStateChange(func(signaling.State))                  {}

func TestStartHandshakeSendsEncryptedOffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bridge := mockBridge{}
	link := &mockLink{}

	p, err := New(ctx, "hub-1", bridge, link, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.StartHandshake(ctx); err != nil {
		t.Fatalf("StartHandshake: %v", err)
	}

	if link.lastEnv.B == "" {
		t.Fatal("expected an offer envelope to have been sent")
	}

	raw, err := base64.StdEncoding.DecodeString(link.lastEnv.B)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}

	var env sdpEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal sdp envelope: %v", err)
	}
	if env.Type != "offer" || env.SDP == "" {
		t.Fatalf("unexpected offer envelope: %+v", env)
	}
}

func TestHandleSignalMessageAppliesAnswer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bridge := mockBridge{}
	link := &mockLink{}

	p, err := New(ctx, "hub-1", bridge, link, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.StartHandshake(ctx); err != nil {
		t.Fatalf("StartHandshake: %v", err)
	}

	peerB, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("peerB: %v", err)
	}
	defer peerB.Close()

	if err := peerB.SetRemoteDescription(*p.pc.LocalDescription()); err != nil {
		t.Fatalf("peerB SetRemoteDescription: %v", err)
	}
	answer, err := peerB.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("peerB CreateAnswer: %v", err)
	}
	if err := peerB.SetLocalDescription(answer); err != nil {
		t.Fatalf("peerB SetLocalDescription: %v", err)
	}

	plaintext, err := json.Marshal(sdpEnvelope{Type: "answer", SDP: answer.SDP})
	if err != nil {
		t.Fatalf("marshal answer: %v", err)
	}

	msg := signaling.Message{
		Type: signaling.MsgTypeSignal,
		Envelope: &signaling.Envelope{
			T: cryptobridge.EnvelopeTypeNormal,
			B: base64.StdEncoding.EncodeToString(plaintext),
		},
	}

	if err := p.HandleSignalMessage(ctx, msg); err != nil {
		t.Fatalf("HandleSignalMessage: %v", err)
	}

	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("expected stable signaling state, got %s", p.pc.SignalingState())
	}
}

func TestModeAndStateStrings(t *testing.T) {
	cases := map[Mode]string{ModeUnknown: "unknown", ModeDirect: "direct", ModeRelayed: "relayed"}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Fatalf("Mode(%d).String() = %q, want %q", m, got, want)
		}
	}

	stateCases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateError:        "error",
	}
	for s, want := range stateCases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestCancelGracePeriodPreventsOnExpire(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := New(ctx, "hub-1", mockBridge{}, &mockLink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	expired := make(chan struct{}, 1)
	p.Disconnect(func() { expired <- struct{}{} })

	if !p.CancelGracePeriod() {
		t.Fatal("expected a pending grace period to cancel")
	}

	select {
	case <-expired:
		t.Fatal("onExpire fired after CancelGracePeriod")
	case <-time.After(50 * time.Millisecond):
	}

	if p.CancelGracePeriod() {
		t.Fatal("second CancelGracePeriod should report nothing pending")
	}
}

func TestDisconnectIsNoOpWhileGracePending(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := New(ctx, "hub-1", mockBridge{}, &mockLink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	firstFired := make(chan struct{}, 1)
	secondFired := make(chan struct{}, 1)
	p.Disconnect(func() { firstFired <- struct{}{} })
	p.Disconnect(func() { secondFired <- struct{}{} }) // ignored: a grace timer is already pending

	if !p.CancelGracePeriod() {
		t.Fatal("expected the first Disconnect's grace timer to still be pending")
	}
	select {
	case <-secondFired:
		t.Fatal("second Disconnect's onExpire must never run")
	default:
	}
}

func TestPCStateAndDCStateReportLiveValues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := New(ctx, "hub-1", mockBridge{}, &mockLink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if got := p.PCState(); got == "" {
		t.Fatal("expected a non-empty PCState")
	}
	if got := p.DCState(); got != "connecting" {
		t.Fatalf("DCState() = %q, want %q before any handshake", got, "connecting")
	}
}
