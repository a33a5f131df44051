// Package manager implements the transport core's public façade: one
// Manager composes a CryptoBridge, SignalingChannel, PeerConnection,
// DataChannelCodec, SubscriptionRouter, and StreamMultiplexer per hub,
// and emits the public event taxonomy through an events.Bus.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/relaylink/hublink/internal/cryptobridge"
	"github.com/relaylink/hublink/internal/events"
	"github.com/relaylink/hublink/internal/framecodec"
	"github.com/relaylink/hublink/internal/peer"
	"github.com/relaylink/hublink/internal/router"
	"github.com/relaylink/hublink/internal/signaling"
	"github.com/relaylink/hublink/internal/streammux"
	"github.com/relaylink/hublink/internal/telemetry"
	"github.com/relaylink/hublink/internal/xerrors"
)

// decryptFailureThreshold is how many consecutive inbound decrypt
// failures for a hub trigger treating the session as desynchronized and
// waiting for the hub to push a bundle refresh, rather than retrying
// forever on a session that will never recover on its own.
const decryptFailureThreshold = 3

// LinkFactory builds a fresh signaling.Link for a hub. Overriding it lets
// callers substitute an in-process Link (tests, loopback demos) for the
// production signaling.NewWSLink.
type LinkFactory func(hubID cryptobridge.HubID) signaling.Link

// Options configures a Manager.
type Options struct {
	Bridge          cryptobridge.Bridge
	SignalingURL    string // ws(s):// base URL; LinkFactory appends nothing, callers may template per hub
	Channel         string // ActionCable channel name the hub subscribes requests to
	BrowserIdentity string
	ICEConfigURL    string // http(s):// base URL for ICEConfigFetcher; empty disables ICE server fetch
	HTTPClient      *http.Client
	MaxMessageSize  int // DataChannel SCTP maxMessageSize; 0 uses framecodec.DefaultMaxMessageSize

	// LinkFactory overrides link construction. Nil uses signaling.NewWSLink.
	LinkFactory LinkFactory
}

// Manager is the transport core's top-level façade, safe for concurrent
// use by multiple goroutines.
type Manager struct {
	opts       Options
	bridge     cryptobridge.Bridge
	iceFetcher *peer.ICEConfigFetcher
	bus        *events.Bus

	mu       sync.Mutex
	sessions map[cryptobridge.HubID]*hubSession
}

// hubSession bundles every per-hub layer instance.
type hubSession struct {
	hub cryptobridge.HubID

	link   signaling.Link
	peerC  *peer.Peer
	router *router.Router
	codec  *framecodec.Codec
	reasm  *framecodec.Reassembler
	mux    *streammux.Multiplexer

	// connectMu serializes concurrent ConnectPeer callers for this hub so
	// only one of them actually builds a peer; the rest observe the
	// result and reuse or skip accordingly.
	connectMu sync.Mutex

	mu              sync.Mutex
	decryptFailures int
	lastHealth      json.RawMessage // cached for replay to late-arriving On(KindHealth) observers
}

// New builds a Manager. The Bridge field of opts is required; everything
// else has a usable zero value or default.
func New(opts Options) *Manager {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = framecodec.DefaultMaxMessageSize
	}
	if opts.Channel == "" {
		opts.Channel = "SignalingChannel"
	}

	m := &Manager{
		opts:     opts,
		bridge:   opts.Bridge,
		bus:      events.NewBus(),
		sessions: make(map[cryptobridge.HubID]*hubSession),
	}
	if opts.ICEConfigURL != "" {
		m.iceFetcher = peer.NewICEConfigFetcher(opts.ICEConfigURL, opts.HTTPClient)
	}
	return m
}

// On subscribes fn to every future event of kind, returning an
// unsubscribe function. Registering for KindHealth also replays each
// hub's last-known health beacon (if any) to fn asynchronously, so a
// late-arriving observer learns current health without waiting for the
// next broadcast.
func (m *Manager) On(kind events.Kind, fn func(events.Event)) func() {
	unsubscribe := m.bus.On(kind, fn)
	if kind == events.KindHealth {
		go m.replayCachedHealth(fn)
	}
	return unsubscribe
}

func (m *Manager) replayCachedHealth(fn func(events.Event)) {
	type cached struct {
		hub  string
		data json.RawMessage
	}

	m.mu.Lock()
	snapshot := make([]cached, 0, len(m.sessions))
	for hub, sess := range m.sessions {
		sess.mu.Lock()
		if sess.lastHealth != nil {
			snapshot = append(snapshot, cached{hub: string(hub), data: sess.lastHealth})
		}
		sess.mu.Unlock()
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		fn(events.Event{Kind: events.KindHealth, Hub: c.hub, Payload: c.data})
	}
}

func (m *Manager) emit(kind events.Kind, hub cryptobridge.HubID, payload any) {
	m.bus.Emit(events.Event{Kind: kind, Hub: string(hub), Payload: payload})
}

// emitHealth caches raw as sess's last-known health before emitting
// KindHealth, so On(KindHealth, ...) can replay it to late subscribers.
func (m *Manager) emitHealth(sess *hubSession, hub cryptobridge.HubID, raw json.RawMessage) {
	sess.mu.Lock()
	sess.lastHealth = raw
	sess.mu.Unlock()
	telemetry.LogDebug("manager: health for %s fanned out to %d subscriptions", hub, len(sess.router.Subscriptions()))
	m.emit(events.KindHealth, hub, raw)
}

// emitError wraps err in an events.ErrorEvent and emits it as
// KindSessionInvalid. errType is one of "server_error" (malformed
// signaling payload) or "encryption_failed" (decrypt/ratchet failure).
func (m *Manager) emitError(hub cryptobridge.HubID, errType string, err error) {
	m.emit(events.KindSessionInvalid, hub, events.ErrorEvent{Type: errType, Err: err, HubID: string(hub)})
}

func (m *Manager) linkFor(hub cryptobridge.HubID) signaling.Link {
	if m.opts.LinkFactory != nil {
		return m.opts.LinkFactory(hub)
	}
	return signaling.NewWSLink(m.opts.SignalingURL)
}

func (m *Manager) session(hub cryptobridge.HubID) (*hubSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[hub]
	return s, ok
}

// Connect performs the full connect sequence: signaling first, then the
// peer handshake over it.
func (m *Manager) Connect(ctx context.Context, hub cryptobridge.HubID) error {
	if err := m.ConnectSignaling(ctx, hub); err != nil {
		return err
	}
	return m.ConnectPeer(ctx, hub)
}

// ConnectSignaling opens (or reopens) the signaling link for hub and
// wires it into a fresh hubSession. If hub already has a live session
// (e.g. a fast reconnect within the peer's grace period), it cancels
// any pending grace-period teardown and reuses that session instead of
// replacing it, satisfying the connect(H); disconnect(H); connect(H)
// idempotence law.
func (m *Manager) ConnectSignaling(ctx context.Context, hub cryptobridge.HubID) error {
	if sess, ok := m.session(hub); ok {
		sess.mu.Lock()
		p := sess.peerC
		sess.mu.Unlock()
		if p != nil {
			p.CancelGracePeriod()
		}
		return nil
	}

	link := m.linkFor(hub)

	sess := &hubSession{
		hub:    hub,
		link:   link,
		reasm:  framecodec.NewReassembler(),
		codec:  framecodec.NewCodec(m.bridge, m.opts.MaxMessageSize),
	}
	sess.router = router.New(func(ctx context.Context, plaintext []byte) error {
		return m.sendControl(ctx, sess, plaintext)
	})
	sess.router.OnHealth(func(raw json.RawMessage) {
		m.emitHealth(sess, hub, raw)
	})
	sess.mux = streammux.New(func(ctx context.Context, frameType uint8, streamID uint16, payload []byte) error {
		return m.sendStreamFrame(ctx, sess, frameType, streamID, payload)
	})

	link.OnMessage(func(msg signaling.Message) { m.handleSignalMessage(ctx, sess, msg) })
	link.OnStateChange(func(s signaling.State) { m.emit(events.KindSignalingState, hub, s) })

	params := signaling.SubscribeParams{
		Channel:         m.opts.Channel,
		HubID:           string(hub),
		BrowserIdentity: m.opts.BrowserIdentity,
	}
	if err := link.Open(ctx, params); err != nil {
		return fmt.Errorf("manager: open signaling link: %w", err)
	}

	m.mu.Lock()
	m.sessions[hub] = sess
	m.mu.Unlock()
	return nil
}

// ConnectPeer creates the WebRTC peer connection for hub (which must
// already have a signaling session) and starts the handshake. Concurrent
// callers for the same hub are single-flighted on sess.connectMu: a live
// existing peer is reused (and any pending grace-period teardown
// cancelled) rather than replaced, a dead one is torn down first, and
// only then is a fresh peer built.
func (m *Manager) ConnectPeer(ctx context.Context, hub cryptobridge.HubID) error {
	sess, ok := m.session(hub)
	if !ok {
		return fmt.Errorf("%w: %s", xerrors.ErrNoPeer, hub)
	}

	sess.connectMu.Lock()
	defer sess.connectMu.Unlock()

	sess.mu.Lock()
	existing := sess.peerC
	sess.mu.Unlock()
	if existing != nil {
		if !existing.IsDead() {
			existing.CancelGracePeriod()
			return nil
		}
		existing.Close()
	}

	var iceServers []webrtc.ICEServer
	if m.iceFetcher != nil {
		servers, err := m.iceFetcher.Fetch(ctx, string(hub))
		if err != nil {
			return err
		}
		iceServers = servers
	}

	p, err := peer.New(ctx, hub, m.bridge, sess.link, iceServers)
	if err != nil {
		return err
	}

	p.OnStateChange(func(s peer.State) {
		m.emit(events.KindConnectionState, hub, s)
		switch s {
		case peer.StateConnected:
			telemetry.Stats.AddPeerConnected()
		case peer.StateDisconnected, peer.StateError:
			telemetry.Stats.AddPeerDisconnected()
		}
	})
	p.OnModeChange(func(mode peer.Mode) { m.emit(events.KindConnectionMode, hub, mode) })
	p.OnPacket(func(data []byte, err error) { m.handlePacket(ctx, sess, data, err) })

	sess.mu.Lock()
	sess.peerC = p
	sess.mu.Unlock()

	return p.StartHandshake(ctx)
}

// Disconnect starts the peer's grace period (if a peer exists) and
// defers closing the signaling link and forgetting the session until
// that grace period actually expires, so a reconnect within the window
// (ConnectSignaling/ConnectPeer) can cancel it and reuse both. A
// session with no peer yet has nothing to wait on and is torn down
// immediately.
func (m *Manager) Disconnect(hub cryptobridge.HubID) error {
	sess, ok := m.session(hub)
	if !ok {
		return nil
	}

	sess.mu.Lock()
	p := sess.peerC
	sess.mu.Unlock()
	if p == nil {
		return m.finalizeDisconnect(hub)
	}

	p.Disconnect(func() { m.finalizeDisconnect(hub) })
	return nil
}

// finalizeDisconnect closes hub's signaling link and forgets its
// session; called once a peer's grace period has actually expired (or
// immediately, for a peerless session).
func (m *Manager) finalizeDisconnect(hub cryptobridge.HubID) error {
	sess, ok := m.session(hub)
	if !ok {
		return nil
	}
	err := sess.link.Close()

	m.mu.Lock()
	delete(m.sessions, hub)
	m.mu.Unlock()

	return err
}

// DisconnectPeer starts the peer's grace-period teardown without
// touching the signaling link or session, used for a transient
// reconnect (e.g. page navigation) rather than a full logout.
func (m *Manager) DisconnectPeer(hub cryptobridge.HubID) error {
	sess, ok := m.session(hub)
	if !ok {
		return xerrors.ErrNoPeer
	}
	sess.mu.Lock()
	p := sess.peerC
	sess.mu.Unlock()
	if p == nil {
		return xerrors.ErrNoPeer
	}
	p.Disconnect(nil)
	return nil
}

// PeerHealth reports a peer's liveness alongside the underlying
// PeerConnection/DataChannel states a caller can use to diagnose why.
type PeerHealth struct {
	Alive   bool
	PCState string
	DCState string
}

// ProbePeerHealth reports whether hub's peer connection is usable,
// cancelling a pending grace-period teardown if the caller intends to
// reuse it.
func (m *Manager) ProbePeerHealth(hub cryptobridge.HubID) (PeerHealth, error) {
	sess, ok := m.session(hub)
	if !ok {
		return PeerHealth{}, xerrors.ErrNoPeer
	}
	sess.mu.Lock()
	p := sess.peerC
	sess.mu.Unlock()
	if p == nil {
		return PeerHealth{}, xerrors.ErrNoPeer
	}

	health := PeerHealth{PCState: p.PCState(), DCState: p.DCState()}
	if p.IsDead() {
		return health, nil
	}
	p.CancelGracePeriod()
	health.Alive = true
	return health, nil
}

// Subscribe registers subscriptionID on hub's router and blocks until
// the hub confirms it.
func (m *Manager) Subscribe(ctx context.Context, hub cryptobridge.HubID, subscriptionID, channel string, params json.RawMessage, onMessage func(router.Message)) error {
	sess, ok := m.session(hub)
	if !ok {
		return xerrors.ErrNoPeer
	}
	err := sess.router.Subscribe(ctx, subscriptionID, channel, params, func(msg router.Message) {
		m.emit(events.KindSubscriptionMessage, hub, msg)
		if onMessage != nil {
			onMessage(msg)
		}
	})
	if err == nil {
		m.emit(events.KindSubscriptionConfirmed, hub, subscriptionID)
	}
	return err
}

// Unsubscribe removes subscriptionID from hub's router.
func (m *Manager) Unsubscribe(ctx context.Context, hub cryptobridge.HubID, subscriptionID string) error {
	sess, ok := m.session(hub)
	if !ok {
		return xerrors.ErrNoPeer
	}
	return sess.router.Unsubscribe(ctx, subscriptionID)
}

// SendRaw wraps message for subscriptionID and transmits it over the
// control channel.
func (m *Manager) SendRaw(ctx context.Context, hub cryptobridge.HubID, subscriptionID string, message json.RawMessage) error {
	sess, ok := m.session(hub)
	if !ok {
		return xerrors.ErrNoPeer
	}
	return sess.router.SendRaw(ctx, subscriptionID, message)
}

// SendPtyInput transmits a PTY fast-lane frame for subID, flagged as
// outbound (browser-to-agent) input.
func (m *Manager) SendPtyInput(ctx context.Context, hub cryptobridge.HubID, subID string, payload []byte) error {
	sess, ok := m.session(hub)
	if !ok {
		return xerrors.ErrNoPeer
	}
	wire, err := sess.codec.EncodePTY(ctx, hub, framecodec.PTYFlagOutbound, subID, payload)
	if err != nil {
		return err
	}
	return m.sendWire(sess, wire)
}

// OpenStream opens a new multiplexed TCP-like stream to port on hub,
// blocking until the agent confirms or rejects it.
func (m *Manager) OpenStream(ctx context.Context, hub cryptobridge.HubID, port uint16) (*streammux.TcpStream, error) {
	sess, ok := m.session(hub)
	if !ok {
		return nil, xerrors.ErrNoPeer
	}
	stream, err := sess.mux.Open(ctx, port)
	if err == nil {
		telemetry.Stats.AddStreamOpened()
	}
	return stream, err
}

// SendFileInput transmits data as subID/filename, choosing a single
// atomic frame when it fits the chunk limit and chunked fragments
// otherwise.
func (m *Manager) SendFileInput(ctx context.Context, hub cryptobridge.HubID, subID, filename string, data []byte) error {
	sess, ok := m.session(hub)
	if !ok {
		return xerrors.ErrNoPeer
	}

	if len(data) <= sess.codec.ChunkLimit()-minFileHeaderOverhead(subID, filename) {
		wire, err := sess.codec.EncodeFileAtomic(ctx, hub, subID, filename, data)
		if err == nil {
			return m.sendWire(sess, wire)
		}
		if !errors.Is(err, xerrors.ErrPayloadTooLarge) {
			return err
		}
	}

	fragments, err := sess.codec.EncodeFileChunked(ctx, hub, subID, filename, data)
	if err != nil {
		return err
	}
	for _, frag := range fragments {
		if err := m.sendWire(sess, frag); err != nil {
			return err
		}
	}
	return nil
}

// minFileHeaderOverhead approximates the fixed-size portion of an atomic
// file frame's header so SendFileInput can guess whether it's worth
// trying the atomic path before falling back to chunking.
func minFileHeaderOverhead(subID, filename string) int {
	return 1 + 2 + len(subID) + 2 + len(filename)
}

// SendEncrypted transmits frame, an already-encrypted binary DataChannel
// frame, to hub unchanged. Exposed for callers composing their own frames.
func (m *Manager) SendEncrypted(ctx context.Context, hub cryptobridge.HubID, frame []byte) error {
	sess, ok := m.session(hub)
	if !ok {
		return xerrors.ErrNoPeer
	}
	return m.sendWire(sess, frame)
}

func (m *Manager) sendControl(ctx context.Context, sess *hubSession, plaintext []byte) error {
	wire, err := sess.codec.EncodeControl(ctx, sess.hub, plaintext)
	if err != nil {
		return err
	}
	return m.sendWire(sess, wire)
}

func (m *Manager) sendStreamFrame(ctx context.Context, sess *hubSession, frameType uint8, streamID uint16, payload []byte) error {
	wire, err := sess.codec.EncodeStreamFrame(ctx, sess.hub, frameType, streamID, payload)
	if err != nil {
		return err
	}
	return m.sendWire(sess, wire)
}

func (m *Manager) sendWire(sess *hubSession, wire []byte) error {
	sess.mu.Lock()
	p := sess.peerC
	sess.mu.Unlock()
	if p == nil {
		return xerrors.ErrNoPeer
	}
	if err := p.Send(wire); err != nil {
		return err
	}
	telemetry.Stats.AddSent(len(wire))
	return nil
}
