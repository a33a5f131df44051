// Package peer owns a single WebRTC PeerConnection and its one ordered
// "relay" DataChannel for a hub, driving the handshake, ICE restart, and
// mode detection state machines.
package peer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/relaylink/hublink/internal/cryptobridge"
	"github.com/relaylink/hublink/internal/signaling"
	"github.com/relaylink/hublink/internal/xerrors"
)

// State is the high-level connection state, orthogonal to the ICE state
// reported by the underlying peer connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Mode describes the nominated candidate pair's path.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeDirect
	ModeRelayed
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

const (
	dataChannelLabel      = "relay"
	iceRestartBaseDelay   = 1000 * time.Millisecond
	iceRestartMaxAttempts = 3
	gracePeriod           = 3000 * time.Millisecond
)

// sdpEnvelope and candidateEnvelope are the plaintext JSON payloads
// encrypted via CryptoBridge before being handed to SignalingChannel.
type sdpEnvelope struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	Restart bool   `json:"restart,omitempty"`
}

type candidateEnvelope struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Peer wraps one PeerConnection + DataChannel pair for a single hub.
type Peer struct {
	hub    cryptobridge.HubID
	bridge cryptobridge.Bridge
	link   signaling.Link

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	state              State
	mode               Mode
	iceRestartAttempts int
	restartTimer       *time.Timer
	graceTimer         *time.Timer
	pendingCandidates  []webrtc.ICECandidateInit
	remoteSet          bool

	onStateChange func(State)
	onModeChange  func(Mode)
	onPacket      func([]byte, error)
}

// New constructs a Peer: it creates the DataChannel, then StartHandshake
// creates the offer, encrypts it, and sends it over the signaling link.
func New(ctx context.Context, hub cryptobridge.HubID, bridge cryptobridge.Bridge, link signaling.Link, iceServers []webrtc.ICEServer) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: create data channel: %w", err)
	}

	pCtx, cancel := context.WithCancel(ctx)
	p := &Peer{
		hub:    hub,
		bridge: bridge,
		link:   link,
		pc:     pc,
		dc:     dc,
		ctx:    pCtx,
		cancel: cancel,
		state:  StateDisconnected,
		mode:   ModeUnknown,
	}

	p.wireDataChannel(dc)
	p.wireConnectionState()
	p.wireICECandidates()

	return p, nil
}

func (p *Peer) wireDataChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.onPacket != nil {
			p.onPacket(msg.Data, nil)
		}
	})
}

func (p *Peer) wireConnectionState() {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.handleConnected()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			p.handleDisrupted(s)
		case webrtc.PeerConnectionStateClosed:
			p.setState(StateDisconnected)
		}
	})
}

func (p *Peer) wireICECandidates() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.sendCandidate(c.ToJSON())
	})
}

// StartHandshake creates and sends the initial encrypted offer.
func (p *Peer) StartHandshake(ctx context.Context) error {
	p.setState(StateConnecting)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description: %w", err)
	}

	return p.sendSDP(ctx, sdpEnvelope{Type: "offer", SDP: offer.SDP})
}

func (p *Peer) sendSDP(ctx context.Context, env sdpEnvelope) error {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("peer: marshal sdp: %w", err)
	}
	sealed, err := p.bridge.Encrypt(ctx, p.hub, plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrEncryptionFailed, err)
	}
	return p.link.Send(signaling.Envelope{T: sealed.T, B: base64.StdEncoding.EncodeToString(sealed.B)})
}

func (p *Peer) sendCandidate(c webrtc.ICECandidateInit) {
	plaintext, err := json.Marshal(candidateEnvelope{Type: "candidate", Candidate: c})
	if err != nil {
		return
	}
	sealed, err := p.bridge.Encrypt(p.ctx, p.hub, plaintext)
	if err != nil {
		return
	}
	_ = p.link.Send(signaling.Envelope{T: sealed.T, B: base64.StdEncoding.EncodeToString(sealed.B)})
}

// HandleSignalMessage decrypts and applies an inbound signaling message
// addressed to this peer's hub: answers and ICE candidates. Payloads of
// any other type are ignored.
func (p *Peer) HandleSignalMessage(ctx context.Context, msg signaling.Message) error {
	if msg.Envelope == nil {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Envelope.B)
	if err != nil {
		return fmt.Errorf("peer: decode envelope: %w", err)
	}
	plaintext, err := p.bridge.Decrypt(ctx, p.hub, cryptobridge.Envelope{T: msg.Envelope.T, B: raw})
	if err != nil {
		return err
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(plaintext, &probe); err != nil {
		return fmt.Errorf("peer: unmarshal signal payload: %w", err)
	}

	switch probe.Type {
	case "answer":
		return p.applyAnswer(plaintext)
	case "candidate":
		return p.applyCandidate(plaintext)
	default:
		return nil
	}
}

func (p *Peer) applyAnswer(plaintext []byte) error {
	var env sdpEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return fmt.Errorf("peer: unmarshal answer: %w", err)
	}

	// Late answers are dropped: only apply if not already stable.
	if p.pc.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}); err != nil {
		return fmt.Errorf("peer: set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, c := range pending {
		_ = p.pc.AddICECandidate(c)
	}
	return nil
}

func (p *Peer) applyCandidate(plaintext []byte) error {
	var env candidateEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return fmt.Errorf("peer: unmarshal candidate: %w", err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pendingCandidates = append(p.pendingCandidates, env.Candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(env.Candidate)
}

func (p *Peer) handleConnected() {
	p.mu.Lock()
	p.iceRestartAttempts = 0
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
	p.mu.Unlock()

	p.setState(StateConnected)
	p.detectMode()
}

func (p *Peer) handleDisrupted(s webrtc.PeerConnectionState) {
	p.setMode(ModeUnknown)

	p.mu.Lock()
	attempts := p.iceRestartAttempts
	p.mu.Unlock()

	if s == webrtc.PeerConnectionStateFailed && attempts >= iceRestartMaxAttempts {
		p.cancel()
		p.setState(StateDisconnected)
		return
	}

	p.scheduleICERestart()
}

func (p *Peer) scheduleICERestart() {
	p.mu.Lock()
	attempt := p.iceRestartAttempts
	p.iceRestartAttempts++
	p.mu.Unlock()

	if attempt >= iceRestartMaxAttempts {
		return
	}

	delay := iceRestartBaseDelay * time.Duration(1<<uint(attempt))
	timer := time.AfterFunc(delay, func() { p.restartICE() })

	p.mu.Lock()
	if p.restartTimer != nil {
		p.restartTimer.Stop()
	}
	p.restartTimer = timer
	p.mu.Unlock()
}

func (p *Peer) restartICE() {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return
	}
	_ = p.sendSDP(p.ctx, sdpEnvelope{Type: "offer", SDP: offer.SDP, Restart: true})
}

// detectMode inspects the active candidate pair's stats to classify the
// connection as Direct or Relayed.
func (p *Peer) detectMode() {
	stats := p.pc.GetStats()
	for _, s := range stats {
		pairStats, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pairStats.Nominated || pairStats.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		localID := pairStats.LocalCandidateID
		for _, s2 := range stats {
			localStats, ok := s2.(webrtc.ICECandidateStats)
			if !ok || localStats.ID != localID {
				continue
			}
			if localStats.CandidateType == webrtc.ICECandidateTypeRelay {
				p.setMode(ModeRelayed)
			} else {
				p.setMode(ModeDirect)
			}
			return
		}
	}
}

// IsDead reports the dead-peer heuristic either the
// connection itself is closed/failed/disconnected, or it claims to be
// connected while the DataChannel disagrees (observed after mobile sleep).
func (p *Peer) IsDead() bool {
	switch p.pc.ConnectionState() {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		return true
	}
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		switch p.dc.ReadyState() {
		case webrtc.DataChannelStateOpen, webrtc.DataChannelStateConnecting:
			return false
		}
		return true
	}
	return false
}

// Disconnect begins the 3-second grace period instead of closing
// immediately, so a fast reconnect (e.g. SPA navigation) can reuse the
// peer. onExpire, if non-nil, runs after the grace period actually
// fires and the peer is closed — it does not run if the grace period
// is cancelled first via CancelGracePeriod. A second Disconnect call
// while one is already pending is a no-op; the first caller's onExpire
// wins.
func (p *Peer) Disconnect(onExpire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graceTimer != nil {
		return
	}
	p.graceTimer = time.AfterFunc(gracePeriod, func() {
		p.Close()
		if onExpire != nil {
			onExpire()
		}
	})
}

// CancelGracePeriod aborts a pending grace-period teardown, returning true
// if one was in fact pending.
func (p *Peer) CancelGracePeriod() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graceTimer == nil {
		return false
	}
	stopped := p.graceTimer.Stop()
	p.graceTimer = nil
	return stopped
}

// Send writes a raw (already framed and encrypted) message on the relay
// DataChannel.
func (p *Peer) Send(data []byte) error {
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return xerrors.ErrDataChannelNotOpen
	}
	return p.dc.Send(data)
}

// Close tears down the peer connection and its data channel.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.restartTimer != nil {
		p.restartTimer.Stop()
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.mu.Unlock()

	p.cancel()
	dcErr := p.dc.Close()
	pcErr := p.pc.Close()
	p.setState(StateDisconnected)
	if pcErr != nil {
		return pcErr
	}
	return dcErr
}

// PCState returns the underlying PeerConnection's ICE/connection state
// as pion reports it (e.g. "connected", "disconnected", "failed").
func (p *Peer) PCState() string {
	return p.pc.ConnectionState().String()
}

// DCState returns the relay DataChannel's ready state (e.g. "open",
// "connecting", "closed").
func (p *Peer) DCState() string {
	return p.dc.ReadyState().String()
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	p.mu.Unlock()
	if changed && p.onStateChange != nil {
		p.onStateChange(s)
	}
}

func (p *Peer) setMode(m Mode) {
	p.mu.Lock()
	changed := p.mode != m
	p.mode = m
	p.mu.Unlock()
	if changed && p.onModeChange != nil {
		p.onModeChange(m)
	}
}

func (p *Peer) OnStateChange(fn func(State)) { p.onStateChange = fn }
func (p *Peer) OnModeChange(fn func(Mode))   { p.onModeChange = fn }
func (p *Peer) OnPacket(fn func([]byte, error)) { p.onPacket = fn }
