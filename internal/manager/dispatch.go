package manager

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/relaylink/hublink/internal/bundle"
	"github.com/relaylink/hublink/internal/cryptobridge"
	"github.com/relaylink/hublink/internal/events"
	"github.com/relaylink/hublink/internal/framecodec"
	"github.com/relaylink/hublink/internal/signaling"
	"github.com/relaylink/hublink/internal/telemetry"
	"github.com/relaylink/hublink/internal/xerrors"
)

// FileDelivery is the payload of a KindSubscriptionMessage event carrying
// a completed file transfer (atomic or reassembled from chunks).
type FileDelivery struct {
	SubID    string
	Filename string
	Data     []byte
}

func (m *Manager) handleSignalMessage(ctx context.Context, sess *hubSession, msg signaling.Message) {
	if msg.Health != nil {
		m.emitHealth(sess, sess.hub, msg.Health)
		return
	}
	if msg.Envelope == nil {
		return
	}
	if msg.Envelope.T == cryptobridge.EnvelopeTypeBundleRefresh {
		raw, err := base64.StdEncoding.DecodeString(msg.Envelope.B)
		if err != nil {
			m.emitError(sess.hub, "server_error", err)
			return
		}
		m.refreshSession(ctx, sess, raw)
		return
	}

	sess.mu.Lock()
	p := sess.peerC
	sess.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.HandleSignalMessage(ctx, msg); err != nil {
		m.noteDecryptOutcome(sess, err)
	} else {
		m.noteDecryptOutcome(sess, nil)
	}
}

func (m *Manager) handlePacket(ctx context.Context, sess *hubSession, data []byte, err error) {
	if err != nil {
		telemetry.LogWarning("manager: data channel read error for %s: %v", sess.hub, err)
		return
	}
	telemetry.Stats.AddRecv(len(data))

	decoded, err := sess.codec.DecodeInbound(ctx, sess.hub, data, sess.reasm)
	m.noteDecryptOutcome(sess, err)
	if err != nil {
		telemetry.LogWarning("manager: decode inbound frame for %s: %v", sess.hub, err)
		return
	}
	if decoded == nil {
		return // chunk fragment consumed, transfer still in flight
	}

	if decoded.BundleRefresh != nil {
		m.refreshSession(ctx, sess, decoded.BundleRefresh)
		return
	}

	switch decoded.Type {
	case framecodec.ContentTypeControl:
		if err := sess.router.HandleControl(decoded.Control); err != nil {
			telemetry.LogWarning("manager: handle control for %s: %v", sess.hub, err)
		}
	case framecodec.ContentTypePTY:
		sess.router.HandlePTY(decoded.PTYSubID, decoded.PTYPayload)
	case framecodec.ContentTypeStreamMux:
		if err := sess.mux.HandleFrame(ctx, decoded.StreamFrameType, decoded.StreamID, decoded.StreamPayload); err != nil {
			telemetry.LogWarning("manager: handle stream frame for %s: %v", sess.hub, err)
		}
		m.emit(events.KindStreamFrame, sess.hub, decoded)
		if decoded.StreamFrameType == framecodec.StreamFrameClose || decoded.StreamFrameType == framecodec.StreamFrameError {
			telemetry.Stats.AddStreamClosed()
		}
	case framecodec.ContentTypeFile:
		m.emit(events.KindSubscriptionMessage, sess.hub, FileDelivery{
			SubID:    decoded.File.SubID,
			Filename: decoded.File.Filename,
			Data:     decoded.File.Data,
		})
	}
}

// noteDecryptOutcome tracks consecutive decrypt failures so a
// ratchet-desynchronized session is flagged instead of retried forever.
// err==nil resets the counter.
func (m *Manager) noteDecryptOutcome(sess *hubSession, err error) {
	if err == nil {
		sess.mu.Lock()
		sess.decryptFailures = 0
		sess.mu.Unlock()
		return
	}
	if !errors.Is(err, xerrors.ErrSessionMissing) && !errors.Is(err, xerrors.ErrRatchetDesynchronized) && !errors.Is(err, xerrors.ErrCorrupt) {
		return
	}

	sess.mu.Lock()
	sess.decryptFailures++
	n := sess.decryptFailures
	sess.mu.Unlock()

	if n >= decryptFailureThreshold {
		m.emitError(sess.hub, "encryption_failed", err)
	}
}

func (m *Manager) refreshSession(ctx context.Context, sess *hubSession, raw []byte) {
	b, err := bundle.Parse(raw)
	if err != nil {
		m.emitError(sess.hub, "server_error", err)
		return
	}
	if err := m.bridge.CreateSession(ctx, sess.hub, b); err != nil {
		m.emitError(sess.hub, "encryption_failed", err)
		return
	}

	sess.mu.Lock()
	sess.decryptFailures = 0
	sess.mu.Unlock()

	telemetry.Stats.AddBundleRefresh()
	m.emit(events.KindSessionRefreshed, sess.hub, nil)
}
