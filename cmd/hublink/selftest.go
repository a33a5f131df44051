package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaylink/hublink/internal/bundle"
	"github.com/relaylink/hublink/internal/cryptobridge"
	"github.com/relaylink/hublink/internal/framecodec"
	"github.com/relaylink/hublink/internal/refcrypto"
	"github.com/relaylink/hublink/internal/router"
	"github.com/relaylink/hublink/internal/streammux"
	"github.com/relaylink/hublink/internal/telemetry"
)

// runSelftest exercises the crypto bridge, frame codec, subscription
// router and stream multiplexer directly, without a hub or WebRTC peer
// to answer the handshake: a client bridge and a host bridge share a
// session the way two ends of a real connection would, and every frame
// the client codec produces is fed straight into the host codec's
// DecodeInbound, and back.
func runSelftest(ctx context.Context) {
	hub := cryptobridge.HubID("selftest-hub")

	clientBridge, hostBridge, err := refcrypto.NewLoopbackPair()
	if err != nil {
		telemetry.LogError("build loopback bridge pair: %v", err)
		return
	}
	pairing := &bundle.Bundle{}
	for _, b := range []*refcrypto.Bridge{clientBridge, hostBridge} {
		if err := b.CreateSession(ctx, hub, pairing); err != nil {
			telemetry.LogError("selftest: create session: %v", err)
			return
		}
	}

	clientCodec := framecodec.NewCodec(clientBridge, framecodec.DefaultMaxMessageSize)
	hostCodec := framecodec.NewCodec(hostBridge, framecodec.DefaultMaxMessageSize)
	hostReasm := framecodec.NewReassembler()
	clientReasm := framecodec.NewReassembler()

	// Subscription round trip: the router's SendFunc encodes and decodes
	// through both codecs, then replies as a hub would.
	var hostRouter, clientRouter *router.Router
	clientRouter = router.New(func(ctx context.Context, plaintext []byte) error {
		wire, err := clientCodec.EncodeControl(ctx, hub, plaintext)
		if err != nil {
			return err
		}
		decoded, err := hostCodec.DecodeInbound(ctx, hub, wire, hostReasm)
		if err != nil {
			return err
		}
		telemetry.LogDebug("selftest: hub received control %s", decoded.Control)
		if err := hostRouter.HandleControl(decoded.Control); err != nil {
			return err
		}
		var req struct {
			Type           string `json:"type"`
			SubscriptionID string `json:"subscriptionId"`
		}
		if json.Unmarshal(decoded.Control, &req) != nil || req.Type != "subscribe" {
			return nil
		}
		ack, _ := json.Marshal(map[string]string{"type": "subscribed", "subscriptionId": req.SubscriptionID})
		return clientRouter.HandleControl(ack)
	})
	hostRouter = router.New(func(ctx context.Context, plaintext []byte) error {
		wire, err := hostCodec.EncodeControl(ctx, hub, plaintext)
		if err != nil {
			return err
		}
		decoded, err := clientCodec.DecodeInbound(ctx, hub, wire, clientReasm)
		if err != nil {
			return err
		}
		return clientRouter.HandleControl(decoded.Control)
	})
	// The host side replies to every subscribe by confirming it, the way
	// a real hub's ActionCable channel would.
	hostRouter.OnHealth(func(raw json.RawMessage) { telemetry.LogDebug("selftest: health %s", raw) })

	got := make(chan router.Message, 1)
	if err := clientRouter.Subscribe(ctx, "terminal-0", "terminal", nil, func(msg router.Message) { got <- msg }); err != nil {
		telemetry.LogError("selftest: subscribe: %v", err)
		return
	}
	telemetry.LogSuccess("selftest: subscription confirmed")

	if err := hostRouter.SendRaw(ctx, "terminal-0", json.RawMessage(`{"line":"hello from host"}`)); err != nil {
		telemetry.LogError("selftest: host send: %v", err)
		return
	}
	select {
	case msg := <-got:
		telemetry.LogSuccess("selftest: client received %s", msg.Data)
	default:
		telemetry.LogWarning("selftest: no message delivered")
	}

	// Stream multiplexer round trip: client opens a stream to a fake
	// port, host accepts it and echoes back whatever it receives.
	var hostMux *streammux.Multiplexer
	clientMux := streammux.New(func(ctx context.Context, frameType uint8, streamID uint16, payload []byte) error {
		wire, err := clientCodec.EncodeStreamFrame(ctx, hub, frameType, streamID, payload)
		if err != nil {
			return err
		}
		decoded, err := hostCodec.DecodeInbound(ctx, hub, wire, hostReasm)
		if err != nil {
			return err
		}
		return hostMux.HandleFrame(ctx, decoded.StreamFrameType, decoded.StreamID, decoded.StreamPayload)
	})
	hostMux = streammux.New(func(ctx context.Context, frameType uint8, streamID uint16, payload []byte) error {
		wire, err := hostCodec.EncodeStreamFrame(ctx, hub, frameType, streamID, payload)
		if err != nil {
			return err
		}
		decoded, err := clientCodec.DecodeInbound(ctx, hub, wire, clientReasm)
		if err != nil {
			return err
		}
		return clientMux.HandleFrame(ctx, decoded.StreamFrameType, decoded.StreamID, decoded.StreamPayload)
	})
	hostMux.OnOpen(func(ctx context.Context, stream *streammux.TcpStream, port uint16) error {
		stream.OnData(func(data []byte) {
			_ = stream.Write(ctx, data) // echo
		})
		return nil
	})

	stream, err := clientMux.Open(ctx, 8080)
	if err != nil {
		telemetry.LogError("selftest: open stream: %v", err)
		return
	}
	echoed := make(chan []byte, 1)
	stream.OnData(func(data []byte) { echoed <- data })
	if err := stream.Write(ctx, []byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		telemetry.LogError("selftest: write stream: %v", err)
		return
	}
	select {
	case data := <-echoed:
		telemetry.LogSuccess("selftest: stream echoed %d bytes", len(data))
	default:
		telemetry.LogWarning("selftest: no echo received")
	}

	fmt.Println()
	telemetry.LogInfo("selftest complete")
}
