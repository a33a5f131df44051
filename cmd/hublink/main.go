// Hublink — CLI demo entry point.
//
// This tool drives the transport core (internal/manager) against a real
// signaling hub: it connects signaling, negotiates a WebRTC peer, and
// logs events as they arrive at debug level (shown with -debug).
//
// It can be launched interactively (no flags) or non-interactively via
// CLI flags (-signalingUrl, -channel, -hub, -identity, -iceConfigUrl).
// With -selftest it skips the network and hub entirely, instead driving
// the crypto bridge, frame codec, subscription router and stream
// multiplexer directly between a matched pair of sessions — useful for
// sanity-checking a build without a running hub or remote agent, since
// this module never implements the agent side of the WebRTC handshake.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/relaylink/hublink/internal/config"
	"github.com/relaylink/hublink/internal/cryptobridge"
	"github.com/relaylink/hublink/internal/events"
	"github.com/relaylink/hublink/internal/manager"
	"github.com/relaylink/hublink/internal/refcrypto"
	"github.com/relaylink/hublink/internal/telemetry"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	signalingURL := flag.String("signalingUrl", "", "ws(s):// base URL of the signaling hub")
	channel := flag.String("channel", "SignalingChannel", "ActionCable channel name")
	hub := flag.String("hub", "", "hub ID to connect to")
	identity := flag.String("identity", "", "browser identity string")
	iceConfigURL := flag.String("iceConfigUrl", "", "http(s):// base URL for ICE server config fetch")
	selftest := flag.Bool("selftest", false, "exercise the codec/router/stream stack locally, without a hub")
	debugMode := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debugMode {
		telemetry.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Hublink — v%s", version))
	pterm.Println()

	if *selftest {
		runSelftest(ctx)
		return
	}

	if *hub == "" {
		runInteractive(ctx)
		return
	}

	if *signalingURL == "" {
		telemetry.LogError("missing -signalingUrl")
		os.Exit(1)
	}

	runConnect(ctx, config.Config{
		SignalingURL:    *signalingURL,
		Channel:         *channel,
		HubID:           *hub,
		BrowserIdentity: *identity,
		ICEConfigURL:    *iceConfigURL,
	})
}

// runInteractive falls back to interactive prompts when no -hub flag is
// provided.
func runInteractive(ctx context.Context) {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Connect to a hub", "Run local self-test"}).
		WithDefaultText("Select mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(mode, "Run") {
		runSelftest(ctx)
		return
	}

	signalingURL, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Signaling URL (e.g. wss://hub.example.com/cable)").
		Show()
	hub, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Hub ID").
		Show()
	identity, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Browser identity").
		Show()
	pterm.Println()

	runConnect(ctx, config.Config{
		SignalingURL:    strings.TrimSpace(signalingURL),
		Channel:         "SignalingChannel",
		HubID:           strings.TrimSpace(hub),
		BrowserIdentity: strings.TrimSpace(identity),
	})
}

// runConnect drives a Manager against a real signaling hub.
func runConnect(ctx context.Context, cfg config.Config) {
	secret, err := refcrypto.DeriveMasterSecret()
	if err != nil {
		telemetry.LogError("derive master secret: %v", err)
		os.Exit(1)
	}
	bridge := refcrypto.NewBridge(secret, true)

	m := manager.New(manager.Options{
		Bridge:          bridge,
		SignalingURL:    cfg.SignalingURL,
		Channel:         cfg.Channel,
		BrowserIdentity: cfg.BrowserIdentity,
		ICEConfigURL:    cfg.ICEConfigURL,
		HTTPClient:      cfg.HTTPClient,
	})
	attachEventLogger(m, "hub")
	telemetry.StartReporter(ctx, 10*time.Second)

	hub := cryptobridge.HubID(cfg.HubID)
	if err := m.Connect(ctx, hub); err != nil {
		telemetry.LogError("connect: %v", err)
		os.Exit(1)
	}

	telemetry.LogSuccess("connected to %s, waiting for events (Ctrl+C to quit)", cfg.HubID)
	<-ctx.Done()
	_ = m.Disconnect(hub)
	telemetry.LogInfo("disconnected")
}

// attachEventLogger logs every event a Manager emits at debug level,
// prefixed with label, for demo visibility.
func attachEventLogger(m *manager.Manager, label string) {
	for _, kind := range []events.Kind{
		events.KindSignalingState,
		events.KindConnectionState,
		events.KindConnectionMode,
		events.KindSubscriptionConfirmed,
		events.KindSubscriptionMessage,
		events.KindHealth,
		events.KindSessionRefreshed,
		events.KindSessionInvalid,
		events.KindStreamFrame,
	} {
		kind := kind
		m.On(kind, func(ev events.Event) {
			payload, _ := json.Marshal(ev.Payload)
			telemetry.LogDebug("[%s] %s hub=%s %s", label, ev.Kind, ev.Hub, payload)
		})
	}
}
