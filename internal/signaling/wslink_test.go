package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoActionCableServer is a minimal ActionCable-shaped test server: it
// confirms every subscribe and echoes the envelope of every "message"
// command back out as a {type:"signal", envelope} broadcast on the same
// identifier, enough to exercise wsLink's Open/Send/OnMessage contract
// without a real hub.
func echoActionCableServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame actionCableEnvelope
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Command {
			case "subscribe":
				conn.WriteJSON(map[string]string{"identifier": frame.Identifier, "type": "confirm_subscription"})
			case "message":
				var p performEnvelope
				if err := json.Unmarshal([]byte(frame.Data), &p); err != nil {
					return
				}
				body, _ := json.Marshal(map[string]interface{}{"type": "signal", "envelope": p.Envelope})
				conn.WriteJSON(inboundFrame{Identifier: frame.Identifier, Message: body})
			case "unsubscribe":
				return
			}
		}
	}))
}

// healthBeaconServer confirms the subscription, then immediately pushes
// one inline health beacon shaped {type:"health", ...fields} — the real
// wire shape, with no nested "health" key.
func healthBeaconServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frame actionCableEnvelope
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		conn.WriteJSON(map[string]string{"identifier": frame.Identifier, "type": "confirm_subscription"})
		conn.WriteJSON(inboundFrame{
			Identifier: frame.Identifier,
			Message:    []byte(`{"type":"health","hubId":"hub-1","status":"ok","timestamp":1700000000}`),
		})

		for {
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
		}
	}))
}

func TestWSLinkParsesInlineHealthBeacon(t *testing.T) {
	srv := healthBeaconServer(t)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	link := NewWSLink(wsURL)

	received := make(chan Message, 1)
	link.OnMessage(func(m Message) { received <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.Open(ctx, SubscribeParams{Channel: "SignalingChannel", HubID: "hub-1", BrowserIdentity: "browser-1"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer link.Close()

	select {
	case msg := <-received:
		if msg.Type != MsgTypeHealth {
			t.Fatalf("expected health message, got %+v", msg)
		}
		if msg.Health == nil {
			t.Fatal("expected Health to be populated from the inline beacon fields")
		}
		var beacon struct {
			HubID  string `json:"hubId"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(msg.Health, &beacon); err != nil {
			t.Fatalf("unmarshal beacon: %v", err)
		}
		if beacon.HubID != "hub-1" || beacon.Status != "ok" {
			t.Fatalf("unexpected beacon fields: %+v", beacon)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for health beacon")
	}
}

func TestWSLinkOpenSendReceive(t *testing.T) {
	srv := echoActionCableServer(t)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	link := NewWSLink(wsURL)

	var mu sync.Mutex
	received := make(chan Message, 1)
	link.OnMessage(func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		received <- m
	})

	var states []State
	link.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := link.Open(ctx, SubscribeParams{Channel: "SignalingChannel", HubID: "hub-1", BrowserIdentity: "browser-1"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer link.Close()

	if err := link.Send(Envelope{T: 1, B: "cGluZw=="}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != MsgTypeSignal {
			t.Fatalf("expected signal message echoed back, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[0] != StateConnected {
		t.Fatalf("expected first state transition to be connected, got %+v", states)
	}
}

func TestWSLinkSendBeforeOpenFails(t *testing.T) {
	link := NewWSLink("ws://127.0.0.1:1/never")
	if err := link.Send(Envelope{T: 1, B: "x"}); err == nil {
		t.Fatal("expected error sending before Open")
	}
}
