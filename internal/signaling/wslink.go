package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// actionCableEnvelope mirrors Rails ActionCable's wire shape: an outer
// {command, identifier, data} frame for subscribe/unsubscribe/message,
// and an inbound {identifier, message} frame for broadcasts.
type actionCableEnvelope struct {
	Command    string `json:"command,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Data       string `json:"data,omitempty"`
}

type inboundFrame struct {
	Identifier string          `json:"identifier"`
	Message    json.RawMessage `json:"message"`
	Type       string          `json:"type,omitempty"` // "welcome", "confirm_subscription", "ping", ...
}

// wsLink is the production Link, a single gorilla/websocket connection
// carrying one ActionCable subscription per hub.
type wsLink struct {
	url       string
	identifier string

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	onMsg    func(Message)
	onState  func(State)

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSLink dials url (a ws:// or wss:// endpoint) lazily on Open.
func NewWSLink(url string) Link {
	return &wsLink{
		url:   url,
		state: StateDisconnected,
		done:  make(chan struct{}),
	}
}

func (l *wsLink) OnMessage(fn func(Message))    { l.onMsg = fn }
func (l *wsLink) OnStateChange(fn func(State))  { l.onState = fn }

func (l *wsLink) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed && l.onState != nil {
		l.onState(s)
	}
}

func (l *wsLink) Open(ctx context.Context, params SubscribeParams) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial: %w", err)
	}

	idBytes, err := json.Marshal(params)
	if err != nil {
		conn.Close()
		return fmt.Errorf("signaling: marshal identifier: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.identifier = string(idBytes)
	l.mu.Unlock()

	sub := actionCableEnvelope{Command: "subscribe", Identifier: l.identifier}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("signaling: subscribe: %w", err)
	}

	// The link reports connected as soon as the socket and
	// subscription are sent; confirm_subscription frames are not
	// tracked, and the read loop skips them.
	l.setState(StateConnected)

	go l.readLoop()
	return nil
}

func (l *wsLink) readLoop() {
	defer func() {
		l.mu.Lock()
		rejected := l.state == StateRejected
		l.mu.Unlock()
		if !rejected {
			l.setState(StateDisconnected)
		}
	}()
	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type == "rejection" {
			l.setState(StateRejected)
			return
		}
		if frame.Message == nil {
			continue // welcome/confirm_subscription/ping housekeeping frames
		}

		var msg Message
		if err := json.Unmarshal(frame.Message, &msg); err != nil {
			continue
		}
		if msg.Type == MsgTypeHealth {
			msg.Health = frame.Message
		}
		if l.onMsg != nil {
			l.onMsg(msg)
		}
	}
}

func (l *wsLink) Send(env Envelope) error {
	l.mu.Lock()
	conn := l.conn
	identifier := l.identifier
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: send on unopened link")
	}

	payload, err := json.Marshal(performEnvelope{Action: "signal", Envelope: env})
	if err != nil {
		return fmt.Errorf("signaling: marshal payload: %w", err)
	}

	msg := actionCableEnvelope{
		Command:    "message",
		Identifier: identifier,
		Data:       string(payload),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("signaling: send on closed link")
	}
	return l.conn.WriteJSON(msg)
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		conn := l.conn
		identifier := l.identifier
		l.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.WriteJSON(actionCableEnvelope{Command: "unsubscribe", Identifier: identifier})
		err = conn.Close()
		l.setState(StateDisconnected)
	})
	return err
}
