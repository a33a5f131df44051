// Package router implements the named-subscription layer on top of
// content-type 0x00 control messages: subscribe/unsubscribe, the
// confirmation latch, wrapped-data routing to subscriber callbacks, and
// the PTY fast-lane that bypasses the JSON layer entirely.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaylink/hublink/internal/xerrors"
)

// ConfirmationTimeout bounds how long subscribe() waits for the hub's
// subscribed control message before failing.
const ConfirmationTimeout = 10 * time.Second

// Message is the decoded payload delivered to a subscriber callback.
type Message struct {
	SubscriptionID string
	Data           json.RawMessage
	Raw            []byte // set instead of Data for the PTY fast-lane and raw wrapped-data frames
	IsRaw          bool
}

// controlEnvelope is the JSON shape of every content-type 0x00 message.
type controlEnvelope struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// subscription is one named logical subscription.
type subscription struct {
	channel   string
	params    json.RawMessage
	confirmed bool

	confirmCh chan struct{}
	onMessage func(Message)
}

// SendFunc encrypts and transmits a control-message plaintext over the
// DataChannel. Supplied by the caller (the manager) so the router stays
// decoupled from the codec and peer layers.
type SendFunc func(ctx context.Context, plaintext []byte) error

// Router tracks every subscription for one hub.
type Router struct {
	send SendFunc

	mu   sync.Mutex
	subs map[string]*subscription

	onHealth func(json.RawMessage)
}

// New builds a Router that transmits control frames via send.
func New(send SendFunc) *Router {
	return &Router{
		send: send,
		subs: make(map[string]*subscription),
	}
}

// OnHealth registers the callback invoked for broadcast health messages
// delivered over the DataChannel fallback path.
func (r *Router) OnHealth(fn func(json.RawMessage)) { r.onHealth = fn }

// NextGeneratedID allocates a generator-assigned subscription ID of the
// form sub_<uuid>, unique across reconnects and hubs. Callers that need a
// semantic ID (e.g. "terminal:agent-3:pty-0") should supply their own.
func (r *Router) NextGeneratedID() string {
	return fmt.Sprintf("sub_%s", uuid.NewString())
}

// Subscribe registers subscriptionID, sends the encrypted subscribe
// control frame, and blocks until the hub confirms it (or the
// confirmation timeout / context elapses).
func (r *Router) Subscribe(ctx context.Context, subscriptionID, channel string, params json.RawMessage, onMessage func(Message)) error {
	return r.subscribeWithTimeout(ctx, subscriptionID, channel, params, onMessage, ConfirmationTimeout)
}

func (r *Router) subscribeWithTimeout(ctx context.Context, subscriptionID, channel string, params json.RawMessage, onMessage func(Message), timeout time.Duration) error {
	sub := &subscription{
		channel:   channel,
		params:    params,
		confirmCh: make(chan struct{}),
		onMessage: onMessage,
	}

	r.mu.Lock()
	r.subs[subscriptionID] = sub
	r.mu.Unlock()

	env := controlEnvelope{Type: "subscribe", SubscriptionID: subscriptionID, Channel: channel, Params: params}
	plaintext, err := json.Marshal(env)
	if err != nil {
		r.removeSub(subscriptionID)
		return fmt.Errorf("router: marshal subscribe: %w", err)
	}

	if err := r.send(ctx, plaintext); err != nil {
		r.removeSub(subscriptionID)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sub.confirmCh:
		return nil
	case <-timer.C:
		r.removeSub(subscriptionID)
		return xerrors.ErrSubscriptionTimeout
	case <-ctx.Done():
		r.removeSub(subscriptionID)
		return ctx.Err()
	}
}

// Unsubscribe best-effort sends an encrypted unsubscribe frame and drops
// local subscription state regardless of whether the send succeeds.
func (r *Router) Unsubscribe(ctx context.Context, subscriptionID string) error {
	defer r.removeSub(subscriptionID)

	env := controlEnvelope{Type: "unsubscribe", SubscriptionID: subscriptionID}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("router: marshal unsubscribe: %w", err)
	}
	return r.send(ctx, plaintext)
}

// SendRaw wraps message in {subscriptionId, data} and transmits it
// encrypted as a content-type 0x00 plaintext.
func (r *Router) SendRaw(ctx context.Context, subscriptionID string, message json.RawMessage) error {
	env := controlEnvelope{Type: "message", SubscriptionID: subscriptionID, Data: message}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("router: marshal message: %w", err)
	}
	return r.send(ctx, plaintext)
}

// HandleControl processes one decrypted content-type 0x00 JSON payload:
// subscribed confirmations, wrapped data delivery, and health broadcasts.
func (r *Router) HandleControl(body []byte) error {
	var env controlEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("router: unmarshal control message: %w", err)
	}

	switch env.Type {
	case "subscribed":
		return r.handleSubscribed(env.SubscriptionID)
	case "health":
		if r.onHealth != nil {
			r.onHealth(body)
		}
		return nil
	default:
		return r.handleWrappedData(env)
	}
}

func (r *Router) handleSubscribed(subscriptionID string) error {
	r.mu.Lock()
	sub, ok := r.subs[subscriptionID]
	alreadyConfirmed := ok && sub.confirmed
	if ok && !alreadyConfirmed {
		sub.confirmed = true
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: subscribed for unknown subscription %q", xerrors.ErrSubscriptionRejected, subscriptionID)
	}
	if alreadyConfirmed {
		return nil // duplicate "subscribed" frame for an already-confirmed id; confirmCh is already closed
	}
	close(sub.confirmCh)
	return nil
}

func (r *Router) handleWrappedData(env controlEnvelope) error {
	r.mu.Lock()
	sub, ok := r.subs[env.SubscriptionID]
	r.mu.Unlock()
	if !ok || sub.onMessage == nil {
		return nil
	}

	msg := Message{SubscriptionID: env.SubscriptionID}
	switch {
	case env.Raw != nil:
		msg.Raw = []byte(env.Raw)
		msg.IsRaw = true
	default:
		msg.Data = env.Data
	}
	sub.onMessage(msg)
	return nil
}

// HandlePTY delivers a fast-lane PTY payload directly to the subscriber
// identified by subID, bypassing the JSON control-message layer.
func (r *Router) HandlePTY(subID string, payload []byte) {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	r.mu.Unlock()
	if !ok || sub.onMessage == nil {
		return
	}
	sub.onMessage(Message{SubscriptionID: subID, Raw: payload, IsRaw: true})
}

func (r *Router) removeSub(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, subscriptionID)
}

// Subscriptions returns the IDs of every registered subscription, both
// confirmed and still awaiting confirmation.
func (r *Router) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	return ids
}
