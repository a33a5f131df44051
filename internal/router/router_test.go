package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaylink/hublink/internal/xerrors"
)

func TestSubscribeConfirmsOnSubscribedMessage(t *testing.T) {
	var sent []byte
	r := New(func(_ context.Context, plaintext []byte) error {
		sent = plaintext
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- r.Subscribe(context.Background(), "tui-hub", "hub", nil, nil)
	}()

	// Wait for the send to land, then simulate the hub's confirmation.
	deadline := time.After(time.Second)
	for sent == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for subscribe frame to send")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := r.HandleControl([]byte(`{"type":"subscribed","subscriptionId":"tui-hub"}`)); err != nil {
		t.Fatalf("HandleControl: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Subscribe to resolve")
	}
}

func TestSubscribeTimesOutWithoutConfirmation(t *testing.T) {
	r := New(func(context.Context, []byte) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := r.subscribeWithTimeout(ctx, "sub-1", "hub", nil, nil, 10*time.Millisecond)
	if !errors.Is(err, xerrors.ErrSubscriptionTimeout) {
		t.Fatalf("expected ErrSubscriptionTimeout, got %v", err)
	}
}

func TestWrappedDataRoutesToSubscriber(t *testing.T) {
	r := New(func(context.Context, []byte) error { return nil })

	var mu sync.Mutex
	var received Message
	got := make(chan struct{})

	go func() {
		_ = r.Subscribe(context.Background(), "sub-1", "hub", nil, func(m Message) {
			mu.Lock()
			received = m
			mu.Unlock()
			close(got)
		})
	}()

	for r.Subscriptions() == nil || len(r.Subscriptions()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := r.HandleControl([]byte(`{"type":"subscribed","subscriptionId":"sub-1"}`)); err != nil {
		t.Fatalf("HandleControl subscribed: %v", err)
	}

	if err := r.HandleControl([]byte(`{"type":"message","subscriptionId":"sub-1","data":{"hello":"world"}}`)); err != nil {
		t.Fatalf("HandleControl message: %v", err)
	}

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wrapped data delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if received.IsRaw {
		t.Fatal("expected non-raw data delivery")
	}
	var payload map[string]string
	if err := json.Unmarshal(received.Data, &payload); err != nil {
		t.Fatalf("unmarshal delivered data: %v", err)
	}
	if payload["hello"] != "world" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandlePTYFastLane(t *testing.T) {
	r := New(func(context.Context, []byte) error { return nil })

	got := make(chan Message, 1)
	go func() {
		_ = r.Subscribe(context.Background(), "terminal-0-0", "terminal", nil, func(m Message) { got <- m })
	}()
	for len(r.Subscriptions()) == 0 {
		time.Sleep(time.Millisecond)
	}
	_ = r.HandleControl([]byte(`{"type":"subscribed","subscriptionId":"terminal-0-0"}`))

	r.HandlePTY("terminal-0-0", []byte("output\n"))

	select {
	case m := <-got:
		if !m.IsRaw || string(m.Raw) != "output\n" {
			t.Fatalf("unexpected PTY message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PTY delivery")
	}
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	r := New(func(context.Context, []byte) error { return nil })
	r.subs["x"] = &subscription{confirmCh: make(chan struct{})}

	if err := r.Unsubscribe(context.Background(), "x"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if len(r.Subscriptions()) != 0 {
		t.Fatal("expected subscription to be removed")
	}
}

func TestDuplicateSubscribedFrameDoesNotPanic(t *testing.T) {
	r := New(func(context.Context, []byte) error { return nil })
	r.subs["x"] = &subscription{confirmCh: make(chan struct{})}

	if err := r.HandleControl([]byte(`{"type":"subscribed","subscriptionId":"x"}`)); err != nil {
		t.Fatalf("first HandleControl: %v", err)
	}
	if err := r.HandleControl([]byte(`{"type":"subscribed","subscriptionId":"x"}`)); err != nil {
		t.Fatalf("duplicate HandleControl: %v", err)
	}
}
