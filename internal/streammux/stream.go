// Package streammux layers TCP-like multiplexed streams over content-type
// 0x02 frames, plus a streaming HTTP/1.1 response parser that rides on
// top of a TcpStream for tunneled request/response traffic.
package streammux

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaylink/hublink/internal/framecodec"
	"github.com/relaylink/hublink/internal/xerrors"
)

// State is a TcpStream's lifecycle stage.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// SendFunc transmits one stream-mux frame for the owning peer.
type SendFunc func(ctx context.Context, frameType uint8, streamID uint16, payload []byte) error

// TcpStream is one multiplexed logical connection.
type TcpStream struct {
	id   uint16
	send SendFunc

	mu    sync.Mutex
	state State

	openWait chan error // receives nil on OPENED, or an error on ERROR while Opening

	onData  func([]byte)
	onClose func()
	onError func(string)
}

func newStream(id uint16, send SendFunc) *TcpStream {
	return &TcpStream{
		id:       id,
		send:     send,
		state:    StateOpening,
		openWait: make(chan error, 1),
	}
}

// ID returns the stream's 16-bit identifier.
func (s *TcpStream) ID() uint16 { return s.id }

// State returns the current lifecycle state.
func (s *TcpStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnData, OnClose, and OnError register delivery callbacks. Call before
// the remote DATA/CLOSE/ERROR frames can arrive — i.e. immediately after
// Multiplexer.Open returns the stream (which it does once OPENED has
// arrived), or inside an OpenHandler for inbound streams. Frames that
// arrive before a callback is registered are not delivered.
func (s *TcpStream) OnData(fn func([]byte))  { s.onData = fn }
func (s *TcpStream) OnClose(fn func())       { s.onClose = fn }
func (s *TcpStream) OnError(fn func(string)) { s.onError = fn }

// Write sends a DATA frame. Fails if the stream is not Open.
func (s *TcpStream) Write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateOpen {
		return fmt.Errorf("streammux: write on stream %d in state %s", s.id, state)
	}
	return s.send(ctx, framecodec.StreamFrameData, s.id, payload)
}

// Close sends a CLOSE frame and transitions locally to Closed.
func (s *TcpStream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateErrored {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	return s.send(ctx, framecodec.StreamFrameClose, s.id, nil)
}

func (s *TcpStream) handleOpened() {
	s.mu.Lock()
	if s.state != StateOpening {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	s.mu.Unlock()
	s.openWait <- nil
}

func (s *TcpStream) handleData(payload []byte) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateOpen {
		return
	}
	if s.onData != nil {
		s.onData(payload)
	}
}

func (s *TcpStream) handleClose() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *TcpStream) handleError(msg string) {
	s.mu.Lock()
	wasOpening := s.state == StateOpening
	s.state = StateErrored
	s.mu.Unlock()

	if wasOpening {
		s.openWait <- fmt.Errorf("%w: %s", xerrors.ErrStreamRejected, msg)
		return
	}
	if s.onError != nil {
		s.onError(msg)
	}
}

// awaitOpen blocks until OPENED or ERROR resolves the open-wait latch.
func (s *TcpStream) awaitOpen(ctx context.Context) error {
	select {
	case err := <-s.openWait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
