package streammux

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/relaylink/hublink/internal/framecodec"
	"github.com/relaylink/hublink/internal/xerrors"
)

// OpenHandler decides whether to accept an inbound OPEN request for port.
// The handler should register stream's callbacks (OnData/OnClose/OnError)
// before returning. Returning a non-nil error rejects the request with an
// ERROR frame carrying the error's message.
type OpenHandler func(ctx context.Context, stream *TcpStream, port uint16) error

// Multiplexer allocates and tracks TcpStreams over a single peer's
// DataChannel, assigning strictly increasing 16-bit stream IDs starting
// at 1. A Multiplexer is scoped to one peer connection and never reuses
// an ID; a new Multiplexer starts again at 1.
type Multiplexer struct {
	send SendFunc

	mu      sync.Mutex
	nextID  uint32 // widened to detect the no-wraparound invariant
	streams map[uint16]*TcpStream

	onOpen OpenHandler
}

// New builds a Multiplexer that transmits stream-mux frames via send.
func New(send SendFunc) *Multiplexer {
	return &Multiplexer{
		send:    send,
		streams: make(map[uint16]*TcpStream),
	}
}

// OnOpen registers the handler for inbound OPEN requests. Without one,
// inbound OPEN frames are always rejected.
func (m *Multiplexer) OnOpen(fn OpenHandler) { m.onOpen = fn }

// Open allocates a new stream, sends an OPEN(port) frame, and blocks
// until the remote confirms with OPENED or rejects with ERROR.
func (m *Multiplexer) Open(ctx context.Context, port uint16) (*TcpStream, error) {
	id, err := m.allocateID()
	if err != nil {
		return nil, err
	}

	stream := newStream(id, m.send)
	m.mu.Lock()
	m.streams[id] = stream
	m.mu.Unlock()

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	if err := m.send(ctx, framecodec.StreamFrameOpen, id, portBytes); err != nil {
		m.removeStream(id)
		return nil, err
	}

	if err := stream.awaitOpen(ctx); err != nil {
		m.removeStream(id)
		return nil, err
	}
	return stream, nil
}

func (m *Multiplexer) allocateID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if m.nextID > 0xFFFF {
		return 0, fmt.Errorf("streammux: stream ID space exhausted")
	}
	return uint16(m.nextID), nil
}

func (m *Multiplexer) removeStream(id uint16) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// HandleFrame dispatches one decoded stream-mux frame (content type 0x02)
// by frame type and stream ID.
func (m *Multiplexer) HandleFrame(ctx context.Context, frameType uint8, streamID uint16, payload []byte) error {
	switch frameType {
	case framecodec.StreamFrameOpen:
		return m.handleInboundOpen(ctx, streamID, payload)
	case framecodec.StreamFrameOpened:
		m.withStream(streamID, func(s *TcpStream) { s.handleOpened() })
		return nil
	case framecodec.StreamFrameData:
		m.withStream(streamID, func(s *TcpStream) { s.handleData(payload) })
		return nil
	case framecodec.StreamFrameClose:
		m.withStream(streamID, func(s *TcpStream) { s.handleClose() })
		m.removeStream(streamID)
		return nil
	case framecodec.StreamFrameError:
		m.withStream(streamID, func(s *TcpStream) { s.handleError(string(payload)) })
		m.removeStream(streamID)
		return nil
	default:
		return fmt.Errorf("%w: stream frame type 0x%02x", xerrors.ErrUnknownContentType, frameType)
	}
}

func (m *Multiplexer) withStream(id uint16, fn func(*TcpStream)) {
	m.mu.Lock()
	s, ok := m.streams[id]
	m.mu.Unlock()
	if ok {
		fn(s)
	}
}

func (m *Multiplexer) handleInboundOpen(ctx context.Context, streamID uint16, payload []byte) error {
	if len(payload) != 2 {
		return m.send(ctx, framecodec.StreamFrameError, streamID, []byte("malformed OPEN payload"))
	}
	port := binary.BigEndian.Uint16(payload)

	if m.onOpen == nil {
		return m.send(ctx, framecodec.StreamFrameError, streamID, []byte("stream acceptance not supported"))
	}

	stream := newStream(streamID, m.send)
	if err := m.onOpen(ctx, stream, port); err != nil {
		return m.send(ctx, framecodec.StreamFrameError, streamID, []byte(err.Error()))
	}

	m.mu.Lock()
	m.streams[streamID] = stream
	m.mu.Unlock()
	stream.handleOpened()
	return m.send(ctx, framecodec.StreamFrameOpened, streamID, nil)
}

// Stream returns the tracked stream for id, if any.
func (m *Multiplexer) Stream(id uint16) (*TcpStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// CloseAll force-closes every tracked stream without sending CLOSE frames,
// used when the underlying peer connection tears down.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	streams := make([]*TcpStream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint16]*TcpStream)
	m.mu.Unlock()

	for _, s := range streams {
		s.handleClose()
	}
}
