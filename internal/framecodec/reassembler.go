package framecodec

import "fmt"

// FileFrame is the synthesized result of either an atomic ContentTypeFile
// frame or a fully reassembled ContentTypeFileChunk sequence.
type FileFrame struct {
	SubID    string
	Filename string
	Data     []byte
}

// pendingTransfer is receive-side reassembly state for one in-flight
// chunked file transfer, keyed by transfer_id.
type pendingTransfer struct {
	buf       []byte
	completed bool
}

// Reassembler tracks in-flight chunked file transfers per peer. It is not
// safe for concurrent use; callers running on a single event loop (as the
// design assumes) need no locking.
type Reassembler struct {
	transfers map[uint8]*pendingTransfer
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{transfers: make(map[uint8]*pendingTransfer)}
}

// Feed processes one ContentTypeFileChunk plaintext body. It returns a
// non-nil *FileFrame once the final fragment (flags bit 0x02) has been
// consumed, at which point the transfer's state is discarded.
func (r *Reassembler) Feed(body []byte) (*FileFrame, error) {
	transferID, flags, payload, err := DecodeFileChunk(body)
	if err != nil {
		return nil, err
	}

	t, ok := r.transfers[transferID]
	if !ok {
		if flags&FileChunkFlagFirst == 0 {
			return nil, fmt.Errorf("framecodec: file chunk for unknown transfer_id %d without first-fragment flag", transferID)
		}
		t = &pendingTransfer{}
		r.transfers[transferID] = t
	}

	t.buf = append(t.buf, payload...)

	if flags&FileChunkFlagLast == 0 {
		return nil, nil
	}

	delete(r.transfers, transferID)

	subID, filename, data, err := DecodeFile(t.buf)
	if err != nil {
		return nil, fmt.Errorf("framecodec: reassembled file transfer %d malformed: %w", transferID, err)
	}
	return &FileFrame{SubID: subID, Filename: filename, Data: data}, nil
}

// Discard drops in-flight state, used on stream teardown.
func (r *Reassembler) Discard() {
	r.transfers = make(map[uint8]*pendingTransfer)
}
