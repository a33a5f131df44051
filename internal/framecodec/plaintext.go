package framecodec

import (
	"encoding/binary"
	"fmt"
)

// EncodeControl builds a ContentTypeControl plaintext: the byte followed
// by a UTF-8 JSON document, handed through verbatim.
func EncodeControl(json []byte) []byte {
	buf := make([]byte, 1+len(json))
	buf[0] = byte(ContentTypeControl)
	copy(buf[1:], json)
	return buf
}

// EncodePTY builds a ContentTypePTY plaintext:
// [0x01][flags:1][sub_id_len:1][sub_id][payload].
func EncodePTY(flags uint8, subID string, payload []byte) ([]byte, error) {
	if len(subID) > 0xFF {
		return nil, fmt.Errorf("framecodec: sub_id too long for PTY frame: %d bytes", len(subID))
	}
	buf := make([]byte, 1+1+1+len(subID)+len(payload))
	buf[0] = byte(ContentTypePTY)
	buf[1] = flags
	buf[2] = byte(len(subID))
	n := copy(buf[3:], subID)
	copy(buf[3+n:], payload)
	return buf, nil
}

// DecodePTY parses a ContentTypePTY plaintext body (bytes after byte 0).
func DecodePTY(body []byte) (flags uint8, subID string, payload []byte, err error) {
	if len(body) < 2 {
		return 0, "", nil, fmt.Errorf("framecodec: PTY body too short")
	}
	flags = body[0]
	subIDLen := int(body[1])
	if len(body) < 2+subIDLen {
		return 0, "", nil, fmt.Errorf("framecodec: PTY body truncated sub_id")
	}
	subID = string(body[2 : 2+subIDLen])
	payload = body[2+subIDLen:]
	return flags, subID, payload, nil
}

// EncodeStreamFrame builds a ContentTypeStreamMux plaintext:
// [0x02][frame_type:1][stream_id:2 big-endian][payload].
func EncodeStreamFrame(frameType uint8, streamID uint16, payload []byte) []byte {
	buf := make([]byte, 1+1+2+len(payload))
	buf[0] = byte(ContentTypeStreamMux)
	buf[1] = frameType
	binary.BigEndian.PutUint16(buf[2:4], streamID)
	copy(buf[4:], payload)
	return buf
}

// DecodeStreamFrame parses a ContentTypeStreamMux plaintext body.
func DecodeStreamFrame(body []byte) (frameType uint8, streamID uint16, payload []byte, err error) {
	if len(body) < 3 {
		return 0, 0, nil, fmt.Errorf("framecodec: stream frame body too short")
	}
	frameType = body[0]
	streamID = binary.BigEndian.Uint16(body[1:3])
	payload = body[3:]
	return frameType, streamID, payload, nil
}

// EncodeFile builds an atomic ContentTypeFile plaintext:
// [0x03][sub_id_len:1][sub_id][filename_len:2 little-endian][filename][bytes].
func EncodeFile(subID, filename string, data []byte) ([]byte, error) {
	if len(subID) > 0xFF {
		return nil, fmt.Errorf("framecodec: sub_id too long for file frame: %d bytes", len(subID))
	}
	if len(filename) > 0xFFFF {
		return nil, fmt.Errorf("framecodec: filename too long for file frame: %d bytes", len(filename))
	}
	header := fileHeader(subID, filename)
	buf := make([]byte, 1+len(header)+len(data))
	buf[0] = byte(ContentTypeFile)
	n := copy(buf[1:], header)
	copy(buf[1+n:], data)
	return buf, nil
}

// fileHeader builds the [sub_id_len][sub_id][filename_len][filename]
// prefix shared by atomic file frames and the first chunk of a chunked
// transfer.
func fileHeader(subID, filename string) []byte {
	buf := make([]byte, 1+len(subID)+2+len(filename))
	buf[0] = byte(len(subID))
	n := copy(buf[1:], subID)
	binary.LittleEndian.PutUint16(buf[1+n:], uint16(len(filename)))
	copy(buf[1+n+2:], filename)
	return buf
}

// DecodeFile parses an atomic ContentTypeFile plaintext body.
func DecodeFile(body []byte) (subID, filename string, data []byte, err error) {
	if len(body) < 1 {
		return "", "", nil, fmt.Errorf("framecodec: file body too short")
	}
	subIDLen := int(body[0])
	if len(body) < 1+subIDLen+2 {
		return "", "", nil, fmt.Errorf("framecodec: file body truncated sub_id")
	}
	subID = string(body[1 : 1+subIDLen])
	off := 1 + subIDLen
	filenameLen := int(binary.LittleEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+filenameLen {
		return "", "", nil, fmt.Errorf("framecodec: file body truncated filename")
	}
	filename = string(body[off : off+filenameLen])
	data = body[off+filenameLen:]
	return subID, filename, data, nil
}

// EncodeFileChunk builds a ContentTypeFileChunk plaintext:
// [0x04][transfer_id:1][flags:1][payload].
func EncodeFileChunk(transferID uint8, flags uint8, payload []byte) []byte {
	buf := make([]byte, 1+1+1+len(payload))
	buf[0] = byte(ContentTypeFileChunk)
	buf[1] = transferID
	buf[2] = flags
	copy(buf[3:], payload)
	return buf
}

// DecodeFileChunk parses a ContentTypeFileChunk plaintext body.
func DecodeFileChunk(body []byte) (transferID uint8, flags uint8, payload []byte, err error) {
	if len(body) < 2 {
		return 0, 0, nil, fmt.Errorf("framecodec: file chunk body too short")
	}
	transferID = body[0]
	flags = body[1]
	payload = body[2:]
	return transferID, flags, payload, nil
}
