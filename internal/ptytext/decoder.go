// Package ptytext decodes PTY output byte streams into valid UTF-8 text
// even when a multi-byte rune is split across two DataChannel frames, so
// callers never see a dangling replacement character at a frame boundary.
package ptytext

import (
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Decoder buffers an incomplete trailing UTF-8 sequence between calls to
// Feed, emitting only fully-decoded text each time.
type Decoder struct {
	pending []byte
}

// NewDecoder builds an empty Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends chunk to any carried-over partial rune and returns the
// longest valid UTF-8 prefix. Any incomplete trailing sequence is held
// back for the next call. Invalid (non-UTF-8) bytes are passed through
// unmodified rather than replaced, since PTY output is not guaranteed to
// be UTF-8 in the first place (raw binary escape sequences, etc.).
func (d *Decoder) Feed(chunk []byte) []byte {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(append([]byte(nil), d.pending...), chunk...)
		d.pending = nil
	}

	n := len(buf)
	cut := n
	for tail := 1; tail < utf8.UTFMax && tail <= n; tail++ {
		start := n - tail
		if utf8.RuneStart(buf[start]) {
			if !utf8.FullRune(buf[start:]) {
				cut = start
			}
			break
		}
	}

	d.pending = append(d.pending, buf[cut:]...)

	// Normalize to NFC: agents on different platforms may emit combining
	// marks decomposed (e.g. an accented letter as base+combining-accent),
	// which renders identically but compares and measures differently.
	return norm.NFC.Bytes(buf[:cut])
}

// Flush returns and discards any carried-over incomplete sequence,
// called when the PTY session itself is closing and no more bytes are
// coming.
func (d *Decoder) Flush() []byte {
	out := d.pending
	d.pending = nil
	return out
}
