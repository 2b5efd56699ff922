// Package frame reassembles length-prefixed CQL protocol frames from an
// arbitrary, possibly fragmented, TCP byte stream. It is a direct
// translation of original_source/src/serde.h's decode_frames state machine
// (VERSION -> FLAGS -> STREAM -> OPCODE -> LENGTH -> BODY) into a Go
// Decoder type whose three callbacks mirror the C version's header_cb/
// body_cb/done_cb.
package frame

import (
	"fmt"

	"github.com/mevdschee/cqlproxy/cqlproto"
)

type state int

const (
	stateVersion state = iota
	stateFlags
	stateStream
	stateOpcode
	stateLength
	stateBody
)

// Header is the fixed nine-byte frame header.
type Header struct {
	Version uint8
	Flags   uint8
	Stream  int16
	Opcode  cqlproto.Opcode
	Length  int32
}

// Decoder is a byte-stream state machine. Feed it arbitrarily-sized chunks
// via Write; it invokes OnHeader once the header is known (before any body
// bytes are delivered), OnBodyChunk zero or more times as body bytes arrive,
// and OnBodyDone once the full body has been delivered, immediately
// resetting to accept the next frame.
//
// A Decoder is not safe for concurrent use; each client connection owns one.
type Decoder struct {
	OnHeader   func(Header)
	OnBodyChunk func([]byte)
	OnBodyDone func()

	st        state
	hdr       Header
	remaining int32
	buf       [4]byte
	bufLen    int
}

// NewDecoder constructs a Decoder with the given callbacks. Any of them may
// be nil if the caller doesn't care about that event.
func NewDecoder(onHeader func(Header), onBodyChunk func([]byte), onBodyDone func()) *Decoder {
	return &Decoder{OnHeader: onHeader, OnBodyChunk: onBodyChunk, OnBodyDone: onBodyDone}
}

// reset returns the decoder to its initial state, ready for the next frame.
func (d *Decoder) reset() {
	d.st = stateVersion
	d.hdr = Header{}
	d.remaining = 0
	d.bufLen = 0
}

// Write feeds len(p) more bytes of the stream into the decoder. It never
// returns an error for malformed version/opcode bytes — those are left to
// the caller to validate from the delivered Header; Write only returns an
// error when the declared body-length is negative or exceeds
// cqlproto.MaxBodyLength, since
// at that point the stream can no longer be framed at all and the caller
// must close the connection (this is the ">8MiB => PROTOCOL_ERROR, not
// dispatched" testable property).
func (d *Decoder) Write(p []byte) error {
	for len(p) > 0 {
		switch d.st {
		case stateVersion:
			d.hdr.Version = p[0]
			p = p[1:]
			d.st = stateFlags
		case stateFlags:
			d.hdr.Flags = p[0]
			p = p[1:]
			d.st = stateStream
		case stateStream:
			n := copy(d.buf[d.bufLen:2], p)
			d.bufLen += n
			p = p[n:]
			if d.bufLen == 2 {
				d.hdr.Stream = int16(uint16(d.buf[0])<<8 | uint16(d.buf[1]))
				d.bufLen = 0
				d.st = stateOpcode
			}
		case stateOpcode:
			d.hdr.Opcode = cqlproto.Opcode(p[0])
			p = p[1:]
			d.st = stateLength
		case stateLength:
			n := copy(d.buf[d.bufLen:4], p)
			d.bufLen += n
			p = p[n:]
			if d.bufLen == 4 {
				length := int32(uint32(d.buf[0])<<24 | uint32(d.buf[1])<<16 | uint32(d.buf[2])<<8 | uint32(d.buf[3]))
				d.bufLen = 0
				if length < 0 || length > cqlproto.MaxBodyLength {
					d.reset()
					return fmt.Errorf("frame: body length %d exceeds maximum %d", length, cqlproto.MaxBodyLength)
				}
				d.hdr.Length = length
				d.remaining = length
				if d.OnHeader != nil {
					d.OnHeader(d.hdr)
				}
				if d.remaining == 0 {
					if d.OnBodyDone != nil {
						d.OnBodyDone()
					}
					d.reset()
				} else {
					d.st = stateBody
				}
			}
		case stateBody:
			take := len(p)
			if int32(take) > d.remaining {
				take = int(d.remaining)
			}
			if take > 0 && d.OnBodyChunk != nil {
				d.OnBodyChunk(p[:take])
			}
			d.remaining -= int32(take)
			p = p[take:]
			if d.remaining == 0 {
				if d.OnBodyDone != nil {
					d.OnBodyDone()
				}
				d.reset()
			}
		}
	}
	return nil
}
