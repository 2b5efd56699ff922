// Package codec implements the primitive encode/decode helpers for the CQL
// native protocol body types this proxy touches: fixed-width integers,
// [string], [long string], [bytes], [string list]/[string multimap] (used
// for SUPPORTED bodies), the "collection" size prefix, UUIDs, and inet
// addresses.
//
// Decode helpers follow the same "value, rest, error" shape as
// mariadb/protocol.go's ReadLengthEncodedInt/String helpers in the teacher
// repo: each Read* consumes a prefix of buf and returns what's left so
// callers can chain them without tracking an offset by hand.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// ErrTruncated is returned whenever a Read* call needs more bytes than buf
// contains. It is a contract violation from the frame decoder's point of
// view (the frame is already fully buffered by the time a codec function
// runs), so callers normally turn it into a SERVER_ERROR reply and log it.
var ErrTruncated = errors.New("codec: truncated buffer")

// PutInt8 appends a signed 8-bit integer.
func PutInt8(w *bytes.Buffer, v int8) {
	w.WriteByte(byte(v))
}

// ReadInt8 reads a signed 8-bit integer.
func ReadInt8(buf []byte) (int8, []byte, error) {
	if len(buf) < 1 {
		return 0, buf, ErrTruncated
	}
	return int8(buf[0]), buf[1:], nil
}

// PutUint16 appends an unsigned big-endian 16-bit integer.
func PutUint16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

// ReadUint16 reads an unsigned big-endian 16-bit integer.
func ReadUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, buf, ErrTruncated
	}
	return binary.BigEndian.Uint16(buf[:2]), buf[2:], nil
}

// PutInt16 appends a signed big-endian 16-bit integer (used for stream ids).
func PutInt16(w *bytes.Buffer, v int16) {
	PutUint16(w, uint16(v))
}

// ReadInt16 reads a signed big-endian 16-bit integer.
func ReadInt16(buf []byte) (int16, []byte, error) {
	v, rest, err := ReadUint16(buf)
	return int16(v), rest, err
}

// PutInt32 appends a signed big-endian 32-bit integer.
func PutInt32(w *bytes.Buffer, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.Write(b[:])
}

// ReadInt32 reads a signed big-endian 32-bit integer.
func ReadInt32(buf []byte) (int32, []byte, error) {
	if len(buf) < 4 {
		return 0, buf, ErrTruncated
	}
	return int32(binary.BigEndian.Uint32(buf[:4])), buf[4:], nil
}

// PutString appends a [string]: uint16 length prefix + UTF-8 bytes.
func PutString(w *bytes.Buffer, s string) {
	PutUint16(w, uint16(len(s)))
	w.WriteString(s)
}

// ReadString reads a [string].
func ReadString(buf []byte) (string, []byte, error) {
	n, rest, err := ReadUint16(buf)
	if err != nil {
		return "", buf, err
	}
	if len(rest) < int(n) {
		return "", buf, ErrTruncated
	}
	return string(rest[:n]), rest[n:], nil
}

// PutLongString appends a [long string]: int32 length prefix + UTF-8 bytes.
func PutLongString(w *bytes.Buffer, s string) {
	PutInt32(w, int32(len(s)))
	w.WriteString(s)
}

// ReadLongString reads a [long string].
func ReadLongString(buf []byte) (string, []byte, error) {
	n, rest, err := ReadInt32(buf)
	if err != nil {
		return "", buf, err
	}
	if n < 0 || len(rest) < int(n) {
		return "", buf, ErrTruncated
	}
	return string(rest[:n]), rest[n:], nil
}

// PutBytes appends a [bytes]: int32 length prefix (-1 = null) + raw bytes.
func PutBytes(w *bytes.Buffer, b []byte) {
	if b == nil {
		PutInt32(w, -1)
		return
	}
	PutInt32(w, int32(len(b)))
	w.Write(b)
}

// ReadBytes reads a [bytes]; a nil return with no error means the value was
// null (length -1).
func ReadBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := ReadInt32(buf)
	if err != nil {
		return nil, buf, err
	}
	if n < 0 {
		return nil, rest, nil
	}
	if len(rest) < int(n) {
		return nil, buf, ErrTruncated
	}
	return rest[:n], rest[n:], nil
}

// PutStringList appends a [string list]: uint16 count + count × [string].
// Used for the SUPPORTED body's CQL_VERSION/COMPRESSION entries.
func PutStringList(w *bytes.Buffer, items []string) {
	PutUint16(w, uint16(len(items)))
	for _, it := range items {
		PutString(w, it)
	}
}

// PutStringMultimap appends a [string multimap] of uint16 count + count ×
// ([string] key, [string list] value) — the shape OPTIONS/SUPPORTED use.
func PutStringMultimap(w *bytes.Buffer, m map[string][]string, order []string) {
	PutUint16(w, uint16(len(order)))
	for _, k := range order {
		PutString(w, k)
		PutStringList(w, m[k])
	}
}

// PutCollectionSize appends the int32 total-byte-size + int32 count prefix
// used ahead of a "collection" value (count × [long string] elements), per
// the body-type the distilled spec calls "collection".
func PutCollectionSize(w *bytes.Buffer, totalSize, count int32) {
	PutInt32(w, totalSize)
	PutInt32(w, count)
}

// PutUUID appends a UUID as 16 raw bytes.
func PutUUID(w *bytes.Buffer, id uuid.UUID) {
	w.Write(id[:])
}

// ReadUUID reads 16 raw bytes as a UUID.
func ReadUUID(buf []byte) (uuid.UUID, []byte, error) {
	if len(buf) < 16 {
		return uuid.UUID{}, buf, ErrTruncated
	}
	var id uuid.UUID
	copy(id[:], buf[:16])
	return id, buf[16:], nil
}

// ParseUUID parses a textual UUID, accepting the 8-4-4-4-12 form with or
// without dashes. Unlike the original C source's uuid_value (which aborts
// the process on malformed input), malformed input here is a plain error.
func ParseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("codec: malformed uuid %q: %w", s, err)
	}
	return id, nil
}

// PutInet appends an inet value: the raw address bytes (4 for an IPv4
// address, 16 otherwise), selected from parsing the textual address. No
// length prefix is written; the enclosing [bytes] value carries the length.
func PutInet(w *bytes.Buffer, addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("codec: malformed inet address %q", addr)
	}
	if v4 := ip.To4(); v4 != nil {
		w.Write(v4)
		return nil
	}
	w.Write(ip.To16())
	return nil
}

// ReadInet reads an inet value, taking all of buf (which must be 4 or 16
// bytes) as the address, and renders it as text.
func ReadInet(buf []byte) (string, []byte, error) {
	n := len(buf)
	if n != 4 && n != 16 {
		return "", buf, fmt.Errorf("codec: invalid inet length %d", n)
	}
	ip := net.IP(buf[:n])
	return ip.String(), buf[n:], nil
}
