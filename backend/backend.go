// Package backend is the external driver collaborator SPEC_FULL.md §4.11/§6
// specifies: a raw-frame CQL client to the real backend cluster, providing
// execute_raw/on_complete-style asynchronous request/response matching over
// a pooled net.Conn, plus session connect and keyspace-scoped connect.
//
// Grounded on _examples/mevdschee-tqdbproxy/mariadb/mariadb.go's
// execBackendQuery/readBackendPacket/writeBackendPacket raw-socket
// request-response pattern (dial once, write the request, block a
// goroutine-local channel on the matching reply), adapted from MySQL's
// 4-byte length+sequence packet framing to CQL's 9-byte frame framing
// (package frame). Opcode/error constant naming is grounded in
// other_examples/dd24ecab_brandscreen-gocqldriver__gocql.go.go.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mevdschee/cqlproxy/codec"
	"github.com/mevdschee/cqlproxy/cqlproto"
	"github.com/mevdschee/cqlproxy/frame"
)

// RawResult is a raw reply frame delivered by the backend: its opcode plus
// the full body bytes. It replaces the C original's CassRawResult, which
// required explicit cass_raw_result_free; here it's a plain value reclaimed
// by the garbage collector once the caller is done with it (SPEC_FULL.md
// §9, "Callbacks vs. ownership").
type RawResult struct {
	Opcode cqlproto.Opcode
	Frame  []byte
}

// Driver constructs new backend sessions. A single Driver is shared across
// the whole proxy process.
type Driver interface {
	NewSession() Session
}

// Session is one logical connection (or connection pool) to the backend,
// scoped to a cluster and optionally a keyspace.
type Session interface {
	// Connect establishes the default (keyspace-less) session.
	Connect(ctx context.Context, cluster string) error
	// ConnectKeyspace establishes a session scoped to keyspace, issuing a
	// USE <keyspace> and waiting for its Set_Keyspace result. Any backend
	// ERROR reply to that USE (whatever its message) is returned as
	// ErrUnableToSetKeyspace, carrying the message, so callers can map it to
	// INVALID_QUERY per SPEC_FULL.md §4.7/§7.
	ConnectKeyspace(ctx context.Context, cluster, keyspace string) error
	// ExecuteRaw forwards body_bytes to the backend unchanged under opcode
	// and flags, and returns its raw reply.
	ExecuteRaw(ctx context.Context, opcode cqlproto.Opcode, flags uint8, body []byte) (*RawResult, error)
	// Close releases the underlying connection.
	Close() error
}

// ErrUnableToSetKeyspace is returned by ConnectKeyspace when the backend
// rejected the USE statement itself (as opposed to a connection-level
// failure), mapping to INVALID_QUERY rather than SERVER_ERROR.
type ErrUnableToSetKeyspace struct{ Message string }

func (e *ErrUnableToSetKeyspace) Error() string {
	return fmt.Sprintf("backend: unable to set keyspace: %s", e.Message)
}

// TCPDriver is the concrete Driver implementation: it dials addr for every
// new Session.
type TCPDriver struct {
	Addr string
}

// NewSession constructs an unconnected *RawConn.
func (d *TCPDriver) NewSession() Session {
	return &RawConn{addr: d.Addr}
}

// RawConn is a pooled net.Conn speaking the CQL frame format directly to the
// backend cluster. One RawConn backs one sessionregistry.Entry.
type RawConn struct {
	addr string
	conn net.Conn

	nextStream atomic.Int32

	mu      sync.Mutex
	pending map[int16]chan *RawResult
	closed  bool

	dec        *frame.Decoder
	curHeader  frame.Header
	curBody    bytes.Buffer
}

// Connect dials the backend, performs the STARTUP/READY handshake, and
// starts the background read loop.
func (c *RawConn) Connect(ctx context.Context, cluster string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("backend: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.pending = make(map[int16]chan *RawResult)
	c.dec = frame.NewDecoder(c.onHeader, c.onBodyChunk, c.onBodyDone)
	go c.readLoop()

	var startupBody bytes.Buffer
	codec.PutStringMultimap(&startupBody, map[string][]string{"CQL_VERSION": {"3.0.0"}}, []string{"CQL_VERSION"})
	result, err := c.ExecuteRaw(ctx, cqlproto.OpStartup, 0, startupBody.Bytes())
	if err != nil {
		return fmt.Errorf("backend: startup: %w", err)
	}
	if result.Opcode != cqlproto.OpReady {
		return fmt.Errorf("backend: startup: unexpected opcode %v", result.Opcode)
	}
	return nil
}

// ConnectKeyspace reuses Connect's handshake, then issues USE <keyspace>.
func (c *RawConn) ConnectKeyspace(ctx context.Context, cluster, keyspace string) error {
	if err := c.Connect(ctx, cluster); err != nil {
		return err
	}
	var body bytes.Buffer
	codec.PutLongString(&body, fmt.Sprintf("USE %s", keyspace))
	codec.PutUint16(&body, 0) // consistency level (not interpreted by this proxy)
	result, err := c.ExecuteRaw(ctx, cqlproto.OpQuery, 0, body.Bytes())
	if err != nil {
		return err
	}
	if result.Opcode == cqlproto.OpError {
		msg := errorMessage(result.Frame)
		return &ErrUnableToSetKeyspace{Message: msg}
	}
	return nil
}

// ExecuteRaw writes a frame with a fresh internal stream id and blocks until
// its matching reply arrives or ctx is cancelled.
func (c *RawConn) ExecuteRaw(ctx context.Context, opcode cqlproto.Opcode, flags uint8, body []byte) (*RawResult, error) {
	stream := int16(c.nextStream.Add(1) % 32000)
	ch := make(chan *RawResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("backend: connection closed")
	}
	c.pending[stream] = ch
	c.mu.Unlock()

	var hdr bytes.Buffer
	hdr.WriteByte(cqlproto.OutboundVersion)
	hdr.WriteByte(flags)
	codec.PutInt16(&hdr, stream)
	hdr.WriteByte(byte(opcode))
	codec.PutInt32(&hdr, int32(len(body)))

	if _, err := c.conn.Write(hdr.Bytes()); err != nil {
		return nil, fmt.Errorf("backend: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := c.conn.Write(body); err != nil {
			return nil, fmt.Errorf("backend: write body: %w", err)
		}
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, stream)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *RawConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *RawConn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if werr := c.dec.Write(buf[:n]); werr != nil {
				log.Printf("[backend] frame decode error: %v", werr)
				c.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *RawConn) onHeader(h frame.Header) {
	c.curHeader = h
	c.curBody.Reset()
}

func (c *RawConn) onBodyChunk(p []byte) {
	c.curBody.Write(p)
}

func (c *RawConn) onBodyDone() {
	res := &RawResult{Opcode: c.curHeader.Opcode, Frame: append([]byte(nil), c.curBody.Bytes()...)}
	c.mu.Lock()
	ch, ok := c.pending[c.curHeader.Stream]
	if ok {
		delete(c.pending, c.curHeader.Stream)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

// errorMessage decodes the [string] message field from an ERROR frame body
// (error code int32 + [string] message); ConnectKeyspace puts it into the
// ErrUnableToSetKeyspace it returns.
func errorMessage(body []byte) string {
	_, rest, err := codec.ReadInt32(body)
	if err != nil {
		return ""
	}
	msg, _, err := codec.ReadString(rest)
	if err != nil {
		return ""
	}
	return msg
}
