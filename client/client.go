// Package client implements the per-connection protocol state machine of
// SPEC_FULL.md §4.7: frame decode, opcode dispatch, the system.local/peers
// interception rule, prepared-statement handling, and USE suspension.
//
// Grounded on original_source/src/proxy.c's on_frame_done/do_query/
// do_prepare/do_execute/do_use_keyspace/process_queued (the single
// event-loop-thread dispatch this proxy generalizes to one goroutine per
// connection, per SPEC_FULL.md §9 "Scheduling model"), and
// _examples/mevdschee-tqdbproxy/mariadb/mariadb.go's clientConn/handshake/
// run/dispatch structure (adapted from MariaDB's 4-byte packet framing to
// CQL's 9-byte frame framing).
package client

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mevdschee/cqlproxy/backend"
	"github.com/mevdschee/cqlproxy/batch"
	"github.com/mevdschee/cqlproxy/codec"
	"github.com/mevdschee/cqlproxy/cqlproto"
	"github.com/mevdschee/cqlproxy/frame"
	"github.com/mevdschee/cqlproxy/lexer"
	"github.com/mevdschee/cqlproxy/metrics"
	"github.com/mevdschee/cqlproxy/parser"
	"github.com/mevdschee/cqlproxy/preparedcache"
	"github.com/mevdschee/cqlproxy/resultcache"
	"github.com/mevdschee/cqlproxy/sessionregistry"
	"github.com/mevdschee/cqlproxy/synth"
)

// recordQuery records a completed query's outcome and latency, per
// SPEC_FULL.md §4.13's "intercepted|forwarded|error" outcome classification.
func recordQuery(outcome string, start time.Time) {
	metrics.QueriesTotal.WithLabelValues(outcome).Inc()
	metrics.QueryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// maxQueuedRequests bounds the per-client request queue accumulated while a
// USE is pending (SPEC_FULL.md §4.7 "Request queueing during USE_PENDING").
const maxQueuedRequests = 64

// queuedFrame is one request copied aside while its client waits for a
// pending USE to resolve.
type queuedFrame struct {
	header frame.Header
	body   []byte
}

// Conn drives one accepted client connection end to end: frame decode,
// classification, local synthesis or backend forwarding, and response
// batching. One goroutine (Serve) owns the read side; backend completions
// and USE resolutions run on their own goroutines and reply concurrently,
// serialized onto the wire by writeMu.
type Conn struct {
	ID   uint64
	conn net.Conn
	ctx  context.Context

	registry      *sessionregistry.Registry
	preparedCache *preparedcache.Cache
	resultCache   *resultcache.Cache
	boot          synth.BootInfo

	dec             *frame.Decoder
	curHeader       frame.Header
	curBody         bytes.Buffer
	curHeaderBad    bool
	protocolErrored bool

	batcher *batch.Batcher
	writeMu sync.Mutex

	mu                 sync.Mutex
	keyspace           string
	useKeyspacePending bool
	queued             []queuedFrame
	gate               chan struct{}
}

// New constructs a Conn ready to Serve the given accepted connection.
func New(id uint64, conn net.Conn, ctx context.Context, registry *sessionregistry.Registry, preparedCache *preparedcache.Cache, resultCache *resultcache.Cache, boot synth.BootInfo) *Conn {
	c := &Conn{
		ID:            id,
		conn:          conn,
		ctx:           ctx,
		registry:      registry,
		preparedCache: preparedCache,
		resultCache:   resultCache,
		boot:          boot,
		batcher:       batch.NewBatcher(),
	}
	c.dec = frame.NewDecoder(c.onHeader, c.onBodyChunk, c.onBodyDone)
	return c
}

// Serve reads and dispatches frames until the connection closes or ctx is
// cancelled. It blocks on c.gate whenever a USE is pending, standing in for
// "stop reading from the TCP stream" (SPEC_FULL.md §4.7, §9 "Suspension
// points"). A panic while serving is recovered and logged, and the
// connection is closed.
func (c *Conn) Serve() {
	defer c.onClose()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[cqlproxy] conn %d: panic: %v", c.ID, r)
		}
	}()
	buf := make([]byte, 64*1024)
	for {
		c.mu.Lock()
		gate := c.gate
		c.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-c.ctx.Done():
				return
			}
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			if werr := c.dec.Write(buf[:n]); werr != nil {
				log.Printf("[cqlproxy] conn %d: %v", c.ID, werr)
				return
			}
			if c.protocolErrored {
				// Reply then close, per SPEC_FULL.md §7: a protocol-level
				// error (unsupported version) is not recoverable mid-stream.
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) onClose() {
	c.batcher.MarkClosing()
	c.conn.Close()
}

func (c *Conn) onHeader(h frame.Header) {
	c.curHeader = h
	c.curBody.Reset()
	c.curHeaderBad = h.Version < cqlproto.MinInboundVersion || h.Version > cqlproto.MaxInboundVersion
	if c.curHeaderBad {
		c.writeError(h.Stream, cqlproto.ErrProtocol, "Invalid or unsupported protocol version")
		c.protocolErrored = true
	}
}

func (c *Conn) onBodyChunk(p []byte) {
	c.curBody.Write(p)
}

func (c *Conn) onBodyDone() {
	if c.curHeaderBad {
		return
	}
	header := c.curHeader
	body := append([]byte(nil), c.curBody.Bytes()...)
	c.dispatch(header, body)
}

// dispatch routes a fully-decoded frame either straight to process, or, if
// a USE is currently pending on this client, into the bounded replay queue.
func (c *Conn) dispatch(header frame.Header, body []byte) {
	c.mu.Lock()
	if c.useKeyspacePending {
		if len(c.queued) >= maxQueuedRequests {
			c.mu.Unlock()
			c.writeError(header.Stream, cqlproto.ErrOverloaded, "Unable to handle request")
			return
		}
		c.queued = append(c.queued, queuedFrame{header: header, body: body})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.process(header, body)
}

func (c *Conn) process(header frame.Header, body []byte) {
	switch header.Opcode {
	case cqlproto.OpOptions:
		c.replyOptions(header.Stream)
	case cqlproto.OpStartup, cqlproto.OpRegister:
		c.reply(header.Stream, cqlproto.OpReady, nil)
	case cqlproto.OpQuery:
		c.handleQuery(header, body)
	case cqlproto.OpPrepare:
		c.handlePrepare(header, body)
	case cqlproto.OpExecute:
		c.handleExecute(header, body)
	default:
		c.writeError(header.Stream, cqlproto.ErrProtocol, "Unsupported operation")
	}
}

func (c *Conn) replyOptions(stream int16) {
	var body bytes.Buffer
	codec.PutStringMultimap(&body,
		map[string][]string{"CQL_VERSION": {"3.0.0"}, "COMPRESSION": {}},
		[]string{"CQL_VERSION", "COMPRESSION"})
	c.reply(stream, cqlproto.OpSupported, body.Bytes())
}

func (c *Conn) handleQuery(header frame.Header, body []byte) {
	start := time.Now()
	query, _, err := codec.ReadLongString(body)
	if err != nil {
		c.writeError(header.Stream, cqlproto.ErrProtocol, "Malformed query body")
		recordQuery("error", start)
		return
	}
	stmt, ok := parser.Parse(query)
	if !ok {
		c.forward(header, body, query, start)
		return
	}
	switch stmt.Type {
	case parser.StmtSelect:
		if !stmt.IsTable && c.currentKeyspace() != "system" {
			c.forward(header, body, query, start)
			return
		}
		c.replySelect(header.Stream, stmt, start)
	case parser.StmtUse:
		c.handleUse(header, stmt.Keyspace, start)
	}
}

func (c *Conn) handlePrepare(header frame.Header, body []byte) {
	start := time.Now()
	query, _, err := codec.ReadLongString(body)
	if err != nil {
		c.writeError(header.Stream, cqlproto.ErrProtocol, "Malformed prepare body")
		recordQuery("error", start)
		return
	}
	stmt, ok := parser.Parse(query)
	if !ok {
		c.forward(header, body, query, start)
		return
	}
	switch stmt.Type {
	case parser.StmtSelect:
		if !stmt.IsTable && c.currentKeyspace() != "system" {
			c.forward(header, body, query, start)
			return
		}
		if stmt.Table == parser.TablePeersV2 {
			c.writeError(header.Stream, cqlproto.ErrInvalidQuery, "Doesn't exist")
			recordQuery("error", start)
			return
		}
		entry := c.preparedCache.Insert(query, stmt)
		metrics.PreparedCacheSize.Set(float64(c.preparedCache.Len()))
		respBody, err := synth.BuildPrepared(entry.ID, stmt.Table, stmt.Exprs)
		if err != nil {
			c.writeError(header.Stream, cqlproto.ErrInvalidQuery, err.Error())
			recordQuery("error", start)
			return
		}
		c.reply(header.Stream, cqlproto.OpResult, respBody)
		recordQuery("intercepted", start)
	case parser.StmtUse:
		entry := c.preparedCache.Insert(query, stmt)
		metrics.PreparedCacheSize.Set(float64(c.preparedCache.Len()))
		c.reply(header.Stream, cqlproto.OpResult, synth.BuildPreparedUse(entry.ID))
		recordQuery("intercepted", start)
	}
}

func (c *Conn) handleExecute(header frame.Header, body []byte) {
	start := time.Now()
	idText, _, err := codec.ReadString(body)
	if err != nil {
		c.writeError(header.Stream, cqlproto.ErrProtocol, "Malformed execute body")
		recordQuery("error", start)
		return
	}
	entry := c.preparedCache.Lookup([]byte(idText))
	if entry == nil {
		c.forward(header, body, "", start)
		return
	}
	switch entry.Stmt.Type {
	case parser.StmtSelect:
		c.replySelect(header.Stream, entry.Stmt, start)
	case parser.StmtUse:
		c.handleUse(header, entry.Stmt.Keyspace, start)
	}
}

// replySelect synthesizes the RESULT/Rows body for an intercepted
// system.local/system.peers select, shared by QUERY and EXECUTE dispatch.
func (c *Conn) replySelect(stream int16, stmt parser.Statement, start time.Time) {
	if stmt.Table == parser.TablePeersV2 {
		c.writeError(stream, cqlproto.ErrInvalidQuery, "Doesn't exist")
		recordQuery("error", start)
		return
	}
	body, err := synth.BuildRows(stmt.Table, stmt.Exprs, c.boot)
	if err != nil {
		c.writeError(stream, cqlproto.ErrInvalidQuery, err.Error())
		recordQuery("error", start)
		return
	}
	c.reply(stream, cqlproto.OpResult, body)
	recordQuery("intercepted", start)
}

// handleUse implements SPEC_FULL.md §4.7's USE semantics: reject a second
// pending USE with OVERLOADED, reply immediately if the session is already
// connected, or suspend the read loop and connect asynchronously.
func (c *Conn) handleUse(header frame.Header, keyspace string, start time.Time) {
	c.mu.Lock()
	if c.useKeyspacePending {
		c.mu.Unlock()
		c.writeError(header.Stream, cqlproto.ErrOverloaded, "Use keyspace already in progress")
		recordQuery("error", start)
		return
	}

	entry := c.registry.Get(keyspace)
	if entry.Connected() {
		c.keyspace = keyspace
		c.mu.Unlock()
		c.writeSetKeyspace(header.Stream, keyspace)
		recordQuery("intercepted", start)
		return
	}

	c.keyspace = keyspace
	c.useKeyspacePending = true
	c.gate = make(chan struct{})
	c.mu.Unlock()
	metrics.UseKeyspacePending.Inc()

	done := make(chan error, 1)
	c.registry.ConnectAsync(c.ctx, entry, done)
	go c.awaitUseKeyspace(header.Stream, keyspace, done, start)
}

// awaitUseKeyspace blocks on the outcome of an in-flight keyspace connect,
// then replies, replays any requests queued while pending, and reopens the
// read loop — mirroring set_keyspace/set_keyspace_failed/process_queued.
func (c *Conn) awaitUseKeyspace(stream int16, keyspace string, done chan error, start time.Time) {
	err := <-done

	c.mu.Lock()
	c.useKeyspacePending = false
	queued := c.queued
	c.queued = nil
	gate := c.gate
	c.gate = nil
	if err != nil {
		c.keyspace = ""
	}
	c.mu.Unlock()
	metrics.UseKeyspacePending.Dec()

	if err != nil {
		code := cqlproto.ErrServer
		var uk *backend.ErrUnableToSetKeyspace
		if errors.As(err, &uk) {
			code = cqlproto.ErrInvalidQuery
		}
		c.writeError(stream, code, err.Error())
		recordQuery("error", start)
	} else {
		c.writeSetKeyspace(stream, keyspace)
		recordQuery("intercepted", start)
	}

	for _, qf := range queued {
		c.process(qf.header, qf.body)
	}

	close(gate)
}

// forward classifies opacity: when the parser could not recognize query at
// all (or recognized it but the EXECUTE-miss path has no text to classify
// with), the request is forwarded verbatim to the backend asynchronously so
// the read loop is never blocked on a backend round-trip.
func (c *Conn) forward(header frame.Header, body []byte, query string, start time.Time) {
	keyspace := c.currentKeyspace()
	cacheable := header.Opcode == cqlproto.OpQuery && query != "" && isSelectLexically(query)
	go c.forwardAsync(header, body, cacheable, keyspace, query, start)
}

func (c *Conn) forwardAsync(header frame.Header, body []byte, cacheable bool, keyspace, query string, start time.Time) {
	if cacheable {
		cached, ok, waited := c.resultCache.GetOrWait(keyspace, query)
		if waited {
			if ok {
				metrics.ResultCacheHits.Inc()
				c.reply(header.Stream, cqlproto.OpResult, cached)
				recordQuery("forwarded", start)
				return
			}
			// The flight we waited on was cancelled (its fetch failed); fall
			// through and fetch ourselves rather than give up.
		}
		metrics.ResultCacheMisses.Inc()
	}
	c.fetchAndReply(header, body, cacheable, keyspace, query, start)
}

func (c *Conn) fetchAndReply(header frame.Header, body []byte, cacheable bool, keyspace, query string, start time.Time) {
	entry := c.registry.Get(keyspace)
	sess := entry.Session()
	if sess == nil {
		if cacheable {
			c.resultCache.CancelInflight(keyspace, query)
		}
		c.writeError(header.Stream, cqlproto.ErrServer, "no backend session for keyspace")
		recordQuery("error", start)
		return
	}
	res, err := sess.ExecuteRaw(c.ctx, header.Opcode, header.Flags, body)
	if err != nil {
		if cacheable {
			c.resultCache.CancelInflight(keyspace, query)
		}
		c.writeError(header.Stream, cqlproto.ErrServer, err.Error())
		recordQuery("error", start)
		return
	}
	if cacheable {
		c.resultCache.SetAndNotify(keyspace, query, res.Frame)
	}
	c.reply(header.Stream, res.Opcode, res.Frame)
	recordQuery("forwarded", start)
}

func (c *Conn) currentKeyspace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyspace
}

// isSelectLexically reports whether query's first token lexes as SELECT —
// the narrow cacheability test of SPEC_FULL.md §4.14 for forwarded queries
// the parser couldn't otherwise classify.
func isSelectLexically(query string) bool {
	return lexer.New(query).Next() == lexer.SELECT
}

func (c *Conn) writeSetKeyspace(stream int16, keyspace string) {
	var body bytes.Buffer
	codec.PutInt32(&body, int32(cqlproto.ResultSetKeyspace))
	codec.PutString(&body, keyspace)
	c.reply(stream, cqlproto.OpResult, body.Bytes())
}

func (c *Conn) writeError(stream int16, code cqlproto.ErrorCode, message string) {
	var body bytes.Buffer
	codec.PutInt32(&body, int32(code))
	codec.PutString(&body, message)
	c.reply(stream, cqlproto.OpError, body.Bytes())
}

// reply appends one (header, body) pair to the batcher and flushes it to the
// wire immediately, serialized against concurrent repliers (backend
// completions, USE resolutions) by writeMu.
func (c *Conn) reply(stream int16, opcode cqlproto.Opcode, body []byte) {
	var hdr [cqlproto.FrameHeaderSize]byte
	hdr[0] = cqlproto.OutboundVersion
	hdr[1] = 0
	hdr[2] = byte(uint16(stream) >> 8)
	hdr[3] = byte(uint16(stream))
	hdr[4] = byte(opcode)
	l := uint32(len(body))
	hdr[5] = byte(l >> 24)
	hdr[6] = byte(l >> 16)
	hdr[7] = byte(l >> 8)
	hdr[8] = byte(l)

	if !c.batcher.Write(hdr, body) {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.batcher.Flush(c.conn); err != nil {
		log.Printf("[cqlproxy] conn %d: write error: %v", c.ID, err)
		c.batcher.MarkClosing()
	}
}
