package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mevdschee/cqlproxy/backend"
	"github.com/mevdschee/cqlproxy/codec"
	"github.com/mevdschee/cqlproxy/cqlproto"
	"github.com/mevdschee/cqlproxy/frame"
	"github.com/mevdschee/cqlproxy/metrics"
	"github.com/mevdschee/cqlproxy/preparedcache"
	"github.com/mevdschee/cqlproxy/resultcache"
	"github.com/mevdschee/cqlproxy/sessionregistry"
	"github.com/mevdschee/cqlproxy/synth"
)

// fakeSession is a minimal backend.Session whose ExecuteRaw returns a fixed
// reply, for exercising the forwarding path without a real backend.
type fakeSession struct {
	failKeyspace string
	delay        time.Duration
	reply        *backend.RawResult
	replyErr     error
}

func (s *fakeSession) Connect(ctx context.Context, cluster string) error { return nil }

func (s *fakeSession) ConnectKeyspace(ctx context.Context, cluster, keyspace string) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if keyspace == s.failKeyspace {
		return &backend.ErrUnableToSetKeyspace{Message: "no such keyspace"}
	}
	return nil
}

func (s *fakeSession) ExecuteRaw(ctx context.Context, opcode cqlproto.Opcode, flags uint8, body []byte) (*backend.RawResult, error) {
	if s.replyErr != nil {
		return nil, s.replyErr
	}
	return s.reply, nil
}

func (s *fakeSession) Close() error { return nil }

type fakeDriver struct {
	failKeyspace string
	delay        time.Duration
	reply        *backend.RawResult
	replyErr     error
}

func (d *fakeDriver) NewSession() backend.Session {
	return &fakeSession{failKeyspace: d.failKeyspace, delay: d.delay, reply: d.reply, replyErr: d.replyErr}
}

var boot = synth.BootInfo{ReleaseVersion: "4.0.0", Partitioner: "org.apache.cassandra.dht.Murmur3Partitioner"}

// testHarness wires a Conn to one end of a net.Pipe and leaves the other end
// for the test to act as the client.
type testHarness struct {
	t        *testing.T
	client   net.Conn
	conn     *Conn
	registry *sessionregistry.Registry
	prepared *preparedcache.Cache
	results  *resultcache.Cache
}

func newHarness(t *testing.T, driver backend.Driver) *testHarness {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry, err := sessionregistry.New(ctx, driver, "test-cluster")
	if err != nil {
		t.Fatalf("sessionregistry.New: %v", err)
	}
	prepared := preparedcache.New()
	results, err := resultcache.New(resultcache.DefaultConfig())
	if err != nil {
		t.Fatalf("resultcache.New: %v", err)
	}

	conn := New(1, serverSide, ctx, registry, prepared, results, boot)
	go conn.Serve()
	t.Cleanup(func() { clientSide.Close() })

	return &testHarness{t: t, client: clientSide, conn: conn, registry: registry, prepared: prepared, results: results}
}

func encodeFrame(stream int16, opcode cqlproto.Opcode, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(cqlproto.MaxInboundVersion)
	buf.WriteByte(0)
	codec.PutInt16(&buf, stream)
	buf.WriteByte(byte(opcode))
	codec.PutInt32(&buf, int32(len(body)))
	buf.Write(body)
	return buf.Bytes()
}

// readFrame reads exactly one frame from conn, blocking until it arrives.
func readFrame(t *testing.T, conn net.Conn) (frame.Header, []byte) {
	t.Helper()
	var gotHeader frame.Header
	var gotBody []byte
	done := make(chan struct{})
	dec := frame.NewDecoder(
		func(h frame.Header) { gotHeader = h },
		func(p []byte) { gotBody = append(gotBody, p...) },
		func() { close(done) },
	)
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := dec.Write(buf[:n]); werr != nil {
				t.Fatalf("frame decode: %v", werr)
			}
		}
		select {
		case <-done:
			return gotHeader, gotBody
		default:
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestOptionsRepliesSupported(t *testing.T) {
	h := newHarness(t, &fakeDriver{})
	if _, err := h.client.Write(encodeFrame(1, cqlproto.OpOptions, nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	hdr, _ := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpSupported {
		t.Fatalf("got opcode %v, want OpSupported", hdr.Opcode)
	}
	if hdr.Stream != 1 {
		t.Fatalf("got stream %d, want 1", hdr.Stream)
	}
}

func TestStartupRepliesReady(t *testing.T) {
	h := newHarness(t, &fakeDriver{})
	var body bytes.Buffer
	codec.PutStringMultimap(&body, map[string][]string{"CQL_VERSION": {"3.0.0"}}, []string{"CQL_VERSION"})
	h.client.Write(encodeFrame(2, cqlproto.OpStartup, body.Bytes()))
	hdr, _ := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpReady {
		t.Fatalf("got opcode %v, want OpReady", hdr.Opcode)
	}
}

func TestQuerySystemLocalSynthesizesRows(t *testing.T) {
	h := newHarness(t, &fakeDriver{})
	var body bytes.Buffer
	codec.PutLongString(&body, "SELECT * FROM system.local")
	codec.PutUint16(&body, 0)
	h.client.Write(encodeFrame(3, cqlproto.OpQuery, body.Bytes()))
	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpResult {
		t.Fatalf("got opcode %v, want OpResult", hdr.Opcode)
	}
	kind, _, err := codec.ReadInt32(respBody)
	if err != nil || cqlproto.ResultKind(kind) != cqlproto.ResultRows {
		t.Fatalf("got kind %d err %v, want ResultRows", kind, err)
	}
}

func TestQueryPeersV2IsRejected(t *testing.T) {
	h := newHarness(t, &fakeDriver{})
	var body bytes.Buffer
	codec.PutLongString(&body, "SELECT * FROM system.peers_v2")
	codec.PutUint16(&body, 0)
	h.client.Write(encodeFrame(4, cqlproto.OpQuery, body.Bytes()))
	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpError {
		t.Fatalf("got opcode %v, want OpError", hdr.Opcode)
	}
	code, _, _ := codec.ReadInt32(respBody)
	if cqlproto.ErrorCode(code) != cqlproto.ErrInvalidQuery {
		t.Fatalf("got error code %x, want InvalidQuery", code)
	}
}

func TestQueryUnrecognizedForwardsToBackend(t *testing.T) {
	canned := &backend.RawResult{Opcode: cqlproto.OpResult, Frame: []byte("canned-reply")}
	h := newHarness(t, &fakeDriver{reply: canned})
	var body bytes.Buffer
	codec.PutLongString(&body, "SELECT * FROM app.widgets")
	codec.PutUint16(&body, 0)
	h.client.Write(encodeFrame(5, cqlproto.OpQuery, body.Bytes()))
	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpResult {
		t.Fatalf("got opcode %v, want OpResult", hdr.Opcode)
	}
	if string(respBody) != "canned-reply" {
		t.Fatalf("got body %q, want %q", respBody, "canned-reply")
	}
}

func TestUseNewKeyspaceConnectsAndReplies(t *testing.T) {
	h := newHarness(t, &fakeDriver{})
	var body bytes.Buffer
	codec.PutLongString(&body, "USE myks")
	codec.PutUint16(&body, 0)
	h.client.Write(encodeFrame(6, cqlproto.OpQuery, body.Bytes()))
	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpResult {
		t.Fatalf("got opcode %v, want OpResult", hdr.Opcode)
	}
	kind, rest, _ := codec.ReadInt32(respBody)
	if cqlproto.ResultKind(kind) != cqlproto.ResultSetKeyspace {
		t.Fatalf("got kind %d, want SetKeyspace", kind)
	}
	ks, _, _ := codec.ReadString(rest)
	if ks != "myks" {
		t.Fatalf("got keyspace %q, want %q", ks, "myks")
	}
}

func TestUseUnreachableKeyspaceRepliesInvalidQuery(t *testing.T) {
	h := newHarness(t, &fakeDriver{failKeyspace: "badks"})
	var body bytes.Buffer
	codec.PutLongString(&body, "USE badks")
	codec.PutUint16(&body, 0)
	h.client.Write(encodeFrame(7, cqlproto.OpQuery, body.Bytes()))
	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpError {
		t.Fatalf("got opcode %v, want OpError", hdr.Opcode)
	}
	code, _, _ := codec.ReadInt32(respBody)
	if cqlproto.ErrorCode(code) != cqlproto.ErrInvalidQuery {
		t.Fatalf("got error code %x, want InvalidQuery", code)
	}
}

func TestDoublePendingUseIsOverloaded(t *testing.T) {
	// An artificial connect delay keeps useKeyspacePending true for the
	// whole test, so the second USE deterministically finds it pending
	// rather than racing a near-instant resolution.
	h := newHarness(t, &fakeDriver{delay: 50 * time.Millisecond})
	var body1 bytes.Buffer
	codec.PutLongString(&body1, "USE firstks")
	codec.PutUint16(&body1, 0)
	h.client.Write(encodeFrame(8, cqlproto.OpQuery, body1.Bytes()))

	time.Sleep(5 * time.Millisecond)
	h.conn.mu.Lock()
	pending := h.conn.useKeyspacePending
	h.conn.mu.Unlock()
	if !pending {
		t.Fatal("expected useKeyspacePending to still be true under the artificial connect delay")
	}

	var body2 bytes.Buffer
	codec.PutLongString(&body2, "USE secondks")
	codec.PutUint16(&body2, 0)
	h.client.Write(encodeFrame(9, cqlproto.OpQuery, body2.Bytes()))

	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpError || hdr.Stream != 9 {
		t.Fatalf("got opcode %v stream %d, want OpError on stream 9", hdr.Opcode, hdr.Stream)
	}
	code, _, _ := codec.ReadInt32(respBody)
	if cqlproto.ErrorCode(code) != cqlproto.ErrOverloaded {
		t.Fatalf("got error code %x, want Overloaded", code)
	}
}

func TestPrepareAndExecuteSystemLocal(t *testing.T) {
	h := newHarness(t, &fakeDriver{})
	var pbody bytes.Buffer
	codec.PutLongString(&pbody, "SELECT * FROM system.local")
	h.client.Write(encodeFrame(10, cqlproto.OpPrepare, pbody.Bytes()))

	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpResult {
		t.Fatalf("got opcode %v, want OpResult", hdr.Opcode)
	}
	kind, rest, _ := codec.ReadInt32(respBody)
	if cqlproto.ResultKind(kind) != cqlproto.ResultPrepared {
		t.Fatalf("got kind %d, want Prepared", kind)
	}
	id, _, err := codec.ReadString(rest)
	if err != nil || len(id) != 16 {
		t.Fatalf("got id %q (len %d), err %v", id, len(id), err)
	}

	var ebody bytes.Buffer
	codec.PutString(&ebody, id)
	h.client.Write(encodeFrame(11, cqlproto.OpExecute, ebody.Bytes()))

	hdr, respBody = readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpResult {
		t.Fatalf("got opcode %v, want OpResult", hdr.Opcode)
	}
	rkind, _, _ := codec.ReadInt32(respBody)
	if cqlproto.ResultKind(rkind) != cqlproto.ResultRows {
		t.Fatalf("got kind %d, want Rows", rkind)
	}
}

func TestExecuteUnknownIDForwardsRaw(t *testing.T) {
	canned := &backend.RawResult{Opcode: cqlproto.OpResult, Frame: []byte("forwarded-execute")}
	h := newHarness(t, &fakeDriver{reply: canned})
	var ebody bytes.Buffer
	codec.PutString(&ebody, "0123456789abcdef")
	h.client.Write(encodeFrame(12, cqlproto.OpExecute, ebody.Bytes()))
	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpResult {
		t.Fatalf("got opcode %v, want OpResult", hdr.Opcode)
	}
	if string(respBody) != "forwarded-execute" {
		t.Fatalf("got body %q, want forwarded reply", respBody)
	}
}

func TestUnsupportedOpcodeIsProtocolError(t *testing.T) {
	h := newHarness(t, &fakeDriver{})
	h.client.Write(encodeFrame(13, cqlproto.OpEvent, nil))
	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpError {
		t.Fatalf("got opcode %v, want OpError", hdr.Opcode)
	}
	code, _, _ := codec.ReadInt32(respBody)
	if cqlproto.ErrorCode(code) != cqlproto.ErrProtocol {
		t.Fatalf("got error code %x, want Protocol", code)
	}
}

func TestBadProtocolVersionRepliesThenCloses(t *testing.T) {
	h := newHarness(t, &fakeDriver{})

	var buf bytes.Buffer
	buf.WriteByte(cqlproto.MaxInboundVersion + 1) // unsupported version
	buf.WriteByte(0)
	codec.PutInt16(&buf, 15)
	buf.WriteByte(byte(cqlproto.OpOptions))
	codec.PutInt32(&buf, 0)
	h.client.Write(buf.Bytes())

	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpError {
		t.Fatalf("got opcode %v, want OpError", hdr.Opcode)
	}
	code, _, _ := codec.ReadInt32(respBody)
	if cqlproto.ErrorCode(code) != cqlproto.ErrProtocol {
		t.Fatalf("got error code %x, want Protocol", code)
	}

	// The connection should be closed after the error reply, not left open
	// for further frames.
	deadline := time.Now().Add(2 * time.Second)
	h.client.SetReadDeadline(deadline)
	n, err := h.client.Read(make([]byte, 1))
	if err == nil && n > 0 {
		t.Fatalf("expected connection to close, got %d more bytes", n)
	}
	if err == nil {
		t.Fatal("expected read error once connection closes")
	}
}

func TestBackendErrorIsReportedAsServerError(t *testing.T) {
	h := newHarness(t, &fakeDriver{replyErr: errors.New("backend unreachable")})
	var body bytes.Buffer
	codec.PutLongString(&body, "SELECT * FROM app.widgets")
	codec.PutUint16(&body, 0)
	h.client.Write(encodeFrame(14, cqlproto.OpQuery, body.Bytes()))
	hdr, respBody := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpError {
		t.Fatalf("got opcode %v, want OpError", hdr.Opcode)
	}
	code, _, _ := codec.ReadInt32(respBody)
	if cqlproto.ErrorCode(code) != cqlproto.ErrServer {
		t.Fatalf("got error code %x, want ServerError", code)
	}
}

// TestMetricsWiredAtDispatchSites confirms the per-outcome query counters are
// actually incremented by the dispatch paths, not just defined in the
// metrics package.
func TestMetricsWiredAtDispatchSites(t *testing.T) {
	before := testutil.ToFloat64(metrics.QueriesTotal.WithLabelValues("intercepted"))

	h := newHarness(t, &fakeDriver{})
	var body bytes.Buffer
	codec.PutLongString(&body, "SELECT * FROM system.local")
	codec.PutUint16(&body, 0)
	h.client.Write(encodeFrame(15, cqlproto.OpQuery, body.Bytes()))
	hdr, _ := readFrame(t, h.client)
	if hdr.Opcode != cqlproto.OpResult {
		t.Fatalf("got opcode %v, want OpResult", hdr.Opcode)
	}

	after := testutil.ToFloat64(metrics.QueriesTotal.WithLabelValues("intercepted"))
	if after != before+1 {
		t.Errorf("QueriesTotal{intercepted} = %v, want %v", after, before+1)
	}
}
