package cas

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ysw505/go-cubrid/internal/caslog"
)

// readFrameRaw and writeFrameRaw give the fake broker side of these tests
// the same frame reassembly guarantees a real broker connection gets,
// without duplicating Session's own wire plumbing.
func readFrameRaw(conn net.Conn) ([casInfoSize]byte, []byte, error) {
	var assembler frameAssembler
	buf := make([]byte, 4096)
	for {
		info, body, total, ok := assembler.Frame()
		if ok {
			assembler.Consume(total)
			out := make([]byte, len(body))
			copy(out, body)
			return info, out, nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			assembler.Feed(buf[:n])
		}
		if err != nil {
			return [casInfoSize]byte{}, nil, err
		}
	}
}

func writeFrameRaw(conn net.Conn, casInfo [casInfoSize]byte, body []byte) error {
	_, err := conn.Write(encodeFrame(casInfo, body))
	return err
}

// connectTestSession drives a Session through a real handshake over a
// net.Pipe() pair standing in for the broker, then hands dataHandler every
// subsequent request on the same connection: it receives the function
// code and the body that follows it, and returns the response body to
// send back, or nil to stop serving (closing the connection).
func connectTestSession(t *testing.T, dataHandler func(fc byte, body []byte) []byte, opts ...Option) *Session {
	t.Helper()

	rendClient, rendServer := net.Pipe()
	loginClient, loginServer := net.Pipe()

	go func() {
		defer rendServer.Close()
		if _, _, err := readFrameRaw(rendServer); err != nil {
			return
		}
		w := newFrameWriter()
		w.WriteInt32(0)
		w.WriteInt32(54321)
		_ = writeFrameRaw(rendServer, defaultCASInfo, w.Bytes())
	}()

	go func() {
		defer loginServer.Close()
		if _, _, err := readFrameRaw(loginServer); err != nil {
			return
		}
		w := newFrameWriter()
		w.WriteInt32(0)
		w.WriteBytes([]byte{3, 0, 1, 0, 8, 0, 0, 0})
		w.WriteInt32(99)
		if err := writeFrameRaw(loginServer, defaultCASInfo, w.Bytes()); err != nil {
			return
		}

		for {
			_, body, err := readFrameRaw(loginServer)
			if err != nil || len(body) == 0 {
				return
			}
			resp := dataHandler(body[0], body[1:])
			if resp == nil {
				return
			}
			if err := writeFrameRaw(loginServer, defaultCASInfo, resp); err != nil {
				return
			}
		}
	}()

	conns := []net.Conn{rendClient, loginClient}
	var mu sync.Mutex
	idx := 0
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(conns) {
			return nil, fmt.Errorf("test dialer exhausted")
		}
		c := conns[idx]
		idx++
		return c, nil
	}

	s := NewSession(caslog.Nop{}, opts...)
	s.dial = dial
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func ackBody() []byte {
	w := newFrameWriter()
	w.WriteInt32(0)
	return w.Bytes()
}

func executeQueryResponseBody(handle, total int32, colName string, rowValue byte) []byte {
	w := newFrameWriter()
	w.WriteInt32(0)
	w.WriteInt32(handle)
	w.WriteInt32(total)
	w.WriteInt32(1)
	w.WriteByte(1)
	w.WriteCString(colName)
	w.WriteInt32(1)
	w.WriteInt32(0)
	w.WriteInt32(1)
	w.WriteBytes([]byte{rowValue})
	return w.Bytes()
}

func fetchResponseBody(rowValue byte) []byte {
	w := newFrameWriter()
	w.WriteInt32(0)
	w.WriteInt32(1)
	w.WriteInt32(0)
	w.WriteInt32(1)
	w.WriteBytes([]byte{rowValue})
	return w.Bytes()
}

func serverErrorBody(code int32, message string) []byte {
	w := newFrameWriter()
	w.WriteInt32(-1)
	w.WriteInt32(code)
	w.WriteCString(message)
	return w.Bytes()
}

func TestSessionQueryFetchCloseHappyPath(t *testing.T) {
	handler := func(fc byte, body []byte) []byte {
		switch functionCode(fc) {
		case fcExecuteQuery:
			return executeQueryResponseBody(1, 2, "id", 0x01)
		case fcFetch:
			return fetchResponseBody(0x02)
		case fcCloseQuery, fcCloseDatabase:
			return ackBody()
		default:
			return nil
		}
	}
	s := connectTestSession(t, handler)

	result, err := s.Query("select * from athlete")
	require.NoError(t, err)
	require.NotNil(t, result.Handle)
	assert.Equal(t, int32(2), result.TotalCount)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, []byte{0x01}, result.Rows[0].Values[0])

	fetched, err := s.Fetch(result.Handle.ID)
	require.NoError(t, err)
	require.False(t, fetched.EndOfStream)
	require.Len(t, fetched.Rows, 1)
	assert.Equal(t, []byte{0x02}, fetched.Rows[0].Values[0])

	require.NoError(t, s.CloseQuery(result.Handle.ID))
	require.NoError(t, s.Close())
	assert.Equal(t, stateClosed, s.currentState())
}

func TestSessionFetchEndOfStreamWithoutWireTraffic(t *testing.T) {
	calls := int32(0)
	handler := func(fc byte, body []byte) []byte {
		atomic.AddInt32(&calls, 1)
		switch functionCode(fc) {
		case fcExecuteQuery:
			return executeQueryResponseBody(1, 1, "id", 0x01)
		case fcCloseDatabase:
			return ackBody()
		default:
			return nil
		}
	}
	s := connectTestSession(t, handler)

	result, err := s.Query("select 1")
	require.NoError(t, err)
	require.True(t, result.Handle.Done())

	before := atomic.LoadInt32(&calls)
	fetched, err := s.Fetch(result.Handle.ID)
	require.NoError(t, err)
	assert.True(t, fetched.EndOfStream)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "fetch past the last page must not touch the wire")

	require.NoError(t, s.Close())
}

func TestSessionOverlappingQueryRejected(t *testing.T) {
	gate := make(chan struct{})
	handler := func(fc byte, body []byte) []byte {
		switch functionCode(fc) {
		case fcExecuteQuery:
			<-gate
			return executeQueryResponseBody(1, 0, "id", 0x00)
		case fcCloseDatabase:
			return ackBody()
		default:
			return nil
		}
	}
	s := connectTestSession(t, handler)

	go func() { _, _ = s.Query("select pg_sleep(1)") }()

	deadline := time.After(time.Second)
	for s.currentState() != stateQueryPending {
		select {
		case <-deadline:
			t.Fatal("first query never reached query_pending")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := s.Query("select 2")
	require.Error(t, err)
	cerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, StateKind, cerr.Kind)

	close(gate)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
}

func TestSessionAutoCommitNoOp(t *testing.T) {
	called := false
	handler := func(fc byte, body []byte) []byte {
		if functionCode(fc) == fcCommit || functionCode(fc) == fcRollback {
			called = true
		}
		return ackBody()
	}
	s := connectTestSession(t, handler, WithAutocommit(true))

	require.NoError(t, s.Commit())
	require.NoError(t, s.Rollback())
	assert.False(t, called, "commit/rollback under auto-commit must not touch the wire")
	require.NoError(t, s.Close())
}

func TestSessionSetAutoCommitModeThenCommit(t *testing.T) {
	var gotMode byte
	commitCalled := false
	handler := func(fc byte, body []byte) []byte {
		switch functionCode(fc) {
		case fcSetAutoCommitMode:
			gotMode = body[0]
			return ackBody()
		case fcCommit:
			commitCalled = true
			return ackBody()
		case fcCloseDatabase:
			return ackBody()
		default:
			return nil
		}
	}
	s := connectTestSession(t, handler, WithAutocommit(true))

	require.NoError(t, s.BeginTransaction())
	assert.Equal(t, byte(0), gotMode)
	assert.False(t, s.AutoCommit())

	require.NoError(t, s.Commit())
	assert.True(t, commitCalled, "commit with auto-commit off must reach the wire")

	require.NoError(t, s.Close())
}

func TestSessionServerErrorPropagation(t *testing.T) {
	handler := func(fc byte, body []byte) []byte {
		if functionCode(fc) == fcExecuteQuery {
			return serverErrorBody(-1007, "")
		}
		return ackBody()
	}
	s := connectTestSession(t, handler)

	_, err := s.Query("select * from missing_table")
	require.Error(t, err)
	cerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ServerKind, cerr.Kind)
	assert.Equal(t, int32(-1007), cerr.Code)
	assert.Equal(t, "CAS_ER_SRV_HANDLE", cerr.Message)

	require.NoError(t, s.Close())
}

func TestSessionCacheHitSkipsWire(t *testing.T) {
	calls := int32(0)
	handler := func(fc byte, body []byte) []byte {
		if functionCode(fc) == fcExecuteQuery {
			atomic.AddInt32(&calls, 1)
			return executeQueryResponseBody(1, 1, "id", 0x07)
		}
		return ackBody()
	}
	s := connectTestSession(t, handler, WithCache(time.Minute))

	first, err := s.Query("select * from athlete")
	require.NoError(t, err)
	require.NotNil(t, first.Handle)

	second, err := s.Query("select * from athlete")
	require.NoError(t, err)
	assert.Nil(t, second.Handle, "a cache hit must not carry a live handle")
	assert.Equal(t, first.TotalCount, second.TotalCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second identical query must be served from cache")

	require.NoError(t, s.Close())
}

func TestSessionEventsFireOnConnectAndClose(t *testing.T) {
	var connected, closed int32
	handler := func(fc byte, body []byte) []byte { return ackBody() }

	rendClient, rendServer := net.Pipe()
	loginClient, loginServer := net.Pipe()
	go func() {
		defer rendServer.Close()
		readFrameRaw(rendServer)
		w := newFrameWriter()
		w.WriteInt32(0)
		w.WriteInt32(1)
		writeFrameRaw(rendServer, defaultCASInfo, w.Bytes())
	}()
	go func() {
		readFrameRaw(loginServer)
		w := newFrameWriter()
		w.WriteInt32(0)
		w.WriteBytes([]byte{3, 0, 1, 0, 8, 0, 0, 0})
		w.WriteInt32(1)
		writeFrameRaw(loginServer, defaultCASInfo, w.Bytes())
		for {
			_, body, err := readFrameRaw(loginServer)
			if err != nil || len(body) == 0 {
				return
			}
			resp := handler(body[0], body[1:])
			if resp == nil || writeFrameRaw(loginServer, defaultCASInfo, resp) != nil {
				return
			}
		}
	}()

	conns := []net.Conn{rendClient, loginClient}
	idx := 0
	s := NewSession(caslog.Nop{})
	s.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		c := conns[idx]
		idx++
		return c, nil
	}
	s.On(EventConnect, func(Event) { atomic.AddInt32(&connected, 1) })
	s.On(EventClose, func(Event) { atomic.AddInt32(&closed, 1) })

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())

	assert.Equal(t, int32(1), atomic.LoadInt32(&connected))
	assert.Equal(t, int32(1), atomic.LoadInt32(&closed))
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	handler := func(fc byte, body []byte) []byte { return ackBody() }
	s := connectTestSession(t, handler)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
