package cas

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/ysw505/go-cubrid/internal/caslog"
)

// sessionState is the state machine driving one Session, per spec.md
// §4.3. It replaces the source's independent boolean flags
// (connectionOpened, connectionPending, queryPending) with a single enum,
// making "at most one of {connectionPending, queryPending}" structurally
// true: only one of these states can be current at a time.
type sessionState int

const (
	stateClosed sessionState = iota
	stateRendezvousPending
	stateLoginPending
	stateIdle
	stateQueryPending
	stateClosing
)

func (s sessionState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateRendezvousPending:
		return "rendezvous_pending"
	case stateLoginPending:
		return "login_pending"
	case stateIdle:
		return "idle"
	case stateQueryPending:
		return "query_pending"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// dialFunc abstracts net.Dial so tests can substitute an in-process
// transport (net.Pipe), the same role the teacher's cfg.dialFn plays for
// brokerCxn.connect.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func defaultDialFunc(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// actionRequest is one closure queued on a Session's single-slot action
// queue (spec.md §4.3 "Serialization discipline").
type actionRequest struct {
	op   string
	run  func() error
	done chan error
}

// Session owns one socket, one session identity, and drives the broker
// handshake plus every subsequent data-plane operation through a single
// serialized action queue — mirroring how the teacher's broker type owns
// one connection and serializes all outbound requests through handleReqs.
type Session struct {
	cfg    Config
	dial   dialFunc
	logger caslog.Logger

	mu         sync.Mutex
	state      sessionState
	closed     bool
	conn       net.Conn
	casInfo    [casInfoSize]byte
	autoCommit bool
	sessionID  int32
	brokerInfo BrokerInfo
	handles    *handleRegistry

	cache     *responseCache
	listeners *listenerSet

	actions chan *actionRequest
}

// NewSession builds a Session from opts, following the teacher's
// functional-options construction idiom. The session is not yet
// connected; call Connect to drive the handshake.
func NewSession(logger caslog.Logger, opts ...Option) *Session {
	cfg := newConfig(opts...)
	if logger == nil {
		logger = caslog.Nop{}
	}
	s := &Session{
		cfg:       cfg,
		dial:      defaultDialFunc,
		logger:    logger,
		state:     stateClosed,
		casInfo:   defaultCASInfo,
		autoCommit: cfg.Autocommit,
		handles:   newHandleRegistry(),
		cache:     newResponseCache(cfg.CacheTimeout),
		listeners: newListenerSet(),
		actions:   make(chan *actionRequest, 256),
	}
	go s.run()
	return s
}

// On registers fn to be called whenever an event of kind is emitted. See
// spec.md §6 for the fixed set of event-kind identifiers.
func (s *Session) On(kind EventKind, fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners.on(kind, fn)
}

// BrokerInfo returns the immutable broker record learned at handshake. It
// is the zero value until Connect succeeds.
func (s *Session) BrokerInfo() BrokerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokerInfo
}

// AutoCommit reports the session's locally-tracked auto-commit state.
func (s *Session) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommit
}

func (s *Session) run() {
	for req := range s.actions {
		err := req.run()
		req.done <- err
	}
}

// emit fires a listener synchronously. If kind is EventError and no
// listener is registered, the default policy is to log and continue:
// an unhandled error event never terminates the process (spec.md §7).
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	hasListener := s.listeners.has(ev.Kind)
	s.mu.Unlock()
	if ev.Kind == EventError && !hasListener {
		s.logger.Log(caslog.LevelError, "unhandled error event", "err", ev.Err)
		return
	}
	s.listeners.emit(ev)
}

// enqueue submits an action for serialized execution. busy is evaluated
// under the session lock immediately: if it reports true the action is
// rejected with StateKind before ever touching the queue (the "reject
// overlapping query/connect calls outright" rule); otherwise the state is
// advanced to inState and the action is queued to run in order (the
// "all other ops enqueue" rule).
//
// A session whose action queue has already been torn down by Close
// rejects every op with StateKind instead of sending on it, except
// "connect": a closed session is allowed to reopen (spec.md §4.3), which
// first rebuilds a fresh queue and worker goroutine.
func (s *Session) enqueue(op string, busy func(sessionState) bool, inState sessionState, fn func() error) error {
	s.mu.Lock()
	if s.closed && op != "connect" {
		s.mu.Unlock()
		return newStateErr(op, reasonNotConnected)
	}
	if busy(s.state) {
		reason := reasonQueryPending
		if s.state == stateRendezvousPending || s.state == stateLoginPending {
			reason = reasonConnectPending
		}
		s.mu.Unlock()
		return newStateErr(op, reason)
	}
	if s.closed && op == "connect" {
		s.closed = false
		s.actions = make(chan *actionRequest, 256)
		go s.run()
	}
	s.state = inState
	actions := s.actions
	s.mu.Unlock()

	done := make(chan error, 1)
	actions <- &actionRequest{op: op, run: fn, done: done}
	return <-done
}

// transitionTo moves the state machine to next, under lock.
func (s *Session) transitionTo(next sessionState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ---- wire I/O helpers ----

// writeRequest frames body with the session's current CAS info and
// writes it to conn.
func (s *Session) writeRequest(conn net.Conn, body []byte) error {
	s.mu.Lock()
	casInfo := s.casInfo
	timeout := s.cfg.QueryTimeout
	s.mu.Unlock()

	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(encodeFrame(casInfo, body))
	return err
}

// readResponse reassembles one complete frame from conn, tolerating
// arbitrary TCP chunk boundaries (spec.md §4.1, §8 "split arbitrarily
// across TCP reads"). It returns a copy of the body bytes that follow the
// CAS info echo, and updates the session's stored CAS info (and derived
// auto-commit bit) from that echo as a side effect, per spec.md §3.
func (s *Session) readResponse(conn net.Conn, timeout time.Duration) (body []byte, err error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	var assembler frameAssembler
	buf := make([]byte, 4096)
	for {
		casInfo, frameBody, total, ok := assembler.Frame()
		if ok {
			bodyCopy := make([]byte, len(frameBody))
			copy(bodyCopy, frameBody)
			assembler.Consume(total)

			s.mu.Lock()
			s.casInfo = casInfo
			s.autoCommit = autoCommitFromCASInfo(casInfo)
			s.mu.Unlock()

			s.logger.Log(caslog.LevelDebug, "decoded frame", "cas_info", casInfo, "body", spew.Sdump(bodyCopy))
			return bodyCopy, nil
		}
		n, readErr := conn.Read(buf)
		if n > 0 {
			assembler.Feed(buf[:n])
		}
		if readErr != nil {
			return nil, readErr
		}
	}
}

// ---- connect ----

// Connect drives the two-phase handshake (spec.md §4.3): rendezvous
// against the initial broker port to discover the worker port, then login
// against that port to authenticate and bind the database. A second call
// while already connecting fails outright with StateKind.
func (s *Session) Connect(ctx context.Context) error {
	return s.enqueue("connect",
		func(st sessionState) bool { return st != stateClosed },
		stateRendezvousPending,
		func() error { return s.doConnect(ctx) },
	)
}

func (s *Session) doConnect(ctx context.Context) error {
	retries := s.cfg.MaxConnectionRetryCount
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := s.rendezvous(ctx); err != nil {
			lastErr = err
			s.logger.Log(caslog.LevelWarn, "rendezvous failed, retrying", "attempt", attempt, "err", err)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		s.transitionTo(stateClosed)
		cerr := toSessionError("connect", lastErr)
		s.emit(Event{Kind: EventError, Err: cerr})
		return cerr
	}

	s.transitionTo(stateLoginPending)
	if err := s.login(ctx); err != nil {
		s.transitionTo(stateClosed)
		cerr := toSessionError("connect", err)
		s.emit(Event{Kind: EventError, Err: cerr})
		return cerr
	}

	s.transitionTo(stateIdle)
	s.emit(Event{Kind: EventConnect})
	return nil
}

func (s *Session) rendezvous(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialCtx := ctx
	if s.cfg.LoginTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.LoginTimeout)
		defer cancel()
	}
	conn, err := s.dial(dialCtx, "tcp", addr)
	if err != nil {
		return wrapTransport("rendezvous", err)
	}
	defer conn.Close()

	if err := s.writeRequest(conn, encodeClientInfoExchange()); err != nil {
		return wrapTransport("rendezvous", err)
	}
	body, err := s.readResponse(conn, s.cfg.LoginTimeout)
	if err != nil {
		return wrapTransport("rendezvous", err)
	}
	resp, err := decodeClientInfoExchangeResponse(body)
	if err != nil {
		return err
	}
	if resp.Tail.ResponseCode < 0 {
		return resp.Tail.asServerError("rendezvous")
	}

	s.mu.Lock()
	s.cfg.connectionPort = int(resp.NewPort)
	s.mu.Unlock()
	return nil
}

func (s *Session) login(ctx context.Context) error {
	s.mu.Lock()
	port := s.cfg.connectionPort
	s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	dialCtx := ctx
	if s.cfg.LoginTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.LoginTimeout)
		defer cancel()
	}
	conn, err := s.dial(dialCtx, "tcp", addr)
	if err != nil {
		return wrapTransport("open", err)
	}

	if err := s.writeRequest(conn, encodeOpenDatabase(&s.cfg)); err != nil {
		conn.Close()
		return wrapTransport("open", err)
	}
	body, err := s.readResponse(conn, s.cfg.LoginTimeout)
	if err != nil {
		conn.Close()
		return wrapTransport("open", err)
	}
	resp, err := decodeOpenDatabaseResponse(body)
	if err != nil {
		conn.Close()
		return err
	}
	if resp.Tail.ResponseCode < 0 {
		conn.Close()
		return resp.Tail.asServerError("open")
	}

	s.mu.Lock()
	s.conn = conn
	s.brokerInfo = resp.BrokerInfo
	s.sessionID = resp.SessionID
	s.autoCommit = autoCommitFromCASInfo(s.casInfo)
	s.mu.Unlock()
	return nil
}

// toSessionError normalizes an error returned from within an action into
// a *Error, leaving one already of that type untouched.
func toSessionError(op string, err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return wrapTransport(op, err)
}

// ---- engine version ----

// EngineVersion fetches the broker's reported engine version string.
func (s *Session) EngineVersion() (string, error) {
	var version string
	err := s.enqueue("engine_version",
		func(sessionState) bool { return false },
		stateQueryPending,
		func() error {
			conn, derr := s.requireConn("engine_version")
			if derr != nil {
				return derr
			}
			if err := s.writeRequest(conn, encodeGetEngineVersion()); err != nil {
				return s.failTransport("engine_version", err)
			}
			body, err := s.readResponse(conn, s.cfg.QueryTimeout)
			if err != nil {
				return s.failTransport("engine_version", err)
			}
			resp, err := decodeEngineVersionResponse(body)
			if err != nil {
				s.transitionTo(stateIdle)
				return err
			}
			if resp.Tail.ResponseCode < 0 {
				s.transitionTo(stateIdle)
				return resp.Tail.asServerError("engine_version")
			}
			version = resp.Version
			s.transitionTo(stateIdle)
			s.emit(Event{Kind: EventEngineVersion, Data: version})
			return nil
		},
	)
	return version, err
}

func (s *Session) requireConn(op string) (net.Conn, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.transitionTo(stateClosed)
		return nil, newStateErr(op, reasonNotConnected)
	}
	return conn, nil
}

// isTimeout reports whether err is a network deadline timeout, as opposed
// to any other transport failure.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// failTransport classifies a wire-layer error. A genuine deadline timeout
// becomes TimeoutKind, and cfg.DisconnectOnQueryTimeout decides whether
// the session collapses to Closed or returns to Idle so the caller may
// retry (spec.md §5 "per-op timeout is optional"). Any other transport
// error is terminal regardless of that setting (spec.md §4.3 "any state +
// socket error -> Closed"). Collapsing to Closed also closes and drops the
// socket, so later operations fail with StateKind instead of reusing it.
func (s *Session) failTransport(op string, err error) error {
	dropConn := func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
	if isTimeout(err) {
		cerr := newTimeoutErr(op)
		if s.cfg.DisconnectOnQueryTimeout {
			dropConn()
			s.transitionTo(stateClosed)
		} else {
			s.transitionTo(stateIdle)
		}
		s.emit(Event{Kind: EventError, Err: cerr})
		return cerr
	}
	dropConn()
	s.transitionTo(stateClosed)
	cerr := wrapTransport(op, err)
	s.emit(Event{Kind: EventError, Err: cerr})
	return cerr
}

// ---- query ----

// ExecuteResult is the decoded outcome of a successful Query or Execute
// call. Handle is nil only for a cache hit (spec.md §4.5): callers must
// not attempt to Fetch further pages in that case.
type ExecuteResult struct {
	Handle     *QueryHandle
	Columns    []ColumnDescriptor
	Rows       []Row
	TotalCount int32
}

// Query executes sql as a query, consulting the response cache first when
// one is enabled. A second Query call while one is already in flight
// fails outright with StateKind (spec.md §4.3).
func (s *Session) Query(sql string) (*ExecuteResult, error) {
	if sql == "" {
		return nil, newValidationErr("query", "sql text must not be empty")
	}
	if cached, ok := s.cache.lookup(sql); ok {
		return cached, nil
	}

	var result *ExecuteResult
	err := s.enqueue("query",
		func(st sessionState) bool { return st != stateIdle },
		stateQueryPending,
		func() error {
			conn, derr := s.requireConn("query")
			if derr != nil {
				return derr
			}
			autoCommit := s.AutoCommit()
			if err := s.writeRequest(conn, encodeExecuteQuery(sql, autoCommit)); err != nil {
				return s.failTransport("query", err)
			}
			body, err := s.readResponse(conn, s.cfg.QueryTimeout)
			if err != nil {
				return s.failTransport("query", err)
			}
			resp, err := decodeExecuteQueryResponse(body)
			if err != nil {
				s.transitionTo(stateIdle)
				return err
			}
			if resp.Tail.ResponseCode < 0 {
				s.transitionTo(stateIdle)
				serr := resp.Tail.asServerError("query")
				s.emit(Event{Kind: EventError, Err: serr})
				return serr
			}

			handle := &QueryHandle{
				ID:       resp.Handle,
				Total:    resp.TotalCount,
				Current:  int32(len(resp.Rows)),
				Columns:  resp.Columns,
				LastPage: resp.Rows,
			}
			s.mu.Lock()
			s.handles.insert(handle)
			s.mu.Unlock()

			result = &ExecuteResult{
				Handle:     handle,
				Columns:    resp.Columns,
				Rows:       resp.Rows,
				TotalCount: resp.TotalCount,
			}
			s.cache.insert(sql, &ExecuteResult{
				Columns:    resp.Columns,
				Rows:       resp.Rows,
				TotalCount: resp.TotalCount,
			})

			s.transitionTo(stateIdle)
			s.emit(Event{Kind: EventQueryData, Data: result})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BatchResult is the outcome of a BatchExecute call: one affected-row
// count per statement, in submission order.
type BatchResult struct {
	AffectedRows []int32
}

// BatchExecute runs stmts as a sequence of non-query statements
// (spec.md §4.2 "Batch execute no-query").
func (s *Session) BatchExecute(stmts []string) (*BatchResult, error) {
	if len(stmts) == 0 {
		return nil, newValidationErr("batch_execute", "at least one statement is required")
	}

	var result *BatchResult
	err := s.enqueue("batch_execute",
		func(sessionState) bool { return false },
		stateQueryPending,
		func() error {
			conn, derr := s.requireConn("batch_execute")
			if derr != nil {
				return derr
			}
			autoCommit := s.AutoCommit()
			if err := s.writeRequest(conn, encodeBatchExecuteNoQuery(stmts, autoCommit)); err != nil {
				return s.failTransport("batch_execute", err)
			}
			body, err := s.readResponse(conn, s.cfg.QueryTimeout)
			if err != nil {
				return s.failTransport("batch_execute", err)
			}
			resp, err := decodeBatchExecuteResponse(body, len(stmts))
			if err != nil {
				s.transitionTo(stateIdle)
				return err
			}
			if resp.Tail.ResponseCode < 0 {
				s.transitionTo(stateIdle)
				return resp.Tail.asServerError("batch_execute")
			}
			result = &BatchResult{AffectedRows: resp.AffectedRows}
			s.transitionTo(stateIdle)
			s.emit(Event{Kind: EventBatchExecuteDone, Data: result})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ---- fetch ----

// FetchResult is the outcome of one Fetch call. EndOfStream is true when
// the handle had nothing left to fetch; Rows is nil in that case and no
// bytes were written to the wire (spec.md §4.4, §8).
type FetchResult struct {
	Rows        []Row
	EndOfStream bool
}

// Fetch retrieves the next page for handle. It is defined over the
// handle's server-assigned ID so it keeps working after the *QueryHandle
// value has been copied or discarded by the caller.
func (s *Session) Fetch(handleID int32) (*FetchResult, error) {
	var result *FetchResult
	err := s.enqueue("fetch",
		func(sessionState) bool { return false },
		stateQueryPending,
		func() error {
			s.mu.Lock()
			h := s.handles.find(handleID)
			s.mu.Unlock()
			if h == nil {
				s.transitionTo(stateIdle)
				return newStateErr("fetch", reasonNoActiveQuery)
			}
			if h.Current >= h.Total {
				s.transitionTo(stateIdle)
				result = &FetchResult{EndOfStream: true}
				s.emit(Event{Kind: EventFetchDone, Data: handleID})
				return nil
			}

			conn, derr := s.requireConn("fetch")
			if derr != nil {
				return derr
			}
			start := h.Current + 1
			body := encodeFetch(h.ID, start, defaultFetchSize, true, 0)
			if err := s.writeRequest(conn, body); err != nil {
				return s.failTransport("fetch", err)
			}
			respBody, err := s.readResponse(conn, s.cfg.QueryTimeout)
			if err != nil {
				return s.failTransport("fetch", err)
			}
			resp, err := decodeFetchResponse(respBody, len(h.Columns))
			if err != nil {
				s.transitionTo(stateIdle)
				return err
			}
			if resp.Tail.ResponseCode < 0 {
				s.transitionTo(stateIdle)
				return resp.Tail.asServerError("fetch")
			}

			s.mu.Lock()
			h.Current += int32(len(resp.Rows))
			h.LastPage = resp.Rows
			s.mu.Unlock()

			result = &FetchResult{Rows: resp.Rows}
			s.transitionTo(stateIdle)
			s.emit(Event{Kind: EventFetch, Data: result})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseQuery releases a server-side query handle. An unknown handle
// completes quietly without touching the wire, correcting the source's
// TODO (spec.md §4.4, §9): the handle is removed only after the server
// acknowledges the close, never before.
func (s *Session) CloseQuery(handleID int32) error {
	return s.enqueue("close_query",
		func(sessionState) bool { return false },
		stateQueryPending,
		func() error {
			s.mu.Lock()
			h := s.handles.find(handleID)
			s.mu.Unlock()
			if h == nil {
				s.transitionTo(stateIdle)
				return nil
			}

			conn, derr := s.requireConn("close_query")
			if derr != nil {
				return derr
			}
			if err := s.writeRequest(conn, encodeCloseQuery(handleID)); err != nil {
				return s.failTransport("close_query", err)
			}
			body, err := s.readResponse(conn, s.cfg.QueryTimeout)
			if err != nil {
				return s.failTransport("close_query", err)
			}
			tail, err := decodeAck(body, "close_query")
			if err != nil {
				s.transitionTo(stateIdle)
				return err
			}
			if tail.ResponseCode < 0 {
				s.transitionTo(stateIdle)
				return tail.asServerError("close_query")
			}

			s.mu.Lock()
			s.handles.remove(handleID)
			s.mu.Unlock()

			s.transitionTo(stateIdle)
			s.emit(Event{Kind: EventCloseQuery, Data: handleID})
			return nil
		},
	)
}

// ---- transactions ----

// SetAutoCommitMode changes the session's auto-commit mode. It is a
// no-op, emitting no wire traffic, if the session is already in mode m
// (spec.md §4.3, §8 "Idempotence").
func (s *Session) SetAutoCommitMode(on bool) error {
	if s.AutoCommit() == on {
		return nil
	}
	return s.enqueue("set_autocommit_mode",
		func(sessionState) bool { return false },
		stateQueryPending,
		func() error {
			if s.AutoCommit() == on {
				s.transitionTo(stateIdle)
				return nil
			}
			conn, derr := s.requireConn("set_autocommit_mode")
			if derr != nil {
				return derr
			}
			if err := s.writeRequest(conn, encodeSetAutoCommitMode(on)); err != nil {
				return s.failTransport("set_autocommit_mode", err)
			}
			body, err := s.readResponse(conn, s.cfg.QueryTimeout)
			if err != nil {
				return s.failTransport("set_autocommit_mode", err)
			}
			tail, err := decodeAck(body, "set_autocommit_mode")
			if err != nil {
				s.transitionTo(stateIdle)
				return err
			}
			if tail.ResponseCode < 0 {
				s.transitionTo(stateIdle)
				return tail.asServerError("set_autocommit_mode")
			}
			s.mu.Lock()
			s.autoCommit = on
			s.mu.Unlock()
			s.transitionTo(stateIdle)
			s.emit(Event{Kind: EventSetAutocommitMode, Data: on})
			return nil
		},
	)
}

// BeginTransaction is defined as SetAutoCommitMode(false) (spec.md §4.3).
func (s *Session) BeginTransaction() error {
	if err := s.SetAutoCommitMode(false); err != nil {
		return err
	}
	s.emit(Event{Kind: EventBeginTransaction})
	return nil
}

// Commit commits the current transaction. With auto-commit on this is a
// benign no-op that writes nothing to the wire (spec.md §4.3, §8).
func (s *Session) Commit() error {
	if s.AutoCommit() {
		s.emit(Event{Kind: EventCommit})
		return nil
	}
	return s.enqueue("commit",
		func(sessionState) bool { return false },
		stateQueryPending,
		func() error {
			if s.AutoCommit() {
				s.transitionTo(stateIdle)
				s.emit(Event{Kind: EventCommit})
				return nil
			}
			return s.sendAck("commit", encodeCommit(), EventCommit)
		},
	)
}

// Rollback rolls back the current transaction. With auto-commit on this
// is a benign no-op that writes nothing to the wire (spec.md §4.3, §8).
func (s *Session) Rollback() error {
	if s.AutoCommit() {
		s.emit(Event{Kind: EventRollback})
		return nil
	}
	return s.enqueue("rollback",
		func(sessionState) bool { return false },
		stateQueryPending,
		func() error {
			if s.AutoCommit() {
				s.transitionTo(stateIdle)
				s.emit(Event{Kind: EventRollback})
				return nil
			}
			return s.sendAck("rollback", encodeRollback(), EventRollback)
		},
	)
}

func (s *Session) sendAck(op string, body []byte, ev EventKind) error {
	conn, derr := s.requireConn(op)
	if derr != nil {
		return derr
	}
	if err := s.writeRequest(conn, body); err != nil {
		return s.failTransport(op, err)
	}
	respBody, err := s.readResponse(conn, s.cfg.QueryTimeout)
	if err != nil {
		return s.failTransport(op, err)
	}
	tail, err := decodeAck(respBody, op)
	if err != nil {
		s.transitionTo(stateIdle)
		return err
	}
	if tail.ResponseCode < 0 {
		s.transitionTo(stateIdle)
		return tail.asServerError(op)
	}
	s.transitionTo(stateIdle)
	s.emit(Event{Kind: ev})
	return nil
}

// ---- schema / URL connect stubs (spec.md §4.+, §9) ----

// GetSchema is an intentionally unimplemented surface: schema
// introspection is treated as a single opaque request kind and its
// algorithm is out of scope (spec.md §1, §4.+).
func (s *Session) GetSchema(string) error {
	return newNotImplementedErr("get_schema")
}

// ---- close ----

// Close releases all open query handles (best-effort; failures are
// logged, not fatal), sends close-database, and tears down the socket and
// action queue. Calling Close more than once is safe; the second call is
// a no-op, and a session left stateClosed by a prior transport failure
// (which never tore down the queue itself) is still torn down properly
// the first time Close reaches it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.enqueue("close",
		func(sessionState) bool { return false },
		stateClosing,
		func() error {
			s.mu.Lock()
			conn := s.conn
			alreadyClosed := conn == nil
			open := s.handles.all()
			s.mu.Unlock()

			if !alreadyClosed {
				for _, h := range open {
					if err := s.closeQueryBestEffort(conn, h.ID); err != nil {
						s.logger.Log(caslog.LevelWarn, "close query failed during session close", "handle", h.ID, "err", err)
					}
				}

				_ = s.writeRequest(conn, encodeCloseDatabase())
				_, _ = s.readResponse(conn, s.cfg.QueryTimeout)

				conn.Close()
				s.mu.Lock()
				s.conn = nil
				s.mu.Unlock()
			}

			s.transitionTo(stateClosed)

			s.mu.Lock()
			s.closed = true
			actions := s.actions
			s.mu.Unlock()
			close(actions)

			s.emit(Event{Kind: EventClose})
			return nil
		},
	)
}

func (s *Session) closeQueryBestEffort(conn net.Conn, handleID int32) error {
	if err := s.writeRequest(conn, encodeCloseQuery(handleID)); err != nil {
		return err
	}
	body, err := s.readResponse(conn, s.cfg.QueryTimeout)
	if err != nil {
		return err
	}
	tail, err := decodeAck(body, "close_query")
	if err != nil {
		return err
	}
	if tail.ResponseCode < 0 {
		return tail.asServerError("close_query")
	}
	s.mu.Lock()
	s.handles.remove(handleID)
	s.mu.Unlock()
	return nil
}

// casInfoEqual is a small test helper comparing two CAS info tokens; it is
// used by frame_test.go.
func casInfoEqual(a, b [casInfoSize]byte) bool {
	return bytes.Equal(a[:], b[:])
}
