package cas

// functionCode selects the server-side operation for a request frame. It
// is the first byte of every request body, immediately after the CAS
// info echo (spec.md §4.2).
type functionCode byte

const (
	fcClientInfoExchange  functionCode = 1
	fcOpenDatabase        functionCode = 2
	fcGetEngineVersion    functionCode = 3
	fcExecuteQuery        functionCode = 4
	fcBatchExecuteNoQuery functionCode = 5
	fcFetch               functionCode = 6
	fcCloseDatabase       functionCode = 7
	fcCloseQuery          functionCode = 8
	fcSetAutoCommitMode   functionCode = 9
	fcCommit              functionCode = 10
	fcRollback            functionCode = 11
)

// These widths match the fixed-length padded fields of the
// open-database request (spec.md §4.2).
const (
	dbNameWidth       = 32
	userWidth         = 32
	passwordWidth     = 32
	extendedInfoWidth = 512
	reservedWidth     = 20
)

const defaultFetchSize = 100

// commonTail is the response trailer every packet shares: a response code,
// and, when negative, an error code and message (spec.md §4.2).
type commonTail struct {
	ResponseCode int32
	ErrorCode    int32
	ErrorMessage string
}

// decodeCommonTail reads the response code and, if it signals failure,
// the error code/message. On success (code >= 0) the reader is left
// positioned right after the response code for the caller to read
// per-packet fields.
func decodeCommonTail(r *frameReader) (commonTail, error) {
	code, err := r.ReadInt32()
	if err != nil {
		return commonTail{}, err
	}
	tail := commonTail{ResponseCode: code}
	if code < 0 {
		errCode, err := r.ReadInt32()
		if err != nil {
			return commonTail{}, err
		}
		msg, err := r.ReadCString()
		if err != nil {
			return commonTail{}, err
		}
		tail.ErrorCode = errCode
		tail.ErrorMessage = msg
	}
	return tail, nil
}

// asServerError converts a negative-response commonTail into a *Error,
// resolving an empty broker message from the local table.
func (t commonTail) asServerError(op string) *Error {
	return newServerErr(op, t.ErrorCode, t.ErrorMessage)
}

// ---- client info exchange (broker rendezvous) ----

func encodeClientInfoExchange() []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcClientInfoExchange))
	w.WriteCString("CUBRIDCLIENT")
	return w.Bytes()
}

type clientInfoExchangeResponse struct {
	Tail    commonTail
	NewPort int32
}

func decodeClientInfoExchangeResponse(body []byte) (clientInfoExchangeResponse, error) {
	r := newFrameReader(body)
	tail, err := decodeCommonTail(r)
	if err != nil {
		return clientInfoExchangeResponse{}, wrapProtocol("rendezvous", err)
	}
	resp := clientInfoExchangeResponse{Tail: tail}
	if tail.ResponseCode >= 0 {
		port, err := r.ReadInt32()
		if err != nil {
			return clientInfoExchangeResponse{}, wrapProtocol("rendezvous", err)
		}
		resp.NewPort = port
	}
	return resp, nil
}

// ---- open database (authenticate & bind) ----

func encodeOpenDatabase(cfg *Config) []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcOpenDatabase))
	w.WriteFixedString(cfg.Database, dbNameWidth)
	w.WriteFixedString(cfg.User, userWidth)
	w.WriteFixedString(cfg.Password, passwordWidth)
	w.WriteFiller(extendedInfoWidth, 0)
	w.WriteFiller(reservedWidth, 0)
	return w.Bytes()
}

// BrokerInfo is the immutable record exposed to callers after handshake
// (spec.md §3 "Broker info").
type BrokerInfo struct {
	DBType          byte
	StatementPoll   byte
	ProtocolVersion byte
}

const brokerInfoWidth = 8

func decodeBrokerInfo(b []byte) BrokerInfo {
	return BrokerInfo{
		DBType:          b[0],
		StatementPoll:   b[2],
		ProtocolVersion: b[4],
	}
}

type openDatabaseResponse struct {
	Tail       commonTail
	BrokerInfo BrokerInfo
	SessionID  int32
}

func decodeOpenDatabaseResponse(body []byte) (openDatabaseResponse, error) {
	r := newFrameReader(body)
	tail, err := decodeCommonTail(r)
	if err != nil {
		return openDatabaseResponse{}, wrapProtocol("open", err)
	}
	resp := openDatabaseResponse{Tail: tail}
	if tail.ResponseCode >= 0 {
		raw, err := r.ReadBytes(brokerInfoWidth)
		if err != nil {
			return openDatabaseResponse{}, wrapProtocol("open", err)
		}
		resp.BrokerInfo = decodeBrokerInfo(raw)
		sessionID, err := r.ReadInt32()
		if err != nil {
			return openDatabaseResponse{}, wrapProtocol("open", err)
		}
		resp.SessionID = sessionID
	}
	return resp, nil
}

// autoCommitFromCASInfo extracts the server's current auto-commit state
// from the low bit of byte 3 of a CAS info token (spec.md §3).
func autoCommitFromCASInfo(casInfo [casInfoSize]byte) bool {
	return casInfo[3]&0x01 != 0
}

// ---- get engine version ----

func encodeGetEngineVersion() []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcGetEngineVersion))
	return w.Bytes()
}

type engineVersionResponse struct {
	Tail    commonTail
	Version string
}

func decodeEngineVersionResponse(body []byte) (engineVersionResponse, error) {
	r := newFrameReader(body)
	tail, err := decodeCommonTail(r)
	if err != nil {
		return engineVersionResponse{}, wrapProtocol("engine_version", err)
	}
	resp := engineVersionResponse{Tail: tail}
	if tail.ResponseCode >= 0 {
		v, err := r.ReadCString()
		if err != nil {
			return engineVersionResponse{}, wrapProtocol("engine_version", err)
		}
		resp.Version = v
	}
	return resp, nil
}

// ---- column descriptors + rows (shared by execute and fetch) ----

// ColumnDescriptor describes one column of a result set. Type mapping
// beyond the raw type code is delegated to a collaborator (spec.md §4.4).
type ColumnDescriptor struct {
	Name     string
	TypeCode byte
}

// Row is one decoded tuple: each value is kept as its raw wire bytes,
// ready for a type-conversion collaborator the core does not implement.
type Row struct {
	Values [][]byte
}

func decodeColumnDescriptors(r *frameReader, n int32) ([]ColumnDescriptor, error) {
	cols := make([]ColumnDescriptor, 0, n)
	for i := int32(0); i < n; i++ {
		typeCode, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		name, err := r.ReadCString()
		if err != nil {
			return nil, err
		}
		cols = append(cols, ColumnDescriptor{Name: name, TypeCode: typeCode})
	}
	return cols, nil
}

// decodeRows reads n tuples, each a length-prefixed block of
// length-prefixed column values, into Row values.
func decodeRows(r *frameReader, n int32, numCols int) ([]Row, error) {
	rows := make([]Row, 0, n)
	for i := int32(0); i < n; i++ {
		tupleLen, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		_ = tupleLen // informational; values are read by column count below
		values := make([][]byte, 0, numCols)
		for c := 0; c < numCols; c++ {
			valLen, err := r.ReadInt32()
			if err != nil {
				return nil, err
			}
			if valLen < 0 {
				values = append(values, nil) // SQL NULL
				continue
			}
			val, err := r.ReadBytes(int(valLen))
			if err != nil {
				return nil, err
			}
			values = append(values, val)
		}
		rows = append(rows, Row{Values: values})
	}
	return rows, nil
}

// ---- execute query ----

func encodeExecuteQuery(sql string, autoCommit bool) []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcExecuteQuery))
	w.WriteLengthPrefixedString(sql)
	if autoCommit {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	w.WriteByte(0) // flag bytes, reserved
	return w.Bytes()
}

type executeQueryResponse struct {
	Tail       commonTail
	Handle     int32
	TotalCount int32
	Columns    []ColumnDescriptor
	Rows       []Row
}

func decodeExecuteQueryResponse(body []byte) (executeQueryResponse, error) {
	r := newFrameReader(body)
	tail, err := decodeCommonTail(r)
	if err != nil {
		return executeQueryResponse{}, wrapProtocol("execute", err)
	}
	resp := executeQueryResponse{Tail: tail}
	if tail.ResponseCode < 0 {
		return resp, nil
	}
	handle, err := r.ReadInt32()
	if err != nil {
		return executeQueryResponse{}, wrapProtocol("execute", err)
	}
	total, err := r.ReadInt32()
	if err != nil {
		return executeQueryResponse{}, wrapProtocol("execute", err)
	}
	numCols, err := r.ReadInt32()
	if err != nil {
		return executeQueryResponse{}, wrapProtocol("execute", err)
	}
	cols, err := decodeColumnDescriptors(r, numCols)
	if err != nil {
		return executeQueryResponse{}, wrapProtocol("execute", err)
	}
	pageCount, err := r.ReadInt32()
	if err != nil {
		return executeQueryResponse{}, wrapProtocol("execute", err)
	}
	rows, err := decodeRows(r, pageCount, len(cols))
	if err != nil {
		return executeQueryResponse{}, wrapProtocol("execute", err)
	}
	resp.Handle = handle
	resp.TotalCount = total
	resp.Columns = cols
	resp.Rows = rows
	return resp, nil
}

// ---- batch execute, no query results ----

func encodeBatchExecuteNoQuery(stmts []string, autoCommit bool) []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcBatchExecuteNoQuery))
	w.WriteInt32(int32(len(stmts)))
	for _, s := range stmts {
		w.WriteLengthPrefixedString(s)
	}
	if autoCommit {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	return w.Bytes()
}

type batchExecuteResponse struct {
	Tail         commonTail
	AffectedRows []int32
}

func decodeBatchExecuteResponse(body []byte, count int) (batchExecuteResponse, error) {
	r := newFrameReader(body)
	tail, err := decodeCommonTail(r)
	if err != nil {
		return batchExecuteResponse{}, wrapProtocol("batch_execute", err)
	}
	resp := batchExecuteResponse{Tail: tail}
	if tail.ResponseCode < 0 {
		return resp, nil
	}
	affected := make([]int32, 0, count)
	for i := 0; i < count; i++ {
		n, err := r.ReadInt32()
		if err != nil {
			return batchExecuteResponse{}, wrapProtocol("batch_execute", err)
		}
		affected = append(affected, n)
	}
	resp.AffectedRows = affected
	return resp, nil
}

// ---- fetch ----

func encodeFetch(handle, start, fetchSize int32, caseSensitive bool, resultSetIndex int32) []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcFetch))
	w.WriteInt32(handle)
	w.WriteInt32(start)
	w.WriteInt32(fetchSize)
	if caseSensitive {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	w.WriteInt32(resultSetIndex)
	return w.Bytes()
}

type fetchResponse struct {
	Tail  commonTail
	Count int32
	Rows  []Row
}

func decodeFetchResponse(body []byte, numCols int) (fetchResponse, error) {
	r := newFrameReader(body)
	tail, err := decodeCommonTail(r)
	if err != nil {
		return fetchResponse{}, wrapProtocol("fetch", err)
	}
	resp := fetchResponse{Tail: tail}
	if tail.ResponseCode < 0 {
		return resp, nil
	}
	count, err := r.ReadInt32()
	if err != nil {
		return fetchResponse{}, wrapProtocol("fetch", err)
	}
	rows, err := decodeRows(r, count, numCols)
	if err != nil {
		return fetchResponse{}, wrapProtocol("fetch", err)
	}
	resp.Count = count
	resp.Rows = rows
	return resp, nil
}

// ---- close query ----

func encodeCloseQuery(handle int32) []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcCloseQuery))
	w.WriteInt32(handle)
	return w.Bytes()
}

// ---- set auto-commit mode ----

func encodeSetAutoCommitMode(on bool) []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcSetAutoCommitMode))
	if on {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	return w.Bytes()
}

// ---- commit / rollback / close database: empty request bodies ----

func encodeCommit() []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcCommit))
	return w.Bytes()
}

func encodeRollback() []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcRollback))
	return w.Bytes()
}

func encodeCloseDatabase() []byte {
	w := newFrameWriter()
	w.WriteByte(byte(fcCloseDatabase))
	return w.Bytes()
}

// decodeAck decodes the common acknowledgement shared by close-query,
// set-autocommit, commit, rollback, and close-database: just the common
// tail, nothing else on success.
func decodeAck(body []byte, op string) (commonTail, error) {
	r := newFrameReader(body)
	tail, err := decodeCommonTail(r)
	if err != nil {
		return commonTail{}, wrapProtocol(op, err)
	}
	return tail, nil
}
