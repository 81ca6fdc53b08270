package cas

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bodyAfterFunctionCode(body []byte) []byte { return body[1:] }

func TestDecodeOpenDatabaseResponse(t *testing.T) {
	w := newFrameWriter()
	w.WriteInt32(0) // response code
	w.WriteByte(3)  // db type
	w.WriteByte(0)
	w.WriteByte(1) // statement poll
	w.WriteByte(0)
	w.WriteByte(8) // protocol version
	w.WriteByte(0)
	w.WriteByte(0)
	w.WriteByte(0)
	w.WriteInt32(42) // session id
	body := w.Bytes()

	resp, err := decodeOpenDatabaseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.Tail.ResponseCode)
	assert.Equal(t, int32(42), resp.SessionID)
	assert.Equal(t, BrokerInfo{DBType: 3, StatementPoll: 1, ProtocolVersion: 8}, resp.BrokerInfo)
}

func TestDecodeOpenDatabaseResponseServerError(t *testing.T) {
	w := newFrameWriter()
	w.WriteInt32(-1)
	w.WriteInt32(-1018)
	w.WriteCString("")
	body := w.Bytes()

	resp, err := decodeOpenDatabaseResponse(body)
	require.NoError(t, err)
	require.Less(t, resp.Tail.ResponseCode, int32(0))
	serr := resp.Tail.asServerError("open")
	assert.Equal(t, ServerKind, serr.Kind)
	assert.Equal(t, int32(-1018), serr.Code)
	assert.Equal(t, "CAS_ER_NOT_AUTHORIZED_CLIENT", serr.Message)
}

func TestEncodeDecodeExecuteQueryRoundTrip(t *testing.T) {
	reqBody := encodeExecuteQuery("select * from athlete", true)
	assert.Equal(t, byte(fcExecuteQuery), reqBody[0])

	w := newFrameWriter()
	w.WriteInt32(0) // response code
	w.WriteInt32(7) // handle
	w.WriteInt32(2) // total count
	w.WriteInt32(2) // num columns
	w.WriteByte(1)
	w.WriteCString("id")
	w.WriteByte(1)
	w.WriteCString("name")
	w.WriteInt32(1) // page count
	w.WriteInt32(0) // tuple length, informational
	w.WriteInt32(1)
	w.WriteBytes([]byte{0x01})
	w.WriteInt32(4)
	w.WriteBytes([]byte("abcd"))
	respBody := w.Bytes()

	resp, err := decodeExecuteQueryResponse(respBody)
	require.NoError(t, err)
	assert.Equal(t, int32(7), resp.Handle)
	assert.Equal(t, int32(2), resp.TotalCount)
	wantCols := []ColumnDescriptor{{Name: "id", TypeCode: 1}, {Name: "name", TypeCode: 1}}
	if diff := cmp.Diff(wantCols, resp.Columns); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, [][]byte{{0x01}, []byte("abcd")}, resp.Rows[0].Values)
}

func TestDecodeRowsNullValue(t *testing.T) {
	w := newFrameWriter()
	w.WriteInt32(9) // tuple length, informational
	w.WriteInt32(-1)
	r := newFrameReader(w.Bytes())
	rows, err := decodeRows(r, 1, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Values[0])
}

func TestDecodeBatchExecuteResponse(t *testing.T) {
	w := newFrameWriter()
	w.WriteInt32(0)
	w.WriteInt32(1)
	w.WriteInt32(3)
	body := w.Bytes()

	resp, err := decodeBatchExecuteResponse(body, 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 3}, resp.AffectedRows)
}

func TestEncodeFetchFields(t *testing.T) {
	body := encodeFetch(7, 5, defaultFetchSize, true, 0)
	r := newFrameReader(bodyAfterFunctionCode(body))
	handle, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(7), handle)
	start, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(5), start)
	size, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(defaultFetchSize), size)
}

func TestDecodeFetchResponseEndOfStream(t *testing.T) {
	w := newFrameWriter()
	w.WriteInt32(0)
	w.WriteInt32(0) // zero rows
	body := w.Bytes()

	resp, err := decodeFetchResponse(body, 2)
	require.NoError(t, err)
	assert.Empty(t, resp.Rows)
}

func TestDecodeAckServerError(t *testing.T) {
	w := newFrameWriter()
	w.WriteInt32(-1)
	w.WriteInt32(-1024)
	w.WriteCString("session already closed")
	body := w.Bytes()

	tail, err := decodeAck(body, "commit")
	require.NoError(t, err)
	require.Less(t, tail.ResponseCode, int32(0))
	serr := tail.asServerError("commit")
	assert.Equal(t, "session already closed", serr.Message)
}
