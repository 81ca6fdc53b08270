package cas

import (
	"encoding/binary"
)

// casInfoSize is the width of the CAS info token prefix that follows the
// 4-byte length on every frame (spec.md §3, §4.1).
const casInfoSize = 4

// defaultCASInfo is the token a session starts with, before the broker
// returns a fresh one on the open-database response.
var defaultCASInfo = [casInfoSize]byte{0, 0xFF, 0xFF, 0xFF}

// frameWriter accumulates a request body into a growable buffer. It never
// touches the network; Bytes hands the caller an immutable frame ready
// to prepend a length and CAS info to.
type frameWriter struct {
	buf []byte
}

func newFrameWriter() *frameWriter {
	return &frameWriter{buf: make([]byte, 0, 256)}
}

// WriteByte appends a single raw byte.
func (w *frameWriter) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteInt32 appends a signed 32-bit big-endian integer.
func (w *frameWriter) WriteInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}

// WriteFixedString right-pads (or truncates) s to exactly n bytes with
// zero filler, per the fixed-width fields of the open-database request.
func (w *frameWriter) WriteFixedString(s string, n int) {
	b := make([]byte, n)
	copy(b, s)
	w.buf = append(w.buf, b...)
}

// WriteCString appends s followed by a single NUL terminator.
func (w *frameWriter) WriteCString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WriteFiller appends n bytes all equal to fill.
func (w *frameWriter) WriteFiller(n int, fill byte) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, fill)
	}
}

// WriteBytes appends a raw block verbatim.
func (w *frameWriter) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteLengthPrefixedString appends a signed 32-bit big-endian length
// followed by the string's raw bytes, used for SQL text fields.
func (w *frameWriter) WriteLengthPrefixedString(s string) {
	w.WriteInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes returns the finalized, immutable request body. The caller must
// not retain a mutable reference to the backing array after calling this.
func (w *frameWriter) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

// frameReader is a cursor-style reader over an already-assembled frame
// body. It is fed the full, reassembled buffer — never a raw TCP chunk —
// per spec.md §9's resolution of the "last chunk" ambiguity.
type frameReader struct {
	buf []byte
	pos int
}

func newFrameReader(buf []byte) *frameReader {
	return &frameReader{buf: buf}
}

// Remaining reports how many unread bytes are left.
func (r *frameReader) Remaining() int { return len(r.buf) - r.pos }

// ReadByte consumes and returns a single byte.
func (r *frameReader) ReadByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, errShortFrame
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadInt32 consumes a signed 32-bit big-endian integer.
func (r *frameReader) ReadInt32() (int32, error) {
	if r.Remaining() < 4 {
		return 0, errShortFrame
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

// ReadBytes consumes and returns exactly n raw bytes.
func (r *frameReader) ReadBytes(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, errShortFrame
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadFixedString consumes n bytes and trims trailing zero padding.
func (r *frameReader) ReadFixedString(n int) (string, error) {
	b, err := r.ReadBytes(n)
	if err != nil {
		return "", err
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end]), nil
}

// ReadCString consumes bytes up to and including the next NUL, returning
// everything before it.
func (r *frameReader) ReadCString() (string, error) {
	start := r.pos
	for r.pos < len(r.buf) {
		if r.buf[r.pos] == 0 {
			s := string(r.buf[start:r.pos])
			r.pos++
			return s, nil
		}
		r.pos++
	}
	// No terminator: treat the rest of the buffer as the string, matching
	// brokers that omit the trailing NUL on the final field of a frame.
	return string(r.buf[start:]), nil
}

// errShortFrame signals the assembled frame ended before a field could be
// fully read — always a ProtocolKind condition at the packet layer.
var errShortFrame = shortFrameError{}

type shortFrameError struct{}

func (shortFrameError) Error() string { return "cas: frame ended before field was fully read" }

// frameAssembler buffers arbitrary TCP chunks and reports when a full
// frame is available, per spec.md §4.1: "MUST not discard bytes until the
// consumer signals frame consumption."
type frameAssembler struct {
	buf []byte
}

// Feed appends newly-read bytes to the assembler's buffer.
func (a *frameAssembler) Feed(chunk []byte) {
	a.buf = append(a.buf, chunk...)
}

// frameHeaderSize is the 4-byte length prefix read before a frame's total
// size is known.
const frameHeaderSize = 4

// Frame reports whether a complete frame is buffered and, if so, returns
// its body (the bytes after the 4-byte length and the CAS info prefix)
// and the CAS info echo itself. It does not consume the bytes; call
// Consume with the same length once the caller is done with the slice.
func (a *frameAssembler) Frame() (casInfo [casInfoSize]byte, body []byte, total int, ok bool) {
	if len(a.buf) < frameHeaderSize {
		return casInfo, nil, 0, false
	}
	bodyLen := int(binary.BigEndian.Uint32(a.buf[:frameHeaderSize]))
	if bodyLen < 0 {
		return casInfo, nil, 0, false
	}
	total = frameHeaderSize + casInfoSize + bodyLen
	if len(a.buf) < total {
		return casInfo, nil, 0, false
	}
	copy(casInfo[:], a.buf[frameHeaderSize:frameHeaderSize+casInfoSize])
	body = a.buf[frameHeaderSize+casInfoSize : total]
	return casInfo, body, total, true
}

// Consume drops the first n bytes of the buffer, once the caller has
// finished with the slice returned by Frame.
func (a *frameAssembler) Consume(n int) {
	a.buf = a.buf[n:]
}

// encodeFrame prepends the 4-byte big-endian body length and the CAS info
// echo to a request body, producing the bytes written to the socket.
func encodeFrame(casInfo [casInfoSize]byte, body []byte) []byte {
	out := make([]byte, frameHeaderSize+casInfoSize+len(body))
	binary.BigEndian.PutUint32(out[:frameHeaderSize], uint32(len(body)))
	copy(out[frameHeaderSize:frameHeaderSize+casInfoSize], casInfo[:])
	copy(out[frameHeaderSize+casInfoSize:], body)
	return out
}
