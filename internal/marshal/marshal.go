// Package marshal implements the versioned, native-endian state-transfer
// buffers used to carry live in-memory state across a re-exec. Every
// marshallable component writes a [version int32][fields...] block; sizes
// are pre-computed via MarshalSize so callers allocate exactly once. The
// encoding uses the host's native integer width and byte order, matching
// the original C source's raw struct-copy marshaller: these buffers are
// meaningful only within one process's lifetime across execve, never on
// the wire and never across architectures.
package marshal

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrUnsupportedVersion is returned by readers when a component's
// unmarshal encounters a version newer than it knows how to read.
// Version 0 is always accepted silently; this is the sharp edge the
// original "must not silently misread older data" requirement protects.
var ErrUnsupportedVersion = errors.New("marshal: unsupported version")

// ErrTruncated is returned when a Reader runs out of bytes mid-read.
var ErrTruncated = errors.New("marshal: truncated buffer")

const (
	sizeInt32 = 4
	sizeInt64 = 8
)

// Writer appends fixed-width fields to a pre-sized byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter allocates a Writer with exactly `size` bytes of backing
// storage, as computed by the caller's MarshalSize.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Int32 appends a 32-bit signed integer.
func (w *Writer) Int32(v int32) {
	var tmp [sizeInt32]byte
	binary.NativeEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
}

// Uint64 appends a 64-bit unsigned integer (used for client IDs and
// sizes/capacities, which the C source stored as `size_t`).
func (w *Writer) Uint64(v uint64) {
	var tmp [sizeInt64]byte
	binary.NativeEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// Int64 appends a 64-bit signed integer.
func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

// Bool appends a one-word boolean, encoded the way the C source encoded
// its `int` flags (connected, reexecing, ...): zero or one in a uint64.
func (w *Writer) Bool(v bool) {
	if v {
		w.Uint64(1)
	} else {
		w.Uint64(0)
	}
}

// RawBytes appends raw bytes verbatim with no length prefix; the caller is
// responsible for framing (used for payload blocks whose length is
// already recorded elsewhere in the stream).
func (w *Writer) RawBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// CString appends a NUL-terminated string, matching the C source's
// strdup/strlen+1 convention for marshalled registry keys.
func (w *Writer) CString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// SizeCString returns the marshalled size of a CString field.
func SizeCString(s string) int { return len(s) + 1 }

// Reader consumes fixed-width fields from a byte buffer in the order a
// matching Writer produced them.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential reads. buf is not copied or
// retained beyond the Reader's lifetime in any special way: callers that
// need the backing array to remain unaliased should pass a copy.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining returns the count of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Pos returns the current read offset, useful for components that embed
// a nested marshal block of a size recorded earlier in the stream and
// need to skip over it by absolute offset.
func (r *Reader) Pos() int { return r.pos }

// Advance skips n bytes, e.g. past a nested component whose size was
// already read and whose contents were unmarshalled via a sub-Reader.
func (r *Reader) Advance(n int) error {
	if r.Remaining() < n {
		return ErrTruncated
	}
	r.pos += n
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Int32 reads a 32-bit signed integer.
func (r *Reader) Int32() (int32, error) {
	b, err := r.take(sizeInt32)
	if err != nil {
		return 0, err
	}
	return int32(binary.NativeEndian.Uint32(b)), nil
}

// Uint64 reads a 64-bit unsigned integer.
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(sizeInt64)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(b), nil
}

// Int64 reads a 64-bit signed integer.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Bool reads a one-word boolean.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint64()
	return v != 0, err
}

// RawBytes reads n raw bytes.
func (r *Reader) RawBytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// CString reads a NUL-terminated string.
func (r *Reader) CString() (string, error) {
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", ErrTruncated
}

// Version reads the leading int32 version field present on every
// marshalled component and validates it against maxKnown. Version 0 is
// always accepted.
func (r *Reader) Version(maxKnown int32) (int32, error) {
	v, err := r.Int32()
	if err != nil {
		return 0, err
	}
	if v < 0 || v > maxKnown {
		return v, ErrUnsupportedVersion
	}
	return v, nil
}
