package marshal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripFields(t *testing.T) {
	w := NewWriter(4 + 4 + 8 + 8 + 8 + SizeCString("hello"))
	w.Int32(0)
	w.Int32(-7)
	w.Uint64(1 << 40)
	w.Int64(-12345)
	w.Bool(true)
	w.CString("hello")

	r := NewReader(w.Bytes())
	v, err := r.Version(0)
	require.NoError(t, err)
	assert.Equal(t, int32(0), v)

	i32, err := r.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i32)

	u64, err := r.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), u64)

	i64, err := r.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(-12345), i64)

	b, err := r.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	s, err := r.CString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	assert.Zero(t, r.Remaining())
}

func TestVersionRejectsUnknown(t *testing.T) {
	w := NewWriter(4)
	w.Int32(5)
	r := NewReader(w.Bytes())
	_, err := r.Version(2)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestVersionZeroAlwaysAccepted(t *testing.T) {
	w := NewWriter(4)
	w.Int32(0)
	r := NewReader(w.Bytes())
	v, err := r.Version(5)
	require.NoError(t, err)
	assert.Equal(t, int32(0), v)
}

func TestTruncatedBufferErrors(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_, err := r.Int32()
	assert.ErrorIs(t, err, ErrTruncated)
}
