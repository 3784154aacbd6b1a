package message

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdsproject/mds/internal/marshal"
)

func TestReadMessage_HeadersOnly(t *testing.T) {
	r := bytes.NewBufferString("Command: list\nTo: 1:2\n\n")
	p := New()
	msg, err := p.ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, []Header{
		{Raw: "Command: list", Name: "Command", Value: "list"},
		{Raw: "To: 1:2", Name: "To", Value: "1:2"},
	}, msg.Headers)
	assert.Nil(t, msg.Payload)
}

func TestReadMessage_WithPayload(t *testing.T) {
	r := bytes.NewBufferString("Command: broadcast\nLength: 5\n\nhello")
	p := New()
	msg, err := p.ReadMessage(r)
	require.NoError(t, err)
	v, ok := msg.Header("Length")
	assert.True(t, ok)
	assert.Equal(t, "5", v)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestReadMessage_ZeroLengthPayload(t *testing.T) {
	r := bytes.NewBufferString("Length: 0\n\n")
	p := New()
	msg, err := p.ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, msg.Payload)
}

func TestReadMessage_SplitAcrossReads(t *testing.T) {
	chunks := []string{"Comm", "and: ", "list\n", "\n"}
	pr, pw := io.Pipe()
	go func() {
		for _, c := range chunks {
			pw.Write([]byte(c))
		}
		pw.Close()
	}()
	p := New()
	msg, err := p.ReadMessage(pr)
	require.NoError(t, err)
	assert.Equal(t, "list", func() string { v, _ := msg.Header("Command"); return v }())
}

func TestReadMessage_MultipleMessagesAndLeftover(t *testing.T) {
	r := bytes.NewBufferString("Command: a\n\nCommand: b\n\n")
	p := New()
	m1, err := p.ReadMessage(r)
	require.NoError(t, err)
	v1, _ := m1.Header("Command")
	assert.Equal(t, "a", v1)

	m2, err := p.ReadMessage(r)
	require.NoError(t, err)
	v2, _ := m2.Header("Command")
	assert.Equal(t, "b", v2)
}

func TestReadMessage_MalformedCRIsFatal(t *testing.T) {
	r := bytes.NewBufferString("Command: a\r\n\n")
	p := New()
	_, err := p.ReadMessage(r)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = p.ReadMessage(r)
	assert.ErrorIs(t, err, ErrMalformed, "parser must stay dead after malformed input")
}

func TestReadMessage_NonNumericLengthIsFatal(t *testing.T) {
	r := bytes.NewBufferString("Length: abc\n\nxyz")
	p := New()
	_, err := p.ReadMessage(r)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadMessage_GrowsBufferPastDefault(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 4000)
	var buf bytes.Buffer
	buf.WriteString("Length: 4000\n\n")
	buf.Write(big)
	p := New()
	msg, err := p.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, big, msg.Payload)
}

func TestMessage_HasHeaderLine(t *testing.T) {
	msg := &Message{Headers: []Header{{Raw: "Command: register", Name: "Command", Value: "register"}}}
	assert.True(t, msg.HasHeaderLine("Command: register"))
	assert.False(t, msg.HasHeaderLine("Command: other"))
}

func TestMarshalRoundTrip_MidMessage_IncludesBuffer(t *testing.T) {
	p := New()
	r := bytes.NewBufferString("Command: list\nLength: 5\n\nhel")
	_, err := p.ReadMessage(r)
	require.ErrorIs(t, err, io.EOF)

	w := marshal.NewWriter(p.MarshalSize(true))
	p.Marshal(w, true)

	restored, err := Unmarshal(marshal.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, StagePayload, restored.Stage())

	rest := bytes.NewBufferString("lo")
	msg, err := restored.ReadMessage(rest)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestMarshalRoundTrip_WithoutBuffer_StartsFresh(t *testing.T) {
	p := New()
	r := bytes.NewBufferString("Command: list\nLength: 5\n\nhel")
	_, err := p.ReadMessage(r)
	require.ErrorIs(t, err, io.EOF)

	w := marshal.NewWriter(p.MarshalSize(false))
	p.Marshal(w, false)

	restored, err := Unmarshal(marshal.NewReader(w.Bytes()))
	require.NoError(t, err)

	rest := bytes.NewBufferString("Command: list\nLength: 2\n\nhi")
	msg, err := restored.ReadMessage(rest)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), msg.Payload)
}
