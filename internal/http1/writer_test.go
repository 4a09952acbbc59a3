package http1

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter counts Write calls so single-write framing can be checked.
type recordingWriter struct {
	bytes.Buffer
	writes int
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.writes++
	return r.Buffer.Write(p)
}

// parseResponse reads the raw response back with net/http as an independent check.
func parseResponse(t *testing.T, raw []byte) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestResponseWriter_HelloWorld(t *testing.T) {
	out := &recordingWriter{}
	rw := NewResponseWriter(out, WriterOptions{})
	require.NoError(t, rw.SetBodyString("hello world"))
	require.NoError(t, rw.End())

	raw := out.String()
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, raw, "content-length: 11\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nhello world"))
	assert.Equal(t, 1, out.writes, "head and fixed body go out in one write")
	assert.Equal(t, int64(len(raw)), rw.BytesWritten())
	assert.True(t, rw.Sent())
	assert.True(t, rw.Started())
	assert.True(t, rw.Complete())
}

func TestResponseWriter_HeaderOrder(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetStatus(201))
	require.NoError(t, rw.SetHeader("Content-Type", "text/plain"))
	require.NoError(t, rw.AddHeader("X-Tag", "a"))
	require.NoError(t, rw.AddHeader("X-Tag", "b"))
	require.NoError(t, rw.SetBodyString("abc"))
	require.NoError(t, rw.End())

	want := "HTTP/1.1 201 Created\r\n" +
		"content-length: 3\r\n" +
		"Content-Type: text/plain\r\n" +
		"X-Tag: a\r\n" +
		"X-Tag: b\r\n" +
		"connection: close\r\n" +
		"\r\n" +
		"abc"
	assert.Equal(t, want, out.String())
}

func TestResponseWriter_UnknownStatusAndCustomReason(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetStatus(599))
	require.NoError(t, rw.End())
	assert.True(t, strings.HasPrefix(out.String(), "HTTP/1.1 599 Unknown Status\r\n"))

	out.Reset()
	rw = NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetReason("Fine"))
	require.NoError(t, rw.End())
	assert.True(t, strings.HasPrefix(out.String(), "HTTP/1.1 200 Fine\r\n"))
	assert.Error(t, NewResponseWriter(&out, WriterOptions{}).SetReason("a\r\nb"))
}

func TestResponseWriter_MutationAfterEnd(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetBodyString("done"))
	require.NoError(t, rw.End())
	written := out.Len()

	assert.ErrorIs(t, rw.SetStatus(500), ErrResponseAlreadySent)
	assert.ErrorIs(t, rw.SetHeader("X", "y"), ErrResponseAlreadySent)
	assert.ErrorIs(t, rw.AddHeader("X", "y"), ErrResponseAlreadySent)
	assert.ErrorIs(t, rw.DelHeader("X"), ErrResponseAlreadySent)
	assert.ErrorIs(t, rw.SetBodyString("more"), ErrResponseAlreadySent)
	assert.ErrorIs(t, rw.SetBodyStream(strings.NewReader("more")), ErrResponseAlreadySent)
	assert.ErrorIs(t, rw.End(), ErrResponseAlreadySent)
	assert.ErrorIs(t, rw.Reset(), ErrResponseAlreadySent)

	assert.Equal(t, written, out.Len(), "no additional bytes reach the connection")
}

func TestResponseWriter_InvalidInput(t *testing.T) {
	rw := NewResponseWriter(io.Discard, WriterOptions{})
	assert.ErrorIs(t, rw.SetStatus(99), ErrInvalidStatus)
	assert.ErrorIs(t, rw.SetStatus(1000), ErrInvalidStatus)
	assert.ErrorIs(t, rw.SetHeader("Bad Name", "v"), ErrInvalidHeader)
	assert.ErrorIs(t, rw.SetHeader("X", "a\r\nEvil: 1"), ErrInvalidHeader)
	assert.Equal(t, 200, rw.Status())
}

func TestResponseWriter_DeclaredLengthMismatch(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetHeader("Content-Length", "10"))
	require.NoError(t, rw.SetBodyString("short"))

	err := rw.End()
	assert.ErrorIs(t, err, ErrBodyLengthMismatch)
	assert.Zero(t, out.Len(), "nothing is written for a length mismatch")
	assert.False(t, rw.Sent())
	assert.False(t, rw.Started())
}

func TestResponseWriter_DeclaredLengthMatches(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetHeader("Content-Length", "5"))
	require.NoError(t, rw.SetBodyString("exact"))
	require.NoError(t, rw.End())

	assert.Equal(t, 1, strings.Count(strings.ToLower(out.String()), "content-length"))
	resp, body := parseResponse(t, out.Bytes())
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.Equal(t, "exact", body)
}

func TestResponseWriter_StreamIsChunked(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	payload := strings.Repeat("stream-data ", 5000)
	require.NoError(t, rw.SetBodyStream(io.MultiReader(strings.NewReader(payload[:100]), strings.NewReader(payload[100:]))))
	require.NoError(t, rw.End())

	raw := out.String()
	assert.Contains(t, raw, "transfer-encoding: chunked\r\n")
	assert.NotContains(t, strings.ToLower(raw), "content-length")

	resp, body := parseResponse(t, out.Bytes())
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, payload, body)
}

func TestResponseWriter_StreamWithDeclaredLength(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetHeader("content-length", "4"))
	require.NoError(t, rw.SetBodyStream(strings.NewReader("data")))
	require.NoError(t, rw.End())

	_, body := parseResponse(t, out.Bytes())
	assert.Equal(t, "data", body)
}

func TestResponseWriter_StreamLengthMismatch(t *testing.T) {
	short := NewResponseWriter(io.Discard, WriterOptions{})
	require.NoError(t, short.SetHeader("content-length", "10"))
	require.NoError(t, short.SetBodyStream(strings.NewReader("data")))
	assert.ErrorIs(t, short.End(), ErrBodyLengthMismatch)
	assert.True(t, short.Sent())
	assert.False(t, short.Complete(), "a short stream leaves the response incomplete")

	long := NewResponseWriter(io.Discard, WriterOptions{})
	require.NoError(t, long.SetHeader("content-length", "2"))
	require.NoError(t, long.SetBodyStream(strings.NewReader("data")))
	assert.ErrorIs(t, long.End(), ErrBodyLengthMismatch)
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestResponseWriter_StreamClosedAfterEnd(t *testing.T) {
	src := &closeTracker{Reader: strings.NewReader("x")}
	rw := NewResponseWriter(io.Discard, WriterOptions{})
	require.NoError(t, rw.SetBodyStream(src))
	require.NoError(t, rw.End())
	assert.True(t, src.closed)
}

func TestResponseWriter_ChunkedFixedBody(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetHeader("Transfer-Encoding", "chunked"))
	require.NoError(t, rw.SetBodyString("abc"))
	require.NoError(t, rw.End())

	_, body := parseResponse(t, out.Bytes())
	assert.Equal(t, "abc", body)
}

func TestResponseWriter_NoBodyStatuses(t *testing.T) {
	for _, code := range []int{http.StatusNoContent, http.StatusNotModified} {
		var out bytes.Buffer
		rw := NewResponseWriter(&out, WriterOptions{})
		require.NoError(t, rw.SetStatus(code))
		require.NoError(t, rw.End())
		assert.NotContains(t, out.String(), "content-length")
		assert.True(t, strings.HasSuffix(out.String(), "\r\n\r\n"))

		rw = NewResponseWriter(io.Discard, WriterOptions{})
		require.NoError(t, rw.SetStatus(code))
		require.NoError(t, rw.SetBodyString("x"))
		assert.ErrorIs(t, rw.End(), ErrBodyNotAllowed)
	}
}

func TestResponseWriter_ConnectionHeaderNotDuplicated(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetHeader("Connection", "close"))
	require.NoError(t, rw.End())
	assert.Equal(t, 1, strings.Count(strings.ToLower(out.String()), "connection:"))
}

func TestResponseWriter_ResetBeforeWrite(t *testing.T) {
	var out bytes.Buffer
	rw := NewResponseWriter(&out, WriterOptions{})
	require.NoError(t, rw.SetStatus(201))
	require.NoError(t, rw.SetHeader("X-A", "1"))
	require.NoError(t, rw.SetBodyString("first"))

	require.NoError(t, rw.Reset())
	assert.Equal(t, 200, rw.Status())
	assert.Equal(t, "", rw.Header("x-a"))
	assert.Nil(t, rw.Body())
}

type failingWriter struct{ err error }

func (f failingWriter) Write(p []byte) (int, error) { return 0, f.err }

func TestResponseWriter_TransportError(t *testing.T) {
	broken := errors.New("broken pipe")
	rw := NewResponseWriter(failingWriter{err: broken}, WriterOptions{})
	err := rw.End()
	assert.ErrorIs(t, err, broken)
	assert.True(t, rw.Sent())
	assert.False(t, rw.Started())
	assert.False(t, rw.Complete())
}

func TestBodyAllowed(t *testing.T) {
	for _, code := range []int{100, 101, 199, http.StatusNoContent, http.StatusNotModified} {
		assert.False(t, BodyAllowed(code), code)
	}
	for _, code := range []int{200, 201, 205, 302, 404, 999} {
		assert.True(t, BodyAllowed(code), code)
	}
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "OK", StatusText(200))
	assert.Equal(t, "Not Found", StatusText(404))
	assert.Equal(t, "Unknown Status", StatusText(799))
}
