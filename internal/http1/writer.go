package http1

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WriterOptions configures a ResponseWriter.
type WriterOptions struct {
	// WriteTimeout bounds the whole serialization of the response.
	WriteTimeout time.Duration
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// countingWriter records how many bytes reached the destination.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ResponseWriter accumulates a response and serializes it once on End.
type ResponseWriter struct {
	out  countingWriter
	dl   writeDeadliner
	opts WriterOptions

	status  int
	reason  string
	header  *Header
	body    []byte
	hasBody bool
	stream  io.Reader

	sent     bool
	complete bool
}

// NewResponseWriter returns a writer with status 200 and no headers.
func NewResponseWriter(w io.Writer, opts WriterOptions) *ResponseWriter {
	rw := &ResponseWriter{
		out:    countingWriter{w: w},
		opts:   opts,
		status: http.StatusOK,
		header: NewHeader(),
	}
	if dl, ok := w.(writeDeadliner); ok {
		rw.dl = dl
	}
	return rw
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown Status"
}

// SetStatus sets the status code. Codes outside 100..999 are rejected.
func (rw *ResponseWriter) SetStatus(code int) error {
	if rw.sent {
		return ErrResponseAlreadySent
	}
	if code < 100 || code > 999 {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, code)
	}
	rw.status = code
	return nil
}

// SetReason overrides the reason phrase derived from the status table.
func (rw *ResponseWriter) SetReason(text string) error {
	if rw.sent {
		return ErrResponseAlreadySent
	}
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("%w: reason phrase contains CR or LF", ErrInvalidHeader)
	}
	rw.reason = text
	return nil
}

// SetHeader replaces every field named name with a single value.
func (rw *ResponseWriter) SetHeader(name, value string) error {
	if rw.sent {
		return ErrResponseAlreadySent
	}
	if !ValidField(name, value) {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, name)
	}
	rw.header.Set(name, value)
	return nil
}

// AddHeader appends a field, keeping existing values.
func (rw *ResponseWriter) AddHeader(name, value string) error {
	if rw.sent {
		return ErrResponseAlreadySent
	}
	if !ValidField(name, value) {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, name)
	}
	rw.header.Add(name, value)
	return nil
}

// DelHeader removes every field named name.
func (rw *ResponseWriter) DelHeader(name string) error {
	if rw.sent {
		return ErrResponseAlreadySent
	}
	rw.header.Del(name)
	return nil
}

// SetBody sets a fixed-size body, replacing any previous body or stream.
func (rw *ResponseWriter) SetBody(content []byte) error {
	if rw.sent {
		return ErrResponseAlreadySent
	}
	rw.body = content
	rw.hasBody = true
	rw.stream = nil
	return nil
}

// SetBodyString is SetBody for text content.
func (rw *ResponseWriter) SetBodyString(content string) error {
	return rw.SetBody([]byte(content))
}

// SetBodyStream sets a streamed body. Without a content-length header it is
// sent chunked. If r is an io.Closer it is closed after End.
func (rw *ResponseWriter) SetBodyStream(r io.Reader) error {
	if rw.sent {
		return ErrResponseAlreadySent
	}
	rw.stream = r
	rw.body = nil
	rw.hasBody = false
	return nil
}

// Status returns the current status code.
func (rw *ResponseWriter) Status() int { return rw.status }

// Header returns the first value of a response header set so far.
func (rw *ResponseWriter) Header(name string) string { return rw.header.Get(name) }

// HeaderFields returns a copy of the response headers in insertion order.
func (rw *ResponseWriter) HeaderFields() []HeaderField { return rw.header.Fields() }

// Body returns the fixed body set so far (nil for streams).
func (rw *ResponseWriter) Body() []byte { return rw.body }

// Sent reports whether End has run.
func (rw *ResponseWriter) Sent() bool { return rw.sent }

// Complete reports whether End wrote the whole response without error.
func (rw *ResponseWriter) Complete() bool { return rw.complete }

// Started reports whether any byte reached the connection.
func (rw *ResponseWriter) Started() bool { return rw.out.n > 0 }

// BytesWritten returns the number of bytes written to the connection.
func (rw *ResponseWriter) BytesWritten() int64 { return rw.out.n }

// Reset discards status, headers and body so a different response can be
// built. It fails once any byte has been written.
func (rw *ResponseWriter) Reset() error {
	if rw.Started() {
		return ErrResponseAlreadySent
	}
	rw.status = http.StatusOK
	rw.reason = ""
	rw.header = NewHeader()
	rw.body = nil
	rw.hasBody = false
	rw.stream = nil
	rw.sent = false
	return nil
}

// BodyAllowed reports whether a response with status may carry a body.
func BodyAllowed(status int) bool {
	return !(status >= 100 && status < 200) && status != http.StatusNoContent && status != http.StatusNotModified
}

type framing int

const (
	framingNone framing = iota
	framingFixed
	framingChunked
	framingStreamFixed
)

// End serializes the response. Contract violations detected before the first
// byte is written (length mismatch, body on a bodiless status) leave the
// response unsent; once bytes are on the wire the response counts as sent
// whatever happens next, and Complete tells whether it got out whole.
func (rw *ResponseWriter) End() (err error) {
	if rw.sent {
		return ErrResponseAlreadySent
	}
	mode, declared, err := rw.plan()
	if err != nil {
		return err
	}
	if rw.dl != nil && rw.opts.WriteTimeout > 0 {
		_ = rw.dl.SetWriteDeadline(time.Now().Add(rw.opts.WriteTimeout))
	}
	rw.sent = true
	defer func() { rw.complete = err == nil }()
	if c, ok := rw.stream.(io.Closer); ok {
		defer c.Close()
	}

	head := rw.head(mode)
	switch mode {
	case framingNone:
		_, err = rw.out.Write(head)
		return err
	case framingFixed:
		buf := make([]byte, 0, len(head)+len(rw.body))
		buf = append(buf, head...)
		buf = append(buf, rw.body...)
		_, err = rw.out.Write(buf)
		return err
	}

	bw := bufio.NewWriter(&rw.out)
	if _, err := bw.Write(head); err != nil {
		return err
	}
	src := rw.stream
	if src == nil {
		src = bytes.NewReader(rw.body)
	}
	if mode == framingChunked {
		cw := NewChunkedWriter(bw)
		if _, err := io.Copy(cw, src); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		return bw.Flush()
	}

	n, err := io.CopyN(bw, src, declared)
	if err != nil && err != io.EOF {
		return err
	}
	if n < declared {
		_ = bw.Flush()
		return fmt.Errorf("%w: declared %d, stream ended after %d", ErrBodyLengthMismatch, declared, n)
	}
	var extra [1]byte
	if m, _ := io.ReadFull(src, extra[:]); m > 0 {
		_ = bw.Flush()
		return fmt.Errorf("%w: stream longer than declared %d bytes", ErrBodyLengthMismatch, declared)
	}
	return bw.Flush()
}

// plan decides the body framing and validates the content-length contract.
func (rw *ResponseWriter) plan() (framing, int64, error) {
	if !BodyAllowed(rw.status) {
		if (rw.hasBody && len(rw.body) > 0) || rw.stream != nil {
			return 0, 0, fmt.Errorf("%w: %d", ErrBodyNotAllowed, rw.status)
		}
		return framingNone, 0, nil
	}

	declared := int64(-1)
	if rw.header.Has("content-length") {
		n, err := strconv.ParseInt(rw.header.Get("content-length"), 10, 64)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("%w: content-length %q", ErrInvalidHeader, rw.header.Get("content-length"))
		}
		declared = n
	}
	chunked := strings.Contains(strings.ToLower(rw.header.Joined("transfer-encoding")), "chunked")

	if rw.stream != nil {
		switch {
		case chunked || declared < 0:
			return framingChunked, 0, nil
		default:
			return framingStreamFixed, declared, nil
		}
	}
	if chunked {
		return framingChunked, 0, nil
	}
	if declared >= 0 && declared != int64(len(rw.body)) {
		return 0, 0, fmt.Errorf("%w: declared %d, body has %d", ErrBodyLengthMismatch, declared, len(rw.body))
	}
	return framingFixed, declared, nil
}

// head renders the status line and header block. A computed content-length
// goes first so it is fixed before any caller header is emitted.
func (rw *ResponseWriter) head(mode framing) []byte {
	reason := rw.reason
	if reason == "" {
		reason = StatusText(rw.status)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", rw.status, reason)

	fields := rw.header.Fields()
	switch mode {
	case framingFixed:
		if !rw.header.Has("content-length") {
			writeField(&b, "content-length", strconv.Itoa(len(rw.body)))
		}
	case framingChunked:
		if !rw.header.Has("transfer-encoding") {
			fields = append(fields, HeaderField{Name: "transfer-encoding", Value: "chunked"})
		}
		fields = dropField(fields, "content-length")
	}
	for _, f := range fields {
		writeField(&b, f.Name, f.Value)
	}
	if !rw.header.Has("connection") {
		writeField(&b, "connection", "close")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func writeField(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

func dropField(fields []HeaderField, name string) []HeaderField {
	out := fields[:0]
	for _, f := range fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}
