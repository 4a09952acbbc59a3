package http1

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Reader defaults.
const (
	DefaultMaxLineBytes   = 8 << 10
	DefaultMaxHeaderCount = 100
	DefaultHeaderTimeout  = 10 * time.Second
	DefaultBodyTimeout    = 30 * time.Second
)

// ReaderOptions bounds the resources a single request may consume.
// Zero values disable the corresponding limit.
type ReaderOptions struct {
	MaxLineBytes   int
	MaxHeaderCount int
	MaxBodyBytes   int64
	HeaderTimeout  time.Duration
	BodyTimeout    time.Duration
}

// DefaultReaderOptions returns the limits used when nothing is configured.
func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{
		MaxLineBytes:   DefaultMaxLineBytes,
		MaxHeaderCount: DefaultMaxHeaderCount,
		HeaderTimeout:  DefaultHeaderTimeout,
		BodyTimeout:    DefaultBodyTimeout,
	}
}

// RequestLine is the parsed start line of a request.
type RequestLine struct {
	Method  string
	Path    string
	Version string
}

func (l RequestLine) String() string {
	return l.Method + " " + l.Path + " " + l.Version
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// RequestReader parses a request from a byte source on demand. The start
// line, the header block and the body are resolved by separate accessors;
// each reads only what it needs and memoizes its result (or error), so a
// repeated call never touches the source again.
type RequestReader struct {
	br   *bufio.Reader
	dl   readDeadliner
	opts ReaderOptions

	line    *RequestLine
	lineErr error

	header    *Header
	headerErr error

	body    *Body
	bodyErr error
}

// NewRequestReader returns a reader over src. If src supports read
// deadlines (net.Conn does) the header and body timeouts are enforced.
func NewRequestReader(src io.Reader, opts ReaderOptions) *RequestReader {
	r := &RequestReader{
		br:   bufio.NewReader(src),
		opts: opts,
	}
	if dl, ok := src.(readDeadliner); ok {
		r.dl = dl
	}
	return r
}

func (r *RequestReader) setDeadline(d time.Duration) {
	if r.dl == nil {
		return
	}
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	_ = r.dl.SetReadDeadline(t)
}

// General resolves the request line.
func (r *RequestReader) General() (RequestLine, error) {
	if r.line != nil || r.lineErr != nil {
		return r.lineValue(), r.lineErr
	}
	r.setDeadline(r.opts.HeaderTimeout)
	raw, err := readLine(r.br, r.opts.MaxLineBytes)
	if err != nil {
		r.lineErr = r.headLineError(err, ErrMalformedStartLine, "start line")
		return RequestLine{}, r.lineErr
	}
	line, err := parseRequestLine(raw)
	if err != nil {
		r.lineErr = err
		return RequestLine{}, err
	}
	r.line = &line
	return line, nil
}

func (r *RequestReader) lineValue() RequestLine {
	if r.line == nil {
		return RequestLine{}
	}
	return *r.line
}

// headLineError maps a readLine failure during the head to the error the
// caller sees. EOF before anything was read stays io.EOF.
func (r *RequestReader) headLineError(err error, kind error, what string) error {
	switch {
	case err == io.EOF && kind == ErrMalformedStartLine:
		return io.EOF
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return newProtocolError(kind, io.ErrUnexpectedEOF, "connection closed inside %s", what)
	case err == errLineTooLong:
		return newProtocolError(ErrHeaderLineTooLong, nil, "%s exceeds %d bytes", what, r.opts.MaxLineBytes)
	}
	return wrapTimeout(err)
}

func parseRequestLine(raw string) (RequestLine, error) {
	parts := strings.Split(raw, " ")
	if len(parts) != 3 {
		return RequestLine{}, newProtocolError(ErrMalformedStartLine, nil, "expected 3 tokens, got %d", len(parts))
	}
	method, path, version := parts[0], parts[1], parts[2]
	if !httpguts.ValidHeaderFieldName(method) {
		return RequestLine{}, newProtocolError(ErrMalformedStartLine, nil, "invalid method %q", method)
	}
	if path == "" {
		return RequestLine{}, newProtocolError(ErrMalformedStartLine, nil, "empty request target")
	}
	if !validVersion(version) {
		return RequestLine{}, newProtocolError(ErrMalformedStartLine, nil, "invalid version %q", version)
	}
	return RequestLine{Method: method, Path: path, Version: version}, nil
}

// validVersion matches HTTP/<digit>.<digit>.
func validVersion(v string) bool {
	if len(v) != 8 || !strings.HasPrefix(v, "HTTP/") {
		return false
	}
	return isDigit(v[5]) && v[6] == '.' && isDigit(v[7])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Headers resolves the header block, reading the start line first if needed.
func (r *RequestReader) Headers() (*Header, error) {
	if r.header != nil || r.headerErr != nil {
		return r.header, r.headerErr
	}
	if _, err := r.General(); err != nil {
		r.headerErr = err
		return nil, err
	}
	h := NewHeader()
	for {
		raw, err := readLine(r.br, r.opts.MaxLineBytes)
		if err != nil {
			r.headerErr = r.headLineError(err, ErrMalformedHeaderLine, "header block")
			return nil, r.headerErr
		}
		if raw == "" {
			break
		}
		if r.opts.MaxHeaderCount > 0 && h.Len() >= r.opts.MaxHeaderCount {
			r.headerErr = newProtocolError(ErrTooManyHeaders, nil, "more than %d header lines", r.opts.MaxHeaderCount)
			return nil, r.headerErr
		}
		name, value, ok := splitHeaderLine(raw)
		if !ok {
			r.headerErr = newProtocolError(ErrMalformedHeaderLine, nil, "%q", raw)
			return nil, r.headerErr
		}
		h.Add(name, value)
	}
	r.header = h
	return h, nil
}

// splitHeaderLine splits "Name: value" on the first colon. The name must be
// a token once trimmed; the value is trimmed of SP and HTAB and may be empty.
func splitHeaderLine(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	name = strings.Trim(line[:i], " \t")
	value = strings.Trim(line[i+1:], " \t")
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return "", "", false
	}
	return name, value, true
}

// Body resolves the body framing from the headers and returns the stream.
func (r *RequestReader) Body() (*Body, error) {
	if r.body != nil || r.bodyErr != nil {
		return r.body, r.bodyErr
	}
	h, err := r.Headers()
	if err != nil {
		r.bodyErr = err
		return nil, err
	}
	body, err := r.frameBody(h)
	if err != nil {
		r.bodyErr = err
		return nil, err
	}
	r.setDeadline(r.opts.BodyTimeout)
	r.body = body
	return body, nil
}

func (r *RequestReader) frameBody(h *Header) (*Body, error) {
	if h.Has("transfer-encoding") {
		var codings []string
		for _, c := range strings.Split(h.Joined("transfer-encoding"), ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				codings = append(codings, c)
			}
		}
		if len(codings) != 1 || codings[0] != "chunked" {
			return nil, newProtocolError(ErrUnsupportedTransferEncoding, nil, "%q", h.Joined("transfer-encoding"))
		}
		return newChunkedBody(r.br, r.opts.MaxLineBytes, r.opts.MaxBodyBytes), nil
	}
	if h.Has("content-length") {
		n, err := parseContentLength(h.Values("content-length"))
		if err != nil {
			return nil, err
		}
		if r.opts.MaxBodyBytes > 0 && n > r.opts.MaxBodyBytes {
			return nil, newProtocolError(ErrBodyTooLarge, nil, "content-length %d exceeds %d bytes", n, r.opts.MaxBodyBytes)
		}
		if n == 0 {
			return newEmptyBody(), nil
		}
		return newFixedBody(r.br, n), nil
	}
	// No framing headers: the body is empty, never "read until close".
	return newEmptyBody(), nil
}

// parseContentLength accepts repeated fields and comma separated lists as
// long as every value is identical.
func parseContentLength(values []string) (int64, error) {
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" || strings.TrimLeft(part, "0123456789") != "" {
				return 0, newProtocolError(ErrInvalidContentLength, nil, "%q", v)
			}
			m, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, newProtocolError(ErrInvalidContentLength, err, "%q", v)
			}
			if n >= 0 && m != n {
				return 0, newProtocolError(ErrHeaderConflict, nil, "content-length values %d and %d differ", n, m)
			}
			n = m
		}
	}
	if n < 0 {
		return 0, newProtocolError(ErrInvalidContentLength, nil, "empty value")
	}
	return n, nil
}

// ReadRequest resolves the start line and headers and returns a Request
// whose body is still unread.
func (r *RequestReader) ReadRequest() (*Request, error) {
	h, err := r.Headers()
	if err != nil {
		return nil, err
	}
	return &Request{Line: r.lineValue(), Header: h, reader: r}, nil
}

func wrapTimeout(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &timeoutError{cause: err}
	}
	return err
}

type timeoutError struct{ cause error }

func (e *timeoutError) Error() string   { return ErrReadTimeout.Error() + ": " + e.cause.Error() }
func (e *timeoutError) Unwrap() []error { return []error{ErrReadTimeout, e.cause} }
