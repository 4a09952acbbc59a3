package http1

import (
	"net/url"
	"strings"
)

// Request is a request whose start line and headers are resolved. The body
// stays on the connection until Body is called.
type Request struct {
	Line   RequestLine
	Header *Header

	reader *RequestReader
}

// Method returns the request method token.
func (r *Request) Method() string { return r.Line.Method }

// Target returns the raw request target as received.
func (r *Request) Target() string { return r.Line.Path }

// Version returns the protocol version, e.g. "HTTP/1.1".
func (r *Request) Version() string { return r.Line.Version }

// Path returns the request target without its query string.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.Line.Path, '?'); i >= 0 {
		return r.Line.Path[:i]
	}
	return r.Line.Path
}

// Query parses the query string of the request target.
func (r *Request) Query() (url.Values, error) {
	i := strings.IndexByte(r.Line.Path, '?')
	if i < 0 {
		return url.Values{}, nil
	}
	return url.ParseQuery(r.Line.Path[i+1:])
}

// Body returns the single-pass body stream.
func (r *Request) Body() (*Body, error) {
	if r.reader == nil {
		return newEmptyBody(), nil
	}
	return r.reader.Body()
}

// NewRequest builds a Request that is not bound to a connection. Its body is
// always empty. Intended for tests and synthetic requests.
func NewRequest(method, target string, header *Header) *Request {
	if header == nil {
		header = NewHeader()
	}
	return &Request{
		Line:   RequestLine{Method: method, Path: target, Version: "HTTP/1.1"},
		Header: header,
	}
}
