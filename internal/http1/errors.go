package http1

import (
	"errors"
	"fmt"
	"net/http"
)

// Protocol errors. These are detected while parsing a request and are always
// wrapped in a *ProtocolError carrying the status code to answer with.
var (
	ErrMalformedStartLine          = errors.New("http1: malformed start line")
	ErrMalformedHeaderLine         = errors.New("http1: malformed header line")
	ErrHeaderConflict              = errors.New("http1: conflicting header values")
	ErrTruncatedBody               = errors.New("http1: truncated body")
	ErrMalformedChunk              = errors.New("http1: malformed chunk")
	ErrHeaderLineTooLong           = errors.New("http1: header line too long")
	ErrTooManyHeaders              = errors.New("http1: too many header lines")
	ErrInvalidContentLength        = errors.New("http1: invalid content-length")
	ErrUnsupportedTransferEncoding = errors.New("http1: unsupported transfer-encoding")
	ErrBodyTooLarge                = errors.New("http1: body too large")
)

// Body and writer contract errors.
var (
	ErrBodyAlreadyConsumed = errors.New("http1: body already consumed")
	ErrResponseAlreadySent = errors.New("http1: response already sent")
	ErrBodyLengthMismatch  = errors.New("http1: body length does not match content-length")
	ErrBodyNotAllowed      = errors.New("http1: status does not allow a body")
	ErrInvalidStatus       = errors.New("http1: invalid status code")
	ErrInvalidHeader       = errors.New("http1: invalid header field")
)

// ErrReadTimeout is returned when a read deadline expires while the request
// is being read. It is a transport error: the connection is closed without a response.
var ErrReadTimeout = errors.New("http1: read timeout")

// ProtocolError describes a request that violates HTTP/1.1 framing.
type ProtocolError struct {
	Kind   error  // one of the protocol sentinels above
	Detail string // human readable detail, safe to echo to the client
	Cause  error  // optional underlying error (e.g. io.ErrUnexpectedEOF)
}

func newProtocolError(kind error, cause error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *ProtocolError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// StatusCode returns the response status a server should answer with.
func (e *ProtocolError) StatusCode() int {
	switch e.Kind {
	case ErrHeaderLineTooLong, ErrTooManyHeaders:
		return http.StatusRequestHeaderFieldsTooLarge
	case ErrBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrUnsupportedTransferEncoding:
		return http.StatusNotImplemented
	default:
		return http.StatusBadRequest
	}
}

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
