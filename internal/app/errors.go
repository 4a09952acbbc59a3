package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/onionhttp/internal/http1"
	"example.com/onionhttp/internal/logger"
)

var (
	// ErrApplicationFrozen is returned by Use once the application serves.
	ErrApplicationFrozen = errors.New("app: middleware cannot be added after the application started serving")
	// ErrNextCalledTwice is returned by a Next that was already called.
	ErrNextCalledTwice = errors.New("app: next called more than once")
	// ErrNilMiddleware is returned by Use for a nil middleware.
	ErrNilMiddleware = errors.New("app: nil middleware")
	// ErrExchangeAborted reports an exchange that failed after response
	// bytes reached the client. The connection is reset, not answered.
	ErrExchangeAborted = errors.New("app: exchange aborted after response started")
)

// HTTPError is an error that carries the status to answer with.
type HTTPError struct {
	Status int
	Detail string
	Cause  error
	// Header is added to the default error response, e.g. allow on a 405.
	Header []http1.HeaderField
}

// NewHTTPError returns an HTTPError for status with a client visible detail.
func NewHTTPError(status int, detail string) *HTTPError {
	return &HTTPError{Status: status, Detail: detail}
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("http %d", e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *HTTPError) Unwrap() error { return e.Cause }

// PanicError wraps a value recovered from a panicking middleware.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("app: middleware panic: %v", e.Value) }

// errorStatus picks the response status, client visible detail and extra
// headers for err. Errors that carry no status are answered with 500 and no
// detail.
func errorStatus(err error) (int, string, []http1.HeaderField) {
	var he *HTTPError
	if errors.As(err, &he) && he.Status >= 400 && he.Status <= 599 {
		return he.Status, he.Detail, he.Header
	}
	var pe *http1.ProtocolError
	if errors.As(err, &pe) {
		return pe.StatusCode(), pe.Detail, nil
	}
	return http.StatusInternalServerError, "", nil
}

var jsonMarshalFunc = json.Marshal

// ErrorDetail is the inner object of a JSON error body.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON is the JSON error body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The method is not allowed for the requested resource.",
	},
	http.StatusRequestEntityTooLarge: {
		Title:   "413 Payload Too Large",
		Heading: "Payload Too Large",
		Message: "The request body is larger than the server is willing to process.",
	},
	http.StatusRequestHeaderFieldsTooLarge: {
		Title:   "431 Request Header Fields Too Large",
		Heading: "Request Header Fields Too Large",
		Message: "The request header block is larger than the server is willing to process.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusNotImplemented: {
		Title:   "501 Not Implemented",
		Heading: "Not Implemented",
		Message: "The server does not support the functionality required to fulfill the request.",
	},
}

// PrefersJSON reports whether the most preferred media type of an Accept
// header value is application/json. Ties on q are broken by specificity and
// then by position.
func PrefersJSON(accept string) bool {
	if accept == "" {
		return false
	}
	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer
	for i, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				v, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || v < 0 || v > 1 {
					v = 0
				}
				q = v
				break
			}
		}
		// q=0 means "not acceptable".
		if q > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// GenerateHTMLResponseBody renders the default HTML error page. message is
// inserted as is and must already be escaped.
func GenerateHTMLResponseBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}

// errorBody builds the default error body and its content type.
func errorBody(status int, accept, detail string, lg *logger.Logger) ([]byte, string) {
	statusText := http1.StatusText(status)
	if PrefersJSON(accept) {
		body, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{StatusCode: status, Message: statusText, Detail: detail}})
		if err == nil {
			return body, "application/json; charset=utf-8"
		}
		if lg != nil {
			lg.Error("Failed to marshal JSON error response, falling back to HTML.", logger.LogFields{"error": err.Error(), "status_code": status})
		}
	}

	title := fmt.Sprintf("%d %s", status, statusText)
	heading := statusText
	message := "The server encountered an error processing your request."
	known, ok := defaultHTMLMessages[status]
	if ok {
		title, heading, message = known.Title, known.Heading, known.Message
	}
	if detail != "" {
		escaped := html.EscapeString(detail)
		if ok {
			message += " " + escaped
		} else {
			message = escaped
		}
	}
	return GenerateHTMLResponseBody(title, heading, message), "text/html; charset=utf-8"
}

// WriteErrorResponse discards anything staged on res and sends a default
// error response for status. The body is JSON when accept prefers it, HTML
// otherwise. extra headers are added after the standard ones.
func WriteErrorResponse(res *http1.ResponseWriter, status int, accept, detail string, lg *logger.Logger, extra ...http1.HeaderField) error {
	if err := res.Reset(); err != nil {
		return fmt.Errorf("cannot send %d error response: %w", status, err)
	}
	body, contentType := errorBody(status, accept, detail, lg)
	if err := res.SetStatus(status); err != nil {
		return err
	}
	for _, h := range [][2]string{
		{"content-type", contentType},
		{"cache-control", "no-cache, no-store, must-revalidate"},
		{"pragma", "no-cache"},
		{"expires", "0"},
	} {
		if err := res.SetHeader(h[0], h[1]); err != nil {
			return err
		}
	}
	for _, f := range extra {
		if err := res.AddHeader(f.Name, f.Value); err != nil {
			return err
		}
	}
	if err := res.SetBody(body); err != nil {
		return err
	}
	if err := res.End(); err != nil {
		return fmt.Errorf("failed to send %d error response: %w", status, err)
	}
	return nil
}
