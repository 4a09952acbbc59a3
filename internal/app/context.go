package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/onionhttp/internal/http1"
	"example.com/onionhttp/internal/logger"
)

// Context is the per-exchange value handed to every middleware.
type Context struct {
	Req   *http1.Request
	Res   *http1.ResponseWriter
	State map[string]interface{}
	Log   *logger.Logger

	ctx        context.Context
	remoteAddr string
	start      time.Time
}

// NewContext builds a Context for one exchange. ServeConn does this for
// every connection; tests use it to drive Dispatch directly.
func NewContext(ctx context.Context, req *http1.Request, res *http1.ResponseWriter, remoteAddr string, lg *logger.Logger) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if lg == nil {
		lg = logger.NewNopLogger()
	}
	return &Context{
		Req:        req,
		Res:        res,
		State:      make(map[string]interface{}),
		Log:        lg,
		ctx:        ctx,
		remoteAddr: remoteAddr,
		start:      time.Now(),
	}
}

// Context returns the connection context. It is cancelled when the server
// shuts down.
func (c *Context) Context() context.Context { return c.ctx }

// RemoteAddr returns the peer address of the connection.
func (c *Context) RemoteAddr() string { return c.remoteAddr }

// StartTime returns when the exchange began.
func (c *Context) StartTime() time.Time { return c.start }

// Set stores a value for downstream middleware.
func (c *Context) Set(key string, value interface{}) { c.State[key] = value }

// Get returns a value stored with Set.
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.State[key]
	return v, ok
}

// Throw returns an *HTTPError; the dispatcher answers it with a default
// error response of that status unless the response has already started.
func (c *Context) Throw(status int, format string, args ...interface{}) error {
	return NewHTTPError(status, fmt.Sprintf(format, args...))
}

// JSON stages v as a JSON body with the given status.
func (c *Context) JSON(status int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode JSON response: %w", err)
	}
	if err := c.Res.SetStatus(status); err != nil {
		return err
	}
	if err := c.Res.SetHeader("content-type", "application/json; charset=utf-8"); err != nil {
		return err
	}
	return c.Res.SetBody(body)
}

// Text stages a plain text body with the given status.
func (c *Context) Text(status int, body string) error {
	if err := c.Res.SetStatus(status); err != nil {
		return err
	}
	if err := c.Res.SetHeader("content-type", "text/plain; charset=utf-8"); err != nil {
		return err
	}
	return c.Res.SetBodyString(body)
}
