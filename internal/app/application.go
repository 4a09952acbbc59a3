// Package app implements the onion-model middleware dispatcher and the
// per-connection request/response exchange built on internal/http1.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"example.com/onionhttp/internal/http1"
	"example.com/onionhttp/internal/logger"
	"example.com/onionhttp/internal/util"
)

// Next runs the rest of the chain and returns its error.
type Next func() error

// Middleware is one layer of the onion. It may act before and after calling
// next, or not call next at all to short-circuit the chain.
type Middleware func(c *Context, next Next) error

// After a response the peer gets this long, and this many bytes, to finish
// sending and close before the connection is closed under it.
const (
	lingerTimeout  = 2 * time.Second
	lingerMaxBytes = 16 << 20
)

// Options holds the per-exchange limits.
type Options struct {
	Reader http1.ReaderOptions
	Writer http1.WriterOptions
}

// DefaultOptions returns the default reader limits and no write timeout.
func DefaultOptions() Options {
	return Options{Reader: http1.DefaultReaderOptions()}
}

// Application holds the ordered middleware list and serves exchanges.
type Application struct {
	log  *logger.Logger
	opts Options

	mu         sync.Mutex
	middleware []Middleware
	frozen     bool
	chain      []Middleware
}

// New creates an Application. A nil logger discards all output.
func New(lg *logger.Logger, opts Options) *Application {
	if lg == nil {
		lg = logger.NewNopLogger()
	}
	return &Application{log: lg, opts: opts}
}

// Use appends middleware in execution order. It fails once the application
// has been frozen.
func (a *Application) Use(mw ...Middleware) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return ErrApplicationFrozen
	}
	for _, m := range mw {
		if m == nil {
			return ErrNilMiddleware
		}
	}
	a.middleware = append(a.middleware, mw...)
	return nil
}

// Freeze fixes the middleware list. It is called implicitly by the first
// Dispatch or ServeConn and is safe to call repeatedly.
func (a *Application) Freeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return
	}
	a.frozen = true
	a.chain = append([]Middleware(nil), a.middleware...)
	a.middleware = nil
}

func (a *Application) frozenChain() []Middleware {
	a.Freeze()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chain
}

// Dispatch runs the middleware chain for c and returns the first error that
// escaped it. It does not finalize the response.
func (a *Application) Dispatch(c *Context) error {
	chain := a.frozenChain()
	return runChain(chain, 0, c)
}

func runChain(chain []Middleware, i int, c *Context) error {
	if i >= len(chain) {
		return nil
	}
	called := false
	next := func() error {
		if called {
			return ErrNextCalledTwice
		}
		called = true
		return runChain(chain, i+1, c)
	}
	return invoke(chain[i], c, next)
}

func invoke(mw Middleware, c *Context, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return mw(c, next)
}

// ServeConn runs a single exchange on conn: read the request head, run the
// chain, then finalize the response. It does not close conn. A non-nil
// error means the exchange failed; if it wraps ErrExchangeAborted the
// connection has been switched to an abortive close. Otherwise the write
// side of a TCP conn is shut down once the response is out.
func (a *Application) ServeConn(ctx context.Context, conn net.Conn) error {
	chain := a.frozenChain()
	start := time.Now()
	remote := ""
	if ra := conn.RemoteAddr(); ra != nil {
		remote = ra.String()
	}

	rr := http1.NewRequestReader(conn, a.opts.Reader)
	res := http1.NewResponseWriter(conn, a.opts.Writer)

	req, err := rr.ReadRequest()
	if err != nil {
		err = a.rejectHead(rr, res, remote, start, err)
	} else {
		c := NewContext(ctx, req, res, remote, a.log)
		c.start = start
		err = runChain(chain, 0, c)
		err = a.finish(c, err)
		a.access(c, err)
	}
	a.settle(conn, res, remote, err)
	return err
}

// settle prepares conn for the close that follows the exchange. An aborted
// exchange gets RST. Otherwise, once a response went out, the write side is
// shut down and unread request bytes are discarded so that closing does not
// reset a response the peer has not read yet.
func (a *Application) settle(conn net.Conn, res *http1.ResponseWriter, remote string, err error) {
	switch {
	case errors.Is(err, ErrExchangeAborted):
		if rerr := util.ResetOnClose(conn); rerr != nil {
			a.log.Debug("Failed to arm abortive close", logger.LogFields{"remote_addr": remote, "error": rerr.Error()})
		}
	case res.Started():
		if n, lerr := util.Linger(conn, lingerTimeout, lingerMaxBytes); lerr != nil {
			a.log.Debug("Peer kept the connection open after the response", logger.LogFields{"remote_addr": remote, "discarded": n, "error": lerr.Error()})
		}
	}
}

// rejectHead handles a request whose start line or headers could not be read.
func (a *Application) rejectHead(rr *http1.RequestReader, res *http1.ResponseWriter, remote string, start time.Time, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		// Peer connected and left without sending anything.
		return nil
	case errors.Is(err, http1.ErrReadTimeout):
		a.log.Debug("Timed out reading request head", logger.LogFields{"remote_addr": remote, "error": err.Error()})
		return err
	}
	var pe *http1.ProtocolError
	if !errors.As(err, &pe) {
		a.log.Debug("Transport error reading request head", logger.LogFields{"remote_addr": remote, "error": err.Error()})
		return err
	}

	status := pe.StatusCode()
	a.log.Info("Rejected malformed request", logger.LogFields{"remote_addr": remote, "status_code": status, "error": err.Error()})
	werr := WriteErrorResponse(res, status, "", pe.Detail, a.log)
	line, _ := rr.General()
	var header *http1.Header
	if h, herr := rr.Headers(); herr == nil {
		header = h
	}
	entry := logger.AccessEntry{
		RemoteAddr: remote,
		Method:     line.Method,
		Target:     line.Path,
		Version:    line.Version,
		Status:     status,
		BytesSent:  res.BytesWritten(),
		Duration:   time.Since(start),
		Err:        err,
	}
	if header != nil {
		entry.Header = header
	}
	a.log.Access(entry)
	if werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

// finish turns the chain outcome into exactly one response or an abort.
func (a *Application) finish(c *Context, chainErr error) error {
	res := c.Res
	if chainErr == nil {
		switch {
		case !res.Sent():
			if endErr := res.End(); endErr != nil {
				chainErr = fmt.Errorf("failed to finalize response: %w", endErr)
			}
		case res.Started() && !res.Complete():
			chainErr = fmt.Errorf("response cut short after %d bytes", res.BytesWritten())
		}
		if chainErr == nil {
			return nil
		}
	}

	switch {
	case res.Complete():
		// The peer has the whole response; only the log can report this.
		a.log.Warn("Middleware returned an error after the response was sent", a.fields(c, chainErr))
		return chainErr
	case res.Started():
		a.log.Error("Exchange failed after the response started", a.fields(c, chainErr))
		return fmt.Errorf("%w: %w", ErrExchangeAborted, chainErr)
	case res.Sent():
		// The response was committed but the connection refused every byte.
		a.log.Debug("Response could not be written", a.fields(c, chainErr))
		return chainErr
	}

	status, detail, extra := errorStatus(chainErr)
	fields := a.fields(c, chainErr)
	fields["status_code"] = status
	var pe *PanicError
	if errors.As(chainErr, &pe) {
		fields["stack"] = string(pe.Stack)
	}
	if status >= 500 {
		a.log.Error("Middleware returned an error", fields)
	} else {
		a.log.Debug("Middleware returned an error", fields)
	}
	if err := WriteErrorResponse(res, status, c.Req.Header.Get("accept"), detail, a.log, extra...); err != nil {
		return errors.Join(chainErr, err)
	}
	return chainErr
}

func (a *Application) fields(c *Context, err error) logger.LogFields {
	return logger.LogFields{
		"remote_addr": c.remoteAddr,
		"method":      c.Req.Method(),
		"target":      c.Req.Target(),
		"error":       err.Error(),
	}
}

func (a *Application) access(c *Context, err error) {
	a.log.Access(logger.AccessEntry{
		RemoteAddr: c.remoteAddr,
		Header:     c.Req.Header,
		Method:     c.Req.Method(),
		Target:     c.Req.Target(),
		Version:    c.Req.Version(),
		Status:     c.Res.Status(),
		BytesSent:  c.Res.BytesWritten(),
		Duration:   time.Since(c.start),
		Err:        err,
	})
}
