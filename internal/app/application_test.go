package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/onionhttp/internal/http1"
	"example.com/onionhttp/internal/logger"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// bufConn is an in-memory net.Conn: reads come from a fixed request,
// writes are recorded.
type bufConn struct {
	in     io.Reader
	out    bytes.Buffer
	writes int
	closed bool
}

func newBufConn(raw string) *bufConn { return &bufConn{in: strings.NewReader(raw)} }

func (c *bufConn) Read(p []byte) (int, error)         { return c.in.Read(p) }
func (c *bufConn) Write(p []byte) (int, error)        { c.writes++; return c.out.Write(p) }
func (c *bufConn) Close() error                       { c.closed = true; return nil }
func (c *bufConn) LocalAddr() net.Addr                { return fakeAddr("127.0.0.1:3001") }
func (c *bufConn) RemoteAddr() net.Addr               { return fakeAddr("192.0.2.10:50000") }
func (c *bufConn) SetDeadline(t time.Time) error      { return nil }
func (c *bufConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bufConn) SetWriteDeadline(t time.Time) error { return nil }

func serve(t *testing.T, a *Application, raw string) (*bufConn, error) {
	t.Helper()
	conn := newBufConn(raw)
	err := a.ServeConn(context.Background(), conn)
	return conn, err
}

func readResponse(t *testing.T, conn *bufConn) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(conn.out.Bytes())), nil)
	require.NoError(t, err, "raw response: %q", conn.out.String())
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

const getRoot = "GET / HTTP/1.1\r\nHost: x\r\n\r\n"

func TestServeConn_HelloWorld(t *testing.T) {
	a := New(nil, DefaultOptions())
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		return c.Res.SetBodyString("hello world")
	}))

	conn, err := serve(t, a, getRoot)
	require.NoError(t, err)
	raw := conn.out.String()
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, raw, "content-length: 11\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nhello world"))
	assert.False(t, conn.closed, "ServeConn leaves closing to the caller")
}

func TestServeConn_OnionOrder(t *testing.T) {
	a := New(nil, DefaultOptions())
	var trace []string
	layer := func(name string) Middleware {
		return func(c *Context, next Next) error {
			trace = append(trace, name+" in")
			err := next()
			trace = append(trace, name+" out")
			return err
		}
	}
	require.NoError(t, a.Use(layer("a"), layer("b")))
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		trace = append(trace, "core")
		return c.Res.SetBodyString("ok")
	}))

	_, err := serve(t, a, getRoot)
	require.NoError(t, err)
	assert.Equal(t, []string{"a in", "b in", "core", "b out", "a out"}, trace)
}

func TestServeConn_ShortCircuit(t *testing.T) {
	a := New(nil, DefaultOptions())
	reached := 0
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		return c.Text(http.StatusForbidden, "nope")
	}))
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		reached++
		return nil
	}))

	conn, err := serve(t, a, getRoot)
	require.NoError(t, err)
	resp, body := readResponse(t, conn)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "nope", body)
	assert.Zero(t, reached)
}

func TestServeConn_EmptyChainSends200(t *testing.T) {
	conn, err := serve(t, New(nil, DefaultOptions()), getRoot)
	require.NoError(t, err)
	resp, body := readResponse(t, conn)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
	assert.Empty(t, body)
}

func TestServeConn_MalformedStartLine(t *testing.T) {
	var logs bytes.Buffer
	a := New(logger.NewTestLogger(&logs), DefaultOptions())
	called := false
	require.NoError(t, a.Use(func(c *Context, next Next) error { called = true; return nil }))

	conn, err := serve(t, a, "GARBAGE\r\n\r\n")
	assert.ErrorIs(t, err, http1.ErrMalformedStartLine)
	resp, body := readResponse(t, conn)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "Bad Request")
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.False(t, called, "the chain never runs for an unreadable head")
	assert.Contains(t, logs.String(), `"status":400`)
}

func TestServeConn_HeaderLimits(t *testing.T) {
	opts := DefaultOptions()
	opts.Reader.MaxLineBytes = 64
	a := New(nil, opts)

	conn, err := serve(t, a, "GET / HTTP/1.1\r\nX-Long: "+strings.Repeat("a", 100)+"\r\n\r\n")
	assert.ErrorIs(t, err, http1.ErrHeaderLineTooLong)
	resp, _ := readResponse(t, conn)
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
}

func TestServeConn_ClientClosedWithoutRequest(t *testing.T) {
	conn, err := serve(t, New(nil, DefaultOptions()), "")
	assert.NoError(t, err)
	assert.Zero(t, conn.out.Len())
}

func TestServeConn_TruncatedBody(t *testing.T) {
	a := New(nil, DefaultOptions())
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		body, err := c.Req.Body()
		if err != nil {
			return err
		}
		data, err := body.ReadAll()
		if err != nil {
			return err
		}
		return c.Res.SetBody(data)
	}))

	conn, err := serve(t, a, "POST / HTTP/1.1\r\ncontent-length: 10\r\n\r\nabc")
	assert.ErrorIs(t, err, http1.ErrTruncatedBody)
	resp, _ := readResponse(t, conn)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeConn_ThrowNegotiatesJSON(t *testing.T) {
	a := New(nil, DefaultOptions())
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		_ = c.Res.SetBodyString("discarded")
		return c.Throw(http.StatusNotFound, "no widget %d", 7)
	}))

	conn, err := serve(t, a, "GET /w/7 HTTP/1.1\r\nAccept: application/json\r\n\r\n")
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Status)

	resp, body := readResponse(t, conn)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	var decoded ErrorResponseJSON
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	assert.Equal(t, ErrorDetail{StatusCode: 404, Message: "Not Found", Detail: "no widget 7"}, decoded.Error)
}

func TestServeConn_PlainErrorIs500WithoutDetail(t *testing.T) {
	a := New(nil, DefaultOptions())
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		return errors.New("database password is hunter2")
	}))

	conn, err := serve(t, a, getRoot)
	require.Error(t, err)
	resp, body := readResponse(t, conn)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body, "hunter2")
}

func TestServeConn_PanicRecovered(t *testing.T) {
	var logs bytes.Buffer
	a := New(logger.NewTestLogger(&logs), DefaultOptions())
	var seen error
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		seen = next()
		return seen
	}))
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		panic("kaboom")
	}))

	conn, err := serve(t, a, getRoot)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.ErrorAs(t, seen, &pe, "outer layers observe the panic as an error from next")
	resp, _ := readResponse(t, conn)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, logs.String(), "kaboom")
}

func TestServeConn_NextCalledTwice(t *testing.T) {
	a := New(nil, DefaultOptions())
	var second error
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		if err := next(); err != nil {
			return err
		}
		second = next()
		return nil
	}))
	count := 0
	require.NoError(t, a.Use(func(c *Context, next Next) error { count++; return nil }))

	_, err := serve(t, a, getRoot)
	require.NoError(t, err)
	assert.ErrorIs(t, second, ErrNextCalledTwice)
	assert.Equal(t, 1, count)
}

func TestServeConn_MiddlewareEndsResponse(t *testing.T) {
	a := New(nil, DefaultOptions())
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		if err := c.Res.SetBodyString("early"); err != nil {
			return err
		}
		return c.Res.End()
	}))

	conn, err := serve(t, a, getRoot)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(conn.out.String(), "HTTP/1.1 "), "the dispatcher does not end twice")
}

func TestServeConn_FinalizeFailureBecomes500(t *testing.T) {
	a := New(nil, DefaultOptions())
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		if err := c.Res.SetHeader("content-length", "99"); err != nil {
			return err
		}
		return c.Res.SetBodyString("short")
	}))

	conn, err := serve(t, a, getRoot)
	assert.ErrorIs(t, err, http1.ErrBodyLengthMismatch)
	resp, _ := readResponse(t, conn)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServeConn_ErrorAfterCompleteResponse(t *testing.T) {
	out := &bytes.Buffer{}
	a := New(logger.NewTestLogger(out), DefaultOptions())
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		if err := c.Res.SetBodyString("complete"); err != nil {
			return err
		}
		if err := c.Res.End(); err != nil {
			return err
		}
		return errors.New("late failure")
	}))

	conn, err := serve(t, a, getRoot)
	assert.EqualError(t, err, "late failure")
	assert.NotErrorIs(t, err, ErrExchangeAborted, "a complete response is closed normally")
	assert.Equal(t, 1, strings.Count(conn.out.String(), "HTTP/1.1 "), "no error response is appended")
	resp, body := readResponse(t, conn)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "complete", body)
	assert.Contains(t, out.String(), "Middleware returned an error after the response was sent")
}

func TestServeConn_PartialWriteAborts(t *testing.T) {
	partial := func(c *Context) error {
		if err := c.Res.SetHeader("content-length", "10"); err != nil {
			return err
		}
		if err := c.Res.SetBodyStream(strings.NewReader("part")); err != nil {
			return err
		}
		return c.Res.End()
	}

	t.Run("error returned", func(t *testing.T) {
		a := New(nil, DefaultOptions())
		require.NoError(t, a.Use(func(c *Context, next Next) error { return partial(c) }))

		conn, err := serve(t, a, getRoot)
		assert.ErrorIs(t, err, ErrExchangeAborted)
		assert.ErrorIs(t, err, http1.ErrBodyLengthMismatch)
		assert.Equal(t, 1, strings.Count(conn.out.String(), "HTTP/1.1 "), "no error response is appended")
	})

	t.Run("error swallowed", func(t *testing.T) {
		a := New(nil, DefaultOptions())
		require.NoError(t, a.Use(func(c *Context, next Next) error {
			_ = partial(c)
			return nil
		}))

		_, err := serve(t, a, getRoot)
		assert.ErrorIs(t, err, ErrExchangeAborted)
		assert.ErrorContains(t, err, "response cut short")
	})
}

func TestServeConn_ResponseTime(t *testing.T) {
	a := New(nil, DefaultOptions())
	require.NoError(t, a.Use(ResponseTime()))
	require.NoError(t, a.Use(func(c *Context, next Next) error { return c.Res.SetBodyString("hi") }))

	conn, err := serve(t, a, getRoot)
	require.NoError(t, err)
	resp, _ := readResponse(t, conn)
	assert.Regexp(t, `^\d+ms$`, resp.Header.Get("X-Response-Time"))
}

func TestApplication_FrozenAfterServe(t *testing.T) {
	a := New(nil, DefaultOptions())
	noop := func(c *Context, next Next) error { return next() }
	require.NoError(t, a.Use(noop))
	assert.ErrorIs(t, a.Use(nil), ErrNilMiddleware)

	_, err := serve(t, a, getRoot)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Use(noop), ErrApplicationFrozen)
}

func TestDispatch_StateAndCompose(t *testing.T) {
	a := New(nil, DefaultOptions())
	var order []string
	step := func(name string) Middleware {
		return func(c *Context, next Next) error {
			order = append(order, name)
			return next()
		}
	}
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		c.Set("user", "ada")
		return next()
	}))
	require.NoError(t, a.Use(Compose(step("x"), step("y"))))
	require.NoError(t, a.Use(func(c *Context, next Next) error {
		user, ok := c.Get("user")
		require.True(t, ok)
		return c.Text(http.StatusOK, user.(string))
	}))

	res := http1.NewResponseWriter(io.Discard, http1.WriterOptions{})
	c := NewContext(context.Background(), http1.NewRequest("GET", "/", nil), res, "192.0.2.1:1", nil)
	require.NoError(t, a.Dispatch(c))
	assert.Equal(t, []string{"x", "y"}, order)
	assert.Equal(t, "ada", string(res.Body()))
	assert.Equal(t, "192.0.2.1:1", c.RemoteAddr())
	assert.False(t, c.StartTime().IsZero())
	assert.NotNil(t, c.Context())
}
