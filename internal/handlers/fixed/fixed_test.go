package fixed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/onionhttp/internal/app"
	"example.com/onionhttp/internal/http1"
	"example.com/onionhttp/internal/logger"
)

func run(t *testing.T, raw string) *http.Response {
	t.Helper()
	mw, err := Factory(json.RawMessage(raw), logger.NewNopLogger())
	require.NoError(t, err)

	var out bytes.Buffer
	res := http1.NewResponseWriter(&out, http1.WriterOptions{})
	c := app.NewContext(context.Background(), http1.NewRequest("GET", "/", nil), res, "", nil)
	require.NoError(t, mw(c, func() error { t.Fatal("fixed handler must not call next"); return nil }))
	require.NoError(t, res.End())

	resp, err := http.ReadResponse(bufio.NewReader(&out), nil)
	require.NoError(t, err)
	return resp
}

func TestFixed_Defaults(t *testing.T) {
	resp := run(t, `null`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
}

func TestFixed_ConfiguredResponse(t *testing.T) {
	resp := run(t, `{"status_code": 201, "headers": {"content-type": "text/plain", "x-demo": "1"}, "body": "hello world!"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get("X-Demo"))
	assert.Equal(t, int64(12), resp.ContentLength)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", string(body))
}

func TestFixed_Chunked(t *testing.T) {
	resp := run(t, `{"body": "streamed", "chunked": true}`)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(body))
}

func TestFixed_InvalidConfig(t *testing.T) {
	for _, raw := range []string{
		`{"status_code": 42}`,
		`{"headers": {"bad name": "v"}}`,
		`{"body": 5}`,
		`{"status_code": 204, "body": "x"}`,
		`{"status_code": 304, "body": "x"}`,
		`{"status_code": 101, "body": "x"}`,
	} {
		_, err := Factory(json.RawMessage(raw), logger.NewNopLogger())
		assert.Error(t, err, raw)
	}

	_, err := New(Config{StatusCode: 204, Body: "gone"}, logger.NewNopLogger())
	assert.EqualError(t, err, "status_code 204 does not allow a body")
	_, err = New(Config{StatusCode: 204}, logger.NewNopLogger())
	assert.NoError(t, err, "an empty body is fine")
}
