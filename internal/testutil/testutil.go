// Package testutil holds helpers shared by package and end-to-end tests:
// temporary config files, free ports and raw HTTP/1.1 exchanges over TCP.
package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig encodes configData as "json" or "toml" into a file under
// t.TempDir and returns its path.
func WriteTempConfig(t *testing.T, configData interface{}, format string) string {
	t.Helper()
	var data []byte
	var err error
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
	case "toml":
		var buf bytes.Buffer
		if err = toml.NewEncoder(&buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
	default:
		t.Fatalf("unsupported config format: %s", format)
	}
	if err != nil {
		t.Fatalf("failed to marshal config data to %s: %v", format, err)
	}

	path := filepath.Join(t.TempDir(), "config."+strings.ToLower(format))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write temp config file: %v", err)
	}
	return path
}

// RawExchange writes raw to addr and returns everything the server sends
// until it closes the connection.
func RawExchange(addr, raw string, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if _, err := io.WriteString(conn, raw); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return out, fmt.Errorf("failed to read response: %w", err)
	}
	return out, nil
}

// Response is a parsed raw response.
type Response struct {
	StatusCode int
	Header     http.Header
	// TransferEncoding is reported separately by net/http.
	TransferEncoding []string
	ContentLength    int64
	Body             []byte
	Trailer          http.Header
}

// ParseResponse parses exactly one HTTP/1.1 response from raw, decoding a
// chunked body.
func ParseResponse(raw []byte, method string) (*Response, error) {
	req := &http.Request{Method: method}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), req)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{
		StatusCode:       resp.StatusCode,
		Header:           resp.Header,
		TransferEncoding: resp.TransferEncoding,
		ContentLength:    resp.ContentLength,
		Body:             body,
		Trailer:          resp.Trailer,
	}, nil
}

// WaitForListener polls addr until a TCP connection succeeds.
func WaitForListener(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server at %s did not come up within %s: %w", addr, timeout, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
