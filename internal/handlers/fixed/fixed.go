// Package fixed provides a handler that answers every request with a
// configured status, header set and body.
package fixed

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"example.com/onionhttp/internal/app"
	"example.com/onionhttp/internal/http1"
	"example.com/onionhttp/internal/logger"
)

// HandlerType is the handler_type name used in routing configuration.
const HandlerType = "Fixed"

// Config is the handler_config of a Fixed route.
type Config struct {
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	// Chunked sends the body as a stream, which is framed with chunked encoding.
	Chunked bool `json:"chunked,omitempty"`
}

// Handler serves the configured response.
type Handler struct {
	cfg     Config
	headers []http1.HeaderField
	log     *logger.Logger
}

// New validates cfg and returns a Handler.
func New(cfg Config, lg *logger.Logger) (*Handler, error) {
	if cfg.StatusCode == 0 {
		cfg.StatusCode = 200
	}
	if cfg.StatusCode < 100 || cfg.StatusCode > 999 {
		return nil, fmt.Errorf("status_code %d is out of range", cfg.StatusCode)
	}
	if cfg.Body != "" && !http1.BodyAllowed(cfg.StatusCode) {
		return nil, fmt.Errorf("status_code %d does not allow a body", cfg.StatusCode)
	}
	h := &Handler{cfg: cfg, log: lg}
	names := make([]string, 0, len(cfg.Headers))
	for name := range cfg.Headers {
		names = append(names, name)
	}
	// Map order is random; keep the wire order stable.
	sort.Strings(names)
	for _, name := range names {
		value := cfg.Headers[name]
		if !http1.ValidField(name, value) {
			return nil, fmt.Errorf("invalid header %q", name)
		}
		h.headers = append(h.headers, http1.HeaderField{Name: name, Value: value})
	}
	return h, nil
}

// Factory builds a Fixed handler from raw handler_config.
func Factory(raw json.RawMessage, lg *logger.Logger) (app.Middleware, error) {
	var cfg Config
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid handler_config: %w", err)
		}
	}
	h, err := New(cfg, lg)
	if err != nil {
		return nil, err
	}
	return h.Serve, nil
}

// Serve stages the configured response. It does not call next.
func (h *Handler) Serve(c *app.Context, next app.Next) error {
	if err := c.Res.SetStatus(h.cfg.StatusCode); err != nil {
		return err
	}
	for _, f := range h.headers {
		if err := c.Res.SetHeader(f.Name, f.Value); err != nil {
			return err
		}
	}
	if h.cfg.Body == "" {
		return nil
	}
	if h.cfg.Chunked {
		return c.Res.SetBodyStream(strings.NewReader(h.cfg.Body))
	}
	return c.Res.SetBodyString(h.cfg.Body)
}
