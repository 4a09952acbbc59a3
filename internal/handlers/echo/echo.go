// Package echo provides a handler that reflects a request back as JSON:
// its start line, its headers and its body. GET requests receive a small
// HTML form that posts back to the same path.
package echo

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"unicode/utf8"

	"example.com/onionhttp/internal/app"
	"example.com/onionhttp/internal/logger"
)

// HandlerType is the handler_type name used in routing configuration.
const HandlerType = "Echo"

// Config is the handler_config of an Echo route.
type Config struct {
	// IncludeBody controls whether the request body is read and echoed.
	// Defaults to true.
	IncludeBody *bool `json:"include_body,omitempty"`
	// Fields lists the form inputs rendered for GET requests.
	Fields []string `json:"fields,omitempty"`
}

// General is the echoed start line.
type General struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Reply is the JSON document returned for non-GET requests.
type Reply struct {
	General  General             `json:"general"`
	Headers  map[string][]string `json:"headers"`
	Body     string              `json:"body"`
	Trailers map[string][]string `json:"trailers,omitempty"`
}

// binaryReply is used when the body is not valid UTF-8; encoding/json
// renders the []byte body as base64.
type binaryReply struct {
	General      General             `json:"general"`
	Headers      map[string][]string `json:"headers"`
	Body         []byte              `json:"body"`
	BodyEncoding string              `json:"body_encoding"`
	Trailers     map[string][]string `json:"trailers,omitempty"`
}

// Handler echoes requests.
type Handler struct {
	includeBody bool
	form        []byte
	log         *logger.Logger
}

// New returns an echo Handler for cfg.
func New(cfg Config, lg *logger.Logger) *Handler {
	h := &Handler{includeBody: cfg.IncludeBody == nil || *cfg.IncludeBody, log: lg}
	fields := cfg.Fields
	if len(fields) == 0 {
		fields = []string{"nickName", "email"}
	}
	form := `<html><body><form method="POST" action="">`
	for _, f := range fields {
		name := html.EscapeString(f)
		form += fmt.Sprintf(`<p>%s</p><input name="%s" /><br/>`, name, name)
	}
	form += `<button type="submit">submit</button></form></body></html>`
	h.form = []byte(form)
	return h
}

// Factory builds an Echo handler from raw handler_config.
func Factory(raw json.RawMessage, lg *logger.Logger) (app.Middleware, error) {
	var cfg Config
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid handler_config: %w", err)
		}
	}
	return New(cfg, lg).Serve, nil
}

// Serve answers GET with the form and everything else with a JSON echo.
func (h *Handler) Serve(c *app.Context, next app.Next) error {
	req := c.Req
	if req.Method() == http.MethodGet {
		if err := c.Res.SetHeader("content-type", "text/html; charset=utf-8"); err != nil {
			return err
		}
		return c.Res.SetBody(h.form)
	}

	general := General{Method: req.Method(), Path: req.Target(), Version: req.Version()}
	headers := req.Header.Map()
	var data []byte
	var trailers map[string][]string
	if h.includeBody {
		body, err := req.Body()
		if err != nil {
			return err
		}
		if data, err = body.ReadAll(); err != nil {
			return err
		}
		if t := body.Trailer(); t != nil && t.Len() > 0 {
			trailers = t.Map()
		}
	}

	if utf8.Valid(data) {
		return c.JSON(http.StatusOK, Reply{General: general, Headers: headers, Body: string(data), Trailers: trailers})
	}
	h.log.Debug("Echoing binary request body as base64", logger.LogFields{"path": req.Path(), "bytes": len(data)})
	return c.JSON(http.StatusOK, binaryReply{General: general, Headers: headers, Body: data, BodyEncoding: "base64", Trailers: trailers})
}
