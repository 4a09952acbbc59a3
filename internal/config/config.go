package config

import (
	"encoding/json"
	"time"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds listener and per-exchange limits.
// Durations are Go duration strings ("10s"); MaxBodySize is a human
// readable size ("10MB", "512KiB") and "0" means no limit.
type ServerConfig struct {
	Address                 *string `json:"address,omitempty" toml:"address,omitempty"`
	HeaderReadTimeout       *string `json:"header_read_timeout,omitempty" toml:"header_read_timeout,omitempty"`
	BodyReadTimeout         *string `json:"body_read_timeout,omitempty" toml:"body_read_timeout,omitempty"`
	WriteTimeout            *string `json:"write_timeout,omitempty" toml:"write_timeout,omitempty"`
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
	MaxHeaderLineBytes      *int    `json:"max_header_line_bytes,omitempty" toml:"max_header_line_bytes,omitempty"`
	MaxHeaderCount          *int    `json:"max_header_count,omitempty" toml:"max_header_count,omitempty"`
	MaxBodySize             *string `json:"max_body_size,omitempty" toml:"max_body_size,omitempty"`
}

// Limits is the parsed form of the ServerConfig limits.
type Limits struct {
	HeaderReadTimeout       time.Duration
	BodyReadTimeout         time.Duration
	WriteTimeout            time.Duration
	GracefulShutdownTimeout time.Duration
	MaxHeaderLineBytes      int
	MaxHeaderCount          int
	MaxBodyBytes            int64 // 0 is unlimited
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule. An empty Methods list matches any method.
type Route struct {
	PathPattern   string        `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType     `json:"match_type" toml:"match_type"`
	Methods       []string      `json:"methods,omitempty" toml:"methods,omitempty"`
	HandlerType   string        `json:"handler_type" toml:"handler_type"`
	HandlerConfig HandlerConfig `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// HandlerConfig is the opaque, handler specific part of a route. It is kept
// as JSON whichever format the file used, so handler factories only ever
// decode JSON.
type HandlerConfig json.RawMessage

// UnmarshalJSON keeps the raw bytes.
func (h *HandlerConfig) UnmarshalJSON(b []byte) error {
	*h = append((*h)[:0], b...)
	return nil
}

// MarshalJSON emits the raw bytes.
func (h HandlerConfig) MarshalJSON() ([]byte, error) {
	if len(h) == 0 {
		return []byte("null"), nil
	}
	return h, nil
}

// UnmarshalTOML converts the decoded TOML table to JSON.
func (h *HandlerConfig) UnmarshalTOML(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// Raw returns the config as json.RawMessage.
func (h HandlerConfig) Raw() json.RawMessage { return json.RawMessage(h) }

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// IsFilePath reports whether a log target names a file rather than a stdio stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}
