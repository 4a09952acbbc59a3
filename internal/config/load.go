package config

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"golang.org/x/net/http/httpguts"
)

const (
	defaultServerAddress           = "127.0.0.1:3001"
	defaultHeaderReadTimeout       = "10s"
	defaultBodyReadTimeout         = "30s"
	defaultWriteTimeout            = "30s"
	defaultGracefulShutdownTimeout = "30s"
	defaultMaxHeaderLineBytes      = 8192
	defaultMaxHeaderCount          = 100
	defaultMaxBodySize             = "10MB"

	defaultLogLevel              = LogLevelInfo
	defaultAccessLogEnabled      = true
	defaultAccessLogTarget       = "stdout"
	defaultAccessLogFormat       = "json"
	defaultAccessLogRealIPHeader = "X-Forwarded-For"
	defaultErrorLogTarget        = "stderr"
)

// LoadConfig reads, parses, defaults and validates a configuration file.
// ".json" and ".toml" files are parsed as such; any other extension is
// tried as JSON first and TOML second.
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", filePath, err)
	}

	cfg, err := parseConfig(data, strings.ToLower(filepath.Ext(filePath)))
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filePath, err)
	}
	return cfg, nil
}

func parseConfig(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		jsonErr := json.Unmarshal(data, &cfg)
		if jsonErr == nil {
			return &cfg, nil
		}
		cfg = Config{}
		if _, tomlErr := toml.Decode(string(data), &cfg); tomlErr != nil {
			return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v", jsonErr, tomlErr)
		}
	}
	return &cfg, nil
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	setStr(&s.Address, defaultServerAddress)
	setStr(&s.HeaderReadTimeout, defaultHeaderReadTimeout)
	setStr(&s.BodyReadTimeout, defaultBodyReadTimeout)
	setStr(&s.WriteTimeout, defaultWriteTimeout)
	setStr(&s.GracefulShutdownTimeout, defaultGracefulShutdownTimeout)
	setStr(&s.MaxBodySize, defaultMaxBodySize)
	if s.MaxHeaderLineBytes == nil {
		v := defaultMaxHeaderLineBytes
		s.MaxHeaderLineBytes = &v
	}
	if s.MaxHeaderCount == nil {
		v := defaultMaxHeaderCount
		s.MaxHeaderCount = &v
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}
	if cfg.Routing.Routes == nil {
		cfg.Routing.Routes = []Route{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = defaultLogLevel
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		v := defaultAccessLogEnabled
		l.AccessLog.Enabled = &v
	}
	setStr(&l.AccessLog.Target, defaultAccessLogTarget)
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = defaultAccessLogFormat
	}
	setStr(&l.AccessLog.RealIPHeader, defaultAccessLogRealIPHeader)
	if l.AccessLog.TrustedProxies == nil {
		l.AccessLog.TrustedProxies = []string{}
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	setStr(&l.ErrorLog.Target, defaultErrorLogTarget)
}

func setStr(p **string, def string) {
	if *p == nil {
		v := def
		*p = &v
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateRouting(cfg.Routing); err != nil {
		return err
	}
	return validateLogging(cfg.Logging)
}

func validateServer(s *ServerConfig) error {
	if s == nil {
		return fmt.Errorf("server section is missing")
	}
	if s.Address == nil || *s.Address == "" {
		return fmt.Errorf("server.address cannot be an empty string")
	}
	durations := []struct {
		name  string
		value *string
	}{
		{"header_read_timeout", s.HeaderReadTimeout},
		{"body_read_timeout", s.BodyReadTimeout},
		{"write_timeout", s.WriteTimeout},
		{"graceful_shutdown_timeout", s.GracefulShutdownTimeout},
	}
	for _, d := range durations {
		if _, err := parsePositiveDuration(d.name, d.value); err != nil {
			return err
		}
	}
	if s.MaxHeaderLineBytes != nil && *s.MaxHeaderLineBytes <= 0 {
		return fmt.Errorf("server.max_header_line_bytes must be positive, got %d", *s.MaxHeaderLineBytes)
	}
	if s.MaxHeaderCount != nil && *s.MaxHeaderCount <= 0 {
		return fmt.Errorf("server.max_header_count must be positive, got %d", *s.MaxHeaderCount)
	}
	if s.MaxBodySize != nil {
		if _, err := parseBodySize(*s.MaxBodySize); err != nil {
			return err
		}
	}
	return nil
}

// parseBodySize parses server.max_body_size. "0" disables the limit.
func parseBodySize(v string) (int64, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid format for server.max_body_size '%s': %w", v, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("server.max_body_size '%s' is too large", v)
	}
	return int64(n), nil
}

func parsePositiveDuration(name string, value *string) (time.Duration, error) {
	if value == nil {
		return 0, nil
	}
	if *value == "" {
		return 0, fmt.Errorf("server.%s cannot be an empty string if specified", name)
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return 0, fmt.Errorf("invalid format for server.%s '%s': %w", name, *value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("server.%s must be a positive duration, got '%s'", name, *value)
	}
	return d, nil
}

// Limits parses the server limits. The config must have been validated.
func (s *ServerConfig) Limits() (Limits, error) {
	var lim Limits
	var err error
	if lim.HeaderReadTimeout, err = parsePositiveDuration("header_read_timeout", s.HeaderReadTimeout); err != nil {
		return lim, err
	}
	if lim.BodyReadTimeout, err = parsePositiveDuration("body_read_timeout", s.BodyReadTimeout); err != nil {
		return lim, err
	}
	if lim.WriteTimeout, err = parsePositiveDuration("write_timeout", s.WriteTimeout); err != nil {
		return lim, err
	}
	if lim.GracefulShutdownTimeout, err = parsePositiveDuration("graceful_shutdown_timeout", s.GracefulShutdownTimeout); err != nil {
		return lim, err
	}
	if s.MaxHeaderLineBytes != nil {
		lim.MaxHeaderLineBytes = *s.MaxHeaderLineBytes
	}
	if s.MaxHeaderCount != nil {
		lim.MaxHeaderCount = *s.MaxHeaderCount
	}
	if s.MaxBodySize != nil {
		n, err := parseBodySize(*s.MaxBodySize)
		if err != nil {
			return lim, err
		}
		lim.MaxBodyBytes = n
	}
	return lim, nil
}

func validateRouting(r *RoutingConfig) error {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	for i, route := range r.Routes {
		if route.PathPattern == "" {
			return fmt.Errorf("routing.routes[%d].path_pattern cannot be empty", i)
		}
		if !strings.HasPrefix(route.PathPattern, "/") {
			return fmt.Errorf("routing.routes[%d].path_pattern '%s' must start with '/'", i, route.PathPattern)
		}
		switch route.MatchType {
		case MatchTypeExact, MatchTypePrefix:
		case "":
			return fmt.Errorf("routing.routes[%d].match_type is missing for path_pattern '%s'; must be 'Exact' or 'Prefix'", i, route.PathPattern)
		default:
			return fmt.Errorf("routing.routes[%d].match_type '%s' is invalid for path_pattern '%s'; must be 'Exact' or 'Prefix'", i, route.MatchType, route.PathPattern)
		}
		if route.HandlerType == "" {
			return fmt.Errorf("routing.routes[%d].handler_type cannot be empty for path_pattern '%s'", i, route.PathPattern)
		}
		for _, m := range route.Methods {
			if !httpguts.ValidHeaderFieldName(m) {
				return fmt.Errorf("routing.routes[%d].methods entry '%s' is not a valid method token", i, m)
			}
		}
		methods := "*"
		if len(route.Methods) > 0 {
			methods = strings.Join(route.Methods, ",")
		}
		key := string(route.MatchType) + " " + route.PathPattern + " " + methods
		if seen[key] {
			return fmt.Errorf("ambiguous route: duplicate PathPattern '%s' and MatchType '%s' found", route.PathPattern, route.MatchType)
		}
		seen[key] = true
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	if l == nil {
		return nil
	}
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level '%s' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'", l.LogLevel)
	}
	if a := l.AccessLog; a != nil {
		if err := validateTarget("logging.access_log.target", a.Target); err != nil {
			return err
		}
		if a.Format != "json" && a.Format != "text" {
			return fmt.Errorf("logging.access_log.format '%s' is invalid; must be 'json' or 'text'", a.Format)
		}
		if a.RealIPHeader != nil && *a.RealIPHeader == "" {
			return fmt.Errorf("logging.access_log.real_ip_header, if provided, cannot be empty")
		}
		for _, p := range a.TrustedProxies {
			if _, _, err := net.ParseCIDR(p); err == nil {
				continue
			}
			if net.ParseIP(p) == nil {
				return fmt.Errorf("logging.access_log.trusted_proxies entry '%s' is not a valid CIDR or IP address", p)
			}
		}
	}
	if e := l.ErrorLog; e != nil {
		if err := validateTarget("logging.error_log.target", e.Target); err != nil {
			return err
		}
	}
	return nil
}

func validateTarget(name string, target *string) error {
	if target == nil {
		return nil
	}
	if *target == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if IsFilePath(*target) && !filepath.IsAbs(*target) {
		return fmt.Errorf("%s path '%s' must be absolute", name, *target)
	}
	return nil
}
