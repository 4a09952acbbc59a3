// Package logger provides the error and access logs of the server, both
// written through zerolog.
package logger

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"example.com/onionhttp/internal/config"
)

// LogFields carries structured context for a log line.
type LogFields map[string]interface{}

// HeaderGetter is the part of a header table the access log needs.
type HeaderGetter interface {
	Get(name string) string
}

// AccessEntry describes one completed exchange.
type AccessEntry struct {
	RemoteAddr string
	Header     HeaderGetter
	Method     string
	Target     string
	Version    string
	Status     int
	BytesSent  int64
	Duration   time.Duration
	Err        error
}

type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// Logger holds the error and access loggers.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog zerolog.Logger

	accessEnabled bool
	accessFormat  string
	realIPHeader  string
	proxies       parsedProxiesContainer

	files []*reopenableFile
}

// NewLogger builds a Logger from a defaulted logging config. File targets
// are opened for append and can be reopened with ReopenLogFiles.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}
	l := &Logger{}

	errTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errTarget = *cfg.ErrorLog.Target
	}
	errOut, err := l.openTarget(errTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log target %s: %w", errTarget, err)
	}
	l.errorLog = zerolog.New(errOut).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger()

	l.accessLog = zerolog.Nop()
	if a := cfg.AccessLog; a != nil && (a.Enabled == nil || *a.Enabled) {
		target := "stdout"
		if a.Target != nil {
			target = *a.Target
		}
		out, err := l.openTarget(target)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log target %s: %w", target, err)
		}
		proxies, err := preParseTrustedProxies(a.TrustedProxies)
		if err != nil {
			l.CloseLogFiles()
			return nil, err
		}
		l.accessEnabled = true
		l.accessFormat = a.Format
		l.proxies = proxies
		if a.RealIPHeader != nil {
			l.realIPHeader = *a.RealIPHeader
		}
		l.accessLog = newAccessZerolog(out, a.Format)
	}
	return l, nil
}

// NewTestLogger logs everything, access lines included, as JSON to out.
func NewTestLogger(out io.Writer) *Logger {
	return &Logger{
		errorLog:      zerolog.New(out).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
		accessLog:     newAccessZerolog(out, "json"),
		accessEnabled: true,
		accessFormat:  "json",
	}
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return &Logger{errorLog: zerolog.Nop(), accessLog: zerolog.Nop()}
}

func newAccessZerolog(out io.Writer, format string) zerolog.Logger {
	if format == "text" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339, PartsExclude: []string{zerolog.LevelFieldName}}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func (l *Logger) openTarget(target string) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f := &reopenableFile{path: target}
	if err := f.open(); err != nil {
		return nil, err
	}
	l.files = append(l.files, f)
	return f, nil
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		if len(f) > 0 {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.log(l.errorLog.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { l.log(l.errorLog.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { l.log(l.errorLog.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { l.log(l.errorLog.Error(), msg, fields) }

// Access writes one access log line, if access logging is enabled.
func (l *Logger) Access(e AccessEntry) {
	if !l.accessEnabled {
		return
	}
	clientIP := getRealClientIP(e.RemoteAddr, e.Header, l.realIPHeader, l.proxies)

	if l.accessFormat == "text" {
		line := fmt.Sprintf("%s \"%s %s %s\" %d %s %s", clientIP, e.Method, e.Target, e.Version,
			e.Status, humanize.Bytes(uint64(max(e.BytesSent, 0))), e.Duration.Round(time.Microsecond))
		if e.Err != nil {
			line += " error=" + e.Err.Error()
		}
		l.accessLog.Log().Msg(line)
		return
	}

	ev := l.accessLog.Log().
		Str("remote_addr", clientIP).
		Str("method", e.Method).
		Str("uri", e.Target).
		Str("protocol", e.Version).
		Int("status", e.Status).
		Int64("resp_bytes", e.BytesSent).
		Int64("duration_us", e.Duration.Microseconds())
	if e.Header != nil {
		if ua := e.Header.Get("user-agent"); ua != "" {
			ev = ev.Str("user_agent", ua)
		}
	}
	if e.Err != nil {
		ev = ev.Str("error", e.Err.Error())
	}
	ev.Send()
}

// CloseLogFiles closes every file target.
func (l *Logger) CloseLogFiles() error {
	var first error
	for _, f := range l.files {
		if err := f.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReopenLogFiles reopens every file target, for log rotation on SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	for _, f := range l.files {
		if err := f.reopen(); err != nil {
			return fmt.Errorf("failed to reopen log file %s: %w", f.path, err)
		}
	}
	return nil
}

// reopenableFile lets the zerolog writers survive a reopen.
type reopenableFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func (r *reopenableFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	return nil
}

func (r *reopenableFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	return r.f.Write(p)
}

func (r *reopenableFile) reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.f
	if err := r.open(); err != nil {
		r.f = old
		return err
	}
	if old != nil {
		old.Close()
	}
	return nil
}

func (r *reopenableFile) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var c parsedProxiesContainer
	for _, s := range proxyStrings {
		if _, ipNet, err := net.ParseCIDR(s); err == nil {
			c.cidrs = append(c.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return c, fmt.Errorf("invalid trusted proxy entry '%s'", s)
		}
		c.ips = append(c.ips, ip)
	}
	return c, nil
}

func isIPTrusted(ip net.IP, trusted parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, n := range trusted.cidrs {
		if n.Contains(ip) {
			return true
		}
	}
	for _, t := range trusted.ips {
		if t.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP returns the direct peer address unless the peer is a
// trusted proxy, in which case the header chain is walked right to left
// and the first untrusted address wins.
func getRealClientIP(remoteAddr string, headers HeaderGetter, realIPHeader string, trusted parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeader == "" || headers == nil || !isIPTrusted(net.ParseIP(peer), trusted) {
		return peer
	}
	value := headers.Get(realIPHeader)
	if value == "" {
		return peer
	}

	hops := strings.Split(value, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		ip := net.ParseIP(hop)
		if ip == nil {
			// A malformed chain is not trusted at all.
			return peer
		}
		if !isIPTrusted(ip, trusted) {
			return hop
		}
	}
	return peer
}
